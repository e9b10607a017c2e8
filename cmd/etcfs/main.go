// Command etcfs mounts the per-stratum /etc overlay filesystem, wiring
// internal/etcfs's Engine to a local stratum's /etc, the bedrock stratum's
// /etc as the global reference, and the ambient config/metrics/health
// stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bedrocklinux/bedrock-go/internal/bcfg"
	"github.com/bedrocklinux/bedrock-go/internal/bhealth"
	"github.com/bedrocklinux/bedrock-go/internal/bmetrics"
	"github.com/bedrocklinux/bedrock-go/internal/etcfs"
	"github.com/bedrocklinux/bedrock-go/internal/pathutil"
	"github.com/bedrocklinux/bedrock-go/pkg/bconfig"
	"github.com/bedrocklinux/bedrock-go/pkg/blog"
)

const bedrockStratum = "bedrock"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fset := flag.NewFlagSet("etcfs", flag.ContinueOnError)
	configPath := fset.String("c", "", "path to a YAML config file (optional)")
	debug := fset.Bool("d", false, "enable go-fuse debug logging")
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if fset.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: etcfs [-c config.yaml] [-d] <local-stratum> <mountpoint>")
		return 2
	}
	localAlias := fset.Arg(0)
	mountPoint := fset.Arg(1)

	cfg := bconfig.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "etcfs: %v\n", err)
			return 1
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "etcfs: %v\n", err)
		return 1
	}

	log, err := blog.Setup(cfg.Global.LogLevel, cfg.Global.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "etcfs: %v\n", err)
		return 1
	}

	localStratum, err := pathutil.DerefAlias(localAlias)
	if err != nil {
		fmt.Fprintf(os.Stderr, "etcfs: %v\n", err)
		return 1
	}

	localFd, err := openEtcDir(localStratum)
	if err != nil {
		fmt.Fprintf(os.Stderr, "etcfs: local stratum %s: %v\n", localStratum, err)
		return 1
	}
	globalFd, err := openEtcDir(bedrockStratum)
	if err != nil {
		fmt.Fprintf(os.Stderr, "etcfs: bedrock stratum: %v\n", err)
		return 1
	}

	router := &etcfs.Router{
		LocalRefFd:   localFd,
		GlobalRefFd:  globalFd,
		LocalStratum: localStratum,
	}
	model := etcfs.NewModel(captureInject)
	router.Model = model

	engine := &etcfs.Engine{
		Model:   model,
		Router:  router,
		Log:     log,
		Bedrock: bedrockStratum,
		Metrics: bmetrics.New("etcfs"),
	}
	engine.Core = bcfg.NewCore(model, model)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health := bhealth.New(bhealth.ModeLocked, mountPoint, 5*time.Second, time.Second)
	go health.Run(ctx)
	go func() {
		if err := health.Serve(ctx, cfg.Global.HealthPort); err != nil {
			log.Errorf("etcfs: health listener: %v", err)
		}
	}()
	if collector, ok := engine.Metrics.(*bmetrics.Collector); ok {
		go func() {
			if err := collector.Serve(ctx, cfg.Global.MetricsPort); err != nil {
				log.Errorf("etcfs: metrics listener: %v", err)
			}
		}()
	}

	server, err := fs.Mount(mountPoint, etcfs.NewRoot(engine), &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:        *debug,
			MaxReadAhead: cfg.Fuse.MaxRead,
			MaxWrite:     cfg.Fuse.MaxWrite,
			FsName:       "etcfs",
			Name:         "etcfs",
		},
		EntryTimeout: &cfg.Fuse.EntryTimeout,
		AttrTimeout:  &cfg.Fuse.AttrTimeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "etcfs: mount %s: %v\n", mountPoint, err)
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("etcfs: received signal, unmounting %s", mountPoint)
		_ = server.Unmount()
	}()

	server.Wait()
	return 0
}

// openEtcDir opens the /etc directory under a stratum root, for use as
// etcfs.Router's local/global reference fd.
func openEtcDir(stratum string) (int, error) {
	return unix.Open(pathutil.StrataRoot+stratum+"/etc", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
}

// captureInject implements etcfs.Model.CaptureInject: INJECT overrides name
// an absolute source path (commonly under the bedrock stratum) whose bytes
// are captured once, at add_override time, per spec.md §3.
func captureInject(sourcePath string) ([]byte, error) {
	return os.ReadFile(sourcePath)
}
