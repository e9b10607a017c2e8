// Command crossfs mounts the union/filter filesystem at a given mount
// point, wiring internal/crossfs's Engine to the real /bedrock/strata/
// hierarchy, the bouncer binary on disk, and the ambient config/metrics/
// health stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bedrocklinux/bedrock-go/internal/bcfg"
	"github.com/bedrocklinux/bedrock-go/internal/bhealth"
	"github.com/bedrocklinux/bedrock-go/internal/bmetrics"
	"github.com/bedrocklinux/bedrock-go/internal/crossfs"
	"github.com/bedrocklinux/bedrock-go/internal/rootfs"
	"github.com/bedrocklinux/bedrock-go/internal/strataio"
	"github.com/bedrocklinux/bedrock-go/pkg/bconfig"
	"github.com/bedrocklinux/bedrock-go/pkg/blog"
)

const (
	defaultCfgPath   = "/.bedrock-config-filesystem"
	defaultLocalPath = "/bedrock-local-alias"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fset := flag.NewFlagSet("crossfs", flag.ContinueOnError)
	configPath := fset.String("c", "", "path to a YAML config file (optional)")
	bouncerPath := fset.String("bouncer", "/bedrock/libexec/bouncer", "path to the bouncer executable")
	debug := fset.Bool("d", false, "enable go-fuse debug logging")
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if fset.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: crossfs [-c config.yaml] [-d] <mountpoint>")
		return 2
	}
	mountPoint := fset.Arg(0)

	cfg := bconfig.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "crossfs: %v\n", err)
			return 1
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "crossfs: %v\n", err)
		return 1
	}

	log, err := blog.Setup(cfg.Global.LogLevel, cfg.Global.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crossfs: %v\n", err)
		return 1
	}

	root := rootfs.Select()
	log.Infof("crossfs: root substrate %s", root.Mode())

	engine := &crossfs.Engine{
		Model:       crossfs.NewModel(strataio.StrataOpener{}),
		Resolver:    strataio.CallerResolver{},
		Bouncer:     strataio.BouncerFile{Path: *bouncerPath},
		Service:     crossfs.NewServiceRewriter(),
		Log:         log,
		Root:        root,
		LockedDir:   rootfs.Locked(),
		CfgPath:     defaultCfgPath,
		LocalPath:   defaultLocalPath,
		Concurrency: 4,
		Metrics:     bmetrics.New("crossfs"),
	}
	engine.Core = bcfg.NewCore(engine.Model, engine.Model)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health := bhealth.New(bhealth.RootMode(root.Mode()), mountPoint, 5*time.Second, time.Second)
	go health.Run(ctx)
	go func() {
		if err := health.Serve(ctx, cfg.Global.HealthPort); err != nil {
			log.Errorf("crossfs: health listener: %v", err)
		}
	}()
	if collector, ok := engine.Metrics.(*bmetrics.Collector); ok {
		go func() {
			if err := collector.Serve(ctx, cfg.Global.MetricsPort); err != nil {
				log.Errorf("crossfs: metrics listener: %v", err)
			}
		}()
	}

	server, err := fs.Mount(mountPoint, crossfs.NewRoot(engine), &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:        *debug,
			MaxReadAhead: cfg.Fuse.MaxRead,
			MaxWrite:     cfg.Fuse.MaxWrite,
			FsName:       "crossfs",
			Name:         "crossfs",
		},
		EntryTimeout: &cfg.Fuse.EntryTimeout,
		AttrTimeout:  &cfg.Fuse.AttrTimeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "crossfs: mount %s: %v\n", mountPoint, err)
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("crossfs: received signal, unmounting %s", mountPoint)
		_ = server.Unmount()
	}()

	server.Wait()
	return 0
}
