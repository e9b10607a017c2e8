// Package etcfs implements the per-stratum /etc overlay filesystem:
// requests are routed to either the bedrock (global) /etc or the local
// stratum's /etc, with a set of configured overrides continuously
// enforced against whichever one answers. See internal/bcfg for the
// shared mutation core and internal/pathutil for path arithmetic.
package etcfs

import (
	"fmt"
	"sort"
	"strings"

	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
)

// OverrideType names one of the three enforcement behaviors spec.md
// §3 assigns to a configured override.
type OverrideType string

const (
	OverrideSymlink   OverrideType = "symlink"
	OverrideDirectory OverrideType = "directory"
	OverrideInject    OverrideType = "inject"
)

func ParseOverrideType(s string) (OverrideType, error) {
	switch OverrideType(s) {
	case OverrideSymlink, OverrideDirectory, OverrideInject:
		return OverrideType(s), nil
	}
	return "", berrors.NewError(berrors.ErrCodeInvalidConfig, "unknown override type").WithContext("type", s)
}

// Override is one configured enforcement rule. Content holds the raw
// add_override argument: a symlink target for SYMLINK, unused for
// DIRECTORY, and the source file path for INJECT (whose bytes are
// captured into Inject at add time, per spec.md §3's "captured at add
// time" rule).
type Override struct {
	Path    string
	Type    OverrideType
	Content string
	Inject  []byte

	lastApplied int64 // unix seconds; debounces re-application within 1s
}

// Model holds etcfs's globals and overrides; its serialized form and size
// are computed on demand by Serialize. All mutation runs under the write
// lock of the bcfg.Core that holds it.
type Model struct {
	globals       map[string]bool
	overrides     []*Override
	overrideByPath map[string]*Override

	// CaptureInject loads the byte content an INJECT override should
	// enforce, from the source path named in add_override's <content>
	// argument. Abstracted so the model doesn't need direct filesystem
	// access (production wiring reads the source path as given).
	CaptureInject func(sourcePath string) ([]byte, error)
}

func NewModel(captureInject func(string) ([]byte, error)) *Model {
	return &Model{
		globals:        make(map[string]bool),
		overrideByPath: make(map[string]*Override),
		CaptureInject:  captureInject,
	}
}

// Apply implements bcfg.Parser.
func (m *Model) Apply(cmd string) error {
	cmd = strings.TrimSuffix(cmd, "\n")
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return berrors.NewError(berrors.ErrCodeConfigParse, "empty command")
	}

	switch fields[0] {
	case "add_global":
		if len(fields) != 2 {
			return berrors.NewError(berrors.ErrCodeConfigParse, "add_global requires a path")
		}
		return m.addGlobal(fields[1])
	case "rm_global":
		if len(fields) != 2 {
			return berrors.NewError(berrors.ErrCodeConfigParse, "rm_global requires a path")
		}
		delete(m.globals, fields[1])
		return nil
	case "add_override":
		if len(fields) != 4 {
			return berrors.NewError(berrors.ErrCodeConfigParse, "add_override requires type, path, content")
		}
		return m.addOverride(fields[1], fields[2], fields[3])
	case "rm_override":
		if len(fields) != 2 {
			return berrors.NewError(berrors.ErrCodeConfigParse, "rm_override requires a path")
		}
		delete(m.overrideByPath, fields[1])
		m.removeOverrideFromSlice(fields[1])
		return nil
	default:
		return berrors.NewError(berrors.ErrCodeConfigParse, "unrecognized command").WithContext("command", fields[0])
	}
}

func (m *Model) addGlobal(path string) error {
	if !strings.HasPrefix(path, "/") {
		return berrors.NewError(berrors.ErrCodeInvalidPath, "path must be absolute").WithContext("path", path)
	}
	m.globals[path] = true
	return nil
}

func (m *Model) addOverride(typeTok, path, content string) error {
	if !strings.HasPrefix(path, "/") {
		return berrors.NewError(berrors.ErrCodeInvalidPath, "path must be absolute").WithContext("path", path)
	}
	otype, err := ParseOverrideType(typeTok)
	if err != nil {
		return err
	}

	var inject []byte
	if otype == OverrideInject {
		inject, err = m.CaptureInject(content)
		if err != nil {
			return err
		}
	}

	// Re-adding replaces the captured bytes only. Neither the model nor
	// Enforce removes the previously injected bytes from the live file, so
	// they stay there alongside the new ones.
	override := &Override{Path: path, Type: otype, Content: content, Inject: inject}
	if existing, ok := m.overrideByPath[path]; ok {
		m.removeOverrideFromSlice(path)
		_ = existing
	}
	m.overrideByPath[path] = override
	m.overrides = append(m.overrides, override)
	return nil
}

func (m *Model) removeOverrideFromSlice(path string) {
	for i, o := range m.overrides {
		if o.Path == path {
			m.overrides = append(m.overrides[:i], m.overrides[i+1:]...)
			return
		}
	}
}

// Serialize implements bcfg.Serializer: "global <path>\n" lines followed
// by "override <type> <path> <content>\n" lines, per spec.md §4.3.
func (m *Model) Serialize() []byte {
	var b strings.Builder

	paths := make([]string, 0, len(m.globals))
	for p := range m.globals {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(&b, "global %s\n", p)
	}

	for _, o := range m.overrides {
		fmt.Fprintf(&b, "override %s %s %s\n", o.Type, o.Path, o.Content)
	}
	return []byte(b.String())
}

// IsGlobal reports whether path is routed to the bedrock stratum's /etc.
func (m *Model) IsGlobal(path string) bool { return m.globals[path] }

// OverrideFor returns the override configured for an exact path match, if
// any, per spec.md §4.5's "string-equal" matching rule.
func (m *Model) OverrideFor(path string) (*Override, bool) {
	o, ok := m.overrideByPath[path]
	return o, ok
}

// Overrides exposes the live list for enumeration; callers must hold at
// least a read lock via the embedding bcfg.Core.
func (m *Model) Overrides() []*Override { return m.overrides }
