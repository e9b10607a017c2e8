// Package bcfg implements the configuration-mutation core shared by
// crossfs and etcfs: a mutex-guarded store that both engines embed to get
// root-only gating, whole-command atomicity, and a consistent
// serialize/size pair, without dictating either engine's command grammar.
package bcfg

import (
	"sync"

	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
)

// Parser turns a raw command line (as written through the configuration
// file/FUSE node) into an engine-specific mutation applied to state.
// Implementations hold a pointer to their own model and mutate it in
// place; Core only guarantees mutual exclusion and root gating around the
// call.
type Parser interface {
	// Apply parses and applies cmd to the engine's model. It runs with
	// Core's write lock held, so it must not block on anything besides
	// its own in-memory state.
	Apply(cmd string) error
}

// Serializer produces the current normal-form text representation of an
// engine's model for the FUSE config node's read path; Core.Size derives
// the byte length from it.
type Serializer interface {
	Serialize() []byte
}

// Core is held by crossfs's and etcfs's engines. It owns the
// single RWMutex guarding all mutation and serialization, so reads
// (readdir, getattr, normal file reads of the config node) never race a
// command application.
type Core struct {
	mu sync.RWMutex

	parser     Parser
	serializer Serializer

	mutations uint64
}

// NewCore builds a Core wired to the engine-specific parser/serializer.
// Both may be the same concrete value implementing both interfaces.
func NewCore(parser Parser, serializer Serializer) *Core {
	return &Core{parser: parser, serializer: serializer}
}

// RequireRoot rejects mutation attempts from non-root callers. Both
// crossfs and etcfs's config nodes are writable only by uid 0, per
// spec.md's command-protocol sections.
func RequireRoot(callerUID uint32) error {
	if callerUID != 0 {
		return berrors.NewError(berrors.ErrCodePermissionDenied, "configuration commands require uid 0").
			WithContext("caller_uid", callerUID)
	}
	return nil
}

// Apply takes the write lock for the duration of parsing and applying cmd,
// so readers never observe a partially-applied command.
func (c *Core) Apply(callerUID uint32, cmd string) error {
	if err := RequireRoot(callerUID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.parser.Apply(cmd); err != nil {
		return err
	}
	c.mutations++
	return nil
}

// Serialize takes the read lock and returns the current normal-form text.
func (c *Core) Serialize() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serializer.Serialize()
}

// Size returns len(Serialize()) under the same read lock, for getattr.
func (c *Core) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.serializer.Serialize())
}

// Mutations reports how many commands have been successfully applied.
// internal/bmetrics keeps its own count through ObserveMutation and does
// not read this value.
func (c *Core) Mutations() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mutations
}

// RLock/RUnlock/Lock/Unlock are exposed so an engine can hold the lock
// across a read that spans more than Serialize (e.g. readdir needing a
// consistent snapshot of both the model and its serialized form).
func (c *Core) RLock()   { c.mu.RLock() }
func (c *Core) RUnlock() { c.mu.RUnlock() }
func (c *Core) Lock()    { c.mu.Lock() }
func (c *Core) Unlock()  { c.mu.Unlock() }
