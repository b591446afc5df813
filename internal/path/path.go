// Package path implements the lexical path interface (spec §4.5): a
// dotted-chain navigation wrapper over the Storage Engine's flat key space,
// the same "hide the primitive behind a clean Go API" idiom the teacher's
// internal/client package uses for its HTTP calls.
package path

import (
	"context"
	"fmt"
	"strings"

	"webdht/internal/kverrors"
	"webdht/internal/record"
	"webdht/internal/storage"
)

const childrenField = "__children__"

// containerValue is the record shape stored at a path that has at least one
// child — a directory listing, not a leaf value.
type containerValue struct {
	Children []string `json:"__children__"`
}

// Path is one node in the dotted chain. Each Get call extends the chain
// in-memory; nothing touches storage until Put, Value, Keys, or Exists is
// called.
type Path struct {
	engine   *storage.Engine
	space    record.Space
	segments []string
}

// Root returns the chain's starting point, rooted at an empty key.
func Root(engine *storage.Engine, space record.Space) *Path {
	return &Path{engine: engine, space: space}
}

// Get descends into segment, returning a new Path — the chain is
// immutable, so root.Get("a") and root.Get("b") don't interfere.
func (p *Path) Get(segment string) *Path {
	next := make([]string, len(p.segments)+1)
	copy(next, p.segments)
	next[len(p.segments)] = segment
	return &Path{engine: p.engine, space: p.space, segments: next}
}

// GetPath returns the ":"-joined base key this chain currently resolves to
// — the introspection primitive spec §4.5 names getPath().
func (p *Path) GetPath() string {
	return strings.Join(p.segments, ":")
}

func (p *Path) key() string {
	return p.GetPath()
}

// Put stores value as a field at this path, then links it into every
// ancestor's container listing so Keys() can enumerate it later (spec
// §4.5's "container/field record semantics").
func (p *Path) Put(ctx context.Context, value any) error {
	if len(p.segments) == 0 {
		return kverrors.New("path.Put", kverrors.InvalidPayload)
	}
	if err := p.upsert(ctx, p.key(), value); err != nil {
		return err
	}
	return p.linkIntoAncestors(ctx)
}

// upsert stores value as a fresh field record, or updates the existing one
// in place if this key has already been written once — a Put must bump an
// existing record's version rather than resetting it to 1.
func (p *Path) upsert(ctx context.Context, key string, value any) error {
	err := p.engine.Update(ctx, key, value, storage.UpdateOptions{})
	switch {
	case err == nil:
		return nil
	case kverrors.Is(err, kverrors.NotFound):
		return p.engine.Store(ctx, key, p.space, value, storage.StoreOptions{})
	default:
		return err
	}
}

// PutSet stores value at a distinguished sibling key (the "_set" suffix from
// spec §4.5) that is never treated as a container — useful for values that
// happen to look like a children listing but are meant as opaque data.
func (p *Path) PutSet(ctx context.Context, value any) error {
	if len(p.segments) == 0 {
		return kverrors.New("path.PutSet", kverrors.InvalidPayload)
	}
	setKey := p.key() + "_set"
	if err := p.upsert(ctx, setKey, value); err != nil {
		return err
	}
	return p.linkIntoAncestors(ctx)
}

// Value retrieves this path's own stored value (its field record, not a
// container listing).
func (p *Path) Value(ctx context.Context) (any, error) {
	if len(p.segments) == 0 {
		return nil, kverrors.New("path.Value", kverrors.InvalidPayload)
	}
	value, _, err := p.engine.Retrieve(ctx, p.key())
	return value, err
}

// Exists reports whether this path currently resolves to a live (i.e. not
// tombstoned, not expired) record.
func (p *Path) Exists(ctx context.Context) (bool, error) {
	_, err := p.Value(ctx)
	if err == nil {
		return true, nil
	}
	if kverrors.Is(err, kverrors.NotFound) || kverrors.Is(err, kverrors.AccessDenied) {
		return false, nil
	}
	return false, err
}

// Keys lists the immediate children linked under this path by a prior Put
// (spec §4.5's keys() introspection).
func (p *Path) Keys(ctx context.Context) ([]string, error) {
	container, err := p.loadContainer(ctx)
	if err != nil {
		return nil, err
	}
	return container.Children, nil
}

func (p *Path) loadContainer(ctx context.Context) (containerValue, error) {
	value, _, err := p.engine.Retrieve(ctx, p.key())
	if err != nil {
		if kverrors.Is(err, kverrors.NotFound) {
			return containerValue{}, nil
		}
		return containerValue{}, err
	}
	return decodeContainer(value), nil
}

func decodeContainer(value any) containerValue {
	m, ok := value.(map[string]any)
	if !ok {
		return containerValue{}
	}
	raw, ok := m[childrenField].([]any)
	if !ok {
		return containerValue{}
	}
	children := make([]string, 0, len(raw))
	for _, c := range raw {
		if s, ok := c.(string); ok {
			children = append(children, s)
		}
	}
	return containerValue{Children: children}
}

// linkIntoAncestors walks every prefix of this path and makes sure the
// immediate child segment is recorded in that ancestor's container listing.
// The root (zero-length prefix) is never itself a storage key, so linking
// stops there.
func (p *Path) linkIntoAncestors(ctx context.Context) error {
	// The root itself (depth 0, the empty key) is never addressable, so
	// linking starts at the first non-root ancestor.
	for depth := len(p.segments) - 1; depth >= 1; depth-- {
		parentKey := strings.Join(p.segments[:depth], ":")
		child := p.segments[depth]
		if err := addChild(ctx, p.engine, p.space, parentKey, child); err != nil {
			return fmt.Errorf("path: link %s under %s: %w", child, parentKey, err)
		}
	}
	return nil
}

func addChild(ctx context.Context, engine *storage.Engine, space record.Space, parentKey, child string) error {
	value, _, err := engine.Retrieve(ctx, parentKey)
	switch {
	case err == nil:
		existing := decodeContainer(value)
		for _, c := range existing.Children {
			if c == child {
				return nil
			}
		}
		existing.Children = append(existing.Children, child)
		return engine.Update(ctx, parentKey, map[string]any{childrenField: existing.Children}, storage.UpdateOptions{})
	case kverrors.Is(err, kverrors.NotFound):
		return engine.Store(ctx, parentKey, space, map[string]any{childrenField: []string{child}}, storage.StoreOptions{})
	default:
		return err
	}
}
