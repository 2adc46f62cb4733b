package daqbone

import (
	"fmt"
	"iter"
	"strings"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// Registry sections. Keys are "<section><name>", names of ports are
// "module/port".
const (
	sectionPools   = "pools/"
	sectionThreads = "threads/"
	sectionModules = "modules/"
	sectionDevices = "devices/"
	sectionPorts   = "ports/"
)

// registry names every item owned by the Manager in a prefix tree.
//
// Readers work on an immutable snapshot and never lock. Writers must hold
// the lock of the Manager.
type registry struct {
	tree atomic.Pointer[iradix.Tree]
}

func newRegistry() *registry {
	r := &registry{}
	r.tree.Store(iradix.New())
	return r
}

// not thread safe!
// must be called by the holder of the manager lock.
func (r *registry) insert(section, name string, v any) error {
	key := []byte(section + name)
	tree := r.tree.Load()
	if _, exists := tree.Get(key); exists {
		return fmt.Errorf("%w: %s%s", ErrNameConflict, section, name)
	}
	tree, _, _ = tree.Insert(key, v)
	r.tree.Store(tree)
	return nil
}

// not thread safe!
// must be called by the holder of the manager lock.
func (r *registry) remove(section, name string) (any, bool) {
	tree, old, ok := r.tree.Load().Delete([]byte(section + name))
	if ok {
		r.tree.Store(tree)
	}
	return old, ok
}

// not thread safe!
// must be called by the holder of the manager lock.
func (r *registry) removePrefix(section, prefix string) {
	if tree, ok := r.tree.Load().DeletePrefix([]byte(section + prefix)); ok {
		r.tree.Store(tree)
	}
}

func (r *registry) get(section, name string) (any, bool) {
	return r.tree.Load().Get([]byte(section + name))
}

func (r *registry) len() int {
	return r.tree.Load().Len()
}

// walk iterates over a section, or the part of it under prefix, in key
// order. Keys are returned without the section.
func (r *registry) walk(section, prefix string) iter.Seq2[string, any] {
	root := r.tree.Load().Root()
	return func(yield func(string, any) bool) {
		root.WalkPrefix([]byte(section+prefix), func(k []byte, v interface{}) bool {
			return !yield(strings.TrimPrefix(string(k), section), v)
		})
	}
}

// lookup is a typed get.
func lookup[T any](r *registry, section, name string) (T, bool) {
	v, ok := r.get(section, name)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
