// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package vindex

import (
	"fmt"
	"sync"

	"github.com/nuclia/vindex/graph"
)

// Handle wraps an Index with a sync.RWMutex so it can be shared safely
// across goroutines: readers (queries, stats) take the read lock and may
// run concurrently with each other; writers (AddNode, Commit, Erase,
// RunGarbageCollection, Reload, ...) take the write lock and run exclusively.
//
// A panic inside a write-locked call poisons the Handle: every later call,
// through this Handle or any of its clones, returns an error rather than
// risking a call into a half-mutated Index.
type Handle struct {
	shared *sharedIndex
}

// sharedIndex is the state every clone of a Handle points to: one lock, one
// Index, one poison flag. Cloning a Handle copies the outer struct but never
// this one, so clones genuinely serialize against each other.
type sharedIndex struct {
	mu       sync.RWMutex
	idx      *Index
	poisoned bool
}

// NewHandle wraps idx in a Handle.
func NewHandle(idx *Index) *Handle {
	return &Handle{shared: &sharedIndex{idx: idx}}
}

// Clone returns a new Handle sharing the same underlying Index and the same
// lock: the two can be handed to independent goroutines while still
// serializing writers against each other, and a panic observed through
// either poisons both.
func (h *Handle) Clone() *Handle {
	return &Handle{shared: h.shared}
}

var errPoisoned = fmt.Errorf("vindex: handle poisoned by a prior writer panic")

func (h *Handle) withRLock(fn func(*Index) error) error {
	h.shared.mu.RLock()
	defer h.shared.mu.RUnlock()
	if h.shared.poisoned {
		return errPoisoned
	}
	return fn(h.shared.idx)
}

// withWLock runs fn under the write lock. If fn panics, the Handle is
// poisoned before the panic propagates so no later caller can observe a
// partially mutated Index.
func (h *Handle) withWLock(fn func(*Index) error) (err error) {
	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	if h.shared.poisoned {
		return errPoisoned
	}
	defer func() {
		if r := recover(); r != nil {
			h.shared.poisoned = true
			err = fmt.Errorf("vindex: writer panic: %v", r)
		}
	}()
	return fn(h.shared.idx)
}

// HasLabels reports whether node carries every label in labels.
func (h *Handle) HasLabels(node graph.Node, labels []string) (bool, error) {
	var out bool
	err := h.withRLock(func(idx *Index) error {
		var err error
		out, err = idx.HasLabels(node, labels)
		return err
	})
	return out, err
}

// GetNodeVector reads node's vector.
func (h *Handle) GetNodeVector(node graph.Node) (graph.Vector, error) {
	var out graph.Vector
	err := h.withRLock(func(idx *Index) error {
		var err error
		out, err = idx.GetNodeVector(node)
		return err
	})
	return out, err
}

// GetNodeKey reads node's key string.
func (h *Handle) GetNodeKey(node graph.Node) (string, error) {
	var out string
	err := h.withRLock(func(idx *Index) error {
		var err error
		out, err = idx.GetNodeKey(node)
		return err
	})
	return out, err
}

// SemiMappedSimilarity computes cosine similarity between i and j's vector.
func (h *Handle) SemiMappedSimilarity(i graph.Vector, j graph.Node) (float32, error) {
	var out float32
	err := h.withRLock(func(idx *Index) error {
		var err error
		out, err = idx.SemiMappedSimilarity(i, j)
		return err
	})
	return out, err
}

// Reload refreshes the index's view of the graph. It takes the write lock
// since it mutates the Index's in-memory state, even though it is
// conceptually a read-side refresh.
func (h *Handle) Reload() error {
	return h.withWLock(func(idx *Index) error { return idx.Reload() })
}

// NoNodes returns the number of nodes in layer 0.
func (h *Handle) NoNodes() (int, error) {
	var out int
	err := h.withRLock(func(idx *Index) error {
		out = idx.NoNodes()
		return nil
	})
	return out, err
}

// IsNodeAt reports whether node participates in layer.
func (h *Handle) IsNodeAt(layer uint64, node graph.Node) (bool, error) {
	var out bool
	err := h.withRLock(func(idx *Index) error {
		var err error
		out, err = idx.IsNodeAt(layer, node)
		return err
	})
	return out, err
}

// GetEntryPoint returns the current entry point, or nil if the graph is
// empty.
func (h *Handle) GetEntryPoint() (*graph.EntryPoint, error) {
	var out *graph.EntryPoint
	err := h.withRLock(func(idx *Index) error {
		out = idx.GetEntryPoint()
		return nil
	})
	return out, err
}

// GetNode looks up key's node, if any.
func (h *Handle) GetNode(key string) (graph.Node, bool, error) {
	var node graph.Node
	var ok bool
	err := h.withRLock(func(idx *Index) error {
		var err error
		node, ok, err = idx.GetNode(key)
		return err
	})
	return node, ok, err
}

// GetPrefixed returns every key with the given prefix.
func (h *Handle) GetPrefixed(prefix string) ([]string, error) {
	var out []string
	err := h.withRLock(func(idx *Index) error {
		var err error
		out, err = idx.GetPrefixed(prefix)
		return err
	})
	return out, err
}

// AddNode inserts key/vector at layer and returns the new Node.
func (h *Handle) AddNode(key string, vector graph.Vector, layer uint64) (graph.Node, error) {
	var out graph.Node
	err := h.withWLock(func(idx *Index) error {
		var err error
		out, err = idx.AddNode(key, vector, layer)
		return err
	})
	return out, err
}

// AddLabel associates label with key.
func (h *Handle) AddLabel(key, label string) error {
	return h.withWLock(func(idx *Index) error { return idx.AddLabel(key, label) })
}

// Connect adds a directed edge at layer, plus its mirrored in-edge.
func (h *Handle) Connect(layer uint64, edge graph.Edge) error {
	return h.withWLock(func(idx *Index) error { return idx.Connect(layer, edge) })
}

// Disconnect removes a directed edge at layer, plus its mirrored in-edge.
func (h *Handle) Disconnect(layer uint64, source, destination graph.Node) error {
	return h.withWLock(func(idx *Index) error { return idx.Disconnect(layer, source, destination) })
}

// OutEdges returns node's outgoing adjacency at layer.
func (h *Handle) OutEdges(layer uint64, node graph.Node) (map[graph.Node]graph.Edge, error) {
	var out map[graph.Node]graph.Edge
	err := h.withRLock(func(idx *Index) error {
		var err error
		out, err = idx.OutEdges(layer, node)
		return err
	})
	return out, err
}

// InEdges returns node's incoming adjacency at layer.
func (h *Handle) InEdges(layer uint64, node graph.Node) (map[graph.Node]graph.Edge, error) {
	var out map[graph.Node]graph.Edge
	err := h.withRLock(func(idx *Index) error {
		var err error
		out, err = idx.InEdges(layer, node)
		return err
	})
	return out, err
}

// HasNode reports whether key is bound to a node.
func (h *Handle) HasNode(key string) (bool, error) {
	var out bool
	err := h.withRLock(func(idx *Index) error {
		var err error
		out, err = idx.HasNode(key)
		return err
	})
	return out, err
}

// SetEntryPoint replaces the entry point, subject to the monotonicity rule.
func (h *Handle) SetEntryPoint(ep graph.EntryPoint) error {
	return h.withWLock(func(idx *Index) error { return idx.SetEntryPoint(ep) })
}

// Erase removes node from the graph and enqueues its segments for deferred
// reclamation.
func (h *Handle) Erase(node graph.Node) error {
	return h.withWLock(func(idx *Index) error { return idx.Erase(node) })
}

// Commit persists the current in-memory graph.
func (h *Handle) Commit() error {
	return h.withWLock(func(idx *Index) error { return idx.Commit() })
}

// RunGarbageCollection reclaims segments of nodes deleted since the last
// sweep.
func (h *Handle) RunGarbageCollection() error {
	return h.withWLock(func(idx *Index) error { return idx.RunGarbageCollection() })
}

// Stats returns an introspection snapshot of the graph.
func (h *Handle) Stats() (graph.Stats, error) {
	var out graph.Stats
	err := h.withRLock(func(idx *Index) error {
		out = idx.Stats()
		return nil
	})
	return out, err
}

// NoLayers returns the current number of layers.
func (h *Handle) NoLayers() (uint64, error) {
	var out uint64
	err := h.withRLock(func(idx *Index) error {
		out = idx.NoLayers()
		return nil
	})
	return out, err
}

// NodeKeys returns the key string of every node in layer 0.
func (h *Handle) NodeKeys() ([]string, error) {
	var out []string
	err := h.withRLock(func(idx *Index) error {
		var err error
		out, err = idx.NodeKeys()
		return err
	})
	return out, err
}

// Close closes the underlying Index.
func (h *Handle) Close() error {
	return h.withWLock(func(idx *Index) error { return idx.Close() })
}
