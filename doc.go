// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package vindex implements a persistent, mutable, hierarchical proximity
// graph vector index: a single-writer, many-reader structure of nodes,
// weighted edges and layered entry points, backed by append-only segment
// stores for keys and vectors (package segment) and a transactional
// metadata store for the graph itself (package metadb).
//
// An Index is opened either as a Writer, which may mutate the graph and
// commit those mutations durably, or as a Reader, which observes the graph
// as of the last commit and can be refreshed with Reload. Concurrent access
// from multiple goroutines should go through Handle, which enforces the
// single-writer/many-reader discipline with a sync.RWMutex.
package vindex
