// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package metadb is the transactional metadata store: the ACID record of
// keys, labels, per-layer adjacency images, the pending-deletion queue and
// the single commit log, backed by go.etcd.io/bbolt. It exposes a
// read-only/read-write transaction split matching the graph index's
// single-writer, many-reader discipline.
package metadb

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/nuclia/vindex/graph"
)

const dbFileName = "meta.db"

// bbolt takes an exclusive flock on the database file for the lifetime of
// a read-write open, so a second open of the same file blocks, even within
// one process. Reader and writer stores against the same directory
// therefore share a single *bolt.DB per path: bbolt's own isolation model
// (read transactions run concurrently with the one write transaction)
// supplies the single-writer/many-reader discipline the index needs.
// Cross-process visibility is whatever bbolt itself provides.
var (
	handlesMu sync.Mutex
	handles   = map[string]*dbHandle{}
)

type dbHandle struct {
	db       *bolt.DB
	path     string
	readOnly bool
	refs     int
}

// MetaStore owns one reference to the bbolt database backing an index's
// metadata. Close releases the reference; the database itself closes when
// the last store against its path is closed.
type MetaStore struct {
	h *dbHandle
}

// Create opens the metadata store rooted at dir read-write, creating the
// database file if absent and every keyspace bucket up front so later
// transactions never have to check for bucket existence. An existing store
// at dir is opened with its contents intact, exactly as Open does.
func Create(dir string) (*MetaStore, error) {
	return openShared(dir, false)
}

// Open opens an existing metadata store read-write for mutation, or
// initializes one if absent.
func Open(dir string) (*MetaStore, error) {
	return openShared(dir, false)
}

// OpenReadOnly opens an existing metadata store for queries only. If a
// read-write store is already open against dir in this process, the two
// share the underlying database; otherwise the file is opened with bbolt's
// ReadOnly mode and must already exist, since a read-only open never
// creates the database file or its buckets.
func OpenReadOnly(dir string) (*MetaStore, error) {
	return openShared(dir, true)
}

func openShared(dir string, readOnly bool) (*MetaStore, error) {
	path := filepath.Clean(filepath.Join(dir, dbFileName))

	handlesMu.Lock()
	defer handlesMu.Unlock()

	if h, ok := handles[path]; ok {
		if h.readOnly && !readOnly {
			return nil, fmt.Errorf("metadb: %s is already open read-only in this process", path)
		}
		h.refs++
		return &MetaStore{h: h}, nil
	}

	var opts *bolt.Options
	if readOnly {
		opts = &bolt.Options{ReadOnly: true}
	}
	db, err := bolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("metadb: open %s: %w", path, err)
	}

	if !readOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketKeyToNode, bucketLabels, bucketLayersOut, bucketLayersIn, bucketDeleted, bucketLog} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	h := &dbHandle{db: db, path: path, readOnly: readOnly, refs: 1}
	handles[path] = h
	return &MetaStore{h: h}, nil
}

// Close releases this store's reference to the shared database, closing it
// once no other store against the same path remains open.
func (m *MetaStore) Close() error {
	handlesMu.Lock()
	defer handlesMu.Unlock()

	m.h.refs--
	if m.h.refs > 0 {
		return nil
	}
	delete(handles, m.h.path)
	return m.h.db.Close()
}

// ROTxn is a read-only view over the metadata store. It must be closed with
// Abort once the caller is done, whether or not any error occurred.
type ROTxn struct {
	tx *bolt.Tx
}

// RWTxn is a read-write view over the metadata store. Exactly one RWTxn may
// be open at a time, matching the Index's single-writer discipline.
type RWTxn struct {
	tx *bolt.Tx
}

// ROTxn begins a read-only transaction.
func (m *MetaStore) ROTxn() (*ROTxn, error) {
	tx, err := m.h.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("metadb: begin ro txn: %w", err)
	}
	return &ROTxn{tx: tx}, nil
}

// Abort releases a read-only transaction without persisting anything (bbolt
// read transactions never write, so this is always a rollback).
func (t *ROTxn) Abort() error {
	return t.tx.Rollback()
}

// RWTxn begins a read-write transaction.
func (m *MetaStore) RWTxn() (*RWTxn, error) {
	tx, err := m.h.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("metadb: begin rw txn: %w", err)
	}
	return &RWTxn{tx: tx}, nil
}

// Commit persists every write made against t.
func (t *RWTxn) Commit() error {
	return t.tx.Commit()
}

// Abort discards every write made against t.
func (t *RWTxn) Abort() error {
	return t.tx.Rollback()
}

// txLike lets the read helpers below accept either transaction kind.
type txLike interface {
	Bucket([]byte) *bolt.Bucket
}

// AddNode records key's binding to node in the primary key index.
func (t *RWTxn) AddNode(key string, node graph.Node) error {
	b := t.tx.Bucket(bucketKeyToNode)
	return b.Put([]byte(key), graph.EncodeNode(node))
}

// GetNode looks up key in the primary key index. It returns ok=false if the
// key is not present rather than a sentinel error.
func GetNode(t txLike, key string) (graph.Node, bool, error) {
	b := t.Bucket(bucketKeyToNode)
	raw := b.Get([]byte(key))
	if raw == nil {
		return graph.Node{}, false, nil
	}
	n, err := graph.DecodeNode(raw)
	if err != nil {
		return graph.Node{}, false, fmt.Errorf("metadb: decode node for key %q: %w", key, err)
	}
	return n, true, nil
}

// GetPrefixed returns every key in the primary key index with the given
// prefix, in key order.
func GetPrefixed(t txLike, prefix string) ([]string, error) {
	b := t.Bucket(bucketKeyToNode)
	c := b.Cursor()
	var out []string
	p := []byte(prefix)
	for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
		out = append(out, string(k))
	}
	return out, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// RemoveVector deletes key's entry from the primary key index. It does not
// touch the segment stores; the caller is responsible for reclaiming the
// node's key/vector segments during garbage collection.
func (t *RWTxn) RemoveVector(key string) error {
	b := t.tx.Bucket(bucketKeyToNode)
	return b.Delete([]byte(key))
}

// AddLabel associates label with key, in a nested bucket keyed by key so
// HasLabel and future label enumeration stay cheap per key.
func (t *RWTxn) AddLabel(key, label string) error {
	top := t.tx.Bucket(bucketLabels)
	nested, err := top.CreateBucketIfNotExists([]byte(key))
	if err != nil {
		return fmt.Errorf("metadb: create label bucket for %q: %w", key, err)
	}
	return nested.Put([]byte(label), []byte{1})
}

// HasLabel reports whether key carries label.
func HasLabel(t txLike, key, label string) bool {
	top := t.Bucket(bucketLabels)
	nested := top.Bucket([]byte(key))
	if nested == nil {
		return false
	}
	return nested.Get([]byte(label)) != nil
}

func layerKey(i uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, i)
	return buf
}

// InsertLayerOut persists the outgoing-adjacency image for layer i.
func (t *RWTxn) InsertLayerOut(i uint64, l *graph.Layer) error {
	b := t.tx.Bucket(bucketLayersOut)
	return b.Put(layerKey(i), graph.EncodeLayer(l))
}

// InsertLayerIn persists the incoming-adjacency image for layer i.
func (t *RWTxn) InsertLayerIn(i uint64, l *graph.Layer) error {
	b := t.tx.Bucket(bucketLayersIn)
	return b.Put(layerKey(i), graph.EncodeLayer(l))
}

// GetLayerOut reads layer i's outgoing-adjacency image, or an empty layer if
// none has been committed yet.
func GetLayerOut(t txLike, i uint64) (*graph.Layer, error) {
	return getLayer(t, bucketLayersOut, i)
}

// GetLayerIn reads layer i's incoming-adjacency image, or an empty layer if
// none has been committed yet.
func GetLayerIn(t txLike, i uint64) (*graph.Layer, error) {
	return getLayer(t, bucketLayersIn, i)
}

func getLayer(t txLike, bucket []byte, i uint64) (*graph.Layer, error) {
	b := t.Bucket(bucket)
	raw := b.Get(layerKey(i))
	if raw == nil {
		return graph.NewLayer(), nil
	}
	l, err := graph.DecodeLayer(raw)
	if err != nil {
		return nil, fmt.Errorf("metadb: decode layer %d: %w", i, err)
	}
	return l, nil
}

// MarkedDeleted enqueues nodes for later reclamation, tagged with the
// version at which the deletion was committed.
func (t *RWTxn) MarkedDeleted(version graph.VersionNumber, nodes []graph.Node) error {
	b := t.tx.Bucket(bucketDeleted)
	for _, n := range nodes {
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("metadb: next sequence for deleted queue: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		val := append(graph.EncodeVersion(version), graph.EncodeNode(n)...)
		if err := b.Put(key, val); err != nil {
			return fmt.Errorf("metadb: enqueue deleted node: %w", err)
		}
	}
	return nil
}

// ClearDeleted drains the pending-deletion queue and returns every node that
// was enqueued, so the caller can reclaim their segments.
func (t *RWTxn) ClearDeleted() ([]graph.Node, error) {
	b := t.tx.Bucket(bucketDeleted)
	var nodes []graph.Node
	var keys [][]byte
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		const versionSize = 16
		n, err := graph.DecodeNode(v[versionSize:])
		if err != nil {
			return nil, fmt.Errorf("metadb: decode deleted node: %w", err)
		}
		nodes = append(nodes, n)
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return nil, fmt.Errorf("metadb: drain deleted queue: %w", err)
		}
	}
	return nodes, nil
}

// GetLog reads the single commit log record. A store that has never been
// committed to returns the zero GraphLog.
func GetLog(t txLike) (graph.GraphLog, error) {
	b := t.Bucket(bucketLog)
	raw := b.Get(logKey)
	if raw == nil {
		return graph.GraphLog{}, nil
	}
	log, err := graph.DecodeLog(raw)
	if err != nil {
		return graph.GraphLog{}, fmt.Errorf("metadb: decode log: %w", err)
	}
	return log, nil
}

// InsertLog overwrites the single commit log record.
func (t *RWTxn) InsertLog(log graph.GraphLog) error {
	b := t.tx.Bucket(bucketLog)
	return b.Put(logKey, graph.EncodeLog(log))
}

// Bucket implements txLike so the package-level read helpers above accept
// either an *ROTxn or an *RWTxn.
func (t *ROTxn) Bucket(name []byte) *bolt.Bucket { return t.tx.Bucket(name) }

// Bucket implements txLike so the package-level read helpers above accept
// either an *ROTxn or an *RWTxn.
func (t *RWTxn) Bucket(name []byte) *bolt.Bucket { return t.tx.Bucket(name) }
