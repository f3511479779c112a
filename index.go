// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package vindex

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/nuclia/vindex/graph"
	"github.com/nuclia/vindex/metadb"
	"github.com/nuclia/vindex/segment"
)

const (
	keysDirName    = "keys"
	vectorsDirName = "vectors"
)

// Index is one hierarchical proximity graph: the node/edge adjacency for
// every layer, the current entry point, and handles to the two segment
// stores and the metadata store it is backed by. It is not safe for
// concurrent use by itself; wrap it in a Handle for that.
type Index struct {
	keyStorage    *segment.Storage
	vectorStorage *segment.Storage
	metaDB        *metadb.MetaStore

	readOnly bool

	logger  log.Logger
	metrics *indexMetrics

	// timeStamp is the version the next commit will publish (writer mode)
	// or the version last observed on disk (reader mode). lastCommitted
	// always holds the on-disk version this instance has seen, so Reload
	// can tell a genuinely newer commit from our own latest one.
	timeStamp     graph.VersionNumber
	lastCommitted graph.VersionNumber

	layersLen  uint64
	removed    []graph.Node
	entryPoint *graph.EntryPoint
	layersOut  []*graph.Layer
	layersIn   []*graph.Layer

	dirty  bool
	closed bool
}

// Option configures an Index at open time.
type Option func(*openConfig)

type openConfig struct {
	logger log.Logger
	reg    prometheus.Registerer
}

// WithLogger overrides the default nop logger.
func WithLogger(l log.Logger) Option {
	return func(c *openConfig) { c.logger = l }
}

// WithRegisterer overrides the default (nil, i.e. unregistered) prometheus
// registerer used for the index's metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *openConfig) { c.reg = reg }
}

func applyOptions(opts []Option) *openConfig {
	c := &openConfig{logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reader opens the index at path for read-only access: queries observe the
// graph as of the last commit, and Reload can be used to pick up later
// commits made by a writer in another process.
func Reader(path string, opts ...Option) (*Index, error) {
	cfg := applyOptions(opts)
	return open(path, false, cfg)
}

// Writer opens the index at path for mutation. Only one writer should be
// active against a given path at a time; the caller is responsible for that
// discipline across processes (within a process, wrap the Index in a
// Handle).
func Writer(path string, opts ...Option) (*Index, error) {
	cfg := applyOptions(opts)
	return open(path, true, cfg)
}

func open(path string, writer bool, cfg *openConfig) (*Index, error) {
	keysDir := filepath.Join(path, keysDirName)
	vectorsDir := filepath.Join(path, vectorsDirName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("vindex: create index dir: %w", err)
	}

	var vectorStorage *segment.Storage
	var metaDB *metadb.MetaStore
	keyStorage, err := segment.Open(keysDir)
	if err != nil {
		return nil, err
	}
	vectorStorage, err = segment.Open(vectorsDir)
	if err != nil {
		keyStorage.Close()
		return nil, err
	}
	if writer {
		metaDB, err = metadb.Open(path)
	} else {
		metaDB, err = metadb.OpenReadOnly(path)
	}
	if err != nil {
		keyStorage.Close()
		vectorStorage.Close()
		return nil, err
	}

	closeAll := func() {
		metaDB.Close()
		vectorStorage.Close()
		keyStorage.Close()
	}

	ro, err := metaDB.ROTxn()
	if err != nil {
		closeAll()
		return nil, err
	}
	logRecord, err := metadb.GetLog(ro)
	if err != nil {
		ro.Abort()
		closeAll()
		return nil, err
	}

	idx := &Index{
		keyStorage:    keyStorage,
		vectorStorage: vectorStorage,
		metaDB:        metaDB,
		readOnly:      !writer,
		logger:        cfg.logger,
		metrics:       newIndexMetrics(cfg.reg),
		timeStamp:     logRecord.Version,
		lastCommitted: logRecord.Version,
		layersLen:     logRecord.MaxLayer,
		entryPoint:    logRecord.EntryPoint,
	}

	for i := uint64(0); i < logRecord.MaxLayer; i++ {
		out, err := metadb.GetLayerOut(ro, i)
		if err != nil {
			ro.Abort()
			closeAll()
			return nil, err
		}
		idx.layersOut = append(idx.layersOut, out)
		if writer {
			in, err := metadb.GetLayerIn(ro, i)
			if err != nil {
				ro.Abort()
				closeAll()
				return nil, err
			}
			idx.layersIn = append(idx.layersIn, in)
		}
	}
	if err := ro.Abort(); err != nil {
		closeAll()
		return nil, err
	}

	if writer {
		idx.timeStamp = idx.timeStamp.Next()
	}
	idx.updateGauges()
	return idx, nil
}

func (idx *Index) updateGauges() {
	layer := float64(-1)
	if idx.entryPoint != nil {
		layer = float64(idx.entryPoint.Layer)
	}
	idx.metrics.entryPointLayer.Set(layer)
	idx.metrics.nodesInTotal.Set(float64(idx.NoNodes()))
}

func (idx *Index) checkClosed() error {
	if idx.closed {
		return ErrClosed
	}
	return nil
}

func (idx *Index) checkWriter() error {
	if idx.readOnly {
		return ErrWriterRequired
	}
	return nil
}

// SemiMappedSimilarity computes the cosine similarity between x and the
// vector bound to y, reading y's vector directly out of the vector segment
// store rather than requiring the caller to already have it mapped.
func (idx *Index) SemiMappedSimilarity(x graph.Vector, y graph.Node) (float32, error) {
	yv, err := idx.GetNodeVector(y)
	if err != nil {
		return 0, err
	}
	return cosineSimilarity(x, yv), nil
}

func cosineSimilarity(a, b graph.Vector) float32 {
	if len(a.Raw) == 0 || len(b.Raw) == 0 || len(a.Raw) != len(b.Raw) {
		return 0
	}
	va := blas32.Vector{N: len(a.Raw), Data: a.Raw, Inc: 1}
	vb := blas32.Vector{N: len(b.Raw), Data: b.Raw, Inc: 1}
	dot := blas32.Dot(va, vb)
	na := blas32.Nrm2(va)
	nb := blas32.Nrm2(vb)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (na * nb)
}

// HasLabels reports whether node carries every label in labels.
func (idx *Index) HasLabels(node graph.Node, labels []string) (bool, error) {
	key, err := idx.GetNodeKey(node)
	if err != nil {
		return false, err
	}
	ro, err := idx.metaDB.ROTxn()
	if err != nil {
		return false, err
	}
	defer ro.Abort()
	for _, label := range labels {
		if !metadb.HasLabel(ro, key, label) {
			return false, nil
		}
	}
	return true, nil
}

// HasNode reports whether key is bound to a node.
func (idx *Index) HasNode(key string) (bool, error) {
	ro, err := idx.metaDB.ROTxn()
	if err != nil {
		return false, err
	}
	defer ro.Abort()
	_, ok, err := metadb.GetNode(ro, key)
	return ok, err
}

// GetNodeKey reads node's key string out of the key segment store.
func (idx *Index) GetNodeKey(node graph.Node) (string, error) {
	raw, err := idx.keyStorage.Read(node.Key)
	if err != nil {
		return "", fmt.Errorf("vindex: read node key: %w", err)
	}
	return graph.DecodeKey(raw)
}

// GetNodeVector reads node's vector out of the vector segment store.
func (idx *Index) GetNodeVector(node graph.Node) (graph.Vector, error) {
	raw, err := idx.vectorStorage.Read(node.Vector)
	if err != nil {
		return graph.Vector{}, fmt.Errorf("vindex: read node vector: %w", err)
	}
	return graph.DecodeVector(raw)
}

// Reload refreshes a reader's view of the graph to observe commits made by
// a writer, in this process or another. It refuses to run on a writer that
// has uncommitted mutations pending, since reloading would silently discard
// them.
func (idx *Index) Reload() error {
	if err := idx.checkClosed(); err != nil {
		return err
	}
	if idx.dirty {
		return ErrUncommittedMutations
	}

	if err := idx.vectorStorage.Reload(); err != nil {
		return err
	}
	if err := idx.keyStorage.Reload(); err != nil {
		return err
	}

	ro, err := idx.metaDB.ROTxn()
	if err != nil {
		return err
	}
	defer ro.Abort()

	logRecord, err := metadb.GetLog(ro)
	if err != nil {
		return err
	}

	observedNew := idx.lastCommitted != logRecord.Version
	idx.metrics.reloads.WithLabelValues(fmt.Sprintf("%t", observedNew)).Inc()
	if !observedNew {
		return nil
	}

	idx.lastCommitted = logRecord.Version
	idx.timeStamp = logRecord.Version
	if !idx.readOnly {
		idx.timeStamp = logRecord.Version.Next()
	}
	idx.entryPoint = logRecord.EntryPoint
	idx.layersLen = logRecord.MaxLayer
	idx.layersOut = make([]*graph.Layer, 0, idx.layersLen)
	idx.layersIn = nil
	for i := uint64(0); i < idx.layersLen; i++ {
		out, err := metadb.GetLayerOut(ro, i)
		if err != nil {
			return err
		}
		idx.layersOut = append(idx.layersOut, out)
		if !idx.readOnly {
			in, err := metadb.GetLayerIn(ro, i)
			if err != nil {
				return err
			}
			idx.layersIn = append(idx.layersIn, in)
		}
	}
	idx.updateGauges()
	return nil
}

// Commit persists every layer image, the pending deletion queue and the
// commit log atomically in a single metadata-store transaction, and
// advances the version number.
func (idx *Index) Commit() error {
	if err := idx.checkWriter(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { idx.metrics.commitSeconds.Observe(time.Since(start).Seconds()) }()

	rw, err := idx.metaDB.RWTxn()
	if err != nil {
		return err
	}

	logRecord := graph.GraphLog{
		EntryPoint: idx.entryPoint,
		MaxLayer:   idx.layersLen,
		Version:    idx.timeStamp,
	}
	deleted := idx.removed
	idx.removed = nil
	nextVersion := idx.timeStamp.Next()

	for i := uint64(0); i < idx.layersLen; i++ {
		if err := rw.InsertLayerOut(i, idx.layersOut[i]); err != nil {
			rw.Abort()
			return err
		}
		if err := rw.InsertLayerIn(i, idx.layersIn[i]); err != nil {
			rw.Abort()
			return err
		}
	}
	for _, node := range deleted {
		key, err := idx.GetNodeKey(node)
		if err != nil {
			rw.Abort()
			return err
		}
		if err := rw.RemoveVector(key); err != nil {
			rw.Abort()
			return err
		}
	}
	if err := rw.InsertLog(logRecord); err != nil {
		rw.Abort()
		return err
	}
	if err := rw.MarkedDeleted(logRecord.Version, deleted); err != nil {
		rw.Abort()
		return err
	}
	if err := rw.Commit(); err != nil {
		return err
	}

	idx.lastCommitted = logRecord.Version
	idx.timeStamp = nextVersion
	idx.dirty = false
	idx.metrics.commits.Inc()
	level.Debug(idx.logger).Log("msg", "commit", "version_lo", idx.timeStamp.Lo, "layers", idx.layersLen)
	return nil
}

// RunGarbageCollection reclaims the key and vector segments of every node
// enqueued for deletion since the last sweep. It does not touch the layer
// adjacency, which has already dropped references to those nodes by the
// time they were enqueued in Commit.
func (idx *Index) RunGarbageCollection() error {
	if err := idx.checkWriter(); err != nil {
		return err
	}
	rw, err := idx.metaDB.RWTxn()
	if err != nil {
		level.Error(idx.logger).Log("msg", "gc: failed to begin txn", "err", err)
		return err
	}
	deleted, err := rw.ClearDeleted()
	if err != nil {
		rw.Abort()
		level.Error(idx.logger).Log("msg", "gc: failed to drain deletion queue", "err", err)
		return err
	}
	for _, node := range deleted {
		if err := idx.vectorStorage.DeleteSegment(node.Vector); err != nil {
			rw.Abort()
			level.Error(idx.logger).Log("msg", "gc: failed to reclaim vector segment", "offset", node.Vector.Offset, "err", err)
			return err
		}
		if err := idx.keyStorage.DeleteSegment(node.Key); err != nil {
			rw.Abort()
			level.Error(idx.logger).Log("msg", "gc: failed to reclaim key segment", "offset", node.Key.Offset, "err", err)
			return err
		}
	}
	if err := rw.Commit(); err != nil {
		level.Error(idx.logger).Log("msg", "gc: failed to commit reclaimed segments", "err", err)
		return err
	}
	idx.metrics.gcSweeps.Inc()
	idx.metrics.gcSegmentsReclaimed.Add(float64(len(deleted)))
	return nil
}

// NoNodes returns the number of nodes in layer 0, or 0 if the graph is
// empty.
func (idx *Index) NoNodes() int {
	if len(idx.layersOut) == 0 {
		return 0
	}
	return idx.layersOut[0].NoNodes()
}

// GetEntryPoint returns the current entry point, or nil if the graph is
// empty.
func (idx *Index) GetEntryPoint() *graph.EntryPoint {
	return idx.entryPoint
}

// AddNode inserts key and vector into the segment stores, binds them into a
// new Node, records the binding in the metadata store, and adds the node to
// every layer from 0 up to and including layer. The caller is responsible
// for promoting the entry point afterward via SetEntryPoint if appropriate.
func (idx *Index) AddNode(key string, vector graph.Vector, layer uint64) (graph.Node, error) {
	if err := idx.checkWriter(); err != nil {
		return graph.Node{}, err
	}

	keyID, err := idx.keyStorage.Insert(graph.EncodeKey(key))
	if err != nil {
		return graph.Node{}, err
	}
	vecID, err := idx.vectorStorage.Insert(graph.EncodeVector(vector))
	if err != nil {
		return graph.Node{}, err
	}
	node := graph.Node{Key: keyID, Vector: vecID}

	rw, err := idx.metaDB.RWTxn()
	if err != nil {
		return graph.Node{}, err
	}
	if err := rw.AddNode(key, node); err != nil {
		rw.Abort()
		return graph.Node{}, err
	}
	if err := rw.Commit(); err != nil {
		return graph.Node{}, err
	}

	if layer+1 > idx.layersLen {
		idx.layersLen = layer + 1
	}
	for uint64(len(idx.layersOut)) < idx.layersLen {
		idx.layersOut = append(idx.layersOut, graph.NewLayer())
		idx.layersIn = append(idx.layersIn, graph.NewLayer())
	}
	for i := uint64(0); i <= layer; i++ {
		idx.layersOut[i].AddNode(node)
		idx.layersIn[i].AddNode(node)
	}

	idx.dirty = true
	idx.metrics.nodesAdded.Inc()
	idx.updateGauges()
	return node, nil
}

// GetNode looks up key's node, if any.
func (idx *Index) GetNode(key string) (graph.Node, bool, error) {
	ro, err := idx.metaDB.ROTxn()
	if err != nil {
		return graph.Node{}, false, err
	}
	defer ro.Abort()
	return metadb.GetNode(ro, key)
}

// GetPrefixed returns every key with the given prefix, in key order.
func (idx *Index) GetPrefixed(prefix string) ([]string, error) {
	ro, err := idx.metaDB.ROTxn()
	if err != nil {
		return nil, err
	}
	defer ro.Abort()
	return metadb.GetPrefixed(ro, prefix)
}

// Connect adds a directed out-edge at layer, and its mirrored in-edge.
func (idx *Index) Connect(layer uint64, edge graph.Edge) error {
	if err := idx.checkWriter(); err != nil {
		return err
	}
	if layer >= idx.layersLen {
		return ErrLayerOutOfRange
	}
	inEdge := graph.Edge{From: edge.To, To: edge.From, Dist: edge.Dist}
	idx.layersOut[layer].AddEdge(edge.From, edge)
	idx.layersIn[layer].AddEdge(inEdge.From, inEdge)
	idx.dirty = true
	idx.metrics.edgesConnected.Inc()
	return nil
}

// Disconnect removes the directed out-edge source->destination at layer,
// and its mirrored in-edge.
func (idx *Index) Disconnect(layer uint64, source, destination graph.Node) error {
	if err := idx.checkWriter(); err != nil {
		return err
	}
	if layer >= idx.layersLen {
		return ErrLayerOutOfRange
	}
	idx.layersOut[layer].RemoveEdge(source, destination)
	idx.layersIn[layer].RemoveEdge(destination, source)
	idx.dirty = true
	idx.metrics.edgesDisconnected.Inc()
	return nil
}

// AddLabel associates label with key.
func (idx *Index) AddLabel(key, label string) error {
	if err := idx.checkWriter(); err != nil {
		return err
	}
	rw, err := idx.metaDB.RWTxn()
	if err != nil {
		return err
	}
	if err := rw.AddLabel(key, label); err != nil {
		rw.Abort()
		return err
	}
	if err := rw.Commit(); err != nil {
		return err
	}
	idx.metrics.labelsAdded.Inc()
	return nil
}

// OutEdges returns node's outgoing adjacency at layer.
func (idx *Index) OutEdges(layer uint64, node graph.Node) (map[graph.Node]graph.Edge, error) {
	if layer >= idx.layersLen {
		return nil, ErrLayerOutOfRange
	}
	return idx.layersOut[layer].GetEdges(node), nil
}

// InEdges returns node's incoming adjacency at layer. In reader mode the
// in-layers are never loaded (search descent only follows out-edges), so
// every in-adjacency reads as empty.
func (idx *Index) InEdges(layer uint64, node graph.Node) (map[graph.Node]graph.Edge, error) {
	if layer >= idx.layersLen {
		return nil, ErrLayerOutOfRange
	}
	if uint64(len(idx.layersIn)) <= layer {
		return map[graph.Node]graph.Edge{}, nil
	}
	return idx.layersIn[layer].GetEdges(node), nil
}

// IsNodeAt reports whether node participates in layer.
func (idx *Index) IsNodeAt(layer uint64, node graph.Node) (bool, error) {
	if layer >= idx.layersLen {
		return false, ErrLayerOutOfRange
	}
	return idx.layersOut[layer].HasNode(node), nil
}

// SetEntryPoint replaces the entry point with ep, but only if ep is at
// least as high a layer as the current entry point (or there is none yet).
// This is the monotonicity rule from the data model: once a node has been
// promoted to a layer, the entry point never regresses to a lower one as a
// side effect of another AddNode call.
func (idx *Index) SetEntryPoint(ep graph.EntryPoint) error {
	if err := idx.checkWriter(); err != nil {
		return err
	}
	if idx.entryPoint == nil || idx.entryPoint.Layer <= ep.Layer {
		idx.entryPoint = &ep
		idx.dirty = true
		idx.updateGauges()
	}
	return nil
}

// Erase removes x from every layer it participates in, recomputes the
// layer stack and entry point so no empty top layers remain (the
// layer-stack tightness invariant), and enqueues x for deferred reclamation
// of its key and vector segments.
func (idx *Index) Erase(x graph.Node) error {
	if err := idx.checkWriter(); err != nil {
		return err
	}

	maxLayer := uint64(0)
	for layer := uint64(0); layer < idx.layersLen; layer++ {
		idx.layersOut[layer].RemoveNode(x)
		idx.layersIn[layer].RemoveNode(x)
		if !idx.layersOut[layer].IsEmpty() {
			maxLayer = layer
		}
	}

	newEntry, ok := idx.layersOut[maxLayer].SomeNode()
	if ok {
		idx.entryPoint = &graph.EntryPoint{Node: newEntry, Layer: maxLayer}
		idx.layersLen = maxLayer + 1
	} else {
		idx.entryPoint = nil
		idx.layersLen = 0
	}
	idx.layersOut = idx.layersOut[:idx.layersLen]
	idx.layersIn = idx.layersIn[:idx.layersLen]

	key, err := idx.GetNodeKey(x)
	if err != nil {
		level.Error(idx.logger).Log("msg", "erase: failed to read node key", "err", err)
		return err
	}
	rw, err := idx.metaDB.RWTxn()
	if err != nil {
		level.Error(idx.logger).Log("msg", "erase: failed to begin txn", "key", key, "err", err)
		return err
	}
	if err := rw.RemoveVector(key); err != nil {
		rw.Abort()
		level.Error(idx.logger).Log("msg", "erase: failed to remove key mapping", "key", key, "err", err)
		return err
	}
	if err := rw.Commit(); err != nil {
		level.Error(idx.logger).Log("msg", "erase: failed to commit key removal", "key", key, "err", err)
		return err
	}

	idx.removed = append(idx.removed, x)
	idx.dirty = true
	idx.metrics.nodesErased.Inc()
	idx.updateGauges()
	return nil
}

// Stats returns an introspection snapshot of the graph's layer population.
func (idx *Index) Stats() graph.Stats {
	s := graph.Stats{
		NodesPerOutLayer: make([]int, len(idx.layersOut)),
		NodesPerInLayer:  make([]int, len(idx.layersIn)),
		NodesInTotal:     idx.NoNodes(),
		EntryPoint:       idx.entryPoint,
	}
	for i, l := range idx.layersOut {
		s.NodesPerOutLayer[i] = l.NoNodes()
	}
	for i, l := range idx.layersIn {
		s.NodesPerInLayer[i] = l.NoNodes()
	}
	return s
}

// NoLayers returns the current number of layers in the graph.
func (idx *Index) NoLayers() uint64 {
	return idx.layersLen
}

// NodeKeys returns the key string of every node in layer 0.
func (idx *Index) NodeKeys() ([]string, error) {
	if len(idx.layersOut) == 0 {
		return nil, nil
	}
	nodes := idx.layersOut[0].GetNodes()
	keys := make([]string, 0, len(nodes))
	for _, n := range nodes {
		key, err := idx.GetNodeKey(n)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Close releases the segment stores and the metadata store. The Index must
// not be used afterward.
func (idx *Index) Close() error {
	if idx.closed {
		return nil
	}
	idx.closed = true
	if err := idx.metaDB.Close(); err != nil {
		return err
	}
	if err := idx.vectorStorage.Close(); err != nil {
		return err
	}
	return idx.keyStorage.Close()
}
