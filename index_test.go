// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package vindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nuclia/vindex/graph"
)

func vec(raw ...float32) graph.Vector { return graph.Vector{Raw: raw} }

func TestEmptyOpenAndFirstCommit(t *testing.T) {
	dir := t.TempDir()
	idx, err := Writer(dir)
	require.NoError(t, err)

	require.Equal(t, 0, idx.NoNodes())
	require.Equal(t, uint64(0), idx.NoLayers())
	require.Nil(t, idx.GetEntryPoint())

	require.NoError(t, idx.Commit())
	require.Equal(t, graph.VersionNumber{Hi: 0, Lo: 1}, idx.lastCommitted)
	require.NoError(t, idx.Close())

	r, err := Reader(dir)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, graph.VersionNumber{Hi: 0, Lo: 1}, r.timeStamp)
}

func TestSingleInsertAndEntryPointPromotion(t *testing.T) {
	idx, err := Writer(t.TempDir())
	require.NoError(t, err)
	defer idx.Close()

	n, err := idx.AddNode("alpha", vec(1.0, 0.0), 2)
	require.NoError(t, err)

	require.Equal(t, uint64(3), idx.NoLayers())
	at0, err := idx.IsNodeAt(0, n)
	require.NoError(t, err)
	require.True(t, at0)
	at2, err := idx.IsNodeAt(2, n)
	require.NoError(t, err)
	require.True(t, at2)
	_, err = idx.IsNodeAt(3, n)
	require.ErrorIs(t, err, ErrLayerOutOfRange)

	require.NoError(t, idx.SetEntryPoint(graph.EntryPoint{Node: n, Layer: 2}))
	ep := idx.GetEntryPoint()
	require.NotNil(t, ep)
	require.Equal(t, uint64(2), ep.Layer)
}

func TestConnectDisconnectSymmetry(t *testing.T) {
	idx, err := Writer(t.TempDir())
	require.NoError(t, err)
	defer idx.Close()

	a, err := idx.AddNode("a", vec(1), 0)
	require.NoError(t, err)
	b, err := idx.AddNode("b", vec(2), 0)
	require.NoError(t, err)

	require.NoError(t, idx.Connect(0, graph.Edge{From: a, To: b, Dist: 0.5}))

	out, err := idx.OutEdges(0, a)
	require.NoError(t, err)
	require.Equal(t, float32(0.5), out[b].Dist)

	in, err := idx.InEdges(0, b)
	require.NoError(t, err)
	require.Equal(t, float32(0.5), in[a].Dist)

	require.NoError(t, idx.Disconnect(0, a, b))

	out, err = idx.OutEdges(0, a)
	require.NoError(t, err)
	require.Empty(t, out)
	in, err = idx.InEdges(0, b)
	require.NoError(t, err)
	require.Empty(t, in)
}

func TestEraseCollapsesLayerStack(t *testing.T) {
	idx, err := Writer(t.TempDir())
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.AddNode("a", vec(1), 0)
	require.NoError(t, err)
	_, err = idx.AddNode("b", vec(2), 0)
	require.NoError(t, err)
	top, err := idx.AddNode("top", vec(3), 2)
	require.NoError(t, err)

	require.NoError(t, idx.Erase(top))

	require.Equal(t, uint64(1), idx.NoLayers())
	ep := idx.GetEntryPoint()
	require.NotNil(t, ep)
	require.Equal(t, uint64(0), ep.Layer)

	has, err := idx.HasNode("a")
	require.NoError(t, err)
	require.True(t, has)
}

func TestCommitAndGCReclaim(t *testing.T) {
	idx, err := Writer(t.TempDir())
	require.NoError(t, err)
	defer idx.Close()

	var toErase []graph.Node
	for i := 0; i < 10; i++ {
		n, err := idx.AddNode(keyFor(i), vec(float32(i)), 0)
		require.NoError(t, err)
		if i < 5 {
			toErase = append(toErase, n)
		}
	}
	for _, n := range toErase {
		require.NoError(t, idx.Erase(n))
	}
	require.NoError(t, idx.Commit())
	require.NoError(t, idx.RunGarbageCollection())

	keys, err := idx.NodeKeys()
	require.NoError(t, err)
	require.Len(t, keys, 5)
	require.Equal(t, 5, idx.keyStorage.LiveCount())
	require.Equal(t, 5, idx.vectorStorage.LiveCount())
}

func keyFor(i int) string {
	return string(rune('a' + i))
}

func TestCrossProcessReload(t *testing.T) {
	dir := t.TempDir()

	writer, err := Writer(dir)
	require.NoError(t, err)
	defer writer.Close()

	reader, err := Reader(dir)
	require.NoError(t, err)
	defer reader.Close()

	n, err := writer.AddNode("alpha", vec(1, 2), 0)
	require.NoError(t, err)
	require.NoError(t, writer.SetEntryPoint(graph.EntryPoint{Node: n, Layer: 0}))
	require.NoError(t, writer.Commit())

	require.NoError(t, reader.Reload())
	require.Equal(t, writer.lastCommitted, reader.timeStamp)
	require.Equal(t, 1, reader.NoNodes())

	stats := reader.Stats()
	require.Equal(t, []int{1}, stats.NodesPerOutLayer)

	ep := reader.GetEntryPoint()
	require.NotNil(t, ep)
	require.Equal(t, n, ep.Node)
}

func TestReloadIsIdempotentWithNoIntermediateWrite(t *testing.T) {
	dir := t.TempDir()
	idx, err := Writer(dir)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Commit())
	require.NoError(t, idx.Reload())
	require.NoError(t, idx.Reload())
}

func TestReloadRefusesUncommittedMutations(t *testing.T) {
	idx, err := Writer(t.TempDir())
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.AddNode("a", vec(1), 0)
	require.NoError(t, err)

	err = idx.Reload()
	require.ErrorIs(t, err, ErrUncommittedMutations)
}

func TestAddNodeCommitReopenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx, err := Writer(dir)
	require.NoError(t, err)

	v := vec(1, 2, 3)
	_, err = idx.AddNode("alpha", v, 0)
	require.NoError(t, err)
	require.NoError(t, idx.Commit())
	require.NoError(t, idx.Close())

	reopened, err := Writer(dir)
	require.NoError(t, err)
	defer reopened.Close()

	n, ok, err := reopened.GetNode("alpha")
	require.NoError(t, err)
	require.True(t, ok)

	gotVec, err := reopened.GetNodeVector(n)
	require.NoError(t, err)
	require.Equal(t, v, gotVec)

	gotKey, err := reopened.GetNodeKey(n)
	require.NoError(t, err)
	require.Equal(t, "alpha", gotKey)
}

func TestSemiMappedSimilarityOfIdenticalVectorsIsOne(t *testing.T) {
	idx, err := Writer(t.TempDir())
	require.NoError(t, err)
	defer idx.Close()

	n, err := idx.AddNode("a", vec(1, 0, 0), 0)
	require.NoError(t, err)

	sim, err := idx.SemiMappedSimilarity(vec(1, 0, 0), n)
	require.NoError(t, err)
	require.InDelta(t, 1.0, sim, 1e-6)
}

func TestHasLabels(t *testing.T) {
	idx, err := Writer(t.TempDir())
	require.NoError(t, err)
	defer idx.Close()

	n, err := idx.AddNode("doc/1", vec(1), 0)
	require.NoError(t, err)
	require.NoError(t, idx.AddLabel("doc/1", "lang/en"))

	ok, err := idx.HasLabels(n, []string{"lang/en"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = idx.HasLabels(n, []string{"lang/en", "lang/ca"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReaderRejectsMutation(t *testing.T) {
	dir := t.TempDir()
	w, err := Writer(dir)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := Reader(dir)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.AddNode("x", vec(1), 0)
	require.ErrorIs(t, err, ErrWriterRequired)
}
