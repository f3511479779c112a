// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func nodeAt(offset uint64) Node {
	return Node{Key: SegmentID{Offset: offset, Length: 1}, Vector: SegmentID{Offset: offset, Length: 4}}
}

func TestLayerAddRemoveNode(t *testing.T) {
	l := NewLayer()
	require.True(t, l.IsEmpty())

	a := nodeAt(1)
	l.AddNode(a)
	require.True(t, l.HasNode(a))
	require.False(t, l.IsEmpty())
	require.Equal(t, 1, l.NoNodes())

	// idempotent
	l.AddNode(a)
	require.Equal(t, 1, l.NoNodes())

	l.RemoveNode(a)
	require.False(t, l.HasNode(a))
	require.True(t, l.IsEmpty())
}

func TestLayerEdgeSymmetryHelpers(t *testing.T) {
	l := NewLayer()
	a, b := nodeAt(1), nodeAt(2)
	l.AddNode(a)
	l.AddNode(b)

	e := Edge{From: a, To: b, Dist: 0.5}
	l.AddEdge(a, e)

	edges := l.GetEdges(a)
	require.Len(t, edges, 1)
	require.Equal(t, float32(0.5), edges[b].Dist)

	// last writer wins
	l.AddEdge(a, Edge{From: a, To: b, Dist: 0.75})
	require.Equal(t, float32(0.75), l.GetEdges(a)[b].Dist)

	l.RemoveEdge(a, b)
	require.Empty(t, l.GetEdges(a))
}

func TestLayerRemoveNodeDropsIncidentEdges(t *testing.T) {
	l := NewLayer()
	a, b, c := nodeAt(1), nodeAt(2), nodeAt(3)
	l.AddNode(a)
	l.AddNode(b)
	l.AddNode(c)
	l.AddEdge(a, Edge{From: a, To: b, Dist: 1})
	l.AddEdge(c, Edge{From: c, To: b, Dist: 2})

	l.RemoveNode(b)

	require.Empty(t, l.GetEdges(a))
	require.Empty(t, l.GetEdges(c))
	require.False(t, l.HasNode(b))
}

func TestLayerSomeNode(t *testing.T) {
	l := NewLayer()
	_, ok := l.SomeNode()
	require.False(t, ok)

	a := nodeAt(1)
	l.AddNode(a)
	got, ok := l.SomeNode()
	require.True(t, ok)
	require.Equal(t, a, got)
}
