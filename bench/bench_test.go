// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package bench

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/stretchr/testify/require"

	"github.com/nuclia/vindex"
	"github.com/nuclia/vindex/graph"
)

func randomVector(dim int, r *rand.Rand) graph.Vector {
	raw := make([]float32, dim)
	for i := range raw {
		raw[i] = r.Float32()
	}
	return graph.Vector{Raw: raw}
}

func BenchmarkAddNode(b *testing.B) {
	dims := []int{32, 256, 1024}
	for _, dim := range dims {
		b.Run(fmt.Sprintf("dim=%d", dim), func(b *testing.B) {
			idx, err := vindex.Writer(b.TempDir())
			require.NoError(b, err)
			defer idx.Close()

			r := rand.New(rand.NewSource(1))
			hist := hdrhistogram.New(1, 10_000_000, 3)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				v := randomVector(dim, r)
				start := time.Now()
				_, err := idx.AddNode(fmt.Sprintf("doc/%d", i), v, 0)
				elapsed := time.Since(start)
				b.StopTimer()
				require.NoError(b, err)
				require.NoError(b, hist.RecordValue(elapsed.Microseconds()))
				b.StartTimer()
			}
			b.StopTimer()
			b.Logf("add_node latency us: p50=%d p99=%d max=%d",
				hist.ValueAtQuantile(50), hist.ValueAtQuantile(99), hist.Max())
		})
	}
}

func BenchmarkCommit(b *testing.B) {
	batchSizes := []int{10, 100, 1000}
	for _, n := range batchSizes {
		b.Run(fmt.Sprintf("batch=%d", n), func(b *testing.B) {
			idx, err := vindex.Writer(b.TempDir())
			require.NoError(b, err)
			defer idx.Close()

			r := rand.New(rand.NewSource(1))
			hist := hdrhistogram.New(1, 10_000_000, 3)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				for j := 0; j < n; j++ {
					_, err := idx.AddNode(fmt.Sprintf("doc/%d/%d", i, j), randomVector(64, r), 0)
					require.NoError(b, err)
				}
				start := time.Now()
				err := idx.Commit()
				elapsed := time.Since(start)
				b.StopTimer()
				require.NoError(b, err)
				require.NoError(b, hist.RecordValue(elapsed.Microseconds()))
				b.StartTimer()
			}
			b.StopTimer()
			b.Logf("commit latency us: p50=%d p99=%d max=%d",
				hist.ValueAtQuantile(50), hist.ValueAtQuantile(99), hist.Max())
		})
	}
}

func BenchmarkSemiMappedSimilarity(b *testing.B) {
	idx, err := vindex.Writer(b.TempDir())
	require.NoError(b, err)
	defer idx.Close()

	r := rand.New(rand.NewSource(1))
	const dim = 256
	const n = 10_000

	nodes := make([]graph.Node, 0, n)
	for i := 0; i < n; i++ {
		node, err := idx.AddNode(fmt.Sprintf("doc/%d", i), randomVector(dim, r), 0)
		require.NoError(b, err)
		nodes = append(nodes, node)
	}
	require.NoError(b, idx.Commit())

	query := randomVector(dim, r)
	hist := hdrhistogram.New(1, 1_000_000, 3)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		node := nodes[i%len(nodes)]
		start := time.Now()
		_, err := idx.SemiMappedSimilarity(query, node)
		elapsed := time.Since(start)
		b.StopTimer()
		require.NoError(b, err)
		require.NoError(b, hist.RecordValue(elapsed.Microseconds()))
		b.StartTimer()
	}
	b.StopTimer()
	b.Logf("semi_mapped_similarity latency us: p50=%d p99=%d max=%d",
		hist.ValueAtQuantile(50), hist.ValueAtQuantile(99), hist.Max())
}
