// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Canonical on-disk sizes. These are fixed so the metadata store can
// persist and reload exact copies without a schema.
const (
	segmentIDSize  = 8 + 4
	nodeSize       = 2 * segmentIDSize
	edgeSize       = 2*nodeSize + 4
	entryPointSize = nodeSize + 8
	versionSize    = 16
	logSize        = 1 + entryPointSize + 8 + versionSize
)

// EncodeVector writes the canonical Vector representation: a little-endian
// uint32 length followed by that many little-endian float32 values.
func EncodeVector(v Vector) []byte {
	buf := make([]byte, 4+4*len(v.Raw))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(v.Raw)))
	for i, f := range v.Raw {
		binary.LittleEndian.PutUint32(buf[4+4*i:8+4*i], math.Float32bits(f))
	}
	return buf
}

// DecodeVector reads the canonical Vector representation produced by
// EncodeVector. It returns ErrCorrupt-style errors via fmt.Errorf since
// malformed bytes here indicate a broken invariant, not a recoverable
// condition.
func DecodeVector(b []byte) (Vector, error) {
	if len(b) < 4 {
		return Vector{}, fmt.Errorf("vector buffer too short: %d bytes", len(b))
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	want := 4 + 4*int(n)
	if len(b) != want {
		return Vector{}, fmt.Errorf("vector buffer length mismatch: have %d want %d", len(b), want)
	}
	raw := make([]float32, n)
	for i := range raw {
		raw[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4+4*i : 8+4*i]))
	}
	return Vector{Raw: raw}, nil
}

// EncodeKey writes the canonical key-string representation: a
// little-endian uint64 length followed by UTF-8 bytes.
func EncodeKey(key string) []byte {
	buf := make([]byte, 8+len(key))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(key)))
	copy(buf[8:], key)
	return buf
}

// DecodeKey reads the canonical key-string representation.
func DecodeKey(b []byte) (string, error) {
	if len(b) < 8 {
		return "", fmt.Errorf("key buffer too short: %d bytes", len(b))
	}
	n := binary.LittleEndian.Uint64(b[0:8])
	want := 8 + int(n)
	if uint64(len(b)) != uint64(want) {
		return "", fmt.Errorf("key buffer length mismatch: have %d want %d", len(b), want)
	}
	return string(b[8:want]), nil
}

func putSegmentID(b []byte, id SegmentID) {
	binary.LittleEndian.PutUint64(b[0:8], id.Offset)
	binary.LittleEndian.PutUint32(b[8:12], id.Length)
}

func getSegmentID(b []byte) SegmentID {
	return SegmentID{
		Offset: binary.LittleEndian.Uint64(b[0:8]),
		Length: binary.LittleEndian.Uint32(b[8:12]),
	}
}

func putNode(b []byte, n Node) {
	putSegmentID(b[0:segmentIDSize], n.Key)
	putSegmentID(b[segmentIDSize:nodeSize], n.Vector)
}

func getNode(b []byte) Node {
	return Node{
		Key:    getSegmentID(b[0:segmentIDSize]),
		Vector: getSegmentID(b[segmentIDSize:nodeSize]),
	}
}

// EncodeNode writes the canonical Node representation (two SegmentIDs).
func EncodeNode(n Node) []byte {
	buf := make([]byte, nodeSize)
	putNode(buf, n)
	return buf
}

// DecodeNode reads the canonical Node representation.
func DecodeNode(b []byte) (Node, error) {
	if len(b) != nodeSize {
		return Node{}, fmt.Errorf("node buffer length mismatch: have %d want %d", len(b), nodeSize)
	}
	return getNode(b), nil
}

func putEdge(b []byte, e Edge) {
	putNode(b[0:nodeSize], e.From)
	putNode(b[nodeSize:2*nodeSize], e.To)
	binary.LittleEndian.PutUint32(b[2*nodeSize:edgeSize], math.Float32bits(e.Dist))
}

func getEdge(b []byte) Edge {
	return Edge{
		From: getNode(b[0:nodeSize]),
		To:   getNode(b[nodeSize : 2*nodeSize]),
		Dist: math.Float32frombits(binary.LittleEndian.Uint32(b[2*nodeSize : edgeSize])),
	}
}

// EncodeEdge writes the canonical Edge representation.
func EncodeEdge(e Edge) []byte {
	buf := make([]byte, edgeSize)
	putEdge(buf, e)
	return buf
}

// DecodeEdge reads the canonical Edge representation.
func DecodeEdge(b []byte) (Edge, error) {
	if len(b) != edgeSize {
		return Edge{}, fmt.Errorf("edge buffer length mismatch: have %d want %d", len(b), edgeSize)
	}
	return getEdge(b), nil
}

// EncodeEntryPoint writes the canonical EntryPoint representation.
func EncodeEntryPoint(ep EntryPoint) []byte {
	buf := make([]byte, entryPointSize)
	putNode(buf[0:nodeSize], ep.Node)
	binary.LittleEndian.PutUint64(buf[nodeSize:entryPointSize], ep.Layer)
	return buf
}

// DecodeEntryPoint reads the canonical EntryPoint representation.
func DecodeEntryPoint(b []byte) (EntryPoint, error) {
	if len(b) != entryPointSize {
		return EntryPoint{}, fmt.Errorf("entry point buffer length mismatch: have %d want %d", len(b), entryPointSize)
	}
	return EntryPoint{
		Node:  getNode(b[0:nodeSize]),
		Layer: binary.LittleEndian.Uint64(b[nodeSize:entryPointSize]),
	}, nil
}

// EncodeVersion writes the canonical 128-bit version number as big-endian
// hi||lo so that lexicographic byte comparison (as bbolt's bucket cursor
// uses) matches numeric ordering.
func EncodeVersion(v VersionNumber) []byte {
	buf := make([]byte, versionSize)
	binary.BigEndian.PutUint64(buf[0:8], v.Hi)
	binary.BigEndian.PutUint64(buf[8:16], v.Lo)
	return buf
}

// DecodeVersion reads the canonical version number representation.
func DecodeVersion(b []byte) (VersionNumber, error) {
	if len(b) != versionSize {
		return VersionNumber{}, fmt.Errorf("version buffer length mismatch: have %d want %d", len(b), versionSize)
	}
	return VersionNumber{
		Hi: binary.BigEndian.Uint64(b[0:8]),
		Lo: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// EncodeLog writes the canonical GraphLog representation: a presence
// byte, a (possibly zero-filled) EntryPoint, the max layer and the
// version number.
func EncodeLog(l GraphLog) []byte {
	buf := make([]byte, logSize)
	if l.EntryPoint != nil {
		buf[0] = 1
		epBytes := EncodeEntryPoint(*l.EntryPoint)
		copy(buf[1:1+entryPointSize], epBytes)
	}
	off := 1 + entryPointSize
	binary.LittleEndian.PutUint64(buf[off:off+8], l.MaxLayer)
	copy(buf[off+8:off+8+versionSize], EncodeVersion(l.Version))
	return buf
}

// DecodeLog reads the canonical GraphLog representation.
func DecodeLog(b []byte) (GraphLog, error) {
	if len(b) != logSize {
		return GraphLog{}, fmt.Errorf("log buffer length mismatch: have %d want %d", len(b), logSize)
	}
	var log GraphLog
	if b[0] == 1 {
		ep, err := DecodeEntryPoint(b[1 : 1+entryPointSize])
		if err != nil {
			return GraphLog{}, err
		}
		log.EntryPoint = &ep
	}
	off := 1 + entryPointSize
	log.MaxLayer = binary.LittleEndian.Uint64(b[off : off+8])
	ver, err := DecodeVersion(b[off+8 : off+8+versionSize])
	if err != nil {
		return GraphLog{}, err
	}
	log.Version = ver
	return log, nil
}

// EncodeLayer writes the opaque byte image for a GraphLayer: node count,
// nodes, edge count, edges. The source endpoint of each edge is recovered
// from Edge.From, so no separate keying is stored.
func EncodeLayer(l *Layer) []byte {
	nodes := l.GetNodes()
	edges := l.allEdges()

	buf := make([]byte, 4+nodeSize*len(nodes)+4+edgeSize*len(edges))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(nodes)))
	off := 4
	for _, n := range nodes {
		putNode(buf[off:off+nodeSize], n)
		off += nodeSize
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(edges)))
	off += 4
	for _, e := range edges {
		putEdge(buf[off:off+edgeSize], e)
		off += edgeSize
	}
	return buf
}

// DecodeLayer reads the opaque byte image produced by EncodeLayer back
// into a Layer.
func DecodeLayer(b []byte) (*Layer, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("layer buffer too short: %d bytes", len(b))
	}
	l := NewLayer()
	nNodes := binary.LittleEndian.Uint32(b[0:4])
	off := 4
	for i := uint32(0); i < nNodes; i++ {
		if off+nodeSize > len(b) {
			return nil, fmt.Errorf("layer buffer truncated reading node %d", i)
		}
		l.AddNode(getNode(b[off : off+nodeSize]))
		off += nodeSize
	}
	if off+4 > len(b) {
		return nil, fmt.Errorf("layer buffer truncated reading edge count")
	}
	nEdges := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	for i := uint32(0); i < nEdges; i++ {
		if off+edgeSize > len(b) {
			return nil, fmt.Errorf("layer buffer truncated reading edge %d", i)
		}
		e := getEdge(b[off : off+edgeSize])
		l.AddEdge(e.From, e)
		off += edgeSize
	}
	return l, nil
}
