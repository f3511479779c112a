// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment provides an append-only, memory-mapped blob store
// addressed by (offset, length) locators. It backs both the key store and
// the vector store of the index: variable-length payloads are appended
// under a lock, returned as an immediately-readable graph.SegmentID, and
// only actually reclaimed when the caller runs garbage collection.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/immutable"
	mmap "github.com/edsrzf/mmap-go"

	"github.com/nuclia/vindex/graph"
)

const (
	// headerSize reserves space for the live write offset at the front of
	// the backing file.
	headerSize = 8

	// frameHeaderLen is the length prefix in front of every payload.
	frameHeaderLen = 4

	// initialCapacity is the size a fresh store is mapped at; it doubles
	// on overflow rather than growing by exact increments so remaps stay
	// infrequent under steady appends.
	initialCapacity = 64 * 1024

	dataFileName = "data.seg"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed store.
	ErrClosed = errors.New("segment: store is closed")
)

// Storage is an append-only, memory-mapped store of opaque byte blobs.
// Inserts are safe to interleave with reads of other segments; only one
// writer is assumed (the Index's single-writer discipline), in a
// single-appender/many-reader model.
type Storage struct {
	mu       sync.RWMutex
	dir      string
	file     *os.File
	data     mmap.MMap
	size     int64 // current mapped capacity
	writeOff int64 // next free byte, including header

	// live is a sorted directory of segments that have not yet been
	// deleted, keyed by offset.
	live   *immutable.SortedMap[uint64, graph.SegmentID]
	closed bool
}

// Create initializes a fresh, empty store rooted at dir.
func Create(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: create dir %s: %w", dir, err)
	}
	return open(dir, true)
}

// Open opens an existing store at dir, or initializes one if absent.
func Open(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: open dir %s: %w", dir, err)
	}
	return open(dir, false)
}

func open(dir string, fresh bool) (*Storage, error) {
	path := filepath.Join(dir, dataFileName)

	flags := os.O_CREATE | os.O_RDWR
	if fresh {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: stat %s: %w", path, err)
	}

	s := &Storage{
		dir:  dir,
		file: f,
		live: &immutable.SortedMap[uint64, graph.SegmentID]{},
	}

	if info.Size() == 0 {
		if err := f.Truncate(initialCapacity); err != nil {
			f.Close()
			return nil, fmt.Errorf("segment: truncate %s: %w", path, err)
		}
		s.writeOff = headerSize
		if err := s.mapFile(initialCapacity); err != nil {
			f.Close()
			return nil, err
		}
		s.putWriteOffsetLocked()
	} else {
		if err := s.mapFile(info.Size()); err != nil {
			f.Close()
			return nil, err
		}
		s.writeOff = int64(binary.LittleEndian.Uint64(s.data[0:headerSize]))
	}

	return s, nil
}

func (s *Storage) mapFile(size int64) error {
	if int64(len(s.data)) > 0 {
		if err := s.data.Unmap(); err != nil {
			return fmt.Errorf("segment: unmap: %w", err)
		}
	}
	data, err := mmap.MapRegion(s.file, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		return fmt.Errorf("segment: mmap: %w", err)
	}
	s.data = data
	s.size = size
	return nil
}

func (s *Storage) putWriteOffsetLocked() {
	binary.LittleEndian.PutUint64(s.data[0:headerSize], uint64(s.writeOff))
}

// Insert appends payload and returns its locator. The locator is readable
// by subsequent Read calls in this process immediately, without a Reload.
func (s *Storage) Insert(payload []byte) (graph.SegmentID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return graph.SegmentID{}, ErrClosed
	}

	need := int64(frameHeaderLen + len(payload))
	if s.writeOff+need > s.size {
		if err := s.growLocked(s.writeOff + need); err != nil {
			return graph.SegmentID{}, err
		}
	}

	recordOff := s.writeOff
	binary.LittleEndian.PutUint32(s.data[recordOff:recordOff+frameHeaderLen], uint32(len(payload)))
	copy(s.data[recordOff+frameHeaderLen:recordOff+need], payload)

	payloadOff := recordOff + frameHeaderLen
	s.writeOff += need
	s.putWriteOffsetLocked()

	id := graph.SegmentID{Offset: uint64(payloadOff), Length: uint32(len(payload))}
	s.live = s.live.Set(id.Offset, id)
	return id, nil
}

func (s *Storage) growLocked(atLeast int64) error {
	newSize := s.size
	if newSize == 0 {
		newSize = initialCapacity
	}
	for newSize < atLeast {
		newSize *= 2
	}
	if err := s.file.Truncate(newSize); err != nil {
		return fmt.Errorf("segment: grow truncate: %w", err)
	}
	return s.mapFile(newSize)
}

// Read returns a view of the blob at id. The result aliases the mapped
// memory and must not be mutated; it is undefined if id was deleted.
func (s *Storage) Read(id graph.SegmentID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	end := int64(id.Offset) + int64(id.Length)
	if int64(id.Offset) < headerSize || end > s.writeOff {
		return nil, fmt.Errorf("segment: id out of range: offset=%d length=%d", id.Offset, id.Length)
	}
	return s.data[id.Offset:end], nil
}

// DeleteSegment marks id's range as free. It does not invalidate
// concurrently held reads of other segments, and does not compact: space
// reuse is an explicit, out-of-band concern.
func (s *Storage) DeleteSegment(id graph.SegmentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.live = s.live.Delete(id.Offset)
	return nil
}

// Reload refreshes the mmap view to observe writes made by another
// process, or to pick up a file that has grown since the last map.
func (s *Storage) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("segment: stat during reload: %w", err)
	}
	if info.Size() != s.size {
		if err := s.mapFile(info.Size()); err != nil {
			return err
		}
	}
	s.writeOff = int64(binary.LittleEndian.Uint64(s.data[0:headerSize]))
	return nil
}

// LiveCount reports how many segments have been inserted and not yet
// deleted. Used for Stats/introspection and tests.
func (s *Storage) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live.Len()
}

// Close unmaps and closes the backing file. The store must not be used
// afterwards.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.data.Unmap(); err != nil {
		return fmt.Errorf("segment: unmap on close: %w", err)
	}
	return s.file.Close()
}
