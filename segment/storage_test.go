// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Insert([]byte("hello world"))
	require.NoError(t, err)

	got, err := s.Read(id)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestInsertManyGrowsBackingFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir)
	require.NoError(t, err)
	defer s.Close()

	payloads := make([][]byte, 0, 2000)
	for i := 0; i < 2000; i++ {
		payloads = append(payloads, []byte("payload-data-chunk-0123456789"))
	}

	for _, p := range payloads {
		id, err := s.Insert(p)
		require.NoError(t, err)
		got, err := s.Read(id)
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	require.Equal(t, len(payloads), s.LiveCount())
}

func TestDeleteSegmentDoesNotInvalidateOtherReads(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir)
	require.NoError(t, err)
	defer s.Close()

	idA, err := s.Insert([]byte("alpha"))
	require.NoError(t, err)
	idB, err := s.Insert([]byte("beta"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteSegment(idA))
	require.Equal(t, 1, s.LiveCount())

	got, err := s.Read(idB)
	require.NoError(t, err)
	require.Equal(t, "beta", string(got))
}

func TestReopenPersistsData(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir)
	require.NoError(t, err)

	id, err := s.Insert([]byte("durable"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Read(id)
	require.NoError(t, err)
	require.Equal(t, "durable", string(got))
}

func TestReloadIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Insert([]byte("x"))
	require.NoError(t, err)

	require.NoError(t, s.Reload())
	require.NoError(t, s.Reload())
}

func TestOperationsFailAfterClose(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Insert([]byte("x"))
	require.ErrorIs(t, err, ErrClosed)
}
