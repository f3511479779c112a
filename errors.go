// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package vindex

import "errors"

var (
	// ErrClosed is returned by Reload on an index that has been closed.
	// Other methods do not check for a closed index.
	ErrClosed = errors.New("vindex: index is closed")

	// ErrLayerOutOfRange is returned when a layer index exceeds the graph's
	// current layer count.
	ErrLayerOutOfRange = errors.New("vindex: layer out of range")

	// ErrWriterRequired is returned when a mutating operation is attempted
	// on an index opened with Reader.
	ErrWriterRequired = errors.New("vindex: operation requires a writer index")

	// ErrUncommittedMutations is returned by Reload when the writer has
	// pending in-memory mutations that have not been committed. Reloading
	// over them would silently discard them, so it is refused rather than
	// guessed at.
	ErrUncommittedMutations = errors.New("vindex: cannot reload a writer with uncommitted mutations")
)
