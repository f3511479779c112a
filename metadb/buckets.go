// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package metadb

// Bucket names for the transactional metadata store. Each keyspace from the
// data model gets its own top-level bbolt bucket.
var (
	bucketKeyToNode = []byte("key_to_node")
	bucketLabels    = []byte("labels")
	bucketLayersOut = []byte("layers_out")
	bucketLayersIn  = []byte("layers_in")
	bucketDeleted   = []byte("deleted")
	bucketLog       = []byte("log")
)

// logKey is the single fixed key under which the one GraphLog record lives.
var logKey = []byte("log")
