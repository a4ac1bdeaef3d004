// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Package storage abstracts the object store holding ARD files, composites,
// and quicklooks. Production runs use S3; tests use the in-memory store.
package storage

import (
	"context"
	"io"
)

// ObjectStore is the capability every stage writes through. DONE activities
// imply their declared output exists here, so the store is the source of
// truth for recovery decisions.
type ObjectStore interface {
	// Put writes an object. public marks it world-readable (quicklooks).
	Put(ctx context.Context, key string, body []byte, contentType string, public bool) error
	// Get reads a whole object.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether the object is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes an object; deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// ReadAll drains a reader, for implementations streaming from a backend.
func ReadAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
