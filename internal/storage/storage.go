// Package storage provides object storage abstractions for externalized
// blob values. Implementations include S3 and the local filesystem.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrPutFailed      = errors.New("put failed")
	ErrGetFailed      = errors.New("get failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts object storage operations on opaque payloads.
type ObjectStorage interface {
	// Put stores data at objectPath, overwriting any existing object.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get retrieves the object at objectPath.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks whether an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
