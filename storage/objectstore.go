// Package storage provides the object-store abstraction the gateway uploads
// to and exports from, with a MinIO adapter for production and a filesystem
// adapter for tests and air-gapped sites, plus the disk-space gate that
// admission decisions consult.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by Get for a missing key.
var ErrObjectNotFound = errors.New("storage: object not found")

// ObjectStore is the subset of an S3-style store the gateway needs. Keys
// follow the <payloadId>/<relativePath> convention once payloads are
// assembled; before that, objects live in the temporary bucket under
// <correlationId>/<identifier>.
type ObjectStore interface {
	// Put streams one object. userMeta carries the Source and Workflows
	// attributes downstream consumers read back.
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string, userMeta map[string]string) error

	// Get opens one object for reading. The caller closes the reader.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// Move copies an object to a new location and removes the source. Used
	// by the assembler to promote temp-bucket objects into the payload
	// bucket.
	Move(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error

	// Delete removes one object; missing keys are not an error.
	Delete(ctx context.Context, bucket, key string) error
}
