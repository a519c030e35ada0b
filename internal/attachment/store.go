// Package attachment implements the Attachment Store: a
// content-addressed blob store keyed by the SHA-256 of its bytes, so that
// agents exchanging the same document within a conversation dedupe to one
// row.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// Store is the Attachment Store interface implemented by the memory and
// SQL backends.
type Store interface {
	// Put stores content, deduping by content hash across the whole store
	// (the hash is used as both id and DocID). If an attachment with the
	// same hash already exists, it is returned unchanged and no new row is
	// written.
	Put(ctx context.Context, name, contentType string, content []byte, summary string) (v1.Attachment, error)

	// Get returns the attachment for id.
	Get(ctx context.Context, id string) (v1.Attachment, error)
}

// contentHash is the content-addressing key: hex-encoded SHA-256 of the
// raw bytes, doubling as a stable attachment id.
func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
