// Package blobstore wraps the multipart upload API of the remote object stores.
package blobstore

import (
	"context"

	"github.com/mdouchement/sensing/internal/model"
	"github.com/pkg/errors"
)

// Backend names.
const (
	BackendMinio  = "minio"
	BackendS3     = "s3"
	BackendSwift  = "swift"
	BackendMemory = "memory"
)

// ErrUploadNotFound is returned when the multipart session is unknown to the store.
var ErrUploadNotFound = errors.New("multipart upload not found")

type (
	// A Client is a remote object store supporting multipart uploads.
	// Every call is a single bounded remote request.
	Client interface {
		// Name returns the name of the backend.
		Name() string
		// Initiate opens a multipart session and returns its identifier.
		Initiate(ctx context.Context, bucket, key string, opts InitiateOptions) (uploadID string, err error)
		// UploadPart sends one part of the session and returns its ETag.
		UploadPart(ctx context.Context, bucket, key, uploadID string, number int, data []byte) (etag string, err error)
		// Complete assembles the parts, sorted by number, into the final object.
		Complete(ctx context.Context, bucket, key, uploadID string, parts []model.Part) error
		// Abort discards the session and its parts.
		Abort(ctx context.Context, bucket, key, uploadID string) error
	}

	// InitiateOptions are the attributes of the final object.
	InitiateOptions struct {
		ContentType string
		Metadata    map[string]string
	}
)
