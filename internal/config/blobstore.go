package config

import (
	"context"

	"github.com/mdouchement/sensing/internal/blobstore"
	"github.com/pkg/errors"
)

// NewClient instantiates the configured blobstore client.
func (c BlobstoreConfig) NewClient(ctx context.Context) (blobstore.Client, error) {
	switch c.Backend {
	case blobstore.BackendMinio:
		return blobstore.NewMinio(c.MinioOptions())
	case blobstore.BackendS3:
		return blobstore.NewS3(ctx, blobstore.S3Options{
			Endpoint:  c.Endpoint,
			Region:    c.Region,
			AccessKey: c.AccessKey,
			SecretKey: c.SecretKey,
		})
	case blobstore.BackendSwift:
		return blobstore.NewSwift(blobstore.SwiftOptions{
			AuthURL:          c.Swift.AuthURL,
			Tenant:           c.Swift.Tenant,
			Domain:           c.Swift.Domain,
			Username:         c.Swift.Username,
			APIKey:           c.Swift.APIKey,
			Region:           c.Region,
			SegmentContainer: c.Swift.SegmentContainer,
		}), nil
	case blobstore.BackendMemory:
		return blobstore.NewMemory(), nil
	}

	return nil, errors.Errorf("unknown blobstore backend %q", c.Backend)
}

// MinioOptions returns the MinIO backend options, the STS section takes
// precedence over the static keys.
func (c BlobstoreConfig) MinioOptions() blobstore.MinioOptions {
	opts := blobstore.MinioOptions{
		Endpoint:  c.Endpoint,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Region:    c.Region,
		Secure:    c.Secure,
	}

	if c.STS.Endpoint != "" {
		opts.STS = &blobstore.MinioSTSOptions{
			Endpoint: c.STS.Endpoint,
			Token:    c.STS.Token,
			RoleARN:  c.STS.RoleARN,
			Duration: c.STS.Duration,
		}
	}
	return opts
}
