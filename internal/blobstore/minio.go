package blobstore

import (
	"bytes"
	"context"
	"time"

	"github.com/mdouchement/sensing/internal/model"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// MinioOptions configures the MinIO backend.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
	// STS replaces the static keys by temporary credentials when set.
	STS *MinioSTSOptions
}

// MinioSTSOptions are the AssumeRoleWithCustomToken parameters.
type MinioSTSOptions struct {
	Endpoint string
	Token    string
	RoleARN  string
	// Duration is the requested validity, bounded by the server.
	Duration time.Duration
}

// Credentials returns the credentials provider matching the options.
// STS credentials are fetched lazily on the first signed request and renewed
// when they expire.
func (opts MinioOptions) Credentials() (*credentials.Credentials, error) {
	if opts.STS == nil {
		return credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""), nil
	}

	var fopts []credentials.CustomTokenOpt
	if opts.STS.Duration > 0 {
		fopts = append(fopts, credentials.CustomTokenValidityOpt(opts.STS.Duration))
	}

	creds, err := credentials.NewCustomTokenCredentials(opts.STS.Endpoint, opts.STS.Token, opts.STS.RoleARN, fopts...)
	return creds, errors.Wrap(err, "minio: sts")
}

type mn struct {
	core *minio.Core
}

// NewMinio returns a Client using the low-level multipart API of MinIO.
func NewMinio(opts MinioOptions) (Client, error) {
	creds, err := opts.Credentials()
	if err != nil {
		return nil, err
	}

	core, err := minio.NewCore(opts.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio")
	}

	return &mn{core: core}, nil
}

func (c *mn) Name() string {
	return BackendMinio
}

func (c *mn) Initiate(ctx context.Context, bucket, key string, opts InitiateOptions) (string, error) {
	id, err := c.core.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	return id, errors.Wrap(err, "minio: initiate")
}

func (c *mn) UploadPart(ctx context.Context, bucket, key, uploadID string, number int, data []byte) (string, error) {
	part, err := c.core.PutObjectPart(ctx, bucket, key, uploadID, number, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "minio: part %d", number)
	}
	return part.ETag, nil
}

func (c *mn) Complete(ctx context.Context, bucket, key, uploadID string, parts []model.Part) error {
	completed := make([]minio.CompletePart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, minio.CompletePart{
			PartNumber: part.Number,
			ETag:       part.ETag,
		})
	}

	_, err := c.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, completed, minio.PutObjectOptions{})
	return errors.Wrap(err, "minio: complete")
}

func (c *mn) Abort(ctx context.Context, bucket, key, uploadID string) error {
	return errors.Wrap(c.core.AbortMultipartUpload(ctx, bucket, key, uploadID), "minio: abort")
}
