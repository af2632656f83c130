package blobstore

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/mdouchement/sensing/internal/model"
	"github.com/pkg/errors"
)

// S3Options configures the S3 backend.
// Empty credentials fall back on the default AWS credentials chain.
type S3Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

type s3c struct {
	client *s3.Client
}

// NewS3 returns a Client using the multipart API of S3 compatible stores.
func NewS3(ctx context.Context, opts S3Options) (Client, error) {
	var options []func(*config.LoadOptions) error
	if opts.Region != "" {
		options = append(options, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, errors.Wrap(err, "s3: config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if o.Region == "" {
			o.Region = "us-east-1"
		}
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	return &s3c{client: client}, nil
}

func (c *s3c) Name() string {
	return BackendS3
}

func (c *s3c) Initiate(ctx context.Context, bucket, key string, opts InitiateOptions) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Metadata: opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	out, err := c.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", errors.Wrap(err, "s3: initiate")
	}
	return aws.ToString(out.UploadId), nil
}

func (c *s3c) UploadPart(ctx context.Context, bucket, key, uploadID string, number int, data []byte) (string, error) {
	out, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(number)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", errors.Wrapf(err, "s3: part %d", number)
	}
	return aws.ToString(out.ETag), nil
}

func (c *s3c) Complete(ctx context.Context, bucket, key, uploadID string, parts []model.Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.Number)),
		})
	}

	_, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	return errors.Wrap(err, "s3: complete")
}

func (c *s3c) Abort(ctx context.Context, bucket, key, uploadID string) error {
	_, err := c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return errors.Wrap(err, "s3: abort")
}
