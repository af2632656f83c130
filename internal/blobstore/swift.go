package blobstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/mdouchement/sensing/internal/model"
	"github.com/ncw/swift/v2"
	"github.com/pkg/errors"
)

// SwiftOptions configures the OpenStack Swift backend.
type SwiftOptions struct {
	AuthURL  string
	Tenant   string
	Domain   string
	Username string
	APIKey   string
	Region   string
	// SegmentContainer stores the parts. Defaults to `<bucket>_segments'.
	SegmentContainer string
}

type sw struct {
	c        *swift.Connection
	segments string
}

// NewSwift returns a Client storing the parts as Dynamic Large Object segments.
// The session is materialized by a marker object holding the final object attributes.
func NewSwift(opts SwiftOptions) Client {
	return &sw{
		c: &swift.Connection{
			AuthUrl:  opts.AuthURL,
			Tenant:   opts.Tenant,
			Domain:   opts.Domain,
			UserName: opts.Username,
			ApiKey:   opts.APIKey,
			Region:   opts.Region,
		},
		segments: opts.SegmentContainer,
	}
}

func (c *sw) Name() string {
	return BackendSwift
}

func (c *sw) segmentContainer(bucket string) string {
	if c.segments != "" {
		return c.segments
	}
	return bucket + "_segments"
}

func marker(key, uploadID string) string {
	return key + "/" + uploadID
}

func segmentPrefix(key, uploadID string) string {
	return marker(key, uploadID) + "/"
}

func (c *sw) Initiate(ctx context.Context, bucket, key string, opts InitiateOptions) (string, error) {
	container := c.segmentContainer(bucket)
	if err := c.c.ContainerCreate(ctx, container, nil); err != nil {
		return "", errors.Wrap(err, "swift: initiate")
	}

	id := uuid.Must(uuid.NewV4()).String()

	headers := swift.Metadata(opts.Metadata).ObjectHeaders()
	_, err := c.c.ObjectPut(ctx, container, marker(key, id), bytes.NewReader(nil), false, "", opts.ContentType, headers)
	if err != nil {
		return "", errors.Wrap(err, "swift: initiate")
	}

	return id, nil
}

func (c *sw) UploadPart(ctx context.Context, bucket, key, uploadID string, number int, data []byte) (string, error) {
	container := c.segmentContainer(bucket)
	name := segmentPrefix(key, uploadID) + fmt.Sprintf("%08d", number)

	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])

	headers, err := c.c.ObjectPut(ctx, container, name, bytes.NewReader(data), true, hash, "application/octet-stream", nil)
	if err != nil {
		return "", errors.Wrapf(err, "swift: part %d", number)
	}

	if etag := headers["Etag"]; etag != "" {
		return strings.Trim(etag, `"`), nil
	}
	return hash, nil
}

func (c *sw) Complete(ctx context.Context, bucket, key, uploadID string, parts []model.Part) error {
	container := c.segmentContainer(bucket)

	info, headers, err := c.c.Object(ctx, container, marker(key, uploadID))
	if err != nil {
		if err == swift.ObjectNotFound {
			return errors.Wrapf(ErrUploadNotFound, "swift: %s", uploadID)
		}
		return errors.Wrap(err, "swift: complete")
	}

	if len(parts) == 0 {
		return errors.New("swift: complete: no parts")
	}

	manifest := headers.ObjectMetadata().ObjectHeaders()
	manifest["X-Object-Manifest"] = container + "/" + segmentPrefix(key, uploadID)

	_, err = c.c.ObjectPut(ctx, bucket, key, bytes.NewReader(nil), false, "", info.ContentType, manifest)
	if err != nil {
		return errors.Wrap(err, "swift: complete")
	}

	// The session is over, the segments are kept as they back the object.
	if err = c.c.ObjectDelete(ctx, container, marker(key, uploadID)); err != nil && err != swift.ObjectNotFound {
		return errors.Wrap(err, "swift: complete")
	}
	return nil
}

func (c *sw) Abort(ctx context.Context, bucket, key, uploadID string) error {
	container := c.segmentContainer(bucket)

	names, err := c.c.ObjectNamesAll(ctx, container, &swift.ObjectsOpts{
		Prefix: segmentPrefix(key, uploadID),
	})
	if err != nil && err != swift.ContainerNotFound {
		return errors.Wrap(err, "swift: abort")
	}

	for _, name := range append(names, marker(key, uploadID)) {
		if err = c.c.ObjectDelete(ctx, container, name); err != nil && err != swift.ObjectNotFound {
			return errors.Wrap(err, "swift: abort")
		}
	}
	return nil
}
