// Package upload transfers the packaged captures to the blob store with a resumable multipart protocol.
package upload

import (
	"context"
	"io"
	"time"

	"github.com/mdouchement/logger"
	"github.com/mdouchement/sensing/internal/blobstore"
	"github.com/mdouchement/sensing/internal/model"
	"github.com/mdouchement/sensing/internal/storage"
	"github.com/mdouchement/sensing/internal/xpath"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Default part sizes.
const (
	DefaultPartSize    int64 = 6 << 20 // 6291456
	DefaultMinPartSize int64 = 5 << 20 // 5242880
	DefaultPartTimeout       = 2 * time.Minute

	contentType = "application/zip"
	burst       = 64 << 10
)

// ErrInvariant is returned when a work item is inconsistent. It denotes a bug, not a transfer failure.
var ErrInvariant = errors.New("upload invariant violation")

type (
	// Options are the Engine settings.
	Options struct {
		PartSize    int64
		MinPartSize int64
		// PartTimeout bounds every remote call.
		PartTimeout time.Duration
		// BandwidthLimit in bytes per second, zero means unlimited.
		BandwidthLimit int
	}

	// A Controller is an Iversion Of Control pattern used to init the upload package.
	Controller struct {
		Logger  logger.Logger
		Client  blobstore.Client
		Storage storage.Backend
		Options Options
	}

	// An Engine uploads one work item at a time, part after part.
	Engine struct {
		client  blobstore.Client
		storage storage.Backend
		opts    Options
		limiter *rate.Limiter
		log     logger.Logger
	}
)

// New returns a new Engine.
func New(ctrl Controller) *Engine {
	opts := ctrl.Options
	if opts.PartSize <= 0 {
		opts.PartSize = DefaultPartSize
	}
	if opts.MinPartSize <= 0 {
		opts.MinPartSize = DefaultMinPartSize
	}
	if opts.PartTimeout <= 0 {
		opts.PartTimeout = DefaultPartTimeout
	}

	e := &Engine{
		client:  ctrl.Client,
		storage: ctrl.Storage,
		opts:    opts,
		log:     ctrl.Logger.WithPrefix("[upload]"),
	}
	if opts.BandwidthLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.BandwidthLimit), burst)
	}
	return e
}

// Options returns the effective settings.
func (e *Engine) Options() Options {
	return e.opts
}

// Upload transfers the remaining bytes of the item, starting at its BytesTransferred offset.
// Every acknowledged part is emitted before the next one is read so the item can be persisted.
// Cancellation of ctx is observed between parts, never during a remote call.
// On failure, EventFailed is emitted and the error is returned.
func (e *Engine) Upload(ctx context.Context, item *model.UploadWorkItem, emit Emitter) error {
	err := e.upload(ctx, item, emit)
	if err != nil {
		if errors.Is(err, ErrInvariant) {
			e.log.Errorf("%s: %+v", item.ID, err)
		}
		if eerr := emit(Event{Type: EventFailed, Err: err}); eerr != nil {
			e.log.Errorf("%s: could not report failure: %s", item.ID, eerr)
		}
	}
	return err
}

func (e *Engine) upload(ctx context.Context, item *model.UploadWorkItem, emit Emitter) error {
	if err := e.check(item); err != nil {
		return err
	}

	key := xpath.Key(item.RemoteRelativePath)

	if !item.HasSession() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var id string
		err := e.call(ctx, func(ctx context.Context) (err error) {
			id, err = e.client.Initiate(ctx, item.Bucket, key, blobstore.InitiateOptions{
				ContentType: contentType,
				Metadata: map[string]string{
					"checksum":    item.Checksum,
					"resource-id": item.ResourceID,
				},
			})
			return err
		})
		if err != nil {
			return err
		}
		item.SessionUploadID = id
		e.log.Debugf("%s: session %s opened for %s/%s", item.ID, id, item.Bucket, key)
	}

	if err := emit(Event{Type: EventStarted, UploadID: item.SessionUploadID}); err != nil {
		return errors.Wrap(err, "started")
	}

	f, err := e.storage.Open(item.SourceFile)
	if err != nil {
		return errors.Wrap(err, "open source")
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "open source")
	}
	if stat.Size() != item.FileSize {
		return errors.Wrapf(ErrInvariant, "source is %d bytes, %d expected", stat.Size(), item.FileSize)
	}

	if _, err = f.Seek(item.BytesTransferred, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek source")
	}

	buf := make([]byte, e.opts.PartSize+e.opts.MinPartSize)

	for item.Multipart && item.Remaining() >= e.opts.PartSize+e.opts.MinPartSize {
		if err = e.part(ctx, f, item, buf[:e.opts.PartSize], emit); err != nil {
			return err
		}
	}

	if item.Remaining() > 0 || len(item.Parts) == 0 {
		n := item.Remaining()
		if n > int64(len(buf)) {
			buf = make([]byte, n)
		}
		if err = e.part(ctx, f, item, buf[:n], emit); err != nil {
			return err
		}
	}

	if err = e.completable(item); err != nil {
		return err
	}

	if err = ctx.Err(); err != nil {
		return err
	}

	err = e.call(ctx, func(ctx context.Context) error {
		return e.client.Complete(ctx, item.Bucket, key, item.SessionUploadID, item.SortedParts())
	})
	if err != nil {
		return err
	}

	item.Status = model.StatusUploaded
	if err = emit(Event{Type: EventCompleted}); err != nil {
		return errors.Wrap(err, "completed")
	}

	f.Close()
	if err = e.storage.Remove(item.SourceFile); err != nil {
		e.log.Errorf("%s: %s", item.ID, err)
	}

	e.log.Infof("%s: %s/%s uploaded (%d parts, %d bytes)", item.ID, item.Bucket, key, len(item.Parts), item.FileSize)
	return nil
}

// part reads len(data) bytes and uploads them as the next part.
func (e *Engine) part(ctx context.Context, r io.Reader, item *model.UploadWorkItem, data []byte, emit Emitter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := io.ReadFull(r, data); err != nil {
		return errors.Wrap(err, "read source")
	}

	if err := e.throttle(ctx, len(data)); err != nil {
		return err
	}

	number := item.NextPartNumber
	key := xpath.Key(item.RemoteRelativePath)

	var etag string
	err := e.call(ctx, func(ctx context.Context) (err error) {
		etag, err = e.client.UploadPart(ctx, item.Bucket, key, item.SessionUploadID, number, data)
		return err
	})
	if err != nil {
		return err
	}

	size := int64(len(data))
	item.Parts = append(item.Parts, model.Part{
		Number: number,
		ETag:   etag,
		Size:   size,
	})
	item.BytesTransferred += size
	item.NextPartNumber++

	e.log.Debugf("%s: part %d acknowledged (%d/%d)", item.ID, number, item.BytesTransferred, item.FileSize)
	return errors.Wrap(emit(Event{Type: EventProgress, Bytes: size}), "progress")
}

func (e *Engine) throttle(ctx context.Context, n int) error {
	if e.limiter == nil {
		return nil
	}

	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := e.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// call runs fn bounded by the part timeout and detached from the cancellation of ctx.
func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.PartTimeout)
	defer cancel()

	return fn(ctx)
}

// check validates the resumption cursor.
func (e *Engine) check(item *model.UploadWorkItem) error {
	switch {
	case item.BytesTransferred < 0 || item.BytesTransferred > item.FileSize:
		return errors.Wrapf(ErrInvariant, "offset %d out of [0, %d]", item.BytesTransferred, item.FileSize)
	case !item.HasSession() && (item.BytesTransferred != 0 || len(item.Parts) != 0):
		return errors.Wrap(ErrInvariant, "transferred bytes without session")
	case item.NextPartNumber != len(item.Parts)+1:
		return errors.Wrapf(ErrInvariant, "next part %d with %d acknowledged parts", item.NextPartNumber, len(item.Parts))
	}

	var sum int64
	for _, part := range item.Parts {
		sum += part.Size
	}
	if sum != item.BytesTransferred {
		return errors.Wrapf(ErrInvariant, "parts hold %d bytes, offset is %d", sum, item.BytesTransferred)
	}
	return nil
}

// completable validates the parts before completion.
func (e *Engine) completable(item *model.UploadWorkItem) error {
	if item.BytesTransferred != item.FileSize {
		return errors.Wrapf(ErrInvariant, "completion with %d/%d bytes", item.BytesTransferred, item.FileSize)
	}

	for i, part := range item.SortedParts() {
		if part.Number != i+1 {
			return errors.Wrapf(ErrInvariant, "part %d missing", i+1)
		}
	}
	return nil
}
