package blobstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/mdouchement/sensing/internal/model"
	"github.com/pkg/errors"
)

// Memory operations, used by the fault injection and the call log.
const (
	OpInitiate = "initiate"
	OpPart     = "part"
	OpComplete = "complete"
	OpAbort    = "abort"
)

type (
	// A Call is a logged Memory operation.
	Call struct {
		Op       string
		UploadID string
		Number   int
		Size     int
	}

	// A FaultFunc returns a non-nil error to make the operation fail.
	FaultFunc func(op string, number int) error

	// A Memory is an in-process Client keeping the assembled objects in memory.
	Memory struct {
		// MinPartSize is the minimum size of a non-final part, zero disables the check.
		MinPartSize int64

		mu      sync.Mutex
		fault   FaultFunc
		uploads map[string]*session
		objects map[string]*Object
		calls   []Call
	}

	// An Object is an assembled object.
	Object struct {
		Data        []byte
		ContentType string
		Metadata    map[string]string
	}

	session struct {
		bucket string
		key    string
		opts   InitiateOptions
		parts  map[int][]byte
	}
)

// NewMemory returns a new Memory.
func NewMemory() *Memory {
	return &Memory{
		uploads: map[string]*session{},
		objects: map[string]*Object{},
	}
}

// Fault sets the fault injection function, nil disables it.
func (m *Memory) Fault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fault = f
}

// Calls returns the logged operations.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Call(nil), m.calls...)
}

// Object returns the assembled object.
func (m *Memory) Object(bucket, key string) (*Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.objects[bucket+"/"+key]
	return o, ok
}

// Sessions returns the number of open multipart sessions.
func (m *Memory) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.uploads)
}

func (m *Memory) Name() string {
	return BackendMemory
}

func (m *Memory) inject(op string, number int) error {
	if m.fault == nil {
		return nil
	}
	return m.fault(op, number)
}

func (m *Memory) Initiate(ctx context.Context, bucket, key string, opts InitiateOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := m.inject(OpInitiate, 0); err != nil {
		return "", err
	}

	id := uuid.Must(uuid.NewV4()).String()
	m.uploads[id] = &session{
		bucket: bucket,
		key:    key,
		opts:   opts,
		parts:  map[int][]byte{},
	}
	m.calls = append(m.calls, Call{Op: OpInitiate, UploadID: id})
	return id, nil
}

func (m *Memory) UploadPart(ctx context.Context, bucket, key, uploadID string, number int, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := m.inject(OpPart, number); err != nil {
		return "", err
	}

	s, ok := m.uploads[uploadID]
	if !ok || s.bucket != bucket || s.key != key {
		return "", errors.Wrap(ErrUploadNotFound, uploadID)
	}

	s.parts[number] = append([]byte(nil), data...)
	m.calls = append(m.calls, Call{Op: OpPart, UploadID: uploadID, Number: number, Size: len(data)})
	return etag(data), nil
}

func (m *Memory) Complete(ctx context.Context, bucket, key, uploadID string, parts []model.Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.inject(OpComplete, 0); err != nil {
		return err
	}

	s, ok := m.uploads[uploadID]
	if !ok || s.bucket != bucket || s.key != key {
		return errors.Wrap(ErrUploadNotFound, uploadID)
	}
	if len(parts) == 0 {
		return errors.New("complete: no parts")
	}

	var buf bytes.Buffer
	for i, part := range parts {
		if part.Number != i+1 {
			return errors.Errorf("complete: invalid part order at %d", part.Number)
		}

		data, ok := s.parts[part.Number]
		if !ok || etag(data) != part.ETag {
			return errors.Errorf("complete: invalid part %d", part.Number)
		}
		if i < len(parts)-1 && m.MinPartSize > 0 && int64(len(data)) < m.MinPartSize {
			return errors.Errorf("complete: part %d too small", part.Number)
		}

		buf.Write(data)
	}

	m.objects[bucket+"/"+key] = &Object{
		Data:        buf.Bytes(),
		ContentType: s.opts.ContentType,
		Metadata:    s.opts.Metadata,
	}
	delete(m.uploads, uploadID)
	m.calls = append(m.calls, Call{Op: OpComplete, UploadID: uploadID, Number: len(parts)})
	return nil
}

func (m *Memory) Abort(ctx context.Context, bucket, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.inject(OpAbort, 0); err != nil {
		return err
	}

	delete(m.uploads, uploadID)
	m.calls = append(m.calls, Call{Op: OpAbort, UploadID: uploadID})
	return nil
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
