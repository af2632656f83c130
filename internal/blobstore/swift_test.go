package blobstore_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mdouchement/sensing/internal/blobstore"
	"github.com/mdouchement/sensing/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type swiftObject struct {
	data   []byte
	header http.Header
}

// fakeSwift implements the subset of the Swift API used by the backend with a v1 authentication.
type fakeSwift struct {
	mu         sync.Mutex
	containers map[string]bool
	objects    map[string]swiftObject
}

func (f *fakeSwift) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/auth/v1.0" {
		w.Header().Set("X-Storage-Url", "http://"+r.Host+"/v1/AUTH_tester")
		w.Header().Set("X-Auth-Token", "tk_tester")
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Header.Get("X-Auth-Token") != "tk_tester" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/v1/AUTH_tester/")
	isContainer := !strings.Contains(name, "/")

	switch {
	case r.Method == http.MethodPut && isContainer:
		f.containers[name] = true
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		sum := md5.Sum(data)
		header := http.Header{}
		for k, v := range r.Header {
			if strings.HasPrefix(k, "X-Object-") || k == "Content-Type" {
				header[k] = v
			}
		}
		f.objects[name] = swiftObject{data: data, header: header}
		w.Header().Set("Etag", hex.EncodeToString(sum[:]))
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodHead:
		o, ok := f.objects[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		for k, v := range o.header {
			w.Header()[k] = v
		}
		w.Header().Set("Content-Length", "0")
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete:
		if _, ok := f.objects[name]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.objects, name)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestSwift_Multipart(t *testing.T) {
	fake := &fakeSwift{
		containers: map[string]bool{},
		objects:    map[string]swiftObject{},
	}
	server := httptest.NewServer(fake)
	defer server.Close()

	ctx := context.Background()
	c := blobstore.NewSwift(blobstore.SwiftOptions{
		AuthURL:  server.URL + "/auth/v1.0",
		Username: "tester",
		APIKey:   "testing",
	})
	assert.Equal(t, blobstore.BackendSwift, c.Name())

	id, err := c.Initiate(ctx, "captures", "session-1/camera.zip", blobstore.InitiateOptions{
		ContentType: "application/zip",
		Metadata:    map[string]string{"checksum": "abc"},
	})
	require.NoError(t, err)
	assert.True(t, fake.containers["captures_segments"])

	etag, err := c.UploadPart(ctx, "captures", "session-1/camera.zip", id, 1, []byte("hello"))
	require.NoError(t, err)
	sum := md5.Sum([]byte("hello"))
	assert.Equal(t, hex.EncodeToString(sum[:]), etag)

	segment := "captures_segments/session-1/camera.zip/" + id + "/00000001"
	assert.Equal(t, []byte("hello"), fake.objects[segment].data)

	err = c.Complete(ctx, "captures", "session-1/camera.zip", id, []model.Part{{Number: 1, ETag: etag}})
	require.NoError(t, err)

	manifest, ok := fake.objects["captures/session-1/camera.zip"]
	require.True(t, ok)
	assert.Equal(t, "captures_segments/session-1/camera.zip/"+id+"/", manifest.header.Get("X-Object-Manifest"))
	assert.Equal(t, "application/zip", manifest.header.Get("Content-Type"))
	assert.Equal(t, "abc", manifest.header.Get("X-Object-Meta-Checksum"))

	_, ok = fake.objects["captures_segments/session-1/camera.zip/"+id]
	assert.False(t, ok)

	err = c.Complete(ctx, "captures", "session-1/camera.zip", "unknown", []model.Part{{Number: 1, ETag: etag}})
	assert.ErrorIs(t, err, blobstore.ErrUploadNotFound)
}
