package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// receivedChunk is one chunk as seen by the fake device.
type receivedChunk struct {
	md5       string
	token     string
	offset    int
	totalSize int
	data      []byte
}

// fakeDevice collects uploaded chunks and lets tests script per-chunk
// replies.
type fakeDevice struct {
	mu     sync.Mutex
	chunks []receivedChunk

	// replyFor, when set, overrides the reply for the chunk at the
	// given index (0-based).
	replyFor func(index int) string
}

func (d *fakeDevice) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(4<<20))

		offset, err := strconv.Atoi(r.FormValue("Offset"))
		require.NoError(t, err)
		totalSize, err := strconv.Atoi(r.FormValue("TotalSize"))
		require.NoError(t, err)

		file, _, err := r.FormFile("File")
		require.NoError(t, err)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		file.Close()

		d.mu.Lock()
		index := len(d.chunks)
		d.chunks = append(d.chunks, receivedChunk{
			md5:       r.FormValue("S-File-MD5"),
			token:     r.FormValue("Uuid"),
			offset:    offset,
			totalSize: totalSize,
			data:      data,
		})
		reply := `{"code":"000000","messages":[]}`
		if d.replyFor != nil {
			if custom := d.replyFor(index); custom != "" {
				reply = custom
			}
		}
		d.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, reply)
	}
}

func (d *fakeDevice) received() []receivedChunk {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]receivedChunk, len(d.chunks))
	copy(out, d.chunks)
	return out
}

func testFile(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestUploadChunking(t *testing.T) {
	device := &fakeDevice{}
	srv := httptest.NewServer(device.handler(t))
	defer srv.Close()

	file := testFile(2500)
	u := NewUploader()
	u.SetChunkSize(1000)

	var progress []float64
	err := u.Upload(context.Background(), file, "model.goo", srv.Listener.Addr().String(), func(f float64) {
		progress = append(progress, f)
	})
	require.NoError(t, err)

	chunks := device.received()
	require.Len(t, chunks, 3, "2500 bytes at 1000 per chunk is 3 requests")

	wantSum := md5.Sum(file)
	wantMD5 := hex.EncodeToString(wantSum[:])

	var reassembled []byte
	for i, c := range chunks {
		assert.Equal(t, wantMD5, c.md5, "chunk %d carries the whole-file hash", i)
		assert.Equal(t, chunks[0].token, c.token, "all chunks share one token")
		assert.Equal(t, len(reassembled), c.offset)
		assert.Equal(t, 2500, c.totalSize)
		reassembled = append(reassembled, c.data...)
	}
	assert.True(t, bytes.Equal(file, reassembled), "chunks reassemble to the original file")

	assert.Equal(t, []float64{0.4, 0.8, 1.0}, progress)
}

func TestUploadSingleChunk(t *testing.T) {
	device := &fakeDevice{}
	srv := httptest.NewServer(device.handler(t))
	defer srv.Close()

	file := testFile(100)
	u := NewUploader()
	u.SetChunkSize(1000)

	err := u.Upload(context.Background(), file, "small.ctb", srv.Listener.Addr().String(), nil)
	require.NoError(t, err)
	require.Len(t, device.received(), 1)
	assert.Equal(t, 0, device.received()[0].offset)
}

func TestUploadRejectionAborts(t *testing.T) {
	device := &fakeDevice{
		replyFor: func(index int) string {
			if index == 1 {
				return `{"code":"100001","messages":[{"field":"S-File-MD5","message":"hash mismatch"}]}`
			}
			return ""
		},
	}
	srv := httptest.NewServer(device.handler(t))
	defer srv.Close()

	file := testFile(5000)
	u := NewUploader()
	u.SetChunkSize(1000)

	var progress []float64
	err := u.Upload(context.Background(), file, "model.goo", srv.Listener.Addr().String(), func(f float64) {
		progress = append(progress, f)
	})

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "100001", rejected.Code)
	require.Len(t, rejected.Fields, 1)
	assert.Equal(t, "S-File-MD5", rejected.Fields[0].Field)
	assert.Contains(t, rejected.Error(), "hash mismatch")

	// The rejected chunk stops the transfer; chunks 3..5 never go out.
	assert.Len(t, device.received(), 2)
	assert.Equal(t, []float64{0.2}, progress, "progress only for acknowledged chunks")
}

func TestUploadServerErrorIsIO(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	u := NewUploader()
	err := u.Upload(context.Background(), testFile(10), "x.goo", srv.Listener.Addr().String(), nil)
	assert.ErrorIs(t, err, ErrIO)
}

func TestUploadUnreachableIsIO(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.Listener.Addr().String()
	srv.Close()

	u := NewUploader()
	err := u.Upload(context.Background(), testFile(10), "x.goo", addr, nil)
	assert.ErrorIs(t, err, ErrIO)
}

func TestUploadContextCancel(t *testing.T) {
	device := &fakeDevice{}
	srv := httptest.NewServer(device.handler(t))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	u := NewUploader()
	err := u.Upload(ctx, testFile(10), "x.goo", srv.Listener.Addr().String(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIO) || errors.Is(err, context.Canceled))
	assert.Empty(t, device.received())
}

func TestHostWithPort(t *testing.T) {
	assert.Equal(t, "192.168.1.50:3030", hostWithPort("192.168.1.50"))
	assert.Equal(t, "192.168.1.50:8080", hostWithPort("192.168.1.50:8080"))
}
