// Package upload implements the chunked, resumable file transfer to a
// device's HTTP upload endpoint. Chunks go out strictly sequentially:
// the next chunk is sent only after the receiver acknowledges the
// previous one.
package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/marc/sdcp_bridge/sdcp"
)

// DefaultChunkSize is the per-request payload size.
const DefaultChunkSize = 1 << 20 // 1 MiB

const successCode = "000000"

// ErrIO marks a local or transport-level upload failure, as opposed to
// a receiver-reported rejection.
var ErrIO = errors.New("upload io failure")

// FieldError is one receiver-reported field problem.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RejectedError is a receiver-reported upload rejection.
type RejectedError struct {
	Code   string
	Fields []FieldError
}

func (e *RejectedError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("upload rejected (code %s): %s: %s", e.Code, e.Fields[0].Field, e.Fields[0].Message)
	}
	return fmt.Sprintf("upload rejected (code %s)", e.Code)
}

// Progress is called after each acknowledged chunk with the completed
// fraction in (0, 1].
type Progress func(fraction float64)

// chunkResponse is the receiver's per-chunk JSON reply.
type chunkResponse struct {
	Code     string       `json:"code"`
	Messages []FieldError `json:"messages"`
}

// Uploader transfers files to SDCP devices. The zero value is not
// usable; call NewUploader.
type Uploader struct {
	client    *http.Client
	chunkSize int
}

// NewUploader creates an uploader with the default chunk size.
func NewUploader() *Uploader {
	return &Uploader{
		client:    &http.Client{Timeout: 60 * time.Second},
		chunkSize: DefaultChunkSize,
	}
}

// SetChunkSize overrides the chunk size. Sizes below 1 are ignored.
func (u *Uploader) SetChunkSize(n int) {
	if n > 0 {
		u.chunkSize = n
	}
}

// Upload transfers fileBytes to the device at address (host or
// host:port; the bare host gets the protocol upload port). The
// whole-file MD5 and a generated upload token identify the transfer
// across chunks. Cancelling ctx aborts the in-flight chunk request;
// nothing is retried here — retry is the caller's decision.
func (u *Uploader) Upload(ctx context.Context, fileBytes []byte, filename, address string, progress Progress) error {
	sum := md5.Sum(fileBytes)
	fileMD5 := hex.EncodeToString(sum[:])
	token := uuid.NewString()
	totalSize := len(fileBytes)
	endpoint := fmt.Sprintf("http://%s%s", hostWithPort(address), sdcp.UploadPath)

	log.Printf("Uploading %s (%d bytes) to %s", filename, totalSize, endpoint)

	offset := 0
	for offset < totalSize {
		end := offset + u.chunkSize
		if end > totalSize {
			end = totalSize
		}

		if err := u.sendChunk(ctx, endpoint, filename, fileMD5, token, fileBytes[offset:end], offset, totalSize); err != nil {
			return err
		}

		offset = end
		if progress != nil {
			progress(float64(offset) / float64(totalSize))
		}
	}

	log.Printf("Upload of %s complete", filename)
	return nil
}

func (u *Uploader) sendChunk(ctx context.Context, endpoint, filename, fileMD5, token string, chunk []byte, offset, totalSize int) error {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	fields := map[string]string{
		"S-File-MD5": fileMD5,
		"Check":      "1",
		"Offset":     strconv.Itoa(offset),
		"Uuid":       token,
		"TotalSize":  strconv.Itoa(totalSize),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	part, err := w.CreateFormFile("File", filename)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if _, err := part.Write(chunk); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status %s", ErrIO, resp.Status)
	}

	var cr chunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return fmt.Errorf("%w: decoding chunk response: %v", ErrIO, err)
	}
	if cr.Code != successCode {
		return &RejectedError{Code: cr.Code, Fields: cr.Messages}
	}
	return nil
}

func hostWithPort(address string) string {
	for i := 0; i < len(address); i++ {
		if address[i] == ':' {
			return address
		}
	}
	return fmt.Sprintf("%s:%d", address, sdcp.UploadPort)
}
