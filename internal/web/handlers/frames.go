package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/kozaktomas/face-auth/internal/capture"
	"github.com/kozaktomas/face-auth/internal/constants"
	"github.com/kozaktomas/face-auth/internal/facematch"
)

// frameFields are the multipart fields that carry frames.
var frameFields = []string{"frame", "frames"}

// multipartMemory is how much of a multipart body is kept in memory.
const multipartMemory = 32 << 20

// errNoFrames is returned when a request carries no frames and no camera is configured.
var errNoFrames = errors.New("no frames uploaded and no camera configured")

// FrameProvider turns request uploads, or the configured camera, into a frame source.
type FrameProvider struct {
	SnapshotURL string
	DropStale   bool
	Client      *http.Client
}

// Source returns a source over the uploaded frames, or over the camera when there are none.
func (p *FrameProvider) Source(frames []facematch.Frame) (facematch.FrameSource, error) {
	var src facematch.FrameSource
	switch {
	case len(frames) > 0:
		src = capture.NewSliceSource(frames)
	case p != nil && p.SnapshotURL != "":
		var opts []capture.SnapshotOption
		if p.Client != nil {
			opts = append(opts, capture.WithSnapshotClient(p.Client))
		}
		src = capture.NewSnapshotSource(p.SnapshotURL, opts...)
	default:
		return nil, errNoFrames
	}
	if p != nil && p.DropStale {
		src = capture.NewStaleFilter(src, constants.StaleFrameHammingDistance)
	}
	return src, nil
}

// bindRequest decodes the request fields into dst and returns the uploaded
// frames. Multipart bodies carry fields as form values; other non-empty
// bodies are decoded as JSON.
func bindRequest(w http.ResponseWriter, r *http.Request, dst any) ([]facematch.Frame, error) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize)

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, nil
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, err
	}
	values := make(map[string]string, len(r.MultipartForm.Value))
	for k, v := range r.MultipartForm.Value {
		if len(v) > 0 {
			values[k] = v[0]
		}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return nil, err
	}
	return readFrames(r.MultipartForm)
}

// readFrames reads every uploaded frame file in upload order.
func readFrames(form *multipart.Form) ([]facematch.Frame, error) {
	var headers []*multipart.FileHeader
	for _, field := range frameFields {
		headers = append(headers, form.File[field]...)
	}
	if len(headers) > constants.MaxFramesPerRequest {
		return nil, fmt.Errorf("too many frames: %d, at most %d allowed", len(headers), constants.MaxFramesPerRequest)
	}

	frames := make([]facematch.Frame, 0, len(headers))
	now := time.Now()
	for _, fh := range headers {
		data, err := readFile(fh)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(http.DetectContentType(data), "image/") {
			return nil, fmt.Errorf("frame %q is not an image", fh.Filename)
		}
		frames = append(frames, facematch.Frame{Data: data, CapturedAt: now})
	}
	return frames, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open frame %q: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read frame %q: %w", fh.Filename, err)
	}
	return data, nil
}
