package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"render-dispatcher/internal/lease"
)

type objectServer struct {
	mu          sync.Mutex
	source      []byte
	uploaded    []byte
	contentType string
	checksum    string
}

func (s *objectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(s.source)
	case http.MethodPut:
		s.uploaded, _ = io.ReadAll(r.Body)
		s.contentType = r.Header.Get("Content-Type")
		s.checksum = r.Header.Get("X-Amz-Checksum-Crc32")
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func redSquare(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func taskFor(srvURL string, payload map[string]any) lease.WorkPayload {
	return lease.WorkPayload{
		DispatchID: "d1",
		JobID:      "job-1",
		Payload:    payload,
		Input:      lease.FileRef{DownloadURL: srvURL + "/in.png"},
		Output:     lease.OutputTarget{ContentType: "image/png", UploadURL: srvURL + "/out?signed"},
	}
}

func TestImageHandlerResizeAndGrayscale(t *testing.T) {
	objects := &objectServer{source: redSquare(t, 10)}
	srv := httptest.NewServer(objects)
	defer srv.Close()

	handler := NewImageHandler(2*time.Second, 2*1024*1024)
	res, err := handler.Handle(context.Background(), taskFor(srv.URL, map[string]any{"width": 5, "grayscale": true}))
	if err != nil {
		t.Fatalf("handle image: %v", err)
	}

	objects.mu.Lock()
	defer objects.mu.Unlock()
	if objects.contentType != "image/png" {
		t.Fatalf("expected signed content type, got %q", objects.contentType)
	}
	outImg, _, err := image.Decode(bytes.NewReader(objects.uploaded))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if outImg.Bounds().Dx() != 5 || res.Metadata["width"] != 5 {
		t.Fatalf("expected width 5, got %d (metadata %v)", outImg.Bounds().Dx(), res.Metadata)
	}
	r, g, b, _ := outImg.At(2, 2).RGBA()
	if r != g || g != b {
		t.Fatalf("expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
	}
	if res.Size != int64(len(objects.uploaded)) || res.MimeType != "image/png" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestImageHandlerRejectsOversizedInput(t *testing.T) {
	objects := &objectServer{source: redSquare(t, 64)}
	srv := httptest.NewServer(objects)
	defer srv.Close()

	handler := NewImageHandler(2*time.Second, 16)
	if _, err := handler.Handle(context.Background(), taskFor(srv.URL, nil)); err == nil {
		t.Fatalf("expected size limit error")
	}
	if objects.uploaded != nil {
		t.Fatalf("nothing should be uploaded")
	}
}

func TestThumbnailHandler(t *testing.T) {
	objects := &objectServer{source: redSquare(t, 40)}
	srv := httptest.NewServer(objects)
	defer srv.Close()

	res, err := NewThumbnailHandler(10).Handle(context.Background(), taskFor(srv.URL, nil))
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	objects.mu.Lock()
	defer objects.mu.Unlock()
	out, _, err := image.Decode(bytes.NewReader(objects.uploaded))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if out.Bounds().Dx() != 10 || out.Bounds().Dy() != 10 || res.MimeType != "image/png" {
		t.Fatalf("unexpected thumbnail %v %+v", out.Bounds(), res)
	}
}

func TestUploadSendsSignedHeaders(t *testing.T) {
	objects := &objectServer{}
	srv := httptest.NewServer(objects)
	defer srv.Close()

	target := lease.OutputTarget{
		UploadURL: srv.URL + "/out?signed",
		UploadHeaders: map[string]string{
			"Content-Type":         "image/png",
			"X-Amz-Checksum-Crc32": "AAAAAA==",
		},
	}
	if err := upload(context.Background(), srv.Client(), target, []byte("png"), "image/jpeg"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	objects.mu.Lock()
	defer objects.mu.Unlock()
	if objects.contentType != "image/png" || objects.checksum != "AAAAAA==" {
		t.Fatalf("signed headers not sent: content-type %q checksum %q", objects.contentType, objects.checksum)
	}
	if string(objects.uploaded) != "png" {
		t.Fatalf("unexpected body %q", objects.uploaded)
	}
}
