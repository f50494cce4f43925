package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"render-dispatcher/internal/lease"
)

// ImageHandler transforms the job input image and uploads the result to the
// presigned output URL.
type ImageHandler struct {
	httpClient   *http.Client
	maxBytes     int64
	defaultWidth int
}

// imageParams is read from the job payload.
type imageParams struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Grayscale bool    `json:"grayscale"`
	Blur      float64 `json:"blur"`
}

// NewImageHandler builds a handler. Inputs larger than maxBytes are rejected.
func NewImageHandler(timeout time.Duration, maxBytes int64) *ImageHandler {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &ImageHandler{
		httpClient:   &http.Client{Timeout: timeout},
		maxBytes:     maxBytes,
		defaultWidth: 320,
	}
}

// Handle downloads, transforms, and uploads a single image.
func (h *ImageHandler) Handle(ctx context.Context, task lease.WorkPayload) (Result, error) {
	params, err := decodeImageParams(task.Payload)
	if err != nil {
		return Result{}, err
	}

	data, err := download(ctx, h.httpClient, task.Input.DownloadURL, h.maxBytes)
	if err != nil {
		return Result{}, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("decode image: %w", err)
	}

	if params.Grayscale {
		img = imaging.Grayscale(img)
	}
	if params.Blur > 0 {
		img = imaging.Blur(img, params.Blur)
	}
	width, height := params.Width, params.Height
	if width == 0 && height == 0 {
		width = h.defaultWidth
	}
	img = imaging.Resize(img, width, height, imaging.Lanczos)

	outFormat := chooseFormat(task.Output.ContentType, format)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outFormat, imaging.JPEGQuality(85)); err != nil {
		return Result{}, fmt.Errorf("encode image: %w", err)
	}
	mimeType := mimeForFormat(outFormat)
	if err := upload(ctx, h.httpClient, task.Output, buf.Bytes(), uploadContentType(task.Output.ContentType, mimeType)); err != nil {
		return Result{}, err
	}

	bounds := img.Bounds()
	return Result{
		Metadata: map[string]any{"width": bounds.Dx(), "height": bounds.Dy(), "source_format": format},
		MimeType: mimeType,
		Size:     int64(buf.Len()),
	}, nil
}

func decodeImageParams(payload map[string]any) (imageParams, error) {
	var params imageParams
	raw, err := json.Marshal(payload)
	if err != nil {
		return params, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, fmt.Errorf("decode payload: %w", err)
	}
	if params.Width < 0 || params.Height < 0 {
		return params, fmt.Errorf("invalid dimensions %dx%d", params.Width, params.Height)
	}
	return params, nil
}

func download(ctx context.Context, client *http.Client, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download input: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download input: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("input too large (>%d bytes)", limit)
	}
	return body, nil
}

// upload PUTs body to a presigned URL. The content type must match the one
// the URL was signed with.
// upload PUTs body to the presigned target with the headers it was signed for.
func upload(ctx context.Context, client *http.Client, target lease.OutputTarget, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.UploadURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for name, value := range target.UploadHeaders {
		req.Header.Set(name, value)
	}
	req.ContentLength = int64(len(body))
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("upload output: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("upload output: status %d", resp.StatusCode)
	}
	return nil
}

func uploadContentType(signed, actual string) string {
	if signed != "" {
		return signed
	}
	return actual
}

func chooseFormat(contentType, decodeFormat string) imaging.Format {
	switch strings.ToLower(contentType) {
	case "image/png":
		return imaging.PNG
	case "image/jpeg", "image/jpg":
		return imaging.JPEG
	case "image/gif":
		return imaging.GIF
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
