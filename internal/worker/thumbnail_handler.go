package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"time"

	"golang.org/x/image/draw"

	"render-dispatcher/internal/lease"
)

// ThumbnailHandler produces a quick preview bounded by maxEdge pixels on the
// longest side, using bilinear scaling instead of the slower Lanczos filter.
type ThumbnailHandler struct {
	httpClient *http.Client
	maxEdge    int
	maxBytes   int64
}

func NewThumbnailHandler(maxEdge int) *ThumbnailHandler {
	if maxEdge <= 0 {
		maxEdge = 300
	}
	return &ThumbnailHandler{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxEdge:    maxEdge,
		maxBytes:   25 * 1024 * 1024,
	}
}

func (h *ThumbnailHandler) Handle(ctx context.Context, task lease.WorkPayload) (Result, error) {
	data, err := download(ctx, h.httpClient, task.Input.DownloadURL, h.maxBytes)
	if err != nil {
		return Result{}, err
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	w, hgt := fitWithin(src.Bounds().Dx(), src.Bounds().Dy(), h.maxEdge)
	dst := image.NewRGBA(image.Rect(0, 0, w, hgt))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	buf := &bytes.Buffer{}
	mimeType := "image/jpeg"
	if task.Output.ContentType == "image/png" || (task.Output.ContentType == "" && format == "png") {
		mimeType = "image/png"
		err = png.Encode(buf, dst)
	} else {
		err = jpeg.Encode(buf, dst, &jpeg.Options{Quality: 80})
	}
	if err != nil {
		return Result{}, fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := upload(ctx, h.httpClient, task.Output, buf.Bytes(), uploadContentType(task.Output.ContentType, mimeType)); err != nil {
		return Result{}, err
	}
	return Result{
		Metadata: map[string]any{"width": w, "height": hgt},
		MimeType: mimeType,
		Size:     int64(buf.Len()),
	}, nil
}

// fitWithin scales w x h down so the longest side is at most edge.
func fitWithin(w, h, edge int) (int, int) {
	if w <= edge && h <= edge {
		return w, h
	}
	if w >= h {
		return edge, max(1, h*edge/w)
	}
	return max(1, w*edge/h), edge
}
