package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
)

// HTTPSource serves http:// and https:// media URLs. An optional bearer
// token is attached to every upstream request for providers that gate their
// files.
type HTTPSource struct {
	client      *http.Client
	bearerToken string
}

// NewHTTPSource builds the source with a streaming-friendly client: dial and
// header timeouts only. A whole-request timeout would cut off long video
// reads mid-body.
func NewHTTPSource(bearerToken string) *HTTPSource {
	return &HTTPSource{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   10,
			},
		},
		bearerToken: bearerToken,
	}
}

func (s *HTTPSource) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	if s.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.bearerToken)
	}
	return req, nil
}

// Stat resolves size, name and mime type with a HEAD request. Upstreams that
// refuse HEAD get a one-byte ranged GET instead.
func (s *HTTPSource) Stat(ctx context.Context, rawURL string) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := s.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream HEAD failed: %w", err)
	}

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		_ = resp.Body.Close()

		retry, err := s.newRequest(ctx, http.MethodGet, rawURL)
		if err != nil {
			return nil, err
		}
		retry.Header.Set("Range", "bytes=0-0")
		resp, err = s.client.Do(retry)
		if err != nil {
			return nil, fmt.Errorf("upstream probe failed: %w", err)
		}
	}
	defer func() {
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		_ = resp.Body.Close()
	}()

	if err := mapUpstreamStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	info := &Info{
		ID:       mediaID(rawURL),
		Name:     statName(resp, rawURL),
		MimeType: normalizeMime(resp.Header.Get("Content-Type"), rawURL),
		Size:     statSize(resp),
	}
	logging.Info(ctx, "Resolved upstream media",
		zap.String("url", logging.RedactURL(rawURL)),
		zap.String("mimeType", info.MimeType),
		zap.Int64("size", info.Size))
	return info, nil
}

// Open starts an upstream read, forwarding rangeHeader verbatim so the
// upstream decides 200 vs 206. The body is never buffered here; the caller
// streams it and cancels via ctx on client disconnect.
func (s *HTTPSource) Open(ctx context.Context, rawURL, rangeHeader string) (*Stream, error) {
	req, err := s.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream GET failed: %w", err)
	}
	if err := mapUpstreamStatus(resp.StatusCode); err != nil {
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		_ = resp.Body.Close()
		return nil, err
	}

	return &Stream{
		Body:          resp.Body,
		StatusCode:    resp.StatusCode,
		ContentType:   normalizeMime(resp.Header.Get("Content-Type"), rawURL),
		ContentLength: resp.ContentLength,
		ContentRange:  resp.Header.Get("Content-Range"),
		Size:          totalFromContentRange(resp),
	}, nil
}

// mapUpstreamStatus folds upstream HTTP statuses into the source error set.
func mapUpstreamStatus(status int) error {
	switch {
	case status == http.StatusOK || status == http.StatusPartialContent:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return ErrUpstreamNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUpstreamForbidden
	default:
		return fmt.Errorf("upstream returned HTTP %d", status)
	}
}

func statName(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	return nameFromURL(rawURL)
}

// statSize prefers Content-Range totals, which survive the ranged-GET
// fallback where Content-Length is just 1.
func statSize(resp *http.Response) int64 {
	if total := totalFromContentRange(resp); total > 0 {
		return total
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return 0
}

func totalFromContentRange(resp *http.Response) int64 {
	cr := resp.Header.Get("Content-Range")
	if cr == "" {
		return 0
	}
	// Format: bytes 0-0/12345 or bytes */12345
	idx := strings.LastIndexByte(cr, '/')
	if idx < 0 || idx+1 >= len(cr) {
		return 0
	}
	totalStr := cr[idx+1:]
	if totalStr == "*" {
		return 0
	}
	var total int64
	if _, err := fmt.Sscanf(totalStr, "%d", &total); err != nil {
		return 0
	}
	return total
}

// normalizeMime cleans the upstream content type, falling back to the URL's
// extension. Octet-stream upstreams are common for direct file links, so the
// extension wins over that.
func normalizeMime(contentType, rawURL string) string {
	mt := ""
	if contentType != "" {
		if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
			mt = parsed
		}
	}
	if mt == "" || mt == "application/octet-stream" {
		if byExt := mimeByExtension(rawURL); byExt != "" {
			return byExt
		}
	}
	if mt == "" {
		return "application/octet-stream"
	}
	return mt
}

// videoMimeByExt covers the containers this proxy cares about. The system
// mime table is consulted only for anything else; it lacks video entries on
// minimal images, so these stay hardcoded.
var videoMimeByExt = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".ogg":  "video/ogg",
	".ogv":  "video/ogg",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".flv":  "video/x-flv",
	".wmv":  "video/x-ms-wmv",
	".ts":   "video/mp2t",
}

func mimeByExtension(rawURL string) string {
	trimmed := rawURL
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	dot := strings.LastIndexByte(trimmed, '.')
	if dot < 0 {
		return ""
	}
	ext := strings.ToLower(trimmed[dot:])
	if mt, ok := videoMimeByExt[ext]; ok {
		return mt
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		if parsed, _, err := mime.ParseMediaType(byExt); err == nil {
			return parsed
		}
	}
	return ""
}
