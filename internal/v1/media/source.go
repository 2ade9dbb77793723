// Package media resolves upstream video objects and proxies them to
// browsers. Two sources are supported: plain HTTP(S) and s3:// URLs. The
// stream handler serves browser-friendly containers in passthrough mode with
// full Range support, and hands everything else to the transcode registry.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// Errors surfaced by sources. Handlers map them onto HTTP statuses with a
// hint for the client; they never change coordinator state.
var (
	ErrUpstreamNotFound  = errors.New("upstream media not found")
	ErrUpstreamForbidden = errors.New("upstream media access denied")
	ErrInvalidRange      = errors.New("invalid range")
	ErrMultiRange        = errors.New("multi-range not supported")
)

// Info describes one upstream media object.
type Info struct {
	// ID is a stable identity for the object derived from its canonical URL.
	// Transcode entries are keyed on it, so two clients watching the same URL
	// share one encoder.
	ID       string
	Name     string
	MimeType string
	Size     int64
}

// Stream is an opened upstream read. ContentLength is -1 when the upstream
// did not declare one. ContentRange is empty for whole-object reads.
type Stream struct {
	Body          io.ReadCloser
	StatusCode    int
	ContentType   string
	ContentLength int64
	ContentRange  string
	Size          int64
}

// Source resolves and opens upstream media. Open forwards rangeHeader
// verbatim when the transport supports it; an empty rangeHeader opens the
// whole object at offset 0.
type Source interface {
	Stat(ctx context.Context, rawURL string) (*Info, error)
	Open(ctx context.Context, rawURL, rangeHeader string) (*Stream, error)
}

// Resolver picks the source implementation for a URL by scheme.
type Resolver struct {
	httpSource *HTTPSource
	s3Source   *S3Source
}

func NewResolver(httpSource *HTTPSource, s3Source *S3Source) *Resolver {
	return &Resolver{httpSource: httpSource, s3Source: s3Source}
}

// ForURL returns the source responsible for rawURL.
func (r *Resolver) ForURL(rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing media url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return r.httpSource, nil
	case "s3":
		if r.s3Source == nil {
			return nil, errors.New("s3 source not configured")
		}
		return r.s3Source, nil
	default:
		return nil, fmt.Errorf("unsupported media url scheme %q", u.Scheme)
	}
}

// mediaID derives the stable object identity from the canonical URL.
func mediaID(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:8])
}

// nameFromURL falls back to the path basename when the upstream offers no
// better name.
func nameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "media"
	}
	parts := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
	name := parts[len(parts)-1]
	if name == "" {
		return "media"
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return name
}

// ByteRange is a single inclusive byte range.
type ByteRange struct {
	Start int64
	End   int64
}

// ParseRange parses a Range header against a known total size. Multi-range
// requests are rejected outright. Suffix ranges (bytes=-N) resolve to the
// last N bytes.
func ParseRange(header string, size int64) (ByteRange, error) {
	if header == "" {
		return ByteRange{}, ErrInvalidRange
	}

	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return ByteRange{}, ErrInvalidRange
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return ByteRange{}, ErrMultiRange
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return ByteRange{}, ErrInvalidRange
	}
	startStr := strings.TrimSpace(parts[0])
	endStr := strings.TrimSpace(parts[1])

	var r ByteRange
	if startStr == "" {
		// Suffix range: the last N bytes.
		if endStr == "" {
			return ByteRange{}, ErrInvalidRange
		}
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, ErrInvalidRange
		}
		if n > size {
			n = size
		}
		r.Start = size - n
		r.End = size - 1
		return r, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, ErrInvalidRange
	}
	if size > 0 && start >= size {
		return ByteRange{}, ErrInvalidRange
	}
	r.Start = start

	if endStr == "" {
		r.End = size - 1
		return r, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < r.Start {
		return ByteRange{}, ErrInvalidRange
	}
	if end >= size {
		end = size - 1
	}
	r.End = end
	return r, nil
}

// RangeOffset extracts just the start offset of a Range header, for encode
// mode where the total length is unknowable. Returns 0 for an absent or
// unusable header.
func RangeOffset(header string) int64 {
	if header == "" {
		return 0
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 || parts[0] == "" {
		return 0
	}
	start, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || start < 0 {
		return 0
	}
	return start
}

// FormatContentRange renders the Content-Range header for a satisfied range.
func FormatContentRange(r ByteRange, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}
