package media

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/metrics"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/transcode"
)

// browserSafeMime lists containers browsers play natively; anything else is
// transcoded before it reaches the player.
var browserSafeMime = set.New("video/mp4", "video/webm", "video/ogg")

// copyBufferSize is the chunk size for passthrough body copies.
const copyBufferSize = 64 * 1024

// Encoder attaches clients to shared encode sessions. Satisfied by
// *transcode.Registry.
type Encoder interface {
	Attach(ctx context.Context, job transcode.Job) (io.ReadCloser, error)
}

// Handlers exposes the video proxy endpoints: metadata, info, stream.
type Handlers struct {
	resolver *Resolver
	encoder  Encoder
	sizeCap  int64
}

func NewHandlers(resolver *Resolver, encoder Encoder, sizeCap int64) *Handlers {
	return &Handlers{resolver: resolver, encoder: encoder, sizeCap: sizeCap}
}

// metadataResponse is shared by the metadata and info endpoints.
type metadataResponse struct {
	Name             string `json:"name"`
	MimeType         string `json:"mimeType"`
	Size             int64  `json:"size"`
	NeedsTranscoding bool   `json:"needsTranscoding"`
	IsMKV            bool   `json:"isMKV"`
	StreamUrl        string `json:"streamUrl,omitempty"`
}

func needsTranscoding(mimeType string) bool {
	return !browserSafeMime.Has(mimeType)
}

func isMKV(info *Info) bool {
	return info.MimeType == "video/x-matroska" ||
		strings.HasSuffix(strings.ToLower(info.Name), ".mkv")
}

// Metadata handles GET /api/video/metadata?url=U.
func (h *Handlers) Metadata(c *gin.Context) {
	info, ok := h.stat(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, metadataResponse{
		Name:             info.Name,
		MimeType:         info.MimeType,
		Size:             info.Size,
		NeedsTranscoding: needsTranscoding(info.MimeType),
		IsMKV:            isMKV(info),
	})
}

// Info handles GET /api/video/info?url=U. Same as metadata plus the stream
// URL the player should load.
func (h *Handlers) Info(c *gin.Context) {
	info, ok := h.stat(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, metadataResponse{
		Name:             info.Name,
		MimeType:         info.MimeType,
		Size:             info.Size,
		NeedsTranscoding: needsTranscoding(info.MimeType),
		IsMKV:            isMKV(info),
		StreamUrl:        "/api/video/stream?url=" + url.QueryEscape(c.Query("url")),
	})
}

// Stream handles GET /api/video/stream?url=U with optional Range. Browser
// friendly media is passed through byte for byte; everything else goes
// through the transcoder.
func (h *Handlers) Stream(c *gin.Context) {
	rawURL := c.Query("url")
	source, info, ok := h.resolve(c, rawURL)
	if !ok {
		return
	}

	if h.sizeCap > 0 && info.Size > h.sizeCap {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "media exceeds the configured size cap",
			"size":  info.Size,
			"cap":   h.sizeCap,
		})
		return
	}

	if needsTranscoding(info.MimeType) {
		h.streamEncoded(c, source, info, rawURL)
		return
	}
	h.streamPassthrough(c, source, info, rawURL)
}

// streamPassthrough forwards the client's Range upstream and echoes the
// upstream's answer: status, Content-Range, Content-Length, Content-Type.
// The body is copied chunk by chunk, never buffered whole; the request
// context cancels the upstream read if the client goes away.
func (h *Handlers) streamPassthrough(c *gin.Context, source Source, info *Info, rawURL string) {
	ctx := c.Request.Context()
	stream, err := source.Open(ctx, rawURL, c.GetHeader("Range"))
	if err != nil {
		h.writeUpstreamError(c, rawURL, err)
		return
	}
	defer stream.Body.Close()

	header := c.Writer.Header()
	header.Set("Content-Type", stream.ContentType)
	header.Set("Accept-Ranges", "bytes")
	if stream.ContentRange != "" {
		header.Set("Content-Range", stream.ContentRange)
	}
	if stream.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(stream.ContentLength, 10))
	}
	c.Status(stream.StatusCode)

	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(c.Writer, stream.Body, buf)
	metrics.TranscodeBytesOut.Add(float64(n))
	if err != nil && !errors.Is(err, context.Canceled) {
		// Mid-body failures cannot change the status line; the truncated
		// response is the signal.
		logging.Warn(ctx, "Passthrough copy ended early",
			zap.String("url", logging.RedactURL(rawURL)),
			zap.Int64("bytes", n), zap.Error(err))
	}
}

// streamEncoded attaches the client to the shared transcode entry for this
// media and copies fragmented MP4 out as it is produced. Seek offsets are
// honored by discarding already-encoded bytes, so the response is always
// 206 with an open-ended synthetic Content-Range.
func (h *Handlers) streamEncoded(c *gin.Context, source Source, info *Info, rawURL string) {
	ctx := c.Request.Context()
	offset := RangeOffset(c.GetHeader("Range"))

	job := transcode.Job{
		MediaID: info.ID,
		Size:    info.Size,
		IsMKV:   isMKV(info),
		OpenInput: func(openCtx context.Context) (io.ReadCloser, error) {
			stream, err := source.Open(openCtx, rawURL, "")
			if err != nil {
				return nil, err
			}
			return stream.Body, nil
		},
	}

	reader, err := h.encoder.Attach(ctx, job)
	if err != nil {
		h.writeUpstreamError(c, rawURL, err)
		return
	}
	defer reader.Close()

	header := c.Writer.Header()
	header.Set("Content-Type", "video/mp4")
	header.Set("Accept-Ranges", "bytes")
	if offset > 0 {
		header.Set("Content-Range", transcode.SyntheticContentRange(offset))
		c.Status(http.StatusPartialContent)
	} else {
		c.Status(http.StatusOK)
	}

	if offset > 0 {
		if _, err := io.CopyN(io.Discard, reader, offset); err != nil {
			logging.Warn(ctx, "Encode stream ended inside range discard",
				zap.String("mediaId", info.ID), zap.Int64("offset", offset), zap.Error(err))
			return
		}
	}

	flusher, _ := c.Writer.(http.Flusher)
	buf := make([]byte, copyBufferSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			metrics.TranscodeBytesOut.Add(float64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				logging.Warn(ctx, "Encode stream ended early",
					zap.String("mediaId", info.ID), zap.Error(err))
			}
			return
		}
	}
}

// stat resolves the url query parameter into upstream metadata, writing the
// error response itself when resolution fails.
func (h *Handlers) stat(c *gin.Context) (*Info, bool) {
	_, info, ok := h.resolve(c, c.Query("url"))
	return info, ok
}

func (h *Handlers) resolve(c *gin.Context, rawURL string) (Source, *Info, bool) {
	if rawURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url query parameter is required"})
		return nil, nil, false
	}
	source, err := h.resolver.ForURL(rawURL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	info, err := source.Stat(c.Request.Context(), rawURL)
	if err != nil {
		h.writeUpstreamError(c, rawURL, err)
		return nil, nil, false
	}
	return source, info, true
}

// writeUpstreamError maps source errors onto proxy statuses with a hint.
func (h *Handlers) writeUpstreamError(c *gin.Context, rawURL string, err error) {
	logging.Warn(c.Request.Context(), "Upstream media error",
		zap.String("url", logging.RedactURL(rawURL)), zap.Error(err))
	switch {
	case errors.Is(err, ErrUpstreamNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "upstream media not found; check the url"})
	case errors.Is(err, ErrUpstreamForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "upstream denied access; credentials may be required"})
	case errors.Is(err, transcode.ErrEntryFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "transcoder failed to start for this media"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream media request failed"})
	}
}

