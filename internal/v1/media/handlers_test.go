package media

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/transcode"
)

// stubEncoder hands out a canned encoded stream and records every job, so
// encode-mode handler behavior is testable without ffmpeg.
type stubEncoder struct {
	mu   sync.Mutex
	jobs []transcode.Job
	data []byte
	err  error
}

func (s *stubEncoder) Attach(_ context.Context, job transcode.Job) (io.ReadCloser, error) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func (s *stubEncoder) lastJob(t *testing.T) transcode.Job {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.jobs, "no job reached the encoder")
	return s.jobs[len(s.jobs)-1]
}

func newMediaRouter(enc Encoder, sizeCap int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandlers(NewResolver(NewHTTPSource(""), nil), enc, sizeCap)

	router := gin.New()
	router.GET("/api/video/metadata", h.Metadata)
	router.GET("/api/video/info", h.Info)
	router.GET("/api/video/stream", h.Stream)
	return router
}

func get(router *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func streamPath(upstream string) string {
	return "/api/video/stream?url=" + url.QueryEscape(upstream)
}

func TestStreamPassthroughWholeObject(t *testing.T) {
	body := patternBytes(64 * 1024)
	srv := serveFile(t, "movie.mp4", body)
	router := newMediaRouter(&stubEncoder{}, 0)

	w := get(router, streamPath(srv.URL+"/movie.mp4"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, strconv.Itoa(len(body)), w.Header().Get("Content-Length"))
	assert.Equal(t, body, w.Body.Bytes())
}

func TestStreamPassthroughRange(t *testing.T) {
	// A 10 MiB object and a first-mebibyte range: the upstream's 206 answer
	// is echoed byte for byte.
	const size = 10 * 1024 * 1024
	body := patternBytes(size)
	srv := serveFile(t, "movie.mp4", body)
	router := newMediaRouter(&stubEncoder{}, 0)

	w := get(router, streamPath(srv.URL+"/movie.mp4"),
		map[string]string{"Range": "bytes=0-1048575"})

	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 0-1048575/10485760", w.Header().Get("Content-Range"))
	assert.Equal(t, "1048576", w.Header().Get("Content-Length"))
	assert.Equal(t, body[:1048576], w.Body.Bytes())
}

func TestStreamPassthroughInteriorRange(t *testing.T) {
	body := patternBytes(8192)
	srv := serveFile(t, "movie.mp4", body)
	router := newMediaRouter(&stubEncoder{}, 0)

	w := get(router, streamPath(srv.URL+"/movie.mp4"),
		map[string]string{"Range": "bytes=4096-8191"})

	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 4096-8191/8192", w.Header().Get("Content-Range"))
	assert.Equal(t, body[4096:], w.Body.Bytes())
}

func TestStreamUpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		upstream int
		want     int
	}{
		{"missing media", http.StatusNotFound, http.StatusNotFound},
		{"gated media", http.StatusForbidden, http.StatusForbidden},
		{"upstream fault", http.StatusInternalServerError, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.upstream)
			}))
			t.Cleanup(srv.Close)
			router := newMediaRouter(&stubEncoder{}, 0)

			w := get(router, streamPath(srv.URL+"/movie.mp4"), nil)
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestStreamEnforcesSizeCap(t *testing.T) {
	body := patternBytes(4096)
	srv := serveFile(t, "movie.mp4", body)
	router := newMediaRouter(&stubEncoder{}, 1024)

	w := get(router, streamPath(srv.URL+"/movie.mp4"), nil)

	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "size cap")
}

func TestStreamRequiresURL(t *testing.T) {
	router := newMediaRouter(&stubEncoder{}, 0)

	w := get(router, "/api/video/stream", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(router, streamPath("ftp://host/file.mp4"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamTranscodesUnsafeContainer(t *testing.T) {
	mkvBody := patternBytes(3000)
	srv := serveFile(t, "movie.mkv", mkvBody)
	encoded := patternBytes(2000)
	enc := &stubEncoder{data: encoded}
	router := newMediaRouter(enc, 0)

	w := get(router, streamPath(srv.URL+"/movie.mkv"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"), "encode mode always emits mp4")
	assert.Equal(t, encoded, w.Body.Bytes())

	job := enc.lastJob(t)
	assert.True(t, job.IsMKV)
	assert.Equal(t, int64(3000), job.Size)
	assert.Len(t, job.MediaID, 16)

	// The job's input closure opens the upstream from byte zero, unranged.
	input, err := job.OpenInput(context.Background())
	require.NoError(t, err)
	defer input.Close()
	got, err := io.ReadAll(input)
	require.NoError(t, err)
	assert.Equal(t, mkvBody, got)
}

func TestStreamEncodedHonorsRangeOffset(t *testing.T) {
	srv := serveFile(t, "movie.avi", patternBytes(3000))
	encoded := patternBytes(2000)
	enc := &stubEncoder{data: encoded}
	router := newMediaRouter(enc, 0)

	w := get(router, streamPath(srv.URL+"/movie.avi"),
		map[string]string{"Range": "bytes=100-"})

	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 100-/*", w.Header().Get("Content-Range"),
		"encode mode cannot know the final size")
	assert.Equal(t, encoded[100:], w.Body.Bytes(),
		"bytes before the offset are discarded, not re-encoded")

	job := enc.lastJob(t)
	assert.False(t, job.IsMKV)
}

func TestStreamEncoderFailure(t *testing.T) {
	srv := serveFile(t, "movie.mkv", patternBytes(100))
	enc := &stubEncoder{err: transcode.ErrEntryFailed}
	router := newMediaRouter(enc, 0)

	w := get(router, streamPath(srv.URL+"/movie.mkv"), nil)

	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "transcoder")
}

func TestMetadata(t *testing.T) {
	srv := serveFile(t, "movie.mp4", patternBytes(4096))
	router := newMediaRouter(&stubEncoder{}, 0)

	w := get(router, "/api/video/metadata?url="+url.QueryEscape(srv.URL+"/movie.mp4"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp metadataResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "movie.mp4", resp.Name)
	assert.Equal(t, "video/mp4", resp.MimeType)
	assert.Equal(t, int64(4096), resp.Size)
	assert.False(t, resp.NeedsTranscoding)
	assert.False(t, resp.IsMKV)
}

func TestMetadataMKV(t *testing.T) {
	srv := serveFile(t, "movie.mkv", patternBytes(4096))
	router := newMediaRouter(&stubEncoder{}, 0)

	w := get(router, "/api/video/metadata?url="+url.QueryEscape(srv.URL+"/movie.mkv"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp metadataResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "video/x-matroska", resp.MimeType)
	assert.True(t, resp.NeedsTranscoding)
	assert.True(t, resp.IsMKV)
}

func TestInfoIncludesStreamURL(t *testing.T) {
	srv := serveFile(t, "movie.webm", patternBytes(256))
	upstream := srv.URL + "/movie.webm"
	router := newMediaRouter(&stubEncoder{}, 0)

	w := get(router, "/api/video/info?url="+url.QueryEscape(upstream), nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp metadataResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "/api/video/stream?url="+url.QueryEscape(upstream), resp.StreamUrl)
	assert.Equal(t, "video/webm", resp.MimeType)
	assert.False(t, resp.NeedsTranscoding)
}

func TestNeedsTranscoding(t *testing.T) {
	assert.False(t, needsTranscoding("video/mp4"))
	assert.False(t, needsTranscoding("video/webm"))
	assert.False(t, needsTranscoding("video/ogg"))
	assert.True(t, needsTranscoding("video/x-matroska"))
	assert.True(t, needsTranscoding("video/x-msvideo"))
	assert.True(t, needsTranscoding("application/octet-stream"))
}

func TestIsMKV(t *testing.T) {
	assert.True(t, isMKV(&Info{Name: "a.mkv", MimeType: "application/octet-stream"}))
	assert.True(t, isMKV(&Info{Name: "A.MKV", MimeType: "application/octet-stream"}))
	assert.True(t, isMKV(&Info{Name: "a", MimeType: "video/x-matroska"}))
	assert.False(t, isMKV(&Info{Name: "a.avi", MimeType: "video/x-msvideo"}))
}
