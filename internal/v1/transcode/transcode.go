// Package transcode manages shared encoder sessions for the media proxy.
// Each distinct (media id, profile) pair runs at most one ffmpeg process;
// every viewer of that media attaches to the process's fan-out instead of
// spawning another encoder. Entries outlive brief client churn through
// protected run times and grace periods, so a browser reconnect lands on the
// already-running encode.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrEntryFailed marks an encoder that died before finishing its input.
	// Attached readers observe it after draining their buffers; the registry
	// drops the entry so the next open allocates a fresh one.
	ErrEntryFailed = errors.New("transcode: encoder failed")

	// ErrSlowClient detaches a reader whose pending bytes exceeded the
	// back-pressure budget. Only the slow reader is affected; the encoder
	// keeps running for everyone else.
	ErrSlowClient = errors.New("transcode: client too slow, detached")

	// ErrShuttingDown rejects attaches once registry shutdown has begun.
	ErrShuttingDown = errors.New("transcode: registry shutting down")
)

// errStreamClosed terminates reads on a reader the client itself closed.
var errStreamClosed = errors.New("transcode: stream closed")

// Job describes one media input to encode. MediaID plus the selected
// profile's fingerprint key the registry, so concurrent opens of the same
// media share a single encoder process.
type Job struct {
	MediaID string
	Size    int64
	IsMKV   bool

	// OpenInput opens the upstream media at offset zero. It runs once per
	// encoder process on the entry's own context, so the upstream read
	// survives the request that triggered allocation.
	OpenInput func(ctx context.Context) (io.ReadCloser, error)
}

// SyntheticContentRange builds the Content-Range header for encode-mode
// range requests. Encoded output has no knowable total size, so the header
// advertises the requested start against total "*".
func SyntheticContentRange(offset int64) string {
	return fmt.Sprintf("bytes %d-/*", offset)
}
