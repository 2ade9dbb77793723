package transcode

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/metrics"
)

// entryKey identifies one encoder session: same media, same profile.
type entryKey struct {
	mediaID     string
	fingerprint string
}

// Registry owns every live encoder entry. Attach either joins an existing
// live entry or allocates a fresh one; the registry never runs two encoders
// for the same key.
type Registry struct {
	runner     processRunner
	profileFor func(Job) Profile

	// Teardown tunables, shortened in tests.
	stopEscalation     time.Duration
	cleanExitProtected time.Duration
	cleanExitGrace     time.Duration

	mu      sync.Mutex
	entries map[entryKey]*entry
	closed  bool
}

// NewRegistry builds the production registry around the ffmpeg binary at
// ffmpegPath.
func NewRegistry(ffmpegPath string) *Registry {
	return newRegistry(&ffmpegRunner{path: ffmpegPath})
}

func newRegistry(runner processRunner) *Registry {
	return &Registry{
		runner:             runner,
		profileFor:         func(job Job) Profile { return ProfileFor(job.Size, job.IsMKV) },
		stopEscalation:     defaultStopEscalation,
		cleanExitProtected: defaultCleanExitProtectedRunTime,
		cleanExitGrace:     defaultCleanExitGracePeriod,
		entries:            make(map[entryKey]*entry),
	}
}

// Attach returns a reader over the encoded stream for job, reusing a live
// entry when one exists. The reader must be closed; the last close starts
// the entry's grace period.
func (r *Registry) Attach(ctx context.Context, job Job) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	profile := r.profileFor(job)
	key := entryKey{mediaID: job.MediaID, fingerprint: profile.Fingerprint()}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if existing, ok := r.entries[key]; ok {
		if reader, live := existing.attach(); live {
			r.mu.Unlock()
			logging.Info(ctx, "Attached to running encoder",
				zap.String("mediaId", job.MediaID),
				zap.String("profile", profile.Name))
			return reader, nil
		}
	}

	e := newEntry(key, profile, job, r)
	r.entries[key] = e
	reader, _ := e.attach()
	r.mu.Unlock()

	metrics.TranscodeSessions.Inc()
	go e.run()

	logging.Info(ctx, "Allocated encoder",
		zap.String("mediaId", job.MediaID),
		zap.String("profile", profile.Name),
		zap.Int64("size", job.Size))
	return reader, nil
}

// remove drops e from the table unless a replacement already took its slot.
func (r *Registry) remove(e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[e.key]; ok && cur == e {
		delete(r.entries, e.key)
	}
	r.mu.Unlock()
}

// Shutdown stops every entry, waiving grace periods and protected run
// times. It returns once all encoder processes exit or ctx expires, in
// which case stragglers are killed.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	if len(entries) > 0 {
		logging.Info(ctx, "Stopping encoders", zap.Int("count", len(entries)))
	}

	for _, e := range entries {
		e.shutdown()
	}
	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			e.forceKill()
		}
	}
}
