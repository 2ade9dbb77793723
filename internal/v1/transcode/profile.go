package transcode

import (
	"fmt"
	"strconv"
	"time"
)

const (
	// largeInputBytes is the boundary above which inputs get the
	// bitrate-constrained profile.
	largeInputBytes = 2 << 30 // 2 GiB

	// shortClipDuration is the estimated duration below which a clip gets
	// the latency-first profile.
	shortClipDuration = 10 * time.Second

	// assumedByteRate approximates duration from size when the container is
	// not probed: nominal 8 Mbit/s source material.
	assumedByteRate = 1 << 20 // bytes per second
)

// Profile is a fixed encoder configuration. Its fingerprint is half of the
// registry key, so two clients only share a process when both the media and
// the profile match.
type Profile struct {
	Name             string
	Preset           string
	CRF              int
	MaxRate          string
	BufSize          string
	KeyframeInterval int
	Tune             string
	MuxQueueSize     int

	// ProtectedRunTime is the minimum process age before teardown is
	// considered; GracePeriod is how long an entry lingers after its last
	// client detaches. Both absorb browser reconnect churn.
	ProtectedRunTime time.Duration
	GracePeriod      time.Duration
}

// ProfileFor selects the encoder tier from the input shape. Short clips
// favour startup latency, oversized files favour a bounded bitrate so the
// fan-out buffers stay small, everything else favours quality.
func ProfileFor(size int64, isMKV bool) Profile {
	estimated := time.Duration(size/assumedByteRate) * time.Second

	switch {
	case estimated < shortClipDuration:
		return Profile{
			Name:             "short",
			Preset:           "ultrafast",
			CRF:              30,
			MaxRate:          "1M",
			BufSize:          "2M",
			KeyframeInterval: 5,
			ProtectedRunTime: 20 * time.Second,
			GracePeriod:      30 * time.Second,
		}
	case size > largeInputBytes:
		p := Profile{
			Name:             "large",
			Preset:           "ultrafast",
			CRF:              28,
			MaxRate:          "4M",
			BufSize:          "8M",
			KeyframeInterval: 15,
			Tune:             "film",
			MuxQueueSize:     2048,
			ProtectedRunTime: 45 * time.Second,
			GracePeriod:      60 * time.Second,
		}
		if isMKV {
			// Matroska demux is the slowest to reach first output, so give
			// it the longest runway before teardown.
			p.Name = "large-mkv"
			p.ProtectedRunTime = 60 * time.Second
			p.GracePeriod = 90 * time.Second
		}
		return p
	default:
		return Profile{
			Name:             "default",
			Preset:           "veryfast",
			CRF:              26,
			MaxRate:          "8M",
			BufSize:          "16M",
			KeyframeInterval: 15,
			ProtectedRunTime: 25 * time.Second,
			GracePeriod:      25 * time.Second,
		}
	}
}

// Fingerprint identifies the encoder configuration for registry keying.
func (p Profile) Fingerprint() string {
	return fmt.Sprintf("%s:%s:crf%d:%s:g%d", p.Name, p.Preset, p.CRF, p.MaxRate, p.KeyframeInterval)
}

// Args builds the ffmpeg invocation: media on stdin, fragmented MP4 on
// stdout so playback can begin before the encode finishes.
func (p Profile) Args() []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", p.Preset,
		"-crf", strconv.Itoa(p.CRF),
		"-maxrate", p.MaxRate,
		"-bufsize", p.BufSize,
		"-g", strconv.Itoa(p.KeyframeInterval),
	}
	if p.Tune != "" {
		args = append(args, "-tune", p.Tune)
	}
	if p.MuxQueueSize > 0 {
		args = append(args, "-max_muxing_queue_size", strconv.Itoa(p.MuxQueueSize))
	}
	args = append(args,
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "frag_keyframe+empty_moov+faststart",
		"-f", "mp4",
		"pipe:1",
	)
	return args
}
