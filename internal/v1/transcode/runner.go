package transcode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
)

// process is one live encoder owned by an entry. Exit is observed as EOF on
// Output; Wait must only be called after Output is drained.
type process interface {
	// Output is the encoded byte stream.
	Output() io.Reader
	// Wait reaps the process and reports its exit error (nil = clean exit).
	Wait() error
	// Stop asks the process to finish gracefully.
	Stop()
	// Kill terminates the process immediately.
	Kill()
}

// processRunner spawns encoder processes. ffmpegRunner is the only
// production implementation; tests substitute a scripted one.
type processRunner interface {
	Start(ctx context.Context, input io.ReadCloser, profile Profile) (process, error)
}

// ffmpegRunner runs the configured ffmpeg binary with media piped through
// stdin/stdout, the same shape for every source kind.
type ffmpegRunner struct {
	path string
}

func (r *ffmpegRunner) Start(ctx context.Context, input io.ReadCloser, profile Profile) (process, error) {
	cmd := exec.CommandContext(ctx, r.path, profile.Args()...) // #nosec G204 -- path from config, args are fixed per profile

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.path, err)
	}

	// Feed upstream bytes into the encoder. The copy ends on upstream EOF or
	// on EPIPE once the process dies; closing stdin tells ffmpeg the input
	// is complete.
	go func() {
		_, _ = io.Copy(stdin, input)
		_ = stdin.Close()
	}()

	// Encoder diagnostics go to the log line by line, never buffered.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Warn(ctx, "ffmpeg", zap.String("stderr", scanner.Text()))
		}
	}()

	return &ffmpegProcess{cmd: cmd, stdout: stdout}, nil
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (p *ffmpegProcess) Output() io.Reader { return p.stdout }

func (p *ffmpegProcess) Wait() error { return p.cmd.Wait() }

func (p *ffmpegProcess) Stop() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (p *ffmpegProcess) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
