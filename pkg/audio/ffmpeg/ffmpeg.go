// Package ffmpeg implements [audio.Preparer] by running the ffmpeg binary.
//
// Each prepared file becomes one ffmpeg process that decodes the input,
// applies EBU R128 loudness normalisation, truncates it to the configured
// maximum duration and writes raw 48 kHz stereo s16le PCM to stdout. The
// returned [audio.Source] reads that pipe in 20 ms frames.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/bardic/pkg/audio"
)

var _ audio.Preparer = (*Preparer)(nil)

// Preparer spawns ffmpeg for every file it prepares.
//
// Preparer is safe for concurrent use.
type Preparer struct {
	binary      string
	maxDuration time.Duration
	loudness    float64
}

// Option configures a [Preparer].
type Option func(*Preparer)

// WithBinary overrides the ffmpeg executable (default "ffmpeg" from PATH).
func WithBinary(path string) Option {
	return func(p *Preparer) { p.binary = path }
}

// WithMaxDuration truncates every prepared source to d. Zero disables the cap.
func WithMaxDuration(d time.Duration) Option {
	return func(p *Preparer) { p.maxDuration = d }
}

// WithTargetLoudness sets the integrated loudness target in LUFS. Zero
// disables normalisation.
func WithTargetLoudness(lufs float64) Option {
	return func(p *Preparer) { p.loudness = lufs }
}

// New returns a Preparer with the given options applied.
func New(opts ...Option) *Preparer {
	p := &Preparer{binary: "ffmpeg", loudness: -16}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Prepare implements [audio.Preparer]. ctx bounds the process start only; the
// running process is owned by the returned source and ends when the source is
// closed.
func (p *Preparer) Prepare(ctx context.Context, path string) (audio.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("ffmpeg: open %q: %w", path, err)
	}

	cmd := exec.Command(p.binary, p.args(path)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{buf: &stderr, max: 4096}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start %q: %w", p.binary, err)
	}

	slog.Debug("ffmpeg: started", "path", path, "pid", cmd.Process.Pid)
	return &source{
		cmd:    cmd,
		stdout: stdout,
		stderr: &stderr,
		path:   path,
		chunk:  audio.FrameBytes(audio.TransportFormat),
	}, nil
}

// args builds the ffmpeg command line for path.
func (p *Preparer) args(path string) []string {
	args := []string{"-nostdin", "-hide_banner", "-loglevel", "error", "-i", path}
	if p.maxDuration > 0 {
		args = append(args, "-t", strconv.FormatFloat(p.maxDuration.Seconds(), 'f', 3, 64))
	}
	if p.loudness != 0 {
		args = append(args, "-af", fmt.Sprintf("loudnorm=I=%s:TP=-1.5:LRA=11", strconv.FormatFloat(p.loudness, 'f', -1, 64)))
	}
	args = append(args,
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.TransportFormat.SampleRate),
		"-ac", strconv.Itoa(audio.TransportFormat.Channels),
		"pipe:1",
	)
	return args
}

// source streams the PCM output of one ffmpeg process.
type source struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	path   string
	chunk  int

	closeOnce sync.Once
}

// ReadFrame implements [audio.Source]. A short final frame is returned as is.
func (s *source) ReadFrame() (audio.Frame, error) {
	buf := make([]byte, s.chunk)
	n, err := io.ReadFull(s.stdout, buf)
	switch {
	case n > 0 && (err == nil || errors.Is(err, io.ErrUnexpectedEOF)):
		// Drop a dangling odd byte so the frame stays int16-aligned.
		n -= n % 2
		return audio.Frame{
			Data:       buf[:n],
			SampleRate: audio.TransportFormat.SampleRate,
			Channels:   audio.TransportFormat.Channels,
		}, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, os.ErrClosed):
		if werr := s.wait(); werr != nil {
			return audio.Frame{}, werr
		}
		return audio.Frame{}, io.EOF
	default:
		return audio.Frame{}, fmt.Errorf("ffmpeg: read %q: %w", s.path, err)
	}
}

// wait reaps the process after its output ended and reports a decode failure.
func (s *source) wait() error {
	var err error
	s.closeOnce.Do(func() {
		if werr := s.cmd.Wait(); werr != nil {
			err = fmt.Errorf("ffmpeg: %q: %w: %s", s.path, werr, bytes.TrimSpace(s.stderr.Bytes()))
		}
	})
	return err
}

// Close implements [audio.Source]. It kills the process if still running and
// reaps it. Safe to call more than once.
func (s *source) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdout.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}

// limitedWriter keeps at most max bytes of stderr.
type limitedWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.max - w.buf.Len(); room > 0 {
		w.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}
