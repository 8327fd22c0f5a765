// Package subprocess invokes yt-dlp as a child process and classifies its
// outcome into the fixed error taxonomy in internal/errs.
//
// Grounded on the Vortex ProcessRunner reference (context.WithTimeout +
// cmd.Process.Kill zombie-prevention pattern, argv-vector invocation) and
// the CWL sandbox reference (stderr pattern matching for error
// classification).
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ytsize/ytsize-core/internal/errs"
	"github.com/ytsize/ytsize-core/pkg/logger"
)

// Metadata is the parsed yt-dlp JSON document (`-J`), trimmed to the
// fields the size-estimate computation needs.
type Metadata struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Duration float64  `json:"duration"`
	Formats  []Format `json:"formats"`
}

// Format is one entry of yt-dlp's "formats" array.
type Format struct {
	FormatID   string  `json:"format_id"`
	Ext        string  `json:"ext"`
	Resolution string  `json:"resolution"`
	Height     int     `json:"height"`
	Width      int     `json:"width"`
	Filesize   int64   `json:"filesize"`
	FilesizeAp int64   `json:"filesize_approx"`
	TBR        float64 `json:"tbr"` // total average bitrate, kbit/s
	VCodec     string  `json:"vcodec"`
	ACodec     string  `json:"acodec"`
}

// Result is the outcome of one Execute call.
type Result struct {
	OK            bool
	Meta          *Metadata
	Code          errs.Code
	Message       string
	StderrExcerpt string
}

// Executor runs yt-dlp and classifies failures. It holds no per-request
// state and is safe for concurrent use by multiple workers.
type Executor struct {
	ytdlpPath string
	limiter   *rate.Limiter // secondary spawn-rate brake, beneath RL
}

// Config configures an Executor.
type Config struct {
	// YtdlpPath is the configured path to the yt-dlp binary. If empty,
	// PATH is searched for "yt-dlp".
	YtdlpPath string
	// MaxSpawnsPerSecond bounds how often this executor will start a new
	// subprocess; 0 disables the brake (unlimited).
	MaxSpawnsPerSecond float64
}

// NewExecutor resolves the yt-dlp binary (via Config.YtdlpPath or PATH)
// and returns a ready-to-use Executor. Resolution failure is not fatal
// here; it surfaces as NOT_FOUND on the first Execute call, per spec §4.5
// startup-order note (RL/CB/WP construction is not gated on it).
func NewExecutor(cfg Config) *Executor {
	path := cfg.YtdlpPath
	if path == "" {
		if resolved, err := exec.LookPath("yt-dlp"); err == nil {
			path = resolved
		} else {
			logger.Warn("subprocess: yt-dlp not found on PATH at startup: %v", err)
		}
	}

	var limiter *rate.Limiter
	if cfg.MaxSpawnsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxSpawnsPerSecond), 1)
	}

	return &Executor{ytdlpPath: path, limiter: limiter}
}

var (
	rateLimitedPattern = regexp.MustCompile(`(?i)HTTP Error 429|Too Many Requests`)
	unavailablePattern = regexp.MustCompile(`(?i)private video|video unavailable|this video is unavailable|age[- ]restrict|not available in your country|region|has been removed`)
	networkPattern     = regexp.MustCompile(`(?i)connection reset|connection refused|network is unreachable|timed out|TLS handshake|no route to host`)

	shellMeta = regexp.MustCompile("[;|`$(){}\\[\\]<>\\\\]")
)

// ValidateURL re-validates a URL defensively before it crosses the process
// boundary into argv, per spec §4.1 ("defense-in-depth because the
// argument crosses a process boundary"). The caller (the HTTP layer) is
// expected to have already validated it per the §6 URL-safety contract;
// this is a second, independent check using the same rules.
func ValidateURL(raw string) error {
	if len(raw) > 200 {
		return errs.New(errs.InvalidURL, "url exceeds 200 characters")
	}
	if shellMeta.MatchString(raw) {
		return errs.New(errs.InvalidURL, "url contains disallowed characters")
	}
	if strings.Contains(raw, "../") || strings.Contains(raw, "file://") {
		return errs.New(errs.InvalidURL, "url contains a disallowed path segment or scheme")
	}
	if !strings.HasPrefix(raw, "https://") {
		return errs.New(errs.InvalidURL, "url must use https")
	}
	host, path, ok := splitHostPath(raw)
	if !ok {
		return errs.New(errs.InvalidURL, "url is malformed")
	}
	switch host {
	case "www.youtube.com", "youtube.com", "m.youtube.com", "music.youtube.com":
		if !strings.HasPrefix(path, "/watch") && !strings.HasPrefix(path, "/shorts/") {
			return errs.New(errs.InvalidURL, "path is not /watch or /shorts/<id>")
		}
		if strings.HasPrefix(path, "/watch") && !strings.Contains(raw, "v=") {
			return errs.New(errs.InvalidURL, "missing v= query parameter")
		}
	case "youtu.be":
		// host alone suffices per spec §6.
	default:
		return errs.New(errs.InvalidURL, "host is not an allowed YouTube host")
	}
	return nil
}

func splitHostPath(raw string) (host, path string, ok bool) {
	rest := strings.TrimPrefix(raw, "https://")
	idx := strings.IndexAny(rest, "/?#")
	if idx < 0 {
		return rest, "", true
	}
	return rest[:idx], rest[idx:], true
}

// Execute runs `yt-dlp -J --skip-download --no-playlist <url>` (plus a
// cookie-file argument when cookies are supplied), bounded by timeoutMs
// and maxOutputBytes. It never returns a Go error for expected failure
// classes; those are reported in Result.Code.
func (e *Executor) Execute(ctx context.Context, url string, timeoutMs int, maxOutputBytes int64, cookies string) Result {
	if err := ValidateURL(url); err != nil {
		return Result{OK: false, Code: errs.InvalidURL, Message: err.Error()}
	}
	if e.ytdlpPath == "" {
		return Result{OK: false, Code: errs.NotFound, Message: "yt-dlp executable not found"}
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return Result{OK: false, Code: errs.Timeout, Message: "spawn-rate brake wait cancelled"}
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	args := []string{"-J", "--skip-download", "--no-playlist"}

	var cookieFile string
	if cookies != "" {
		f, err := os.CreateTemp("", "ytsize-cookies-*.txt")
		if err != nil {
			return Result{OK: false, Code: errs.Unknown, Message: "failed to stage cookie file"}
		}
		cookieFile = f.Name()
		defer os.Remove(cookieFile)
		if err := os.Chmod(cookieFile, 0o600); err != nil {
			logger.Warn("subprocess: chmod cookie file failed: %v", err)
		}
		if _, err := f.WriteString(cookies); err != nil {
			f.Close()
			return Result{OK: false, Code: errs.Unknown, Message: "failed to write cookie file"}
		}
		f.Close()
		args = append(args, "--cookies", cookieFile)
	}

	args = append(args, url)

	cmd := exec.CommandContext(execCtx, e.ytdlpPath, args...)
	cmd.Env = os.Environ()

	stdout := newBoundedBuffer(maxOutputBytes)
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if stdout.overflowed {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return Result{OK: false, Code: errs.Unknown, Message: fmt.Sprintf("stdout exceeded %d bytes, process killed", maxOutputBytes)}
	}

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return Result{OK: false, Code: errs.Timeout, Message: fmt.Sprintf("yt-dlp timed out after %v", elapsed), StderrExcerpt: excerpt(stderr.String())}
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{OK: false, Code: errs.Timeout, Message: "request cancelled", StderrExcerpt: excerpt(stderr.String())}
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return Result{OK: false, Code: errs.NotFound, Message: "yt-dlp executable not found", StderrExcerpt: excerpt(stderr.String())}
		}
		return Result{OK: false, Code: classifyStderr(stderr.String()), Message: err.Error(), StderrExcerpt: excerpt(stderr.String())}
	}

	var meta Metadata
	if jsonErr := json.Unmarshal(stdout.Bytes(), &meta); jsonErr != nil {
		return Result{OK: false, Code: errs.Unknown, Message: "failed to parse yt-dlp output", StderrExcerpt: excerpt(stderr.String())}
	}

	return Result{OK: true, Meta: &meta}
}

func classifyStderr(stderr string) errs.Code {
	switch {
	case rateLimitedPattern.MatchString(stderr):
		return errs.RateLimited
	case unavailablePattern.MatchString(stderr):
		return errs.VideoUnavailable
	case networkPattern.MatchString(stderr):
		return errs.NetworkError
	default:
		return errs.Unknown
	}
}

func excerpt(s string) string {
	const max = 500
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// boundedBuffer caps the number of bytes written to it; once the cap is
// exceeded it sets overflowed and discards further writes.
type boundedBuffer struct {
	buf        bytes.Buffer
	limit      int64
	overflowed bool
}

func newBoundedBuffer(limit int64) *boundedBuffer {
	if limit <= 0 {
		limit = 10 << 20 // 10MB default
	}
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.overflowed {
		return 0, io.ErrShortBuffer
	}
	if int64(b.buf.Len()+len(p)) > b.limit {
		b.overflowed = true
		return 0, io.ErrShortBuffer
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) Bytes() []byte { return b.buf.Bytes() }
