// Package tailer streams newly appended lines from a single file,
// surviving rotation and mid-line writes (spec §4.2). Each Tailer runs
// as one independent task and is driven by filesystem-change
// notifications with a polling fallback.
package tailer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"

	"github.com/kurotori4423/vrc-log-relay/internal/record"
)

// StartAtEnd requests that a new Tailer begin reading from the file's
// current end-of-file rather than a known byte offset.
const StartAtEnd int64 = -1

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 2 * time.Second
	pollFallback = 1 * time.Second
)

// DoneReason describes why a Tailer's Run returned.
type DoneReason string

const (
	// ReasonStopped means the caller cancelled the context.
	ReasonStopped DoneReason = "stopped"
	// ReasonPathGone means the tailed path disappeared and will not be
	// retried by this Tailer; the Source Supervisor decides whether to
	// start a replacement.
	ReasonPathGone DoneReason = "path_gone"
)

// Tailer watches exactly one file and emits its newly appended lines.
type Tailer struct {
	Path  string
	Out   chan<- record.Raw
	Clock clock.Clock

	// OnLog receives short diagnostic strings for transient failures.
	// May be nil.
	OnLog func(msg string, err error)

	offset   int64
	identity fileIdentity
	buf      bytes.Buffer
}

// New constructs a Tailer for path. startAt is either StartAtEnd or an
// explicit byte offset to resume from.
func New(path string, startAt int64, out chan<- record.Raw, clk clock.Clock) *Tailer {
	if clk == nil {
		clk = clock.New()
	}
	return &Tailer{Path: path, Out: out, Clock: clk, offset: startAt}
}

// Run tails the file until ctx is cancelled or the path disappears.
// It never returns early on transient errors; those are retried with
// bounded exponential backoff.
func (t *Tailer) Run(ctx context.Context) DoneReason {
	if t.offset == StartAtEnd {
		if size, ok := t.statSize(); ok {
			t.offset = size
		} else {
			t.offset = 0
		}
	}

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		_ = watcher.Add(t.Path)
	}

	backoff := minBackoff
	ticker := t.Clock.Ticker(pollFallback)
	defer ticker.Stop()

	for {
		reason, readErr := t.readAvailable(ctx)
		if reason != "" {
			return reason
		}
		if readErr != nil {
			t.log("tailer read error", readErr)
			select {
			case <-ctx.Done():
				return ReasonStopped
			case <-t.Clock.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff

		var events <-chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		select {
		case <-ctx.Done():
			return ReasonStopped
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}
	}
}

// readAvailable reads any new data since the last call, emitting
// completed lines onto Out. It returns a non-empty DoneReason when the
// tailer must stop permanently (path gone); otherwise err carries a
// transient failure to retry after backoff.
func (t *Tailer) readAvailable(ctx context.Context) (DoneReason, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ReasonPathGone, nil
		}
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	curIdentity := identityOf(info)
	if t.identity != (fileIdentity{}) && (curIdentity != t.identity || info.Size() < t.offset) {
		// Rotation or truncation: discard any buffered partial line and
		// resume at offset 0 of the new file at the same path.
		t.buf.Reset()
		t.offset = 0
	}
	t.identity = curIdentity

	if info.Size() <= t.offset {
		return "", nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return "", err
	}

	reader := bufio.NewReader(f)
	for {
		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			t.buf.Write(chunk)
			t.offset += int64(len(chunk))
			if chunk[len(chunk)-1] == '\n' {
				line := t.buf.String()
				t.buf.Reset()
				if !t.emit(ctx, line) {
					return ReasonStopped, nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return "", err
		}
	}
	return "", nil
}

// emit delivers line to Out, or abandons the send and returns false if
// ctx is cancelled first (so a downstream consumer gone during
// shutdown can't leave Run blocked forever).
func (t *Tailer) emit(ctx context.Context, line string) bool {
	raw := record.Raw{
		Text:       trimNewline(line),
		SourcePath: t.Path,
		ObservedAt: t.Clock.Now(),
	}
	select {
	case t.Out <- raw:
		return true
	case <-ctx.Done():
		return false
	}
}

func trimNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '\r' {
		s = s[:len(s)-1]
	}
	return s
}

func (t *Tailer) statSize() (int64, bool) {
	info, err := os.Stat(t.Path)
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

func (t *Tailer) log(msg string, err error) {
	if t.OnLog != nil {
		t.OnLog(msg, err)
	}
}
