// Package source implements the Source Supervisor (spec §4.4): it owns
// the Process Prober, a log-directory watcher, and the File Selector,
// and reconciles the set of live Tailers against the current
// selection on every relevant event.
package source

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"

	"github.com/kurotori4423/vrc-log-relay/internal/prober"
	"github.com/kurotori4423/vrc-log-relay/internal/record"
	"github.com/kurotori4423/vrc-log-relay/internal/selector"
	"github.com/kurotori4423/vrc-log-relay/internal/tailer"
)

// State names the Source Supervisor's state machine positions.
type State string

const (
	StateProbeOnly           State = "probe_only"
	StateDirectoryAbsent     State = "directory_absent"
	StateDirectoryPresentIdle State = "directory_present_idle"
	StateTailing             State = "tailing"
)

// ChangeType classifies a Status transition for the wire protocol's
// vrchat_status_change message.
type ChangeType string

const (
	ChangeProcess       ChangeType = "process"
	ChangeLogDirectory  ChangeType = "log_directory"
	ChangeLogMonitoring ChangeType = "log_monitoring"
)

// Status is the Source Supervisor's externally-visible snapshot. It is
// written only by the Supervisor's own task and handed out by value.
type Status struct {
	State              State
	IsRunning          bool
	ProcessID          *int32
	LogDirectoryExists bool
	ActiveLogFiles     int
	LastLogActivity    *time.Time
	DetectedAt         *time.Time
}

// Event is delivered to the Broadcast Fabric on every state transition.
type Event struct {
	ChangeType    ChangeType
	Timestamp     time.Time
	Data          map[string]any
	CurrentStatus Status
}

// IndexedRaw pairs a raw line with its position in the current file
// selection, set by the Supervisor since only it knows the selection.
type IndexedRaw struct {
	Raw        record.Raw
	FileIndex  int
}

// Config parameterizes one Supervisor instance.
type Config struct {
	LogDir      string
	ProbePeriod time.Duration
	GroupPeriod time.Duration
	MaxFiles    int
}

// Logger is the narrow diagnostic surface the Supervisor needs.
type Logger interface {
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
}

type tailerHandle struct {
	cancel context.CancelFunc
	done   chan tailer.DoneReason
}

// Supervisor runs the reconciliation loop described in spec §4.4.
type Supervisor struct {
	cfg    Config
	prober *prober.Prober
	out    chan<- IndexedRaw
	events chan<- Event
	clock  clock.Clock
	logger Logger

	mu      sync.Mutex
	status  Status
	tailers map[string]*tailerHandle
}

// New constructs a Supervisor. out receives raw lines from every live
// tailer; events receives a Status change after every transition.
func New(cfg Config, p *prober.Prober, out chan<- IndexedRaw, events chan<- Event, clk clock.Clock, logger Logger) *Supervisor {
	if cfg.ProbePeriod <= 0 {
		cfg.ProbePeriod = prober.DefaultPeriod
	}
	if cfg.GroupPeriod <= 0 {
		cfg.GroupPeriod = selector.DefaultGroupPeriod
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = selector.DefaultMaxFiles
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Supervisor{
		cfg:     cfg,
		prober:  p,
		out:     out,
		events:  events,
		clock:   clk,
		logger:  logger,
		status:  Status{State: StateProbeOnly},
		tailers: make(map[string]*tailerHandle),
	}
}

// Snapshot returns a copy of the current status, safe for concurrent
// callers answering get_status.
func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run drives the reconciliation loop until ctx is cancelled, stopping
// every live tailer before returning.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.stopAllTailers()

	probeTicker := s.clock.Ticker(s.cfg.ProbePeriod)
	defer probeTicker.Stop()

	var watcher *fsnotify.Watcher
	defer func() {
		if watcher != nil {
			watcher.Close()
		}
	}()

	tailerDone := make(chan string, 16)

	s.reconcile(ctx, &watcher, tailerDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-probeTicker.C:
			s.reconcile(ctx, &watcher, tailerDone)
		case path := <-tailerDone:
			// path is empty when the wakeup came from the directory
			// watcher rather than a tailer reporting "path gone".
			if path != "" {
				s.mu.Lock()
				delete(s.tailers, path)
				s.mu.Unlock()
			}
			s.reconcile(ctx, &watcher, tailerDone)
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context, watcher **fsnotify.Watcher, tailerDone chan<- string) {
	result := s.prober.Probe(ctx)

	s.mu.Lock()
	prevState := s.status.State
	prevRunning := s.status.IsRunning
	s.status.IsRunning = result.Present
	if result.Present {
		s.status.ProcessID = &result.PID
		if s.status.DetectedAt == nil || !prevRunning {
			now := s.clock.Now()
			s.status.DetectedAt = &now
		}
	} else {
		s.status.ProcessID = nil
		s.status.DetectedAt = nil
	}
	s.mu.Unlock()

	if !result.Present {
		s.stopAllTailers()
		s.setState(StateProbeOnly)
		if prevRunning {
			s.emitTransition(ChangeProcess)
		}
		return
	}
	if !prevRunning {
		s.emitTransition(ChangeProcess)
	}

	dirExists := dirExists(s.cfg.LogDir)
	s.mu.Lock()
	s.status.LogDirectoryExists = dirExists
	s.mu.Unlock()

	if !dirExists {
		if *watcher != nil {
			(*watcher).Close()
			*watcher = nil
		}
		s.stopAllTailers()
		if prevState != StateDirectoryAbsent && prevState != StateProbeOnly {
			s.setState(StateDirectoryAbsent)
			s.emitTransition(ChangeLogDirectory)
		} else {
			s.setState(StateDirectoryAbsent)
		}
		return
	}

	if *watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err := w.Add(s.cfg.LogDir); err == nil {
				*watcher = w
				go s.watchLoop(ctx, w, tailerDone)
			} else {
				w.Close()
			}
		}
		if prevState == StateProbeOnly || prevState == StateDirectoryAbsent {
			s.emitTransition(ChangeLogDirectory)
		}
	}

	files := s.listFiles()
	selected := selector.Select(files, s.cfg.GroupPeriod, s.cfg.MaxFiles)

	s.mu.Lock()
	s.status.ActiveLogFiles = len(selected)
	s.mu.Unlock()

	if len(selected) == 0 {
		s.stopAllTailers()
		if prevState != StateDirectoryPresentIdle {
			s.setState(StateDirectoryPresentIdle)
			s.emitTransition(ChangeLogMonitoring)
		}
		return
	}

	changed := s.reconcileTailers(ctx, selected, tailerDone)
	s.setState(StateTailing)
	if prevState != StateTailing || changed {
		s.emitTransition(ChangeLogMonitoring)
	}
}

// reconcileTailers diffs the live tailer set against selected by path,
// stopping ones no longer selected and spawning ones newly selected.
// It never restarts a tailer already running on a live path.
func (s *Supervisor) reconcileTailers(ctx context.Context, selected []selector.File, tailerDone chan<- string) bool {
	s.mu.Lock()
	live := make(map[string]bool, len(s.tailers))
	for p := range s.tailers {
		live[p] = true
	}
	s.mu.Unlock()

	wanted := make(map[string]int, len(selected))
	for i, f := range selected {
		wanted[f.Path] = i
	}

	changed := false
	for path := range live {
		if _, ok := wanted[path]; !ok {
			s.stopTailer(path)
			changed = true
		}
	}
	for i, f := range selected {
		if live[f.Path] {
			continue
		}
		s.spawnTailer(ctx, f.Path, i, tailerDone)
		changed = true
	}
	return changed
}

func (s *Supervisor) spawnTailer(ctx context.Context, path string, fileIndex int, tailerDone chan<- string) {
	tctx, cancel := context.WithCancel(ctx)
	lines := make(chan record.Raw, 256)
	t := tailer.New(path, tailer.StartAtEnd, lines, s.clock)
	t.OnLog = func(msg string, err error) {
		if s.logger != nil {
			s.logger.Warnf("%s: %s: %v", path, msg, err)
		}
	}
	done := make(chan tailer.DoneReason, 1)

	s.mu.Lock()
	s.tailers[path] = &tailerHandle{cancel: cancel, done: done}
	s.mu.Unlock()

	// Forwards this tailer's lines, tagged with the file index it held
	// at spawn time, until the tailer stops. Bails out on tctx
	// cancellation too, so it can't block forever on a full s.out once
	// nothing downstream is reading it during shutdown.
	go func() {
		for {
			select {
			case raw, ok := <-lines:
				if !ok {
					return
				}
				select {
				case s.out <- IndexedRaw{Raw: raw, FileIndex: fileIndex}:
				case <-tctx.Done():
					return
				}
			case <-tctx.Done():
				return
			}
		}
	}()

	go func() {
		reason := t.Run(tctx)
		close(lines)
		done <- reason
		if reason == tailer.ReasonPathGone {
			select {
			case tailerDone <- path:
			default:
			}
		}
	}()
}

func (s *Supervisor) stopTailer(path string) {
	s.mu.Lock()
	h, ok := s.tailers[path]
	if ok {
		delete(s.tailers, path)
	}
	s.mu.Unlock()
	if ok {
		h.cancel()
		<-h.done
	}
}

func (s *Supervisor) stopAllTailers() {
	s.mu.Lock()
	paths := make([]string, 0, len(s.tailers))
	for p := range s.tailers {
		paths = append(paths, p)
	}
	s.mu.Unlock()
	for _, p := range paths {
		s.stopTailer(p)
	}
}

func (s *Supervisor) watchLoop(ctx context.Context, w *fsnotify.Watcher, tailerDone chan<- string) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events:
			if !ok {
				return
			}
			select {
			case tailerDone <- "":
			default:
			}
		case <-w.Errors:
		}
	}
}

func (s *Supervisor) listFiles() []selector.File {
	entries, err := os.ReadDir(s.cfg.LogDir)
	if err != nil {
		return nil
	}
	var files []selector.File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if f, ok := selector.Parse(s.cfg.LogDir, e.Name()); ok {
			files = append(files, f)
		}
	}
	return files
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.status.State = st
	s.mu.Unlock()
}

func (s *Supervisor) emitTransition(ct ChangeType) {
	snap := s.Snapshot()
	evt := Event{
		ChangeType:    ct,
		Timestamp:     s.clock.Now(),
		Data:          map[string]any{"state": string(snap.State)},
		CurrentStatus: snap,
	}
	select {
	case s.events <- evt:
	default:
		if s.logger != nil {
			s.logger.Warnf("dropped source_status_changed event, subscriber channel full")
		}
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
