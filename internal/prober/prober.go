// Package prober implements the Process Prober (spec §4.1): it
// periodically asks the OS whether the target executable is running,
// filtering out the daemon's own process and known auxiliary variants.
package prober

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultPeriod is the recommended polling interval.
const DefaultPeriod = 5 * time.Second

const (
	maxRetries   = 3
	retryDelay   = 1 * time.Second
	strategyTimeout = 10 * time.Second
)

// Result is the outcome of a single probe.
type Result struct {
	Present bool
	PID     int32
	Method  string
}

// Config controls which candidates the Prober accepts.
type Config struct {
	// ExecutableNames are matched against a process's base executable
	// name (case-insensitive), e.g. "VRChat", "VRChat.exe".
	ExecutableNames []string
	// CommandLineSubstrings are matched against a process's full
	// command line when the executable-name strategy finds nothing.
	CommandLineSubstrings []string
	// AuxiliaryProcessHints down-rank a candidate whose command line
	// contains any of these substrings (launchers, installers,
	// updaters, crash handlers).
	AuxiliaryProcessHints []string
}

// DefaultConfig returns the VRChat-oriented defaults.
func DefaultConfig() Config {
	return Config{
		ExecutableNames:       []string{"vrchat", "vrchat.exe"},
		CommandLineSubstrings: []string{"vrchat"},
		AuxiliaryProcessHints: []string{"crashpad", "updater", "installer", "launcher", "vrcx"},
	}
}

// strategy is one ordered detection attempt.
type strategy struct {
	name string
	run  func(ctx context.Context, cfg Config, selfPID int32) ([]candidate, error)
}

type candidate struct {
	pid        int32
	cmdline    string
	auxiliary  bool
}

// Prober probes for the target process on demand or on a ticker.
type Prober struct {
	cfg      Config
	selfPID  int32
	strategies []strategy
}

// New constructs a Prober. selfPID should be os.Getpid(); it's a
// parameter so tests can simulate self-filtering without the test
// binary's own PID getting in the way.
func New(cfg Config, selfPID int32) *Prober {
	return &Prober{
		cfg:     cfg,
		selfPID: selfPID,
		strategies: []strategy{
			{name: "by_executable_name", run: probeByExecutableName},
			{name: "by_command_line", run: probeByCommandLine},
		},
	}
}

// NewDefault constructs a Prober for the current process using
// DefaultConfig.
func NewDefault() *Prober {
	return New(DefaultConfig(), int32(os.Getpid()))
}

// Probe attempts each strategy in order, retrying transient failures,
// and returns the first non-empty match.
func (p *Prober) Probe(ctx context.Context) Result {
	for _, s := range p.strategies {
		cands, err := p.runWithRetries(ctx, s)
		if err != nil || len(cands) == 0 {
			continue
		}
		if chosen, ok := selectCandidate(cands); ok {
			return Result{Present: true, PID: chosen.pid, Method: s.name}
		}
	}
	return Result{Present: false}
}

func (p *Prober) runWithRetries(ctx context.Context, s strategy) ([]candidate, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, strategyTimeout)
		cands, err := s.run(sctx, p.cfg, p.selfPID)
		cancel()
		if err == nil {
			return cands, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, lastErr
}

// selectCandidate applies false-positive filtering: self-PID is
// already excluded by the strategies, so here we only down-rank
// auxiliary processes, preferring the first non-auxiliary survivor in
// enumeration order and falling back to the first auxiliary one if
// that's all there is.
func selectCandidate(cands []candidate) (candidate, bool) {
	for _, c := range cands {
		if !c.auxiliary {
			return c, true
		}
	}
	return cands[0], true
}

func probeByExecutableName(ctx context.Context, cfg Config, selfPID int32) ([]candidate, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, proc := range procs {
		if proc.Pid == selfPID {
			continue
		}
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if !matchesAny(strings.ToLower(name), cfg.ExecutableNames) {
			continue
		}
		cmdline, _ := proc.CmdlineWithContext(ctx)
		out = append(out, candidate{
			pid:       proc.Pid,
			cmdline:   cmdline,
			auxiliary: matchesAny(strings.ToLower(cmdline), cfg.AuxiliaryProcessHints),
		})
	}
	return out, nil
}

func probeByCommandLine(ctx context.Context, cfg Config, selfPID int32) ([]candidate, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, proc := range procs {
		if proc.Pid == selfPID {
			continue
		}
		cmdline, err := proc.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		lower := strings.ToLower(cmdline)
		if !matchesAny(lower, cfg.CommandLineSubstrings) {
			continue
		}
		out = append(out, candidate{
			pid:       proc.Pid,
			cmdline:   cmdline,
			auxiliary: matchesAny(lower, cfg.AuxiliaryProcessHints),
		})
	}
	return out, nil
}

func matchesAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if sub == "" {
			continue
		}
		if strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
