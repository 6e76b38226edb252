// Package relay wires the Process Prober, Source Supervisor, Parser,
// and Broadcast Fabric together into one lifecycle: the root
// Supervisor named in spec §2.
package relay

import (
	"context"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/kurotori4423/vrc-log-relay/internal/broadcast"
	"github.com/kurotori4423/vrc-log-relay/internal/config"
	"github.com/kurotori4423/vrc-log-relay/internal/logsink"
	"github.com/kurotori4423/vrc-log-relay/internal/parser"
	"github.com/kurotori4423/vrc-log-relay/internal/prober"
	"github.com/kurotori4423/vrc-log-relay/internal/source"
	"github.com/kurotori4423/vrc-log-relay/internal/wire"
)

// ServerVersion is advertised to subscribers in the welcome frame.
const ServerVersion = "1.0.0"

// ShutdownGrace is how long Stop waits after queuing a disconnect frame
// to every subscriber before closing the fabric's listener. Subscriber
// websocket connections are not closed by Stop; they end when the peer
// closes them.
const ShutdownGrace = 500 * time.Millisecond

// Counters holds the core's running totals, read atomically from any
// task.
type Counters struct {
	MessagesProcessed   atomic.Uint64
	MessagesDistributed atomic.Uint64
}

// Supervisor owns start/stop for the whole core and answers
// get_status/get_metrics through the Broadcast Fabric.
type Supervisor struct {
	cfg    *config.Config
	logger logsink.Sink
	clock  clock.Clock

	prober *prober.Prober
	source *source.Supervisor
	fabric *broadcast.Fabric

	counters  Counters
	startedAt time.Time
	selfProc  *process.Process

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs a Supervisor from a resolved config and logging sink.
// clk may be nil to use the real wall clock.
func New(cfg *config.Config, logger logsink.Sink, clk clock.Clock) *Supervisor {
	if clk == nil {
		clk = clock.New()
	}
	s := &Supervisor{cfg: cfg, logger: logger, clock: clk}

	pid := int32(os.Getpid())
	s.prober = prober.New(prober.Config{
		ExecutableNames:       cfg.Probe.ExecutableNames,
		CommandLineSubstrings: cfg.Probe.CommandLineSubstrings,
		AuxiliaryProcessHints: cfg.Probe.AuxiliaryProcessHints,
	}, pid)

	if proc, err := process.NewProcess(pid); err == nil {
		s.selfProc = proc
	}

	return s
}

// Start launches every task and returns once they're all running. It
// returns an error only on a fatal startup failure (transport bind).
func (s *Supervisor) Start(ctx context.Context) error {
	s.startedAt = s.clock.Now()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	group, gctx := errgroup.WithContext(runCtx)
	s.group = group

	rawLines := make(chan source.IndexedRaw, 1024)
	events := make(chan source.Event, 64)

	s.source = source.New(source.Config{
		LogDir:      s.cfg.Source.LogDir,
		ProbePeriod: s.cfg.Probe.Period,
		GroupPeriod: s.cfg.Source.GroupPeriod,
		MaxFiles:    s.cfg.Source.MaxFiles,
	}, s.prober, rawLines, events, s.clock, sourceLoggerAdapter{s.logger.For("source")})

	s.fabric = broadcast.New(broadcast.Config{
		BindHost:         s.cfg.Transport.Host,
		BindPort:         s.cfg.Transport.Port,
		MaxClients:       s.cfg.Transport.MaxClients,
		OutboundCapacity: s.cfg.Transport.OutboundCapacity,
		PingInterval:     s.cfg.Transport.PingInterval,
		ServerVersion:    ServerVersion,
		Capabilities:     []string{"log_message", "vrchat_status_change", "filters"},
	}, s.buildStatus, s.buildMetrics, s.clock, fabricLoggerAdapter{s.logger.For("broadcast")})

	group.Go(func() error {
		s.source.Run(gctx)
		return nil
	})

	group.Go(func() error {
		s.dispatchLoop(gctx, rawLines)
		return nil
	})

	group.Go(func() error {
		s.forwardEvents(gctx, events)
		return nil
	})

	errCh := make(chan error, 1)
	group.Go(func() error {
		err := s.fabric.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		select {
		case errCh <- err:
		default:
		}
		return err
	})

	select {
	case err := <-errCh:
		if err != nil {
			cancel()
			return err
		}
	case <-time.After(50 * time.Millisecond):
		// Listener didn't fail fast; assume it's up and serving.
	}
	return nil
}

// Stop unwinds the core: the fabric first queues a disconnect frame to
// every subscriber, waits ShutdownGrace and closes its listener, then
// cancellation propagates to the tailers, dispatcher, and supervisor.
func (s *Supervisor) Stop() error {
	if s.fabric != nil {
		s.fabric.Shutdown(ShutdownGrace)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		return s.group.Wait()
	}
	return nil
}

// dispatchLoop is the "central parser/dispatcher" task from spec §5:
// it turns raw lines into processed records and publishes them.
func (s *Supervisor) dispatchLoop(ctx context.Context, rawLines <-chan source.IndexedRaw) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-rawLines:
			rec := parser.Parse(item.Raw, uuid.NewString())
			if rec == nil {
				continue
			}
			rec.Origin.FileIndexInSelection = item.FileIndex
			s.counters.MessagesProcessed.Add(1)
			matched := s.fabric.Publish(rec)
			s.counters.MessagesDistributed.Add(uint64(matched))
		}
	}
}

func (s *Supervisor) forwardEvents(ctx context.Context, events <-chan source.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			s.fabric.BroadcastStatusChange(toWireStatusChange(evt))
		}
	}
}

func toWireStatusChange(evt source.Event) wire.VRChatStatusChangePayload {
	return wire.VRChatStatusChangePayload{
		ChangeType:    string(evt.ChangeType),
		Timestamp:     evt.Timestamp.UnixMilli(),
		Data:          evt.Data,
		CurrentStatus: toWireVRChatStatus(evt.CurrentStatus),
	}
}

func toWireVRChatStatus(st source.Status) wire.VRChatStatus {
	var lastActivity, detectedAt *int64
	if st.LastLogActivity != nil {
		ms := st.LastLogActivity.UnixMilli()
		lastActivity = &ms
	}
	if st.DetectedAt != nil {
		ms := st.DetectedAt.UnixMilli()
		detectedAt = &ms
	}
	return wire.VRChatStatus{
		IsRunning:          st.IsRunning,
		ProcessID:          st.ProcessID,
		LogDirectoryExists: st.LogDirectoryExists,
		ActiveLogFiles:     st.ActiveLogFiles,
		LastLogActivity:    lastActivity,
		DetectedAt:         detectedAt,
	}
}

func (s *Supervisor) buildStatus() wire.StatusPayload {
	var mem wire.MemoryUsage
	if s.selfProc != nil {
		if info, err := s.selfProc.MemoryInfo(); err == nil && info != nil {
			mem = wire.MemoryUsage{RSS: info.RSS, HeapUsed: info.RSS, HeapTotal: info.VMS}
		}
	}
	snap := s.source.Snapshot()
	return wire.StatusPayload{
		Uptime:              int64(s.clock.Now().Sub(s.startedAt) / time.Second),
		ConnectedClients:    s.fabric.Registry().Count(),
		MonitoredFiles:      snap.ActiveLogFiles,
		MessagesProcessed:   s.counters.MessagesProcessed.Load(),
		MessagesDistributed: s.counters.MessagesDistributed.Load(),
		MemoryUsage:         mem,
		VRChatStatus:        toWireVRChatStatus(snap),
	}
}

func (s *Supervisor) buildMetrics() wire.MetricsPayload {
	elapsed := s.clock.Now().Sub(s.startedAt).Seconds()
	var mps float64
	if elapsed > 0 {
		mps = float64(s.counters.MessagesProcessed.Load()) / elapsed
	}
	var memMB, cpuPct float64
	if s.selfProc != nil {
		if info, err := s.selfProc.MemoryInfo(); err == nil && info != nil {
			memMB = float64(info.RSS) / (1024 * 1024)
		}
		if pct, err := s.selfProc.CPUPercent(); err == nil {
			cpuPct = pct
		}
	}
	return wire.MetricsPayload{Current: wire.CurrentMetrics{
		MessagesPerSecond: mps,
		ClientConnections: s.fabric.Registry().Count(),
		MemoryUsageMB:     memMB,
		CPUUsage:          cpuPct,
	}}
}

type sourceLoggerAdapter struct{ sink logsink.Sink }

func (a sourceLoggerAdapter) Warnf(format string, args ...any) { a.sink.Warnf(format, args...) }
func (a sourceLoggerAdapter) Infof(format string, args ...any) { a.sink.Infof(format, args...) }

type fabricLoggerAdapter struct{ sink logsink.Sink }

func (a fabricLoggerAdapter) Warnf(format string, args ...any) { a.sink.Warnf(format, args...) }
func (a fabricLoggerAdapter) Infof(format string, args ...any) { a.sink.Infof(format, args...) }

