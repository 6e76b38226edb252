// Package broadcast implements the Broadcast Fabric (spec §4.7): it
// accepts inbound transport connections, runs the handshake and
// per-subscriber send/receive loops, routes inbound control frames,
// and fans parsed records out to matching subscribers.
package broadcast

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kurotori4423/vrc-log-relay/internal/record"
	"github.com/kurotori4423/vrc-log-relay/internal/registry"
	"github.com/kurotori4423/vrc-log-relay/internal/wire"
)

// DefaultPingInterval is the heartbeat cadence (spec §4.7).
const DefaultPingInterval = 30 * time.Second

// DefaultHandshakeTimeout bounds how long a connection may sit in
// AWAITING_HELLO before being dropped.
const DefaultHandshakeTimeout = 10 * time.Second

// StatusProvider answers get_status requests.
type StatusProvider func() wire.StatusPayload

// MetricsProvider answers get_metrics requests.
type MetricsProvider func() wire.MetricsPayload

// Logger is the narrow diagnostic surface the fabric needs.
type Logger interface {
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
}

// Config parameterizes one Fabric instance.
type Config struct {
	BindHost         string
	BindPort         int
	MaxClients       int
	OutboundCapacity int
	PingInterval     time.Duration
	ServerVersion    string
	Capabilities     []string
}

// Fabric owns the accept loop and the subscriber registry.
type Fabric struct {
	cfg             Config
	registry        *registry.Registry
	logger          Logger
	clock           clock.Clock
	statusProvider  StatusProvider
	metricsProvider MetricsProvider
	upgrader        websocket.Upgrader

	server *http.Server
}

// New constructs a Fabric. statusProvider/metricsProvider may be nil,
// in which case get_status/get_metrics reply with a zero-value payload.
func New(cfg Config, statusProvider StatusProvider, metricsProvider MetricsProvider, clk clock.Clock, logger Logger) *Fabric {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = registry.DefaultMaxClients
	}
	if cfg.OutboundCapacity <= 0 {
		cfg.OutboundCapacity = registry.DefaultQueueCapacity
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	f := &Fabric{
		cfg:             cfg,
		registry:        registry.New(cfg.MaxClients),
		logger:          logger,
		clock:           clk,
		statusProvider:  statusProvider,
		metricsProvider: metricsProvider,
	}
	f.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return f
}

// Registry exposes the subscriber registry for the root Supervisor to
// read counters and for the dispatcher to call Publish.
func (f *Fabric) Registry() *registry.Registry { return f.registry }

// ListenAndServe binds the loopback-only listener and serves the
// websocket endpoint until ctx-driven Shutdown is called. It refuses
// to start on a non-loopback bind host.
func (f *Fabric) ListenAndServe() error {
	if !isLoopbackHost(f.cfg.BindHost) {
		return errNonLoopbackBind{f.cfg.BindHost}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", f.handleConn)
	addr := net.JoinHostPort(f.cfg.BindHost, strconv.Itoa(f.cfg.BindPort))
	f.server = &http.Server{Addr: addr, Handler: mux}
	if f.logger != nil {
		f.logger.Infof("broadcast fabric listening on %s", addr)
	}
	return f.server.ListenAndServe()
}

// Shutdown queues a disconnect frame to every ACTIVE subscriber, waits
// the grace window, and closes the listener. Connections that were
// already upgraded to websockets are not closed by it.
func (f *Fabric) Shutdown(grace time.Duration) error {
	for _, sub := range f.registry.Snapshot() {
		sub.Enqueue(wire.DisconnectPayload{Reason: wire.ErrServerShutdown, Message: "server shutting down", GracePeriod: grace.Milliseconds()})
	}
	if grace > 0 {
		f.clock.Sleep(grace)
	}
	if f.server == nil {
		return nil
	}
	return f.server.Close()
}

type errNonLoopbackBind struct{ host string }

func (e errNonLoopbackBind) Error() string { return "refusing to bind non-loopback host: " + e.host }

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleConn runs one connection through NEW -> AWAITING_HELLO ->
// ACTIVE -> CLOSING -> GONE.
func (f *Fabric) handleConn(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(w, "loopback only", http.StatusForbidden)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if f.logger != nil {
			f.logger.Warnf("upgrade failed: %v", err)
		}
		return
	}

	hello, ok := f.awaitHello(conn)
	if !ok {
		conn.Close()
		return
	}

	sub := registry.NewSubscriber(uuid.NewString(), hello.ClientName, f.clock.Now(), f.cfg.OutboundCapacity)
	added, reason := f.registry.Add(sub)
	if !added {
		f.sendErrorAndClose(conn, string(reason), "connection limit reached")
		return
	}
	defer f.registry.Remove(sub.ID)

	welcome := wire.WelcomePayload{
		ClientID:      sub.ID,
		ServerVersion: f.cfg.ServerVersion,
		ConnectedAt:   sub.ConnectedAt.UnixMilli(),
		Capabilities:  f.cfg.Capabilities,
	}
	sub.Enqueue(welcome)

	done := make(chan struct{})
	go f.senderLoop(conn, sub, done)
	f.receiverLoop(conn, sub)
	close(done)
	conn.Close()
}

func (f *Fabric) awaitHello(conn *websocket.Conn) (wire.HelloPayload, bool) {
	conn.SetReadDeadline(f.clock.Now().Add(DefaultHandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return wire.HelloPayload{}, false
	}
	var hello wire.HelloPayload
	frame, err := wire.Decode(data, &hello)
	if err != nil || frame.Type != wire.TypeHello {
		f.sendErrorAndClose(conn, wire.ErrInvalidMessage, "expected hello")
		return wire.HelloPayload{}, false
	}
	return hello, true
}

func (f *Fabric) sendErrorAndClose(conn *websocket.Conn, code, message string) {
	b, err := wire.Encode(wire.TypeError, wire.ErrorPayload{Code: code, Message: message})
	if err == nil {
		conn.WriteMessage(websocket.TextMessage, b)
	}
	conn.Close()
}

// senderLoop serializes whatever is enqueued for sub and writes it to
// conn, also driving the heartbeat ping. This is where wire encoding
// happens, deliberately kept out of the fan-out path.
func (f *Fabric) senderLoop(conn *websocket.Conn, sub *registry.Subscriber, done <-chan struct{}) {
	ticker := f.clock.Ticker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !sub.IsAlive() {
				f.sendErrorAndClose(conn, wire.ErrHeartbeatTimeout, "heartbeat timeout")
				return
			}
			sub.ClearAlive()
			b, _ := wire.Encode(wire.TypePing, wire.PingPayload{Timestamp: f.clock.Now().UnixMilli()})
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case item, ok := <-sub.Outbound:
			if !ok {
				return
			}
			b, err := encodeOutbound(item)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

func encodeOutbound(item any) ([]byte, error) {
	switch v := item.(type) {
	case *record.Processed:
		return wire.Encode(wire.TypeLogMessage, toLogMessagePayload(v))
	case wire.WelcomePayload:
		return wire.Encode(wire.TypeWelcome, v)
	case wire.StatusPayload:
		return wire.Encode(wire.TypeStatus, v)
	case wire.MetricsPayload:
		return wire.Encode(wire.TypeMetrics, v)
	case wire.VRChatStatusChangePayload:
		return wire.Encode(wire.TypeVRChatStatusChange, v)
	case wire.FilterResponsePayload:
		return wire.Encode(wire.TypeFilterResponse, v)
	case wire.PongPayload:
		return wire.Encode(wire.TypePong, v)
	case wire.DisconnectPayload:
		return wire.Encode(wire.TypeDisconnect, v)
	case wire.ErrorPayload:
		return wire.Encode(wire.TypeError, v)
	default:
		return nil, errUnknownOutboundType{}
	}
}

type errUnknownOutboundType struct{}

func (errUnknownOutboundType) Error() string { return "unknown outbound item type" }

func toLogMessagePayload(p *record.Processed) wire.LogMessagePayload {
	var parsed any
	if p.Parsed != nil {
		parsed = p.Parsed
	}
	var originalTS *int64
	if p.TimestampFromLine != nil {
		ms := p.TimestampFromLine.UnixMilli()
		originalTS = &ms
	}
	return wire.LogMessagePayload{
		ID:        p.ID,
		Timestamp: p.TimestampObserved.UnixMilli(),
		Source:    string(p.SourceTag),
		Level:     string(p.Level),
		Raw:       p.Raw,
		Parsed:    parsed,
		Metadata: wire.LogMessageMetadata{
			FilePath:          p.Origin.FilePath,
			FileIndex:         p.Origin.FileIndexInSelection,
			OriginalTimestamp: originalTS,
		},
	}
}

// receiverLoop reads inbound control frames and routes them until the
// connection closes or a protocol violation occurs.
func (f *Fabric) receiverLoop(conn *websocket.Conn, sub *registry.Subscriber) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub.Touch(f.clock.Now())
		if !f.routeFrame(data, sub) {
			return
		}
	}
}

// routeFrame handles one inbound frame, returning false if the
// connection must close (protocol violation).
func (f *Fabric) routeFrame(data []byte, sub *registry.Subscriber) bool {
	var probe wire.Frame
	if err := json.Unmarshal(data, &probe); err != nil {
		sub.Enqueue(wire.ErrorPayload{Code: wire.ErrInvalidMessage, Message: "unparsable frame"})
		return false
	}

	switch probe.Type {
	case wire.TypePong:
		// Touch already ran above; nothing further to do.
	case wire.TypePing:
		sub.Enqueue(wire.PongPayload{Timestamp: f.clock.Now().UnixMilli()})
	case wire.TypeGetStatus:
		if f.statusProvider != nil {
			sub.Enqueue(f.statusProvider())
		} else {
			sub.Enqueue(wire.StatusPayload{})
		}
	case wire.TypeGetMetrics:
		if f.metricsProvider != nil {
			sub.Enqueue(f.metricsProvider())
		} else {
			sub.Enqueue(wire.MetricsPayload{})
		}
	case wire.TypeAddFilter:
		f.handleAddFilter(data, sub)
	case wire.TypeRemoveFilter:
		f.handleRemoveFilter(data, sub)
	case wire.TypeHello:
		sub.Enqueue(wire.ErrorPayload{Code: wire.ErrInvalidMessage, Message: "hello only valid before welcome"})
	default:
		sub.Enqueue(wire.ErrorPayload{Code: wire.ErrInvalidMessage, Message: "unrecognized type: " + string(probe.Type)})
	}
	return true
}

func (f *Fabric) handleAddFilter(data []byte, sub *registry.Subscriber) {
	var payload wire.AddFilterPayload
	if _, err := wire.Decode(data, &payload); err != nil {
		sub.Enqueue(wire.FilterResponsePayload{Action: "add_filter", Success: false,
			Error: &wire.ErrorPayload{Code: wire.ErrInvalidFilter, Message: err.Error()}})
		return
	}
	compiled, err := registry.Compile(registry.FilterSpec{
		ID:            payload.ID,
		Dimension:     registry.FilterDimension(payload.Type),
		Operator:      registry.FilterOperator(payload.Condition.Operator),
		Value:         string(payload.Condition.Value),
		CaseSensitive: payload.Condition.CaseSensitive,
	})
	if err != nil {
		sub.Enqueue(wire.FilterResponsePayload{Action: "add_filter", Success: false, FilterID: payload.ID,
			Error: &wire.ErrorPayload{Code: wire.ErrInvalidFilter, Message: err.Error()}})
		return
	}
	sub.AddFilter(compiled)
	sub.Enqueue(wire.FilterResponsePayload{Action: "add_filter", Success: true, FilterID: payload.ID})
}

func (f *Fabric) handleRemoveFilter(data []byte, sub *registry.Subscriber) {
	var payload wire.RemoveFilterPayload
	if _, err := wire.Decode(data, &payload); err != nil {
		sub.Enqueue(wire.FilterResponsePayload{Action: "remove_filter", Success: false,
			Error: &wire.ErrorPayload{Code: wire.ErrInvalidFilter, Message: err.Error()}})
		return
	}
	if !sub.RemoveFilter(payload.ID) {
		sub.Enqueue(wire.FilterResponsePayload{Action: "remove_filter", Success: false, FilterID: payload.ID,
			Error: &wire.ErrorPayload{Code: wire.ErrFilterNotFound, Message: "no such filter"}})
		return
	}
	sub.Enqueue(wire.FilterResponsePayload{Action: "remove_filter", Success: true, FilterID: payload.ID})
}

// Publish fans rec out to every matching subscriber and returns how
// many subscribers it was enqueued to. The shared read lock covers
// only matching and enqueue; serialization happens later, in each
// subscriber's own sender.
func (f *Fabric) Publish(rec *record.Processed) int {
	matched := 0
	f.registry.EachMatching(rec, func(sub *registry.Subscriber) {
		sub.Enqueue(rec)
		matched++
	})
	return matched
}

// BroadcastStatusChange enqueues a vrchat_status_change payload to
// every currently registered subscriber, bypassing filters: filter
// clauses only apply to log_message records.
func (f *Fabric) BroadcastStatusChange(payload wire.VRChatStatusChangePayload) {
	for _, sub := range f.registry.Snapshot() {
		sub.Enqueue(payload)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
