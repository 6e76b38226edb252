// Package wire defines the JSON message catalog exchanged between the
// relay and its subscribers (spec §6). Every frame is an object with
// at least a type string; unknown fields are ignored on receive.
package wire

import (
	"encoding/json"
	"strings"
)

// Type names every frame's `type` field.
type Type string

const (
	TypeHello              Type = "hello"
	TypeWelcome            Type = "welcome"
	TypeError              Type = "error"
	TypeGetStatus          Type = "get_status"
	TypeStatus             Type = "status"
	TypeGetMetrics         Type = "get_metrics"
	TypeMetrics            Type = "metrics"
	TypeVRChatStatusChange Type = "vrchat_status_change"
	TypeLogMessage         Type = "log_message"
	TypeAddFilter          Type = "add_filter"
	TypeRemoveFilter       Type = "remove_filter"
	TypeFilterResponse     Type = "filter_response"
	TypePing               Type = "ping"
	TypePong               Type = "pong"
	TypeDisconnect         Type = "disconnect"
)

// Error codes (spec §6, §7).
const (
	ErrConnectionLimit  = "connection_limit"
	ErrInvalidMessage   = "invalid_message"
	ErrInvalidFilter    = "invalid_filter"
	ErrFilterNotFound   = "filter_not_found"
	ErrServerError      = "server_error"
	ErrHeartbeatTimeout = "heartbeat_timeout"
	ErrServerShutdown   = "server_shutdown"
)

// Frame is the outer envelope every message is wrapped in.
type Frame struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Encode marshals typ and payload into a Frame's wire bytes.
func Encode(typ Type, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Type: typ, Data: raw})
}

// Decode unmarshals a Frame and, when out is non-nil, its Data field
// into out.
func Decode(b []byte, out any) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, err
	}
	if out != nil && len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, out); err != nil {
			return f, err
		}
	}
	return f, nil
}

// HelloPayload is sent by a client on connect.
type HelloPayload struct {
	ClientName   string   `json:"clientName"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
	Description  string   `json:"description,omitempty"`
}

// WelcomePayload answers a valid hello.
type WelcomePayload struct {
	ClientID      string   `json:"clientId"`
	ServerVersion string   `json:"serverVersion"`
	ConnectedAt   int64    `json:"connectedAt"`
	Capabilities  []string `json:"capabilities"`
}

// ErrorPayload reports a subscriber-local or fatal failure.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// MemoryUsage mirrors the host process's memory counters.
type MemoryUsage struct {
	RSS       uint64 `json:"rss"`
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
}

// VRChatStatus is the Source Supervisor's view, expressed for the wire.
type VRChatStatus struct {
	IsRunning          bool   `json:"isRunning"`
	ProcessID          *int32 `json:"processId,omitempty"`
	LogDirectoryExists bool   `json:"logDirectoryExists"`
	ActiveLogFiles     int    `json:"activeLogFiles"`
	LastLogActivity    *int64 `json:"lastLogActivity,omitempty"`
	DetectedAt         *int64 `json:"detectedAt,omitempty"`
}

// StatusPayload answers get_status.
type StatusPayload struct {
	Uptime              int64        `json:"uptime"`
	ConnectedClients    int          `json:"connectedClients"`
	MonitoredFiles      int          `json:"monitoredFiles"`
	MessagesProcessed   uint64       `json:"messagesProcessed"`
	MessagesDistributed uint64       `json:"messagesDistributed"`
	LastLogTime         *int64       `json:"lastLogTime,omitempty"`
	MemoryUsage         MemoryUsage  `json:"memoryUsage"`
	VRChatStatus        VRChatStatus `json:"vrchatStatus"`
}

// GetMetricsPayload is sent by a client requesting metrics.
type GetMetricsPayload struct {
	TimeRange      string `json:"timeRange,omitempty"`
	IncludeHistory bool   `json:"includeHistory,omitempty"`
}

// CurrentMetrics is the instantaneous metrics snapshot.
type CurrentMetrics struct {
	MessagesPerSecond float64 `json:"messagesPerSecond"`
	ClientConnections int     `json:"clientConnections"`
	MemoryUsageMB     float64 `json:"memoryUsageMB"`
	CPUUsage          float64 `json:"cpuUsage"`
}

// MetricsPayload answers get_metrics.
type MetricsPayload struct {
	Current CurrentMetrics   `json:"current"`
	History []CurrentMetrics `json:"history,omitempty"`
}

// VRChatStatusChangePayload announces a Source Supervisor transition.
type VRChatStatusChangePayload struct {
	ChangeType    string         `json:"changeType"`
	Timestamp     int64          `json:"timestamp"`
	Data          map[string]any `json:"data"`
	CurrentStatus VRChatStatus   `json:"currentStatus"`
}

// LogMessageMetadata locates a log_message within its source file.
type LogMessageMetadata struct {
	FilePath          string `json:"filePath"`
	FileIndex         int    `json:"fileIndex"`
	LineNumber        *int   `json:"lineNumber,omitempty"`
	OriginalTimestamp *int64 `json:"originalTimestamp,omitempty"`
}

// LogMessagePayload carries one processed record to a subscriber.
type LogMessagePayload struct {
	ID       string              `json:"id"`
	Timestamp int64              `json:"timestamp"`
	Source   string              `json:"source"`
	Level    string              `json:"level"`
	Raw      string              `json:"raw"`
	Parsed   any                 `json:"parsed,omitempty"`
	Metadata LogMessageMetadata  `json:"metadata"`
}

// FilterValue carries a filter condition's operand. On the wire it is
// either a single JSON string or a JSON array of strings (for the
// registry.OperatorIn case); either form unmarshals into the same
// comma-joined string registry.Compile expects.
type FilterValue string

// UnmarshalJSON accepts a JSON string or a JSON array of strings.
func (v *FilterValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = FilterValue(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*v = FilterValue(strings.Join(list, ","))
	return nil
}

// FilterCondition describes the match rule for add_filter.
type FilterCondition struct {
	Operator      string      `json:"operator"`
	Value         FilterValue `json:"value"`
	CaseSensitive bool        `json:"caseSensitive,omitempty"`
}

// AddFilterPayload registers a new filter clause for the sender.
type AddFilterPayload struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Condition FilterCondition `json:"condition"`
}

// RemoveFilterPayload removes a previously added filter clause.
type RemoveFilterPayload struct {
	ID string `json:"id"`
}

// FilterResponsePayload acknowledges add_filter/remove_filter.
type FilterResponsePayload struct {
	Action   string        `json:"action"`
	Success  bool          `json:"success"`
	FilterID string        `json:"filterId,omitempty"`
	Error    *ErrorPayload `json:"error,omitempty"`
}

// PingPayload / PongPayload carry the heartbeat.
type PingPayload struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// DisconnectPayload announces a server-initiated close.
type DisconnectPayload struct {
	Reason      string `json:"reason"`
	Message     string `json:"message"`
	GracePeriod int64  `json:"gracePeriod,omitempty"`
}
