package relay

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kurotori4423/vrc-log-relay/internal/config"
	"github.com/kurotori4423/vrc-log-relay/internal/logsink"
	"github.com/kurotori4423/vrc-log-relay/internal/prober"
	"github.com/kurotori4423/vrc-log-relay/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// alwaysPresentProber matches the running test binary's own executable
// name but claims an impossible self PID, so Probe() reliably reports
// the target as present without depending on any real external process.
func alwaysPresentProber(t *testing.T) *prober.Prober {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	name := filepath.Base(exe)
	return prober.New(prober.Config{ExecutableNames: []string{name}, CommandLineSubstrings: []string{name}}, -1)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestSupervisor_StartServesWelcomeAndLogMessages(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "output_log_2025-06-30_15-30-10.txt")
	require.NoError(t, os.WriteFile(logPath, []byte(""), 0o644))

	cfg := &config.Config{
		Source: config.SourceConfig{LogDir: dir, GroupPeriod: 30 * time.Second, MaxFiles: 4},
		Transport: config.TransportConfig{
			Host: "127.0.0.1", Port: freePort(t), MaxClients: 4,
			OutboundCapacity: 16, PingInterval: 30 * time.Second,
		},
		Probe: config.ProbeConfig{
			Period:                20 * time.Millisecond,
			ExecutableNames:       []string{"definitely-not-a-real-process"},
			CommandLineSubstrings: []string{"definitely-not-a-real-process"},
		},
	}

	sup := New(cfg, logsink.NewMemory(), nil)
	sup.prober = alwaysPresentProber(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	url := fmt.Sprintf("ws://%s:%d/", cfg.Transport.Host, cfg.Transport.Port)
	var conn *websocket.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	helloFrame, err := wire.Encode(wire.TypeHello, wire.HelloPayload{ClientName: "test", Version: "1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, helloFrame))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var welcome wire.WelcomePayload
	frame, err := wire.Decode(data, &welcome)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeWelcome, frame.Type)
	assert.NotEmpty(t, welcome.ClientID)

	statusFrame, err := wire.Encode(wire.TypeGetStatus, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, statusFrame))

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	var status wire.StatusPayload
	frame, err = wire.Decode(data, &status)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeStatus, frame.Type)
	assert.Equal(t, 1, status.ConnectedClients)

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("2025.6.30 15:31:25 Log - [Behaviour] OnPlayerJoined tester (usr_abcdef12)\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err = conn.ReadMessage()
		require.NoError(t, err)
		frame, err = wire.Decode(data, nil)
		require.NoError(t, err)
		if frame.Type == wire.TypeLogMessage {
			break
		}
	}
	var logMsg wire.LogMessagePayload
	_, err = wire.Decode(data, &logMsg)
	require.NoError(t, err)
	assert.Equal(t, "game", logMsg.Source)
	assert.Contains(t, logMsg.Raw, "tester")
}
