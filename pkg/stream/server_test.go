package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noelgit/agent-s3-sub005/pkg/bus"
	"github.com/noelgit/agent-s3-sub005/pkg/config"
)

func testServerConfig(t *testing.T) config.ServerConfig {
	t.Helper()
	return config.ServerConfig{
		Host:              "127.0.0.1",
		Port:              0,
		AuthToken:         "t",
		HeartbeatInterval: config.Duration(time.Second),
		MaxMessageBytes:   1 << 16,
		MaxQueueSize:      10,
		OfflineQueueTTL:   config.Duration(time.Minute),
		DescriptorPath:    filepath.Join(t.TempDir(), "connection.json"),
		RateLimits:        config.RateLimitConfig{MessagesPerSecond: 50},
	}
}

func startServer(t *testing.T, cfg config.ServerConfig) (*Server, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s := NewServer(cfg, b, "test")
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s, b
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", s.Port())
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, kind string, content map[string]any) {
	t.Helper()
	data, err := json.Marshal(map[string]any{"type": kind, "content": content})
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) (*bus.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var m bus.Message
	require.NoError(t, json.Unmarshal(data, &m))
	return &m, nil
}

// authenticate completes the handshake and consumes connection_established.
func authenticate(t *testing.T, conn *websocket.Conn, content map[string]any) *bus.Message {
	t.Helper()
	sendFrame(t, conn, bus.KindAuthenticate, content)
	m, err := readFrame(t, conn, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, bus.KindConnectionEstablished, m.Type)
	return m
}

func waitForClients(t *testing.T, s *Server, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.ClientCount() == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAuthenticationSuccess(t *testing.T) {
	s, _ := startServer(t, testServerConfig(t))
	conn := dial(t, s)
	defer conn.Close(websocket.StatusNormalClosure, "")

	established := authenticate(t, conn, map[string]any{"token": "t"})
	assert.NotEmpty(t, established.Content["client_id"])
	waitForClients(t, s, 1)
}

func TestAuthenticationFailure(t *testing.T) {
	s, _ := startServer(t, testServerConfig(t))
	conn := dial(t, s)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendFrame(t, conn, bus.KindAuthenticate, map[string]any{"token": "wrong"})

	_, err := readFrame(t, conn, 5*time.Second)
	require.Error(t, err)
	var closeErr websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.StatusPolicyViolation, closeErr.Code)
	assert.Contains(t, closeErr.Reason, "Authentication")
	assert.Zero(t, s.ClientCount())
}

func TestNonAuthenticateFirstFrameRejected(t *testing.T) {
	s, _ := startServer(t, testServerConfig(t))
	conn := dial(t, s)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendFrame(t, conn, bus.KindTerminalOutput, map[string]any{"text": "hi"})

	_, err := readFrame(t, conn, 5*time.Second)
	var closeErr websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.StatusPolicyViolation, closeErr.Code)
}

func TestFanOutDeliversPublishedMessages(t *testing.T) {
	s, b := startServer(t, testServerConfig(t))
	conn := dial(t, s)
	defer conn.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn, map[string]any{"token": "t"})
	waitForClients(t, s, 1)

	published := bus.MustNew(bus.KindTerminalOutput, map[string]any{"text": "building"})
	b.Publish(published)

	m, err := readFrame(t, conn, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, bus.KindTerminalOutput, m.Type)
	assert.Equal(t, published.ID, m.ID)
	assert.Equal(t, "building", m.Content["text"])
}

func TestRateLimitDropsExcessMessages(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.RateLimits.MessagesPerSecond = 2
	s, b := startServer(t, cfg)
	conn := dial(t, s)
	defer conn.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn, map[string]any{"token": "t"})
	waitForClients(t, s, 1)

	for i := 0; i < 3; i++ {
		b.Publish(bus.MustNew(bus.KindTerminalOutput, map[string]any{"text": fmt.Sprintf("msg %d", i)}))
	}

	received := 0
	for {
		_, err := readFrame(t, conn, 500*time.Millisecond)
		if err != nil {
			break
		}
		received++
	}
	assert.Equal(t, 2, received)
}

func TestInboundControlMessagePublishedToBus(t *testing.T) {
	s, b := startServer(t, testServerConfig(t))

	got := make(chan *bus.Message, 1)
	b.RegisterHandler(bus.KindWorkflowControl, func(m *bus.Message) { got <- m })

	conn := dial(t, s)
	defer conn.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn, map[string]any{"token": "t"})

	sendFrame(t, conn, bus.KindWorkflowControl, map[string]any{"action": "pause"})

	select {
	case m := <-got:
		assert.Equal(t, "pause", m.Content["action"])
	case <-time.After(5 * time.Second):
		t.Fatal("control message never reached the bus")
	}
}

func TestOversizedInboundFrameGetsErrorNotification(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.MaxMessageBytes = 256
	s, _ := startServer(t, cfg)
	conn := dial(t, s)
	defer conn.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn, map[string]any{"token": "t"})

	big := make([]byte, 400)
	for i := range big {
		big[i] = 'a'
	}
	sendFrame(t, conn, bus.KindTerminalOutput, map[string]any{"text": string(big)})

	m, err := readFrame(t, conn, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, bus.KindErrorNotification, m.Type)
}

func TestFarOversizedInboundFrameKeepsConnectionOpen(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.MaxMessageBytes = 256
	s, b := startServer(t, cfg)

	got := make(chan *bus.Message, 1)
	b.RegisterHandler(bus.KindWorkflowControl, func(m *bus.Message) { got <- m })

	conn := dial(t, s)
	defer conn.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn, map[string]any{"token": "t"})

	big := make([]byte, 16*cfg.MaxMessageBytes)
	for i := range big {
		big[i] = 'a'
	}
	sendFrame(t, conn, bus.KindTerminalOutput, map[string]any{"text": string(big)})

	m, err := readFrame(t, conn, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, bus.KindErrorNotification, m.Type)

	// The socket survives the rejection.
	sendFrame(t, conn, bus.KindWorkflowControl, map[string]any{"action": "pause"})
	select {
	case m := <-got:
		assert.Equal(t, "pause", m.Content["action"])
	case <-time.After(5 * time.Second):
		t.Fatal("frame after the oversized one never reached the bus")
	}
}

func TestMalformedInboundFrameGetsErrorNotification(t *testing.T) {
	s, _ := startServer(t, testServerConfig(t))
	conn := dial(t, s)
	defer conn.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn, map[string]any{"token": "t"})

	// terminal_output without its required text field
	sendFrame(t, conn, bus.KindTerminalOutput, map[string]any{})

	m, err := readFrame(t, conn, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, bus.KindErrorNotification, m.Type)
}

func TestOfflineQueueReplayOnReconnect(t *testing.T) {
	s, b := startServer(t, testServerConfig(t))

	conn := dial(t, s)
	authenticate(t, conn, map[string]any{"token": "t", "resume_token": "ui-1"})
	waitForClients(t, s, 1)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	waitForClients(t, s, 0)

	first := bus.MustNew(bus.KindTerminalOutput, map[string]any{"text": "one"})
	second := bus.MustNew(bus.KindTerminalOutput, map[string]any{"text": "two"})
	b.Publish(first)
	b.Publish(second)

	conn2 := dial(t, s)
	defer conn2.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn2, map[string]any{"token": "t", "resume_token": "ui-1"})

	m1, err := readFrame(t, conn2, 5*time.Second)
	require.NoError(t, err)
	m2, err := readFrame(t, conn2, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, first.ID, m1.ID)
	assert.Equal(t, "one", m1.Content["text"])
	assert.Equal(t, second.ID, m2.ID)
	assert.Equal(t, "two", m2.Content["text"])
}

func TestOfflineQueueOverflowDropsNewest(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.MaxQueueSize = 2
	s, b := startServer(t, cfg)

	conn := dial(t, s)
	authenticate(t, conn, map[string]any{"token": "t", "resume_token": "ui-2"})
	waitForClients(t, s, 1)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	waitForClients(t, s, 0)

	for i := 0; i < 4; i++ {
		b.Publish(bus.MustNew(bus.KindTerminalOutput, map[string]any{"text": fmt.Sprintf("m%d", i)}))
	}

	conn2 := dial(t, s)
	defer conn2.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn2, map[string]any{"token": "t", "resume_token": "ui-2"})

	m1, err := readFrame(t, conn2, 5*time.Second)
	require.NoError(t, err)
	m2, err := readFrame(t, conn2, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m0", m1.Content["text"])
	assert.Equal(t, "m1", m2.Content["text"])

	_, err = readFrame(t, conn2, 300*time.Millisecond)
	assert.Error(t, err, "only the first two messages survive the bounded queue")
}

func TestBatchingCoalescesBurst(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.Batching = config.BatchingConfig{Window: config.Duration(100 * time.Millisecond), MaxBatch: 25}
	s, b := startServer(t, cfg)
	conn := dial(t, s)
	defer conn.Close(websocket.StatusNormalClosure, "")
	authenticate(t, conn, map[string]any{"token": "t"})
	waitForClients(t, s, 1)

	var ids []string
	for i := 0; i < 3; i++ {
		m := bus.MustNew(bus.KindTerminalOutput, map[string]any{"text": fmt.Sprintf("b%d", i)})
		ids = append(ids, m.ID)
		b.Publish(m)
	}

	m, err := readFrame(t, conn, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, bus.KindBatch, m.Type)

	raw, ok := m.Content["messages"].([]any)
	require.True(t, ok)
	require.Len(t, raw, 3)
	for i, entry := range raw {
		wrapped, ok := entry.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, ids[i], wrapped["id"], "batch preserves publish order and ids")
	}
}

func TestDescriptorLifecycle(t *testing.T) {
	cfg := testServerConfig(t)
	b := bus.New()
	s := NewServer(cfg, b, "1.2.3")
	require.NoError(t, s.Start(context.Background()))

	d, err := ReadDescriptor(cfg.DescriptorPath)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", d.Host)
	assert.Equal(t, s.Port(), d.Port)
	assert.Equal(t, "t", d.AuthToken)
	assert.Equal(t, "ws", d.Protocol)
	assert.Equal(t, "1.2.3", d.Version)

	info, err := os.Stat(cfg.DescriptorPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	s.Stop()
	_, err = os.Stat(cfg.DescriptorPath)
	assert.True(t, os.IsNotExist(err))
}

func TestPruneOfflineQueues(t *testing.T) {
	s, _ := startServer(t, testServerConfig(t))

	conn := dial(t, s)
	authenticate(t, conn, map[string]any{"token": "t", "resume_token": "stale"})
	waitForClients(t, s, 1)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	waitForClients(t, s, 0)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.pruneOffline(10*time.Millisecond))
	assert.Zero(t, s.pruneOffline(10*time.Millisecond))
}
