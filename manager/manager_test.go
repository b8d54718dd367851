package manager

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limin5120/LogFun/managerconfig"
	"github.com/limin5120/LogFun/protocol"
	"github.com/limin5120/LogFun/registry"
)

type handshakeBody struct {
	AppName      string             `json:"app_name"`
	Config       *registry.Document `json:"config"`
	BlockedStats map[string]int64   `json:"blocked_stats"`
}

type replyBody struct {
	Timestamp float64            `json:"timestamp"`
	Config    *registry.Document `json:"config"`
}

func newTestManager(t *testing.T, ctx context.Context) *Manager {
	conf := managerconfig.Default()
	conf.ListenHost = "127.0.0.1"
	conf.ListenPort = 0
	conf.StorageRoot = t.TempDir()

	m := New(ctx, conf)
	require.NoError(t, m.Listen())
	go func() { _ = m.Serve() }()
	return m
}

func TestManagerAcceptsConnectionAndRepliesToHandshake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t, ctx)

	conn, err := net.Dial("tcp", m.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	body, err := json.Marshal(handshakeBody{
		AppName: "demo",
		Config:  &registry.Document{AppName: "demo", Functions: map[string]*registry.Function{}},
	})
	require.NoError(t, err)
	require.NoError(t, protocol.WritePacket(conn, protocol.Handshake, body))

	pkt, err := protocol.ReadPacket(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.Heartbeat, pkt.Type)

	var reply replyBody
	require.NoError(t, json.Unmarshal(pkt.Body, &reply))
	assert.Equal(t, "demo", reply.Config.AppName)
}

func TestManagerStopsAcceptingAfterContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := newTestManager(t, ctx)
	addr := m.Addr().String()

	cancel()

	require.Eventually(t, func() bool {
		_, err := net.Dial("tcp", addr)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}
