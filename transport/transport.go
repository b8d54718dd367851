// Package transport implements the Agent Transport: the single long-lived
// TCP connection to the manager, its handshake, heartbeat and receiver
// goroutines, and the non-blocking send_log enqueue path.
//
// Uses a Start/Run/Stop goroutine-with-exit-channel idiom, applied to a
// raw TCP client rather than an HTTP payload sender: the wire protocol
// here is a bespoke framed TCP stream, not a request/response API.
package transport

import (
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/cihub/seelog"

	"github.com/limin5120/LogFun/protocol"
	"github.com/limin5120/LogFun/registry"
)

const (
	connectTimeout  = 5 * time.Second
	heartbeatPeriod = 5 * time.Second
	queueCapacity   = 50000
)

// outbound is one queued LOG_DATA payload awaiting a frame write.
type outbound struct {
	body []byte
}

// Snapshotter is the subset of *registry.Registry the transport needs to
// build a handshake/heartbeat body.
type Snapshotter interface {
	Snapshot() *registry.Document
	GetAndClearStats() map[string]int64
	SyncFromServer(doc *registry.Document)
}

// Transport owns the agent's single connection to the manager: connect,
// handshake, and its sender/heartbeat/receiver background tasks.
type Transport struct {
	appName string
	addr    string
	reg     Snapshotter

	mu   sync.Mutex // serializes frame writes on conn
	conn net.Conn

	connected atomic.Bool
	launched  atomic.Bool // true once the sender/heartbeat/receiver goroutines are running

	reconnectMu sync.Mutex // serializes connect+launch across concurrent SendLog callers

	queue chan outbound
	exit  chan struct{}
	done  sync.WaitGroup
}

// New returns a Transport for appName targeting host:port, using reg for
// handshake/heartbeat bodies and policy sync.
func New(appName, host string, port int, reg Snapshotter) *Transport {
	return &Transport{
		appName: appName,
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		reg:     reg,
		queue:   make(chan outbound, queueCapacity),
		exit:    make(chan struct{}),
	}
}

// Start dials the manager and, on success, launches the sender, heartbeat
// and receiver goroutines. A failed initial dial is not fatal: the first
// SendLog call retries the connection.
func (t *Transport) Start() {
	if t.connect() {
		t.launch()
	}
}

// Stop signals all background goroutines to exit and closes the socket.
func (t *Transport) Stop() {
	close(t.exit)
	// Closing the socket unblocks a receiver waiting in ReadPacket.
	t.closeConn()
	t.done.Wait()
}

func (t *Transport) connect() bool {
	conn, err := net.DialTimeout("tcp", t.addr, connectTimeout)
	if err != nil {
		log.Warnf("transport: dial %s failed: %v", t.addr, err)
		t.connected.Store(false)
		return false
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()
	t.connected.Store(true)

	if err := t.sendHandshake(); err != nil {
		log.Warnf("transport: handshake failed: %v", err)
		t.markDisconnected()
		return false
	}
	return true
}

// launch starts the sender/heartbeat/receiver goroutines exactly once per
// Transport lifetime. They survive disconnects on their own — each reads
// t.conn fresh on every iteration — so later reconnects must not spawn a
// second set: two runReceiver goroutines sharing one net.Conn would race
// on protocol.ReadPacket and split frames across each other.
func (t *Transport) launch() {
	if !t.launched.CompareAndSwap(false, true) {
		return
	}
	t.done.Add(3)
	go t.runSender()
	go t.runHeartbeat()
	go t.runReceiver()
}

type handshakeBody struct {
	AppName      string              `json:"app_name"`
	Config       *registry.Document  `json:"config"`
	BlockedStats map[string]int64    `json:"blocked_stats"`
}

func (t *Transport) sendHandshake() error {
	body, err := json.Marshal(handshakeBody{
		AppName:      t.appName,
		Config:       t.reg.Snapshot(),
		BlockedStats: t.reg.GetAndClearStats(),
	})
	if err != nil {
		return err
	}
	return t.writeFrame(protocol.Handshake, body)
}

type heartbeatBody struct {
	Timestamp    float64          `json:"timestamp"`
	AppName      string           `json:"app_name"`
	BlockedStats map[string]int64 `json:"blocked_stats"`
}

type serverConfigBody struct {
	Timestamp float64             `json:"timestamp"`
	Config    *registry.Document  `json:"config"`
}

func (t *Transport) runSender() {
	defer t.done.Done()
	for {
		select {
		case item := <-t.queue:
			if err := t.writeFrame(protocol.LogData, item.body); err != nil {
				log.Warnf("transport: send failed, marking disconnected: %v", err)
				t.markDisconnected()
			}
		case <-t.exit:
			return
		}
	}
}

func (t *Transport) runHeartbeat() {
	defer t.done.Done()
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			body, err := json.Marshal(heartbeatBody{
				Timestamp:    float64(time.Now().UnixNano()) / float64(time.Second),
				AppName:      t.appName,
				BlockedStats: t.reg.GetAndClearStats(),
			})
			if err != nil {
				log.Errorf("transport: marshal heartbeat: %v", err)
				continue
			}
			if err := t.writeFrame(protocol.Heartbeat, body); err != nil {
				log.Warnf("transport: heartbeat failed, marking disconnected: %v", err)
				t.markDisconnected()
			}
		case <-t.exit:
			return
		}
	}
}

func (t *Transport) runReceiver() {
	defer t.done.Done()
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			select {
			case <-t.exit:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		pkt, err := protocol.ReadPacket(conn)
		if err != nil {
			select {
			case <-t.exit:
				return
			default:
			}
			log.Warnf("transport: read failed, marking disconnected: %v", err)
			t.markDisconnected()
			select {
			case <-t.exit:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		if pkt.Type != protocol.Heartbeat {
			continue
		}
		var body serverConfigBody
		if err := json.Unmarshal(pkt.Body, &body); err != nil {
			log.Debugf("transport: dropping malformed config reply: %v", err)
			continue
		}
		if body.Config != nil {
			t.reg.SyncFromServer(body.Config)
		}
	}
}

// SendLog enqueues payload for delivery as a LOG_DATA frame. It returns
// false if not connected and reconnection fails, or if the outbound queue
// is full — the signal the sink worker uses to fall back to local file.
func (t *Transport) SendLog(payload []byte) bool {
	if !t.connected.Load() {
		t.reconnectMu.Lock()
		reconnected := t.connected.Load()
		if !reconnected {
			reconnected = t.connect()
			if reconnected {
				t.launch()
			}
		}
		t.reconnectMu.Unlock()
		if !reconnected {
			return false
		}
	}

	select {
	case t.queue <- outbound{body: payload}:
		return true
	default:
		log.Warnf("transport: outbound queue full, dropping payload")
		return false
	}
}

func (t *Transport) writeFrame(typ protocol.PacketType, body []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return protocol.WritePacket(conn, typ, body)
}

func (t *Transport) markDisconnected() {
	t.connected.Store(false)
}

func (t *Transport) closeConn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

var errNotConnected = errors.New("transport: not connected")
