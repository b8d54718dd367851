// Package session implements the Manager Session Handler: one framed
// packet loop per inbound agent connection, dispatching HANDSHAKE,
// LOG_DATA and HEARTBEAT frames into storage, the balancer and the
// traffic monitor.
//
// Uses a blocking read loop that decodes frames and dispatches by type.
// Malformed packets are skipped, but a connection that keeps sending them
// is throttled with golang.org/x/time/rate rather than left to parse
// forever.
package session

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/cihub/seelog"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/limin5120/LogFun/protocol"
	"github.com/limin5120/LogFun/registry"
)

const (
	malformedBurst = 20
	malformedRate  = 5 // tokens per second
)

// Storage is the subset of *storage.Storage a session needs.
type Storage interface {
	SyncConfig(app string, client *registry.Document) *registry.Document
	UpdateStats(app string, deltas map[string]int64)
	GetAppConfig(app string) *registry.Document
	WriteLog(app, msg string)
}

// Balancer is the subset of *balancer.Balancer a session needs.
type Balancer interface {
	RecordTraffic(app string, fid int, vars []any)
	RunAnalysisCycle(app string)
}

// Monitor is the subset of *monitor.Monitor a session needs.
type Monitor interface {
	Tick()
}

// Handler owns one accepted connection's entire lifetime: reading framed
// packets, dispatching them, and replying where the protocol calls for
// it. The session's only local state is appName, starting "unknown"
// until the first HANDSHAKE or HEARTBEAT names it.
type Handler struct {
	id      string
	conn     net.Conn
	storage  Storage
	balancer Balancer
	monitor  Monitor

	appName string
	limiter *rate.Limiter
}

// New returns a session handler for a freshly accepted conn.
func New(conn net.Conn, storage Storage, balancer Balancer, monitor Monitor) *Handler {
	return &Handler{
		id:       uuid.NewString(),
		conn:     conn,
		storage:  storage,
		balancer: balancer,
		monitor:  monitor,
		appName:  "unknown",
		limiter:  rate.NewLimiter(rate.Limit(malformedRate), malformedBurst),
	}
}

// Serve runs the packet loop until the connection errors or closes.
// Intended to run in its own goroutine, one per accepted connection.
func (h *Handler) Serve() {
	defer h.conn.Close()
	log.Debugf("session %s: accepted %s", h.id, h.conn.RemoteAddr())

	for {
		pkt, err := protocol.ReadPacket(h.conn)
		if err != nil {
			log.Debugf("session %s (%s): closing: %v", h.id, h.appName, err)
			return
		}

		switch pkt.Type {
		case protocol.Handshake:
			h.handleHandshake(pkt.Body)
		case protocol.LogData:
			h.handleLogData(pkt.Body)
		case protocol.Heartbeat:
			h.handleHeartbeat(pkt.Body)
		default:
			log.Debugf("session %s: dropping unknown packet type %d", h.id, pkt.Type)
		}
	}
}

type syncBody struct {
	AppName      string             `json:"app_name"`
	Config       *registry.Document `json:"config"`
	BlockedStats map[string]int64   `json:"blocked_stats"`
}

type replyBody struct {
	Timestamp float64            `json:"timestamp"`
	Config    *registry.Document `json:"config"`
}

func (h *Handler) handleHandshake(body []byte) {
	var in syncBody
	if err := json.Unmarshal(body, &in); err != nil {
		h.throttleMalformed("handshake")
		return
	}
	if in.AppName != "" {
		h.appName = in.AppName
	}

	if in.Config != nil {
		h.storage.SyncConfig(h.appName, in.Config)
	}
	h.storage.UpdateStats(h.appName, in.BlockedStats)

	h.reply()
}

func (h *Handler) handleHeartbeat(body []byte) {
	var in syncBody
	if err := json.Unmarshal(body, &in); err != nil {
		h.throttleMalformed("heartbeat")
		return
	}
	if in.AppName != "" {
		h.appName = in.AppName
	}

	h.storage.UpdateStats(h.appName, in.BlockedStats)
	h.balancer.RunAnalysisCycle(h.appName)

	h.reply()
}

func (h *Handler) reply() {
	body, err := json.Marshal(replyBody{
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Config:    h.storage.GetAppConfig(h.appName),
	})
	if err != nil {
		log.Errorf("session %s: marshal reply: %v", h.id, err)
		return
	}
	if err := protocol.WritePacket(h.conn, protocol.Heartbeat, body); err != nil {
		log.Warnf("session %s (%s): reply write failed: %v", h.id, h.appName, err)
	}
}

type logDataBody struct {
	Log  any    `json:"log"`
	Type string `json:"type"`
}

func (h *Handler) handleLogData(body []byte) {
	var in logDataBody
	if err := json.Unmarshal(body, &in); err != nil {
		h.throttleMalformed("log_data")
		return
	}

	for _, line := range flattenLog(in.Log) {
		h.monitor.Tick()

		fid, vars, display, ok := parseLogItem(line, in.Type)
		if !ok {
			h.throttleMalformed("log_data item")
			continue
		}

		if h.appName != "unknown" {
			h.balancer.RecordTraffic(h.appName, fid, vars)
		}
		h.storage.WriteLog(h.appName, display)
	}
}

// flattenLog normalizes the LOG_DATA "log" field, which carries either a
// single string or a batch of strings (sink.buildLogDataBody's shape).
func flattenLog(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

type normalRecord struct {
	Timestamp string `json:"ts"`
	Level     string `json:"lvl"`
	Name      string `json:"name"`
	Message   string `json:"msg"`
	FuncID    int    `json:"fid"`
	TplID     int    `json:"tid"`
}

// parseLogItem extracts the func_id and interpolation values needed by
// the balancer from one log line, and the text that should land in the
// app's raw log file. A "normal" item is expanded to human-readable text;
// a "compress" item is already a wire line and is written as-is.
func parseLogItem(raw, typ string) (funcID int, vars []any, display string, ok bool) {
	switch typ {
	case "normal":
		var rec normalRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return 0, nil, "", false
		}
		display = fmt.Sprintf("%s [%s] %s: %s", rec.Timestamp, rec.Name, rec.Level, rec.Message)
		return rec.FuncID, []any{rec.Message}, display, true

	case "compress":
		fields := strings.SplitN(raw, " ", 6)
		if len(fields) != 6 {
			return 0, nil, "", false
		}
		fid, err := strconv.Atoi(fields[2])
		if err != nil {
			return 0, nil, "", false
		}
		var values []any
		if err := json.Unmarshal([]byte(fields[5]), &values); err != nil {
			return 0, nil, "", false
		}
		return fid, values, raw, true

	default:
		return 0, nil, "", false
	}
}

// throttleMalformed logs a malformed-packet occurrence and, once the
// connection has sent more of them than the rate limit allows, closes
// the socket to cut off what looks like a misbehaving or abusive client
// rather than parsing indefinitely.
func (h *Handler) throttleMalformed(what string) {
	log.Debugf("session %s (%s): malformed %s, skipping", h.id, h.appName, what)
	if !h.limiter.Allow() {
		log.Warnf("session %s (%s): too many malformed packets, closing connection", h.id, h.appName)
		h.conn.Close()
	}
}
