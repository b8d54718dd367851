// Package sink implements the Agent Sink Worker: a single goroutine that
// batches outgoing log items and delivers them to the console, a local
// file, or the remote manager depending on the agent's configured mode,
// falling back to the local file when a remote send fails.
//
// Uses a Start/Run/Stop goroutine with ticker-driven batching: a batch
// flushes on whichever comes first, batchSize items or flushInterval.
// Product output is never routed through seelog — seelog is reserved for
// the agent's own operational diagnostics.
package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/cihub/seelog"

	"github.com/limin5120/LogFun/agentconfig"
	"github.com/limin5120/LogFun/trace"
)

const (
	batchSize     = 100
	flushInterval = 500 * time.Millisecond
	drainTimeout  = 5 * time.Second
)

// item is one payload awaiting delivery, tagged with its wire type so the
// worker never mixes compress and normal payloads in one batch.
type item struct {
	typ     string // "compress" | "normal"
	payload []byte
}

// Remote is the subset of *transport.Transport the sink needs.
type Remote interface {
	SendLog(payload []byte) bool
}

// normalRecord is the wire shape of a normal-mode log line.
type normalRecord struct {
	Timestamp string `json:"ts"`
	Level     string `json:"lvl"`
	Name      string `json:"name"`
	Message   string `json:"msg"`
	FuncID    int    `json:"fid"`
	TplID     int    `json:"tid"`
}

// logDataBody is the LOG_DATA packet body. Log holds either a single
// string or, once batched, a slice of strings: list form is the batch;
// single string is a one-element batch.
type logDataBody struct {
	Log  any    `json:"log"`
	Type string `json:"type"`
}

// Worker is the agent's sink: it owns the outbound queue and the local
// fallback file, and dispatches batches to DEV/FILE/REMOTE per the current
// mode.
type Worker struct {
	appID     string
	outputDir string
	mode      func() agentconfig.Mode
	remote    Remote

	queue chan item
	exit  chan struct{}
	done  sync.WaitGroup

	fileMu   sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string

	lastMode agentconfig.Mode // mode observed by the previous deliver call; run()-goroutine only
}

// New returns a Worker for appID, writing fallback/file-mode output under
// outputDir, reading the live mode from mode(), and delivering REMOTE
// batches through remote.
func New(appID, outputDir string, mode func() agentconfig.Mode, remote Remote) *Worker {
	return &Worker{
		appID:     appID,
		outputDir: outputDir,
		mode:      mode,
		remote:    remote,
		queue:     make(chan item, 10000),
		exit:      make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	w.done.Add(1)
	go w.run()
}

// Stop signals the worker to drain and exit, waiting up to drainTimeout.
func (w *Worker) Stop() {
	close(w.exit)
	waited := make(chan struct{})
	go func() {
		w.done.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(drainTimeout):
		log.Warnf("sink: drain timed out after %s, exiting anyway", drainTimeout)
	}
	w.closeFile()
}

// EmitCompressed implements trace.Sink: it enqueues a compressed trace
// record as its wire line.
func (w *Worker) EmitCompressed(rec *trace.Record) {
	entriesJSON, valuesJSON, err := trace.MarshalEntriesAndValues(rec)
	if err != nil {
		log.Errorf("sink: failed to marshal record for func %d: %v", rec.FuncID, err)
		return
	}
	line := rec.WireLine(w.appID, entriesJSON, valuesJSON)
	w.enqueue(item{typ: "compress", payload: []byte(line)})
}

// EmitNormal implements both trace.Sink and applog.Sink: it enqueues one
// free-form normal-mode line.
func (w *Worker) EmitNormal(level, name, msg string, funcID, tplID int) {
	rec := normalRecord{
		Timestamp: time.Now().Format("2006-01-02 15:04:05.000"),
		Level:     level,
		Name:      name,
		Message:   msg,
		FuncID:    funcID,
		TplID:     tplID,
	}
	body, err := json.Marshal(rec)
	if err != nil {
		log.Errorf("sink: failed to marshal normal record: %v", err)
		return
	}
	w.enqueue(item{typ: "normal", payload: body})
}

func (w *Worker) enqueue(it item) {
	select {
	case w.queue <- it:
	default:
		log.Warnf("sink: inbound queue full, dropping %s payload", it.typ)
	}
}

func (w *Worker) run() {
	defer w.done.Done()

	var batch []item
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.deliver(batch)
		batch = batch[:0]
	}

	for {
		select {
		case it := <-w.queue:
			if len(batch) > 0 && batch[len(batch)-1].typ != it.typ {
				flush()
			}
			batch = append(batch, it)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.exit:
			w.drainRemaining(&batch)
			flush()
			return
		}
	}
}

// drainRemaining pulls whatever is still sitting in the queue at shutdown,
// without blocking beyond what's already buffered.
func (w *Worker) drainRemaining(batch *[]item) {
	for {
		select {
		case it := <-w.queue:
			*batch = append(*batch, it)
		default:
			return
		}
	}
}

func (w *Worker) deliver(batch []item) {
	typ := batch[0].typ

	mode := w.mode()
	if w.lastMode == agentconfig.ModeFile && mode != agentconfig.ModeFile {
		w.closeFile()
	}
	w.lastMode = mode

	switch mode {
	case agentconfig.ModeDev:
		for _, it := range batch {
			fmt.Println(string(it.payload))
		}
	case agentconfig.ModeFile:
		w.appendToFile(batch)
	case agentconfig.ModeRemote:
		body, err := buildLogDataBody(batch, typ)
		if err != nil {
			log.Errorf("sink: failed to build log_data body: %v", err)
			return
		}
		if w.remote == nil || !w.remote.SendLog(body) {
			log.Warnf("sink: remote send failed, falling back to local file for %d items", len(batch))
			w.appendToFile(batch)
		}
	default:
		w.appendToFile(batch)
	}
}

func buildLogDataBody(batch []item, typ string) ([]byte, error) {
	var logField any
	if len(batch) == 1 {
		logField = string(batch[0].payload)
	} else {
		lines := make([]string, len(batch))
		for i, it := range batch {
			lines[i] = string(it.payload)
		}
		logField = lines
	}
	return json.Marshal(logDataBody{Log: logField, Type: typ})
}

// appendToFile writes batch to the local fallback file, re-expanding
// "normal" JSON payloads into the human-readable local line shape first.
func (w *Worker) appendToFile(batch []item) {
	w.fileMu.Lock()
	defer w.fileMu.Unlock()

	if err := w.ensureFileLocked(); err != nil {
		log.Errorf("sink: cannot open fallback file: %v", err)
		return
	}

	for _, it := range batch {
		line := string(it.payload)
		if it.typ == "normal" {
			if expanded, ok := expandNormal(it.payload); ok {
				line = expanded
			}
		}
		if _, err := w.writer.WriteString(line + "\n"); err != nil {
			log.Errorf("sink: write to fallback file failed: %v", err)
			return
		}
	}
	if err := w.writer.Flush(); err != nil {
		log.Errorf("sink: flush fallback file failed: %v", err)
	}
}

// expandNormal turns a normalRecord JSON payload into
// "<ts> [<name>] <lvl>: <msg>".
func expandNormal(payload []byte) (string, bool) {
	var rec normalRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return "", false
	}
	return fmt.Sprintf("%s [%s] %s: %s", rec.Timestamp, rec.Name, rec.Level, rec.Message), true
}

func (w *Worker) ensureFileLocked() error {
	path := filepath.Join(w.outputDir, w.appID+".log")
	if w.file != nil && w.filePath == path {
		return nil
	}
	w.closeFileLocked()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.filePath = path
	return nil
}

func (w *Worker) closeFile() {
	w.fileMu.Lock()
	defer w.fileMu.Unlock()
	w.closeFileLocked()
}

func (w *Worker) closeFileLocked() {
	if w.file == nil {
		return
	}
	if w.writer != nil {
		w.writer.Flush()
	}
	w.file.Close()
	w.file = nil
	w.writer = nil
	w.filePath = ""
}
