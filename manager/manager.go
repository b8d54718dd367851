// Package manager implements the top-level Manager orchestrator: it
// wires Storage, Balancer, Traffic Monitor and the directory Watcher
// together, and runs the TCP accept loop that hands each connection to
// its own Manager Session Handler goroutine.
//
// Follows an orchestrator shape: a struct holding every component, built
// by a single constructor, run by a blocking Run loop that stops on
// context cancellation — adapted here to a raw net.Listener accept loop,
// with one session goroutine per accepted connection rather than a
// request router.
package manager

import (
	"context"
	"net"
	"strconv"

	log "github.com/cihub/seelog"

	"github.com/limin5120/LogFun/balancer"
	"github.com/limin5120/LogFun/managerconfig"
	"github.com/limin5120/LogFun/monitor"
	"github.com/limin5120/LogFun/session"
	"github.com/limin5120/LogFun/storage"
)

// Manager owns every manager-side component and the TCP listener that
// feeds them.
type Manager struct {
	Storage  *storage.Storage
	Balancer *balancer.Balancer
	Monitor  *monitor.Monitor
	Watcher  *storage.Watcher

	conf *managerconfig.ManagerConfig
	ctx  context.Context

	listener net.Listener
}

// New builds a Manager from conf, ready to Run. Watcher construction
// failures are logged and leave Watcher nil — the manager still
// functions without external-edit detection, since that feature is
// best-effort.
func New(ctx context.Context, conf *managerconfig.ManagerConfig) *Manager {
	store := storage.New(conf.StorageRoot)
	bal := balancer.New(conf.Algo, conf.AlgoActive, store)
	mon := monitor.New()

	watcher, err := storage.NewWatcher(store)
	if err != nil {
		log.Warnf("manager: directory watcher unavailable: %v", err)
		watcher = nil
	}

	return &Manager{
		Storage:  store,
		Balancer: bal,
		Monitor:  mon,
		Watcher:  watcher,
		conf:     conf,
		ctx:      ctx,
	}
}

// Listen binds the configured address, ready for Serve. Split out from
// Serve (mirroring net/http.Server's Listen/Serve split) so a caller —
// notably the test suite, wanting an ephemeral port — can read back the
// actual bound address before the accept loop starts.
func (m *Manager) Listen() error {
	addr := net.JoinHostPort(m.conf.ListenHost, strconv.Itoa(m.conf.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	m.listener = ln
	return nil
}

// Addr returns the listener's bound address. Valid only after Listen.
func (m *Manager) Addr() net.Addr {
	return m.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled, handing each
// accepted connection to its own session.Handler goroutine. Listen must
// be called first.
func (m *Manager) Serve() error {
	log.Infof("manager: listening on %s", m.listener.Addr())

	if m.Watcher != nil {
		go m.Watcher.Run()
	}

	go func() {
		<-m.ctx.Done()
		log.Infof("manager: shutting down")
		m.listener.Close()
		if m.Watcher != nil {
			m.Watcher.Stop()
		}
	}()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return nil
			default:
				log.Warnf("manager: accept failed: %v", err)
				return err
			}
		}
		go session.New(conn, m.Storage, m.Balancer, m.Monitor).Serve()
	}
}

// Run is the convenience entrypoint for cmd/manager: Listen then Serve.
func (m *Manager) Run() error {
	if err := m.Listen(); err != nil {
		return err
	}
	return m.Serve()
}
