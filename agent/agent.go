// Package agent wires the per-process singletons — Registry, Policy
// Controller, Trace Interceptor, Transport, and Sink Worker — into one
// orchestrator: components constructed once in New, started and stopped
// together from Run/Stop.
package agent

import (
	"context"
	"path/filepath"

	log "github.com/cihub/seelog"

	"github.com/limin5120/LogFun/agentconfig"
	"github.com/limin5120/LogFun/applog"
	"github.com/limin5120/LogFun/policy"
	"github.com/limin5120/LogFun/registry"
	"github.com/limin5120/LogFun/sink"
	"github.com/limin5120/LogFun/trace"
	"github.com/limin5120/LogFun/transport"
)

// Agent holds every sub-component of an instrumented process and the glue
// between them.
type Agent struct {
	Registry    *registry.Registry
	Policy      *policy.Controller
	Interceptor *trace.Interceptor
	Transport   *transport.Transport
	Sink        *sink.Worker

	conf    *agentconfig.AgentConfig
	regPath string
	ctx     context.Context
}

// New constructs an Agent from conf, loading any persisted registry found
// under conf.Output. The transport is always constructed (so a later
// config reload to remote mode has something to start) but only connected
// once Run is called in remote mode.
func New(ctx context.Context, conf *agentconfig.AgentConfig) *Agent {
	regPath := filepath.Join(conf.Output, conf.AppName+".json")
	reg := registry.Load(conf.AppName, regPath)
	pol := policy.New(reg)
	tr := transport.New(conf.AppName, conf.ManagerIP, conf.ManagerPort, reg)

	modeFn := func() agentconfig.Mode { return conf.Mode }
	sinkWorker := sink.New(conf.AppName, conf.Output, modeFn, tr)

	logModeFn := func() trace.LogMode {
		if conf.LogType == agentconfig.LogTypeNormal {
			return trace.ModeNormal
		}
		return trace.ModeCompress
	}
	interceptor := trace.New(reg, pol, sinkWorker, logModeFn)

	return &Agent{
		Registry:    reg,
		Policy:      pol,
		Interceptor: interceptor,
		Transport:   tr,
		Sink:        sinkWorker,
		conf:        conf,
		regPath:     regPath,
		ctx:         ctx,
	}
}

// Logger returns a new applog.Logger identified by name, sharing this
// agent's registry, policy and sink.
func (a *Agent) Logger(name string) *applog.Logger {
	return applog.New(name, a.Registry, a.Policy, a.Sink)
}

// Trace returns a Traced handle for name, for wrapping calls to a function
// under trace supervision.
func (a *Agent) Trace(name string) *trace.Traced {
	return a.Interceptor.Wrap(name)
}

// Run starts the sink worker and, in remote mode, the transport, then
// blocks until ctx is done before shutting everything down.
func (a *Agent) Run() {
	a.Sink.Start()
	if a.conf.Mode == agentconfig.ModeRemote {
		a.Transport.Start()
	}

	log.Infof("agent: started for app %q in mode %s", a.conf.AppName, a.conf.Mode)

	<-a.ctx.Done()
	a.Stop()
}

// Stop drains the sink, disconnects the transport, and persists the
// registry.
func (a *Agent) Stop() {
	a.Sink.Stop()
	if a.conf.Mode == agentconfig.ModeRemote {
		a.Transport.Stop()
	}
	a.Registry.Save()
	log.Infof("agent: stopped for app %q", a.conf.AppName)
}
