// Command agent runs the LogFun agent process: it loads agent.yaml,
// wires the Registry/Policy/Interceptor/Transport/Sink pipeline, and
// blocks until an interrupt or terminate signal requests shutdown.
//
// Entrypoint shape: flag for config path, signal.Notify + context
// cancellation for graceful shutdown, with a second signal forcing exit.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/cihub/seelog"

	"github.com/limin5120/LogFun/agent"
	"github.com/limin5120/LogFun/agentconfig"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to agent config file")
	flag.Parse()

	defer log.Flush()

	conf := agentconfig.Load(*configPath)
	log.Infof("agent: starting app=%s mode=%s manager=%s:%d", conf.AppName, conf.Mode, conf.ManagerIP, conf.ManagerPort)

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("agent: signal received, shutting down")
		cancel()
		<-sigCh
		log.Warnf("agent: second signal received, forcing exit")
		os.Exit(1)
	}()

	a := agent.New(ctx, conf)
	a.Run()
}
