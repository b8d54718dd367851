// Command manager runs the LogFun manager process: it loads manager.yaml,
// wires Storage/Balancer/Monitor/Watcher, and accepts agent connections
// until an interrupt or terminate signal requests shutdown.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/cihub/seelog"

	"github.com/limin5120/LogFun/manager"
	"github.com/limin5120/LogFun/managerconfig"
)

func main() {
	configPath := flag.String("config", "manager.yaml", "path to manager config file")
	flag.Parse()

	defer log.Flush()

	conf := managerconfig.Load(*configPath)
	log.Infof("manager: starting listen=%s:%d storage=%s algo=%s", conf.ListenHost, conf.ListenPort, conf.StorageRoot, conf.AlgoActive)

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("manager: signal received, shutting down")
		cancel()
		<-sigCh
		log.Warnf("manager: second signal received, forcing exit")
		os.Exit(1)
	}()

	m := manager.New(ctx, conf)
	if err := m.Run(); err != nil {
		log.Criticalf("manager: exiting: %v", err)
		os.Exit(1)
	}
}
