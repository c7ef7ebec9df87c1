package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/wavecap/wavecap/daemon"
	"go.uber.org/zap"
)

var (
	GitCommit = "live"
	Version   = ""
)

func main() {
	d := daemon.NewDaemon(Version, GitCommit)
	go d.Run()

	// wait here before closing all workers
	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-termChan // Blocks here until interrupted
	zap.L().Sugar().Info("SIGTERM received, initiating shutdown now")
	d.Close()
}
