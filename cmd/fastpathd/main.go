package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fastpath/interpose/internal/vnet"
)

const usage = `fastpathd - fast path control backend

   fastpathd listens on the control socket and assigns each application
   session one address on the virtual network. Applications find the socket
   through their configuration file or the FASTPATH_SOCKET environment
   variable.

Usage:	fastpathd [options]

Options:
   -c, --config path    Location of the configuration file
       --debug          Enable debug logging
   -h, --help           Show this usage information
`

func main() {
	os.Exit(run(os.Args[1:]...))
}

func run(args ...string) int {
	var (
		configPath string
		debug      bool
	)
	flagSet := flag.NewFlagSet("fastpathd", flag.ExitOnError)
	flagSet.Usage = func() { fmt.Print(usage) }
	flagSet.StringVar(&configPath, "c", "", "")
	flagSet.StringVar(&configPath, "config", "", "")
	flagSet.BoolVar(&debug, "debug", false, "")
	flagSet.Parse(args)

	logConfig := zap.NewProductionConfig()
	if debug {
		logConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := logConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERR: %s\n", err)
		return 1
	}
	defer log.Sync()

	config, err := vnet.LoadConfig(configPath)
	if err != nil {
		log.Error("loading configuration", zap.Error(err))
		return 1
	}

	backend, err := vnet.NewBackend(config, log)
	if err != nil {
		log.Error("starting backend", zap.Error(err))
		return 1
	}
	log.Info("listening",
		zap.Stringer("socket", backend.Addr()),
		zap.String("network", config.Network.IPv4),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := backend.Serve(ctx); err != nil {
		log.Error("serving control socket", zap.Error(err))
		return 1
	}
	return 0
}
