// Command kvs-server runs the TCP key-value service.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/dreamsxin/kvs/config"
	"github.com/dreamsxin/kvs/engine"
	"github.com/dreamsxin/kvs/server"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flagSet := flag.NewFlagSet("kvs-server", flag.ContinueOnError)

	addr := flagSet.String("addr", "", "address to listen on")
	engineFlag := flagSet.String("engine", "", "storage engine: kvs or bolt")
	poolKind := flagSet.String("pool", "", "worker pool sizing strategy: shared or fixed")
	threads := flagSet.Int("threads", 0, "worker pool size (0 = runtime.NumCPU())")
	configPath := flagSet.String("config", "", "HuJSON config file")
	dataDir := flagSet.String("data-dir", "", "data directory")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kvs-server:", err)
		return 1
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *engineFlag != "" {
		cfg.Engine = *engineFlag
	}
	if *poolKind != "" {
		cfg.Pool = config.PoolKind(*poolKind)
	}
	if *threads > 0 {
		cfg.Threads = *threads
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}

	logger := log.NewLogfmtLogger(os.Stderr)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	reg := prometheus.NewRegistry()

	eng, err := engine.Open(cfg.DataDir, engine.Config{
		Variant:    engine.Variant(cfg.Engine),
		Logger:     log.With(logger, "component", "engine"),
		Registerer: reg,
	})
	if err != nil {
		level.Error(logger).Log("msg", "failed to open data directory", "err", err)
		return 1
	}
	defer eng.Close()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		level.Error(logger).Log("msg", "failed to bind", "addr", cfg.Addr, "err", err)
		return 1
	}

	srv := server.New(ln, eng, cfg.Threads, log.With(logger, "component", "server"), reg)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	level.Info(logger).Log("msg", "listening", "addr", ln.Addr().String(), "engine", cfg.Engine)

	select {
	case sig := <-sigCh:
		level.Info(logger).Log("msg", "shutting down", "signal", sig.String())
		srv.Close()
		<-errCh
		return 0
	case err := <-errCh:
		if err != nil {
			level.Error(logger).Log("msg", "server stopped", "err", err)
			return 1
		}
		return 0
	}
}
