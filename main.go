//go:build linux
// +build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fzft/nbconn/cmd"
	"github.com/fzft/nbconn/config"
	"github.com/fzft/nbconn/handlers"
	"github.com/fzft/nbconn/log"
	"github.com/fzft/nbconn/node"
	"github.com/fzft/nbconn/proxy"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		cmd.Usage(os.Stderr, Version())
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "proxy":
		err = runProxy(os.Args[2:])
	case "cli":
		err = runCli(os.Args[2:])
	case "version", "--version":
		fmt.Println(Version())
	case "help", "-h", "--help":
		cmd.Usage(os.Stdout, Version())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		cmd.Usage(os.Stderr, Version())
		os.Exit(1)
	}

	log.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewLoader().WithConfigPath(path).Load()
	if err != nil {
		return nil, err
	}
	if err := log.InitLogger(log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// reactorOptions maps the configuration onto reactor options.
func reactorOptions(cfg *config.Config) ([]node.Option, error) {
	assignment, err := node.ParseAssignment(cfg.Server.Assignment)
	if err != nil {
		return nil, err
	}
	flushMode, err := node.ParseFlushMode(cfg.Connection.FlushMode)
	if err != nil {
		return nil, err
	}
	return []node.Option{
		node.WithWorkers(cfg.Server.Workers),
		node.WithAssignment(assignment),
		node.WithPollTick(cfg.Server.PollTick),
		node.WithMaxEvents(cfg.Server.MaxEvents),
		node.WithReadChunk(cfg.Connection.ReadChunk),
		node.WithConnectTimeout(cfg.Connection.ConnectTimeout),
		node.WithFlushMode(flushMode),
		node.WithWriteRate(cfg.Connection.WriteRate),
		node.WithTimeouts(cfg.Server.IdleTimeout, cfg.Server.ConnectionTimeout),
	}, nil
}

// serveMetrics exposes /metrics until ctx is done.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, m *node.Metrics) {
	if !cfg.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Logger.Info("metrics listening", zap.String("addr", cfg.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Logger.Error("metrics server error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "nbconn.yaml", "Path to config file")
	push := fs.Duration("push", 0, "Push a heartbeat line every interval")
	greeting := fs.String("greeting", "", "Status line sent to every new connection")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	opts, err := reactorOptions(cfg)
	if err != nil {
		return err
	}

	r, err := node.NewReactor(opts...)
	if err != nil {
		return err
	}

	chain := node.NewChain()
	if cfg.Connection.FirstVisitRate > 0 {
		chain.AddLast(handlers.NewFirstVisitThrottler(cfg.Connection.FirstVisitRate, cfg.Connection.FirstVisitCapacity))
	}
	if *greeting != "" {
		chain.AddLast(handlers.Greeting{Line: *greeting})
	}
	if *push > 0 {
		chain.AddLast(handlers.PushHandler{Interval: *push, Message: "heartbeat"})
	}
	chain.AddLast(handlers.EchoLineHandler{})

	log.Logger.Info("Starting nbconn echo server", zap.String("version", Version()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveMetrics(ctx, cfg.Metrics, r.Metrics())

	return node.NewServer(cfg.Server.Address, r, node.StaticChain(chain), chain).Run(ctx)
}

func runProxy(args []string) error {
	fs := flag.NewFlagSet("proxy", flag.ExitOnError)
	configPath := fs.String("config", "nbconn.yaml", "Path to config file")
	listen := fs.String("listen", "", "Listen address, overrides proxy.listen")
	forward := fs.String("forward", "", "Forward address, overrides proxy.forward")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Proxy.Listen = *listen
	}
	if *forward != "" {
		cfg.Proxy.Forward = *forward
	}
	if cfg.Proxy.Forward == "" {
		return errors.New("proxy.forward is required")
	}

	opts, err := reactorOptions(cfg)
	if err != nil {
		return err
	}
	r, err := node.NewReactor(opts...)
	if err != nil {
		return err
	}

	log.Logger.Info("Starting nbconn proxy",
		zap.String("listen", cfg.Proxy.Listen),
		zap.String("forward", cfg.Proxy.Forward))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveMetrics(ctx, cfg.Metrics, r.Metrics())

	factory := node.StaticChain(proxy.NewClientToProxyHandler(r, cfg.Proxy.Forward))
	return node.NewServer(cfg.Proxy.Listen, r, factory).Run(ctx)
}

func runCli(args []string) error {
	fs := flag.NewFlagSet("cli", flag.ExitOnError)
	configPath := fs.String("config", "nbconn.yaml", "Path to config file")
	host := fs.String("host", "127.0.0.1", "Server hostname")
	port := fs.Int("port", 9050, "Server port")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	r, err := node.NewReactor(node.WithWorkers(1), node.WithConnectTimeout(cfg.Connection.ConnectTimeout))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Stop()

	cli := cmd.NewCli(&cmd.CliConfig{
		Host:         *host,
		Port:         *port,
		ReadTimeout:  cfg.Connection.ReadTimeout,
		WriteTimeout: cfg.Connection.WriteTimeout,
	}, r)
	return cli.Run(ctx)
}
