package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/store"
	ysync "github.com/shinyes/yep_core/pkg/sync"
)

type app struct {
	engine *ysync.Engine
	store  store.Storage
	gc     *ysync.GCManager
	peer   string
	logger log.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	listen := flag.String("listen", "127.0.0.1:9001", "address serving /sync (websocket) and /metrics")
	connectTo := flag.String("connect", "", "optional peer endpoint, e.g. ws://127.0.0.1:9001/sync")
	dataRoot := flag.String("data", "./tmp/yep_demo", "data root directory")
	backend := flag.String("store", "badger", "storage backend: badger | bolt | memory")
	configPath := flag.String("config", "", "optional TOML config file")
	actorID := flag.String("id", "", "replica id (default: generated once and kept in the data root)")
	reset := flag.Bool("reset", false, "reset local data before startup")
	debug := flag.Bool("debug", false, "enable sync debug logs")
	vlogFileSizeMB := flag.Int64("vlog-size-mb", 128, "badger vlog file size in MB")
	flag.Parse()

	if *vlogFileSizeMB <= 0 {
		return fmt.Errorf("vlog-size-mb must be > 0")
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if *debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowWarn())
	}

	cfg := ysync.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = ysync.LoadConfig(*configPath); err != nil {
			return err
		}
	}

	if *reset {
		if err := os.RemoveAll(*dataRoot); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(*dataRoot, 0o755); err != nil {
		return err
	}

	id, err := loadOrCreateActorID(*dataRoot, *actorID)
	if err != nil {
		return err
	}
	st, closeStore, err := openStore(*backend, *dataRoot, *vlogFileSizeMB<<20)
	if err != nil {
		return err
	}
	defer closeStore()

	rep, err := causal.NewReplica(id)
	if err != nil {
		return err
	}
	engine, err := ysync.NewEngine(rep, st,
		ysync.WithConfig(cfg),
		ysync.WithLogger(logger),
		ysync.WithMetrics(ysync.NewPrometheusMetrics("yep")),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gc := ysync.NewGCManager(engine, cfg.GCInterval)
	gc.Start(ctx)
	defer gc.Stop()

	mux := http.NewServeMux()
	mux.Handle("/sync", engine.WebSocketHandler())
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: *listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(logger).Log("msg", "http server stopped", "err", err)
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	application := &app{engine: engine, store: st, gc: gc, peer: *connectTo, logger: logger}
	printBanner(application, *listen, *dataRoot, *backend)
	printHelp()

	if application.peer != "" {
		if err := application.syncWith(ctx, application.peer); err != nil {
			fmt.Printf("initial sync failed: %v\n", err)
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		quit, err := handleCommand(ctx, application, line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
		if quit {
			break
		}
	}

	return scanner.Err()
}

// syncWith 与 url 上的对端运行一次会话，可重试的失败最多重试 3 次。
func (a *app) syncWith(ctx context.Context, url string) error {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		s, err := ysync.DialWebSocket(ctx, url)
		if err != nil {
			lastErr = err
		} else {
			res, err := a.engine.Sync(ctx, s)
			s.Close()
			if err == nil {
				fmt.Printf("synced with %s: objects=%d sent=%d received=%d full=%d bytes=%d/%d\n",
					res.Peer, res.Objects, res.DeltasSent, res.DeltasReceived, res.FullSyncs,
					res.BytesSent, res.BytesReceived)
				return nil
			}
			if !ysync.Retryable(err) {
				return err
			}
			lastErr = err
		}

		backoff := time.Duration(attempt*attempt) * 200 * time.Millisecond
		level.Warn(a.logger).Log("msg", "sync failed, retrying", "peer", url, "attempt", attempt, "wait", backoff, "err", lastErr)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
