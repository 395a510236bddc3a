package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/observability"
	persistlog "github.com/DylanTweedy/Minecraft-chaos-sub002/internal/persistence/log"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/persistence/store"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/engine"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/tuning"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/worldsim"
	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/transport/diag"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address")
		worldID      = flag.String("world", "world_1", "world id (scopes persisted state)")
		configPath   = flag.String("config", "./configs/logistics.yaml", "path to logistics.yaml")
		scenarioPath = flag.String("scenario", "./configs/scenario.yaml", "world layout to simulate")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		disableDB    = flag.Bool("disable_db", false, "keep persisted state in memory instead of sqlite")
		events       = flag.Bool("events", true, "write diagnostic events to <data>/events")
		tickLog      = flag.Bool("tick_log", false, "write every tick report to <data>/ticks")
		seed         = flag.Int64("seed", 1337, "seed for destination picks and drift rolls")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	engLogger := log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
		tune = tuning.Defaults()
		tune.Normalize()
	}

	w, sc, err := worldsim.LoadScenario(*scenarioPath)
	if err != nil {
		logger.Fatalf("load scenario: %v", err)
	}
	logger.Printf("scenario %s: %d nodes, %d chests", *scenarioPath, len(sc.Nodes), len(sc.Chests))

	kvs, kvCloser, err := openKV(*dataDir, *worldID, tune.Persistence.MaxValueBytes, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open kv: %v", err)
	}
	defer kvCloser.Close()
	st := store.New(kvs, store.Config{
		KeyPrefix:     "logistics:",
		MaxJobEntries: tune.Persistence.MaxJobEntries,
		MaxValueBytes: tune.Persistence.MaxValueBytes,
		Compress:      tune.Persistence.Compress,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := observability.NewEngineCollector(reg)
	if err != nil {
		logger.Fatalf("metrics: %v", err)
	}
	recorders := multiRecorder{collector}
	if *tickLog {
		tl := persistlog.NewTickLogger(*dataDir)
		defer tl.Close()
		recorders = append(recorders, tickWriter{w: tl, logger: logger})
	}

	opts := engine.Options{
		Tuning:   tune,
		World:    w,
		Renderer: w,
		Store:    st,
		Metrics:  recorders,
		Logger:   engLogger,
		Seed:     *seed,
	}
	if *events {
		ev := persistlog.NewEventLogger(*dataDir)
		defer ev.Close()
		opts.Events = ev
	}
	eng, err := engine.New(opts)
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}
	if n, err := eng.Restore(); err != nil {
		logger.Printf("restore: %v (starting empty)", err)
	} else if n > 0 {
		logger.Printf("restored %d in-flight jobs", n)
	}

	ctx, cancel := signalContext()
	defer cancel()

	feed := diag.NewServer(eng, logger)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		runLoop(ctx, eng, tune.Tick.RateHz, logger, feed.Publish, collector.ObserveDiagnostics)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", collector.Handler())
	feed.Register(mux)

	if envBool("LOGISTICS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", loopbackOnly(pprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", loopbackOnly(pprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", loopbackOnly(pprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", loopbackOnly(pprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", loopbackOnly(pprof.Trace))
	} else {
		logger.Printf("pprof endpoints disabled (LOGISTICS_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	<-loopDone
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
