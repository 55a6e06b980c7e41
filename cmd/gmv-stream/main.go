package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/epimore/gmv-stream/internal/config"
	"github.com/epimore/gmv-stream/internal/control"
	"github.com/epimore/gmv-stream/internal/demux"
	"github.com/epimore/gmv-stream/internal/ingest"
	"github.com/epimore/gmv-stream/internal/lifecycle"
	"github.com/epimore/gmv-stream/internal/logging"
	"github.com/epimore/gmv-stream/internal/muxer"
	"github.com/epimore/gmv-stream/internal/playback"
	"github.com/epimore/gmv-stream/internal/session"
)

// hubRegistry tracks the one *muxer.Hub started per live SSRC, so the
// playback endpoint can find the hub feeding any given stream without the
// hub itself holding a back-reference to anything but the session table.
type hubRegistry struct {
	mu   sync.Mutex
	hubs map[uint32]*muxer.Hub
}

func newHubRegistry() *hubRegistry {
	return &hubRegistry{hubs: make(map[uint32]*muxer.Hub)}
}

func (r *hubRegistry) set(ssrc uint32, h *muxer.Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hubs[ssrc] = h
}

func (r *hubRegistry) delete(ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hubs, ssrc)
}

func (r *hubRegistry) get(ssrc uint32) (*muxer.Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[ssrc]
	return h, ok
}

func main() {
	fs := flag.NewFlagSet("gmv-stream", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a key=value config file (defaults applied if omitted)")
	controlAddr := fs.String("control-addr", ":8080", "Control API listen address")
	playAddr := fs.String("play-addr", ":8081", "playback endpoint listen address")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "GB/T-28181 media ingest broker\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.NewConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logging.SetDefault(log)

	var cfg *config.Config
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "rtp_port", cfg.RTPPort, "session_ttl", cfg.SessionTTL, "idle_grace", cfg.IdleGrace)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	table := session.New(cfg.SessionTTL, cfg.IdleGrace)
	hooks := lifecycle.NewHookClient(cfg.HookBaseURL, log.Logger)
	hubs := newHubRegistry()

	onStreamLive := func(ssrc uint32) {
		entry, ok := table.Lookup(ssrc)
		if !ok {
			return
		}
		hooks.Fire(ctx, lifecycle.HookStreamIn, struct {
			StreamID string `json:"stream_id"`
			SSRC     uint32 `json:"ssrc"`
		}{StreamID: entry.StreamID, SSRC: ssrc})

		hub := muxer.NewHub(ssrc, entry.GetMediaExt(), table, log)
		hubs.set(ssrc, hub)

		decoder := demux.NewCompositeDecoder(entry.GetMediaExt())
		driver := demux.NewDriver(entry, decoder, hub.Push, log)

		go hub.Run(entry)
		go func() {
			driver.Run()
			hubs.delete(ssrc)
		}()

		log.Info("stream live", "ssrc", ssrc, "stream_id", entry.StreamID)
	}

	onUnknownSSRC := func(ssrc uint32) {
		log.DebugSession("packet for unregistered ssrc", "ssrc", ssrc)
	}

	router := ingest.NewRouter(table, log, onUnknownSSRC, onStreamLive)
	listener := ingest.NewListener(cfg.RTPPort, router, log)
	if err := listener.Start(ctx); err != nil {
		log.Error("failed to start rtp listener", "error", err)
		os.Exit(1)
	}
	log.Info("rtp listener started", "port", cfg.RTPPort)

	engine := lifecycle.New(table, hooks, log)
	go engine.Run(ctx)

	controlSrv := control.New(table, log)
	if err := controlSrv.Start(*controlAddr); err != nil {
		log.Error("failed to start control api", "error", err)
		os.Exit(1)
	}
	log.Info("control api started", "addr", *controlAddr)

	playbackSrv := playback.New(table, hubs.get, hooks, log, cfg.HookToken)
	if err := playbackSrv.Start(*playAddr); err != nil {
		log.Error("failed to start playback endpoint", "error", err)
		os.Exit(1)
	}
	log.Info("playback endpoint started", "addr", *playAddr)

	log.Info("ready")
	<-ctx.Done()

	log.Info("shutting down")
	if err := playbackSrv.Stop(); err != nil {
		log.Warn("error stopping playback endpoint", "error", err)
	}
	if err := controlSrv.Stop(); err != nil {
		log.Warn("error stopping control api", "error", err)
	}
	listener.Stop()
	listener.Wait()
	engine.Wait()

	log.Info("graceful shutdown complete")
}
