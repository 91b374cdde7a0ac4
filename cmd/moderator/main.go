package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bigfootlive/modengine/internal/audit"
	"github.com/bigfootlive/modengine/internal/config"
	"github.com/bigfootlive/modengine/internal/engine"
	"github.com/bigfootlive/modengine/internal/metrics"
	"github.com/bigfootlive/modengine/internal/protocol"
	"github.com/bigfootlive/modengine/internal/realtime"
	"github.com/bigfootlive/modengine/internal/rest"
	"github.com/bigfootlive/modengine/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	session := flag.String("session", "", "session to attach to (overrides config)")
	flag.Parse()

	log.Println("Starting moderation engine...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *session != "" {
		cfg.Backend.Session = *session
	}

	var trail *audit.Store
	if cfg.Audit.Enabled {
		trail, err = audit.Open(cfg.Audit.DBPath)
		if err != nil {
			log.Fatalf("failed to open audit store: %v", err)
		}
		defer trail.Close()
	}

	api := rest.NewHTTPClient(cfg.Backend.APIURL, cfg.Backend.Token, nil)

	manager, err := realtime.NewManager(realtime.Options{
		URL:               cfg.Backend.WSURL,
		Dialer:            transport.NewWSDialer(),
		API:               api,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		BackoffBase:       cfg.Realtime.BackoffBase,
		BackoffMax:        cfg.Realtime.BackoffMax,
		MaxAttempts:       cfg.Realtime.MaxAttempts,
	})
	if err != nil {
		log.Fatalf("failed to build realtime manager: %v", err)
	}

	eng := engine.New(manager, api, trail, engine.Options{
		TypingTTL:     cfg.Presence.TypingTTL,
		SweepInterval: cfg.Presence.SweepInterval,
	})
	defer eng.Close()

	eng.OnCriticalAlert(func(a protocol.Alert) {
		log.Printf("[alerts] CRITICAL %s: %s", a.ID, a.Title)
	})
	manager.OnStateChange(func(s realtime.Status) {
		if s.Reason != "" {
			log.Printf("[realtime] state=%s session=%s (%s)", s.State, s.SessionID, s.Reason)
			return
		}
		log.Printf("[realtime] state=%s session=%s attempt=%d", s.State, s.SessionID, s.Attempt)
	})

	if cfg.Backend.Session != "" {
		if err := eng.Connect(cfg.Backend.Session); err != nil {
			log.Fatalf("failed to connect to session %s: %v", cfg.Backend.Session, err)
		}
	}

	// Metrics endpoint.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	log.Printf("Moderation engine running")
	log.Printf("  ws_url:       %s", cfg.Backend.WSURL)
	log.Printf("  api_url:      %s", cfg.Backend.APIURL)
	log.Printf("  metrics_addr: %s", cfg.Metrics.Addr)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	eng.Disconnect()
	if trail != nil && cfg.Backend.Session != "" {
		logAuditSummary(trail, cfg.Backend.Session)
	}
}

// logAuditSummary prints what this run did to the session: outcome totals
// and the most recent actions.
func logAuditSummary(trail *audit.Store, sessionID string) {
	ctx := context.Background()

	applied, rolledBack, err := trail.CountBySession(ctx, sessionID)
	if err != nil {
		log.Printf("[audit] session %s summary: %v", sessionID, err)
		return
	}
	log.Printf("[audit] session %s: %d applied, %d rolled back", sessionID, applied, rolledBack)

	entries, err := trail.RecentBySession(ctx, sessionID, 5)
	if err != nil {
		log.Printf("[audit] session %s recent: %v", sessionID, err)
		return
	}
	for _, e := range entries {
		log.Printf("[audit]   %s %s -> %s (%s)", e.Kind, strings.Join(e.Targets, ","), e.Outcome, e.ActionID)
	}
}
