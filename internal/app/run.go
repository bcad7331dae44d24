// Package app wires the realtime core together: storage, the shared
// presence store, the connection registry, the message router, the call
// engine and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/velora-app/realtime/internal/auth"
	"github.com/velora-app/realtime/internal/call"
	"github.com/velora-app/realtime/internal/config"
	"github.com/velora-app/realtime/internal/convo"
	"github.com/velora-app/realtime/internal/metrics"
	"github.com/velora-app/realtime/internal/notify"
	"github.com/velora-app/realtime/internal/observer"
	"github.com/velora-app/realtime/internal/presence"
	"github.com/velora-app/realtime/internal/registry"
	"github.com/velora-app/realtime/internal/router"
	"github.com/velora-app/realtime/internal/storage"
	"github.com/velora-app/realtime/internal/ws"
)

// Run starts the realtime service and blocks until ctx is cancelled or the
// server fails.
func Run(ctx context.Context, cfg config.Config) error {
	if lvl, err := logging.LevelFromString(cfg.Log.Level); err == nil {
		logging.SetAllLoggers(lvl)
	}

	// ── Durable store
	db, err := storage.Open(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()
	log.Infow("storage opened", "path", db.Path())

	// ── Shared presence store
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// Keep the client: presence degrades gracefully and recovers when
			// the store comes back.
			log.Warnw("presence store unreachable, running degraded", "err", err)
		}
		cancel()
	} else {
		log.Warnw("no presence store configured, running degraded")
	}

	pres := presence.New(rdb, presence.Options{
		OnlineTTL:   time.Duration(cfg.Presence.OnlineTTLSec) * time.Second,
		LastSeenTTL: time.Duration(cfg.Presence.LastSeenTTLSec) * time.Second,
		TypingTTL:   time.Duration(cfg.Presence.TypingTTLSec) * time.Second,
		CallTTL:     time.Duration(cfg.Presence.CallMetaTTLSec) * time.Second,
	})

	// ── Metrics
	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)

	// ── Connection registry
	reg := registry.New(pres, db, registry.Options{
		OfflineGrace: time.Duration(cfg.Registry.OfflineGraceSec) * time.Second,
		OnPresence: func(_ string, online bool) {
			collector.UserOnline(online)
		},
		OnDrop: func(string) {
			collector.RecordFrameDropped()
		},
	})

	// ── Offline push
	var pusher router.Notifier
	if cfg.Push.ServiceURL != "" {
		pusher = notify.NewClient(cfg.Push.ServiceURL)
	} else {
		pusher = notify.Noop{}
	}

	// ── Message router + admin observation
	obs := observer.NewHub(0)
	rtr := router.New(db, reg, pres, pusher)
	rtr.AddHook(obs.ObserveMessage)

	// ── Call engine
	calls := call.NewEngine(reg, call.Options{
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		Retention:   time.Duration(cfg.Call.RetentionSec) * time.Second,
		OnUpdate: func(info call.Info) {
			pres.SetCallMeta(context.Background(), presence.CallMeta{
				CallID:         info.CallID,
				ConversationID: info.ConversationID,
				CallerID:       info.CallerID,
				CalleeID:       info.CalleeID,
				Media:          string(info.Media),
				Status:         string(info.Status),
				CreatedAt:      info.CreatedAt.UnixMilli(),
			})
			if info.Status.Terminal() {
				collector.RecordCall(string(info.Status),
					time.Duration(info.DurationSec)*time.Second)
			}
		},
		NotifyOffline: func(calleeID string, info call.Info) {
			go pusher.NotifyOffline(context.Background(), calleeID,
				"Incoming call", "Someone is calling you",
				"velora://calls/"+info.CallID)
		},
	})
	defer calls.Close()

	// ── Conversation helpers and frame dispatch
	helpers := convo.New(pres, reg, db)
	disp := NewDispatcher(rtr, helpers, calls, db, db, collector)

	verifier, err := tokenVerifier(cfg.Auth)
	if err != nil {
		return err
	}

	wsHandler := ws.NewHandler(verifier, countingHub{reg: reg, m: collector}, disp, ws.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Touch:          pres.Refresh,
	})

	// ── HTTP surface
	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/admin/observe", newObserveHandler(verifier, obs, cfg.Server.AllowedOrigins))
	mux.Handle("/internal/conversations", &conversationsHandler{db: db})
	mux.Handle("/metrics", metrics.Handler(promReg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("listening", "addr", cfg.Server.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	log.Infow("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func tokenVerifier(cfg config.Auth) (ws.TokenVerifier, error) {
	switch {
	case cfg.ServiceURL != "":
		return auth.NewClient(cfg.ServiceURL), nil
	case cfg.Insecure:
		log.Warnw("auth running in insecure mode")
		return auth.Insecure{}, nil
	default:
		return nil, errors.New("auth.service_url is required unless auth.insecure is set")
	}
}

// countingHub layers the connection gauge over the registry.
type countingHub struct {
	reg *registry.Registry
	m   *metrics.Collector
}

func (h countingHub) Connect(ctx context.Context, userID string, conn registry.Conn) {
	h.reg.Connect(ctx, userID, conn)
	h.m.ConnectionOpened()
}

func (h countingHub) Disconnect(ctx context.Context, userID string, conn registry.Conn) {
	h.reg.Disconnect(ctx, userID, conn)
	h.m.ConnectionClosed()
}
