package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "arena.toml", "Path to TOML config file (optional)")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	clientDir := flag.String("client", "", "Directory of static client files to serve (optional)")
	withStats := flag.Bool("statsview", false, "Serve the runtime statsview dashboard")
	initConfig := flag.Bool("init-config", false, "Write the default config to -config and exit")
	flag.Parse()

	boot := NewLogger("info", "text")
	if *initConfig {
		if err := SaveDefault(*configPath); err != nil {
			boot.WithError(err).Fatal("init config")
		}
		boot.WithField("path", *configPath).Info("default config written")
		return
	}

	cfg, err := LoadConfig(*configPath, boot)
	if err != nil {
		boot.WithError(err).Warn("config error, using defaults")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *withStats {
		cfg.Server.Statsview = true
	}

	log := NewLogger(cfg.Log.Level, cfg.Log.Format)
	if InitSentry(cfg.Sentry.DSN, cfg.Server.Env, log) {
		defer sentry.Flush(2 * time.Second)
	}

	if cfg.Server.Statsview {
		// set configurations before calling `statsview.New()` method
		viewer.SetConfiguration(viewer.WithTheme(viewer.ThemeWesteros), viewer.WithAddr(cfg.Server.StatsviewAddr))
		mgr := statsview.New()
		go mgr.Start()
		defer mgr.Stop()
		log.WithField("addr", cfg.Server.StatsviewAddr).Info("statsview enabled")
	}

	db, err := OpenDB(cfg.Database.Path)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	bus := NewEventBus(log)
	audit, err := NewAuditLog(db, log)
	if err != nil {
		log.WithError(err).Fatal("audit log")
	}
	bus.Subscribe(audit.Handle)

	payouts := NewLocalSettlement(loadOrCreateSecret(db, payoutSetting, log), SystemClock)
	settler := NewSettlementDispatcher(payouts, db, db, bus, SystemClock, log)
	settler.Start()

	auth := NewAuth(db, cfg.Auth.Secret, time.Duration(cfg.Auth.TokenTTLHours)*time.Hour, SystemClock, log)
	hub := NewHub(cfg, auth, log)
	rounds := NewRoundRegistry(RegistryOptions{
		Config:  cfg,
		Bus:     bus,
		Settler: settler,
		Sink:    hub,
		Log:     log,
		Names:   hub.PlayerName,
	})
	lobbies := NewLobbyManager(NewLobbySettings(cfg, log), rounds, bus, SystemClock, log)
	hub.Bind(lobbies, rounds)
	bus.Subscribe(hub.HandleEvent)
	go hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	go lobbies.Run(ctx, DefaultLobbyTick)

	mux := SetupRoutes(hub, db, *clientDir)

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	server := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.Server.Addr, "env": cfg.Server.Env}).Info("server starting")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Fatal("ListenAndServe")
		}
	}()

	<-stop
	log.Info("shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	server.Shutdown(shutdownCtx)
	cancel()
	hub.Stop()
	rounds.StopAll()
	settler.Stop()
	bus.Close()
	audit.Stop()
	if w, d := audit.Stats(); d > 0 {
		log.WithFields(logrus.Fields{"written": w, "dropped": d}).Warn("audit events dropped")
	}
}
