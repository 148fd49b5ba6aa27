package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/duesync/internal/bot"
	"github.com/hray3182/duesync/internal/bot/handlers"
	"github.com/hray3182/duesync/internal/calendar"
	"github.com/hray3182/duesync/internal/calendar/caldav"
	"github.com/hray3182/duesync/internal/calendar/google"
	"github.com/hray3182/duesync/internal/calsync"
	"github.com/hray3182/duesync/internal/clock"
	"github.com/hray3182/duesync/internal/config"
	"github.com/hray3182/duesync/internal/database"
	"github.com/hray3182/duesync/internal/httpserver"
	"github.com/hray3182/duesync/internal/instances"
	"github.com/hray3182/duesync/internal/log"
	"github.com/hray3182/duesync/internal/notify"
	"github.com/hray3182/duesync/internal/notify/telegram"
	"github.com/hray3182/duesync/internal/reminders"
	"github.com/hray3182/duesync/internal/repository"
	"github.com/hray3182/duesync/internal/scheduler"
	"github.com/hray3182/duesync/internal/secret"
	"github.com/hray3182/duesync/internal/store"
	"github.com/hray3182/duesync/internal/store/memory"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func parseFlags() flagConfig {
	var cfg flagConfig
	flag.StringVar(&cfg.configPath, "config", "", "Path to a YAML config file (same as CONFIG_FILE)")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides LISTEN_ADDR)")
	flag.BoolVar(&cfg.once, "once", false, "Run a single pass over all users and exit")
	flag.Parse()
	return cfg
}

func main() {
	flags := parseFlags()
	if flags.configPath != "" {
		os.Setenv("CONFIG_FILE", flags.configPath)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", err)
		os.Exit(1)
	}
	if flags.listen != "" {
		cfg.ListenAddr = flags.listen
	}
	log.SetLevel(log.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Error("failed to open store", err, "driver", cfg.StoreDriver)
		os.Exit(1)
	}
	defer closeStore()

	// Telegram is optional; one API client serves reminders and the bot.
	var (
		dispatcher notify.Dispatcher = notify.LogDispatcher{}
		tgAPI      *tgbotapi.BotAPI
	)
	if cfg.TelegramToken != "" {
		tgAPI, err = tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			log.Error("failed to create Telegram API", err)
			os.Exit(1)
		}
		dispatcher = telegram.NewWithAPI(tgAPI)
		log.Info("telegram dispatcher ready", "bot", tgAPI.Self.UserName)
	} else {
		log.Info("TELEGRAM_TOKEN not set, reminders go to the log")
	}

	provider, err := newProvider(cfg, st)
	if err != nil {
		log.Error("failed to create calendar provider", err, "provider", cfg.CalendarProvider)
		os.Exit(1)
	}

	clk := clock.Real{}
	svc := instances.NewService(st.Rules, st.Instances, clk, instances.Config{
		HorizonDays:              cfg.HorizonDays,
		RegeneratePostponedSlots: cfg.RegeneratePostponedSlots,
	})
	planner := reminders.NewPlanner(st, dispatcher, reminders.Config{
		DueTime:     cfg.DueTime,
		DefaultZone: cfg.Location(),
		ClaimLease:  time.Duration(cfg.ClaimLease),
	})
	coordinator := calsync.New(st, provider, clk, calsync.Config{DefaultZone: cfg.Location()})

	// A nil interface, not a typed nil, disables the sync step.
	var syncer scheduler.Syncer
	if provider != nil {
		syncer = coordinator
	}
	sched, err := scheduler.New(st.Users, svc, planner, syncer, clk, scheduler.Config{
		Schedule:     cfg.Schedule,
		Workers:      cfg.Workers,
		TickDeadline: time.Duration(cfg.TickDeadline),
		CallTimeout:  time.Duration(cfg.CallTimeout),
	})
	if err != nil {
		log.Error("failed to create scheduler", err)
		os.Exit(1)
	}

	if flags.once {
		report, err := sched.RunOnce(ctx)
		if err != nil {
			log.Error("single pass failed", err)
			os.Exit(1)
		}
		log.Info("single pass done", "users", len(report.Users),
			"retry", report.Count(scheduler.StatusRetry),
			"reconnect_required", report.Count(scheduler.StatusReconnectRequired),
			"failed", report.Count(scheduler.StatusFailed))
		if report.Count(scheduler.StatusFailed) > 0 {
			os.Exit(2)
		}
		return
	}

	if cfg.AdminToken == "" {
		log.Warn("ADMIN_TOKEN not set, the HTTP API is unauthenticated")
	}
	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httpserver.NewRouter(httpserver.Config{
			AdminToken:        cfg.AdminToken,
			PrometheusEnabled: cfg.PrometheusEnabled,
			StateSecret:       cfg.TokenSecret,
			HorizonDays:       cfg.HorizonDays,
		}, httpserver.Deps{
			Store:       st,
			Instances:   svc,
			Sync:        coordinator,
			Scheduler:   sched,
			Provider:    provider,
			Clock:       clk,
			DefaultZone: cfg.Location(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background loops; shutdown waits for them after cancel.
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		sched.Start(ctx)
	}()

	if tgAPI != nil {
		b := bot.New(tgAPI, handlers.Deps{
			Users:       st.Users,
			Connections: st.Connections,
			Instances:   svc,
			Runner:      sched,
			Clock:       clk,
			DefaultZone: cfg.Location(),
			HorizonDays: cfg.HorizonDays,
		})
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := b.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("bot stopped", err)
			}
		}()
	}

	go func() {
		log.Info("http server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", err)
			cancel()
		}
	}()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("signal received, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", err)
	}

	stopped := make(chan struct{})
	go func() {
		workers.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		log.Info("background workers stopped")
	case <-shutdownCtx.Done():
		log.Warn("shutdown timeout, abandoning in-flight scheduler pass")
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using the in-memory store, data is lost on exit")
		return memory.New().Store(), func() {}, nil
	}

	// Connect to database
	db, err := database.New(ctx, cfg.DatabaseURI)
	if err != nil {
		return nil, nil, err
	}
	log.Info("connected to database")

	// Run migrations
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info("database migrations completed")

	var sealer *secret.Sealer
	if cfg.TokenSecret != "" {
		if sealer, err = secret.New(cfg.TokenSecret); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	return repository.NewStore(db, sealer), db.Close, nil
}

// newProvider returns nil when no calendar is configured.
func newProvider(cfg *config.Config, st *store.Store) (calendar.Provider, error) {
	switch cfg.CalendarProvider {
	case config.ProviderGoogle:
		return google.NewProvider(google.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
		}, st.Connections), nil
	case config.ProviderCalDAV:
		p, err := caldav.NewProvider(caldav.Config{BaseURL: cfg.CalDAVURL})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	log.Info("no calendar provider configured, calendar sync disabled")
	return nil, nil
}
