package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"edubot/internal/backendfake"
	"edubot/internal/chat"
	"edubot/internal/config"
	"edubot/internal/conversation"
	"edubot/internal/credentials"
	"edubot/internal/gateway"
	"edubot/internal/identity"
	"edubot/internal/kv"
	"edubot/internal/models"
	"edubot/internal/quota"
	"edubot/internal/redis"
	"edubot/internal/service/ai"
	"edubot/internal/session"
	"edubot/internal/storage"
	"edubot/internal/worker"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("EDUBOT_CONFIG"), "path to a JSON or YAML config file")
	fake := flag.Bool("fake", false, "run against an in-process backend")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*cfgPath, *fake, logger); err != nil {
		logger.Error("edubot stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string, fake bool, logger *slog.Logger) error {
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if fake {
		url, shutdown, err := startFakeBackend()
		if err != nil {
			return err
		}
		defer shutdown()
		cfg.BasicConfig.BaseURL = url
		logger.Info("using in-process backend", "url", url)
	}

	state, rdb, closeState, err := openState(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeState()

	sealer, err := credentials.CipherFromEnv()
	if err != nil {
		return err
	}
	creds := credentials.NewStore(state, cfg.AccessTokenTTL(), cfg.RefreshTokenTTL()).WithCipher(sealer)
	resolver := identity.NewResolver(state, creds)
	guestID, err := resolver.GuestID(ctx)
	if err != nil {
		return err
	}

	nav := session.NewPathTracker(cfg.Routes.LandingPath)
	client, err := session.NewClient(session.Options{
		BaseURL:    cfg.BasicConfig.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout()},
		TimeZone:   cfg.Location(),
		Locale:     cfg.BasicConfig.Locale,
		Routes: session.Routes{
			LoginPath:             cfg.Routes.LoginPath,
			LandingPath:           cfg.Routes.LandingPath,
			AdminPrefix:           cfg.Routes.AdminPrefix,
			AuthenticatedPrefixes: cfg.Routes.AuthenticatedPrefixes,
		},
		Logger: logger,
		Header: http.Header{identity.GuestHeader: []string{guestID}},
	}, creds, nav)
	if err != nil {
		return fmt.Errorf("session client: %w", err)
	}

	term := newTerminal(os.Stdin, os.Stdout)

	dispatcher := worker.NewDispatcher(worker.Config{
		MaxWorkers: cfg.BasicConfig.SyncWorkers,
		QueueSize:  cfg.BasicConfig.SyncQueueSize,
		Logger:     logger,
	})
	defer dispatcher.Close()

	store := conversation.New(gateway.New(client, logger), conversation.Options{
		Sync:   dispatcher,
		Logger: logger,
		OnSyncError: func(id string, err error) {
			term.Toast(fmt.Sprintf("could not save conversation %s: %v", shortID(id), err))
		},
	})

	if rdb != nil {
		if err := shareChanges(ctx, rdb, store, logger); err != nil {
			logger.Warn("peer sync disabled", "error", err)
		}
	}

	meter := quota.NewMeter(state, client, resolver, quota.Options{
		Plan:       models.Plan(cfg.Quota.Plan),
		FreeLimit:  cfg.Quota.FreeDailyLimit,
		GuestLimit: cfg.Quota.GuestDailyLimit,
		Location:   cfg.Location(),
		Logger:     logger,
	})

	model, err := buildModel(ctx, cfg, client, logger)
	if err != nil {
		return err
	}

	orch := chat.New(store, model, meter, chat.Options{
		Role:   cfg.BasicConfig.Role,
		UI:     term,
		Prefs:  state,
		Logger: logger,
	})

	app := &app{
		ctx:    ctx,
		term:   term,
		client: client,
		creds:  creds,
		store:  store,
		meter:  meter,
		orch:   orch,
		nav:    nav,
		logger: logger,
	}
	app.start()
	err = app.loop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := store.Flush(flushCtx); ferr != nil {
		logger.Warn("pending saves not flushed", "error", ferr)
	}
	return err
}

// openState picks the kv backend tokens, quota counters and settings live in.
// The redis client is returned separately when that backend is chosen.
func openState(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kv.Store, *redis.Client, func(), error) {
	switch cfg.State.Backend {
	case "memory":
		return kv.NewMemory(), nil, func() {}, nil
	case "redis":
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create redis client: %w", err)
		}
		return rdb, rdb, func() { rdb.Close() }, nil
	default:
		db, err := storage.Open(cfg.State.Backend, cfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := storage.Migrate(db, cfg.State.Backend); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		store := storage.NewKV(db, cfg.State.Backend)
		purgeCtx, cancel := context.WithCancel(ctx)
		go purgeExpired(purgeCtx, store, logger)
		return store, nil, func() {
			cancel()
			db.Close()
		}, nil
	}
}

// shareChanges tells other clients on the same redis about conversations this
// one saved, and reloads when they report theirs.
func shareChanges(ctx context.Context, rdb *redis.Client, store *conversation.Store, logger *slog.Logger) error {
	notifier := redis.NewNotifier(rdb, uuid.NewString(), logger)

	var (
		mu     sync.Mutex
		reload *time.Timer
	)
	err := notifier.Listen(ctx, func(inv redis.Invalidation) {
		mu.Lock()
		defer mu.Unlock()
		if reload != nil {
			reload.Stop()
		}
		reload = time.AfterFunc(500*time.Millisecond, func() {
			if err := store.FetchAll(ctx); err != nil {
				logger.Warn("reload after peer change", "conversation", inv.ConversationID, "error", err)
			}
		})
	})
	if err != nil {
		return err
	}

	store.Subscribe(func(e conversation.Event) {
		var inv redis.Invalidation
		switch e.Kind {
		case conversation.EventSynced:
			inv = redis.Invalidation{ConversationID: e.ConversationID}
		case conversation.EventDeleted:
			inv = redis.Invalidation{ConversationID: e.ConversationID, Deleted: true}
		default:
			return
		}
		if err := notifier.Publish(ctx, inv); err != nil {
			logger.Debug("peer notify failed", "error", err)
		}
	})
	return nil
}

func purgeExpired(ctx context.Context, store *storage.KV, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.PurgeExpired(ctx); err != nil {
				logger.Warn("purge expired state", "error", err)
			} else if n > 0 {
				logger.Debug("purged expired state", "rows", n)
			}
		}
	}
}

func buildModel(ctx context.Context, cfg *config.Config, client *session.Client, logger *slog.Logger) (chat.ModelInvoker, error) {
	if cfg.Model.Mode != "direct" {
		return chat.NewBackendModel(client), nil
	}
	chatModel, err := ai.NewProviderModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tools := ai.InitTools(ctx, ai.SearchConfig{
		GoogleAPIKey:         os.Getenv("GOOGLE_API_KEY"),
		GoogleSearchEngineID: os.Getenv("GOOGLE_SEARCH_ENGINE_ID"),
		Logger:               logger,
	})
	return ai.New(ctx, chatModel, ai.Options{Tools: tools, Logger: logger})
}

func startFakeBackend() (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{Handler: backendfake.New(backendfake.Options{}).Handler()}
	go srv.Serve(ln)
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	return "http://" + ln.Addr().String(), shutdown, nil
}
