package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ghosty/chat-app/internal/api"
	"github.com/ghosty/chat-app/internal/auth"
	"github.com/ghosty/chat-app/internal/ban"
	"github.com/ghosty/chat-app/internal/chat"
	"github.com/ghosty/chat-app/internal/config"
	"github.com/ghosty/chat-app/internal/database"
	"github.com/ghosty/chat-app/internal/lifecycle"
	"github.com/ghosty/chat-app/internal/logger"
	"github.com/ghosty/chat-app/internal/matching"
	"github.com/ghosty/chat-app/internal/messaging"
	"github.com/ghosty/chat-app/internal/profile"
	"github.com/ghosty/chat-app/internal/protocol"
	"github.com/ghosty/chat-app/internal/ratelimit"
	"github.com/ghosty/chat-app/internal/report"
	"github.com/ghosty/chat-app/internal/session"
	"github.com/ghosty/chat-app/internal/ws"
)

// banStore is satisfied by both ban stores.
type banStore interface {
	lifecycle.BanChecker
	report.Offenses
}

// backends groups the shared-state implementations chosen by STORE_BACKEND.
type backends struct {
	redis    *redis.Client // nil for the memory backend
	queue    matching.Store
	rooms    chat.Rooms
	bans     banStore
	limiter  ratelimit.Allower
	usage    ratelimit.UsageLimiter
	presence *session.Presence
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		_ = logger.Init("development", "info")
		logger.Fatal("invalid configuration", "error", err)
	}
	if err := logger.Init(cfg.Env, cfg.LogLevel); err != nil {
		logger.Fatal("logger init failed", "error", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBackends(cfg)
	if err != nil {
		logger.Fatal("store backend unavailable", "backend", cfg.StoreBackend, "error", err)
	}
	if b.redis != nil {
		defer b.redis.Close()
	}

	profileStore, reportStore, db := newDurableStores(ctx, cfg)
	if db != nil {
		defer db.Close()
	}

	bus, err := newBus(cfg)
	if err != nil {
		logger.Fatal("signal bus unavailable", "error", err)
	}
	defer bus.Close()

	profiles := profile.NewProvider(profileStore, auth.NewManager(cfg.JWTSecret, cfg.JWTExpiration))
	sessions := session.NewRegistry()
	matcher := matching.NewMatcher(b.queue, matching.MatcherConfig{
		ScanLimit: cfg.ScanLimit,
		Cooldown:  cfg.BaseCooldown,
	})

	serverCfg := ws.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.ListenAddr
	serverCfg.WorkerPoolSize = cfg.WorkerPoolSize
	serverCfg.MaxConnections = cfg.MaxConnections
	serverCfg.ReadTimeout = cfg.ReadTimeout
	serverCfg.WriteTimeout = cfg.WriteTimeout

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(serverCfg, b.presence, dispatcher.Dispatch)

	orch := lifecycle.New(lifecycle.Config{
		BaseCooldown: cfg.BaseCooldown,
		SkipCooldown: cfg.SkipCooldown,
		AutoRequeue:  cfg.AutoRequeue,
	}, lifecycle.Deps{
		Matcher:  matcher,
		Sessions: sessions,
		Rooms:    b.rooms,
		Relay:    chat.NewRelay(sessions, bus),
		Bus:      bus,
		Profiles: profiles,
		Reports:  report.NewHandler(reportStore, b.bans, cfg.DailyReportLimit),
		Bans:     b.bans,
		Usage:    b.usage,
		Limiter:  b.limiter,
		Presence: b.presence,
		Sender:   server,
	})

	server.SetAuthenticator(func(r *http.Request) (string, error) {
		prof, err := profiles.Authenticate(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			return "", err
		}
		return prof.ID, nil
	})
	server.SetConnectLimiter(b.limiter)
	server.SetOnConnect(func(conn *ws.Connection) {
		if err := orch.Open(context.Background(), conn.ID, conn.SessionID); err != nil {
			logger.Error("session open failed", "conn", conn.ID, "error", err)
			server.RemoveConnection(conn)
		}
	})
	server.SetOnDisconnect(func(conn *ws.Connection) {
		orch.Disconnect(context.Background(), conn.ID)
	})

	registerHandlers(dispatcher, orch)

	if b.presence != nil {
		presence := b.presence
		go matching.StartCleanup(ctx, matcher, func(ctx context.Context, u matching.QueuedUser) (bool, error) {
			return presence.Alive(ctx, u.ConnID)
		})
	}

	router := api.NewRouter(cfg, api.Deps{
		Profiles:   profiles,
		Classifier: profile.NewHTTPClassifier(cfg.VerifyURL),
		Reports:    reportStore,
		Limiter:    b.limiter,
		Upgrade:    server.HandleUpgrade,
		Health:     server.HandleHealth,
	})

	logger.Info("ghosty server starting",
		"listen_addr", cfg.ListenAddr,
		"env", cfg.Env,
		"store", cfg.StoreBackend,
		"nats", cfg.NATSURL != "",
		"database", db != nil,
		"server_name", cfg.ServerName,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(router)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

func newBackends(cfg *config.Config) (*backends, error) {
	if cfg.StoreBackend == config.BackendMemory {
		return &backends{
			queue:   matching.NewMemoryStore(),
			rooms:   chat.NewMemoryRooms(),
			bans:    ban.NewMemoryStore(),
			limiter: ratelimit.NewMemoryLimiter(),
			usage:   ratelimit.NewMemoryUsage(cfg.DailyFilterLimit),
		}, nil
	}

	rdb, err := session.Dial(cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	return &backends{
		redis:    rdb,
		queue:    matching.NewRedisStore(rdb),
		rooms:    chat.NewRedisRooms(rdb),
		bans:     ban.NewRedisStore(rdb),
		limiter:  ratelimit.NewLimiter(rdb),
		usage:    ratelimit.NewRedisUsage(rdb, cfg.DailyFilterLimit),
		presence: session.NewPresence(rdb, cfg.ServerName),
	}, nil
}

// newDurableStores returns Postgres-backed profile and report stores when a
// database is configured, and in-memory ones otherwise.
func newDurableStores(ctx context.Context, cfg *config.Config) (profile.Store, report.Store, *sql.DB) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, profiles and reports are kept in memory")
		return profile.NewMemoryStore(), report.NewMemoryStore(), nil
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connect failed", "error", err)
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal("database migration failed", "error", err)
	}
	return profile.NewPostgresStore(db), report.NewPostgresStore(db), db
}

func newBus(cfg *config.Config) (messaging.Bus, error) {
	if cfg.NATSURL == "" {
		return messaging.NewLocalBus(), nil
	}
	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = "ghosty-" + cfg.ServerName
	return messaging.NewNATSBus(natsCfg)
}

func registerHandlers(d *ws.MessageDispatcher, orch *lifecycle.Orchestrator) {
	bg := context.Background

	d.Register(protocol.TypeJoinQueue, func(conn *ws.Connection, _ interface{}) {
		orch.JoinQueue(bg(), conn.ID)
	})
	d.Register(protocol.TypeLeaveQueue, func(conn *ws.Connection, _ interface{}) {
		orch.LeaveQueue(bg(), conn.ID)
	})
	d.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.JoinRoomMsg); ok {
			orch.JoinRoom(bg(), conn.ID, m.RoomID)
		}
	})
	d.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.SendMessageMsg); ok {
			orch.SendMessage(bg(), conn.ID, m.RoomID, m.Message, m.IV)
		}
	})
	d.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.TypingMsg); ok {
			orch.Typing(bg(), conn.ID, m.RoomID, m.IsTyping)
		}
	})
	d.Register(protocol.TypeExchangeKey, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.ExchangeKeyMsg); ok {
			orch.ExchangeKey(bg(), conn.ID, m.RoomID, m.Key)
		}
	})
	d.Register(protocol.TypeReportUser, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.ReportUserMsg); ok {
			orch.Report(bg(), conn.ID, m.Reason, m.Description)
		}
	})
	d.Register(protocol.TypeLeaveChat, func(conn *ws.Connection, _ interface{}) {
		orch.LeaveChat(bg(), conn.ID)
	})
	d.Register(protocol.TypeNextMatch, func(conn *ws.Connection, _ interface{}) {
		orch.NextMatch(bg(), conn.ID)
	})
}
