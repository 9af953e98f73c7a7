package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/matchify/chat-relay/internal/auth"
	"github.com/matchify/chat-relay/internal/config"
	"github.com/matchify/chat-relay/internal/matching"
	"github.com/matchify/chat-relay/internal/messaging"
	"github.com/matchify/chat-relay/internal/profile"
	"github.com/matchify/chat-relay/internal/ratelimit"
	"github.com/matchify/chat-relay/internal/relay"
	"github.com/matchify/chat-relay/internal/room"
	"github.com/matchify/chat-relay/internal/session"
	"github.com/matchify/chat-relay/internal/ws"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	migrate := pflag.Bool("migrate", false, "apply database migrations before starting")
	migrateOnly := pflag.Bool("migrate-only", false, "apply database migrations and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- Postgres ---
	if *migrate || *migrateOnly {
		if err := migrateDatabase(cfg.Database.URL); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
	}
	if *migrateOnly {
		log.Println("migrations applied")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	db, err := profile.Open(ctx, cfg.Database.URL)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	profiles := profile.NewStore(db)

	// --- Redis ---
	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		log.Fatalf("invalid redis config: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	queue := matching.NewQueue(rdb)
	rooms := room.NewStore(rdb)
	presence := session.NewStore(rdb, cfg.ServerName, cfg.Presence.TTL)

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	var events relay.EventPublisher
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		events = natsClient

		// Rooms opened and closed by other relay instances show up in our log.
		err = natsClient.SubscribeRoomEvents(func(subject string, ev messaging.RoomEvent) {
			if ev.Server == cfg.ServerName {
				return
			}
			log.Printf("[relay] %s %s on %s (members=%v closed_by=%q)", subject, ev.RoomID, ev.Server, ev.Members, ev.ClosedBy)
		})
		if err != nil {
			log.Fatalf("failed to subscribe to room events: %v", err)
		}
	}

	relayConfig := relay.DefaultConfig()
	relayConfig.KeepaliveInterval = cfg.Presence.KeepaliveInterval
	relayConfig.MaxMatchAttempts = cfg.Match.MaxAttempts
	rl := relay.New(relayConfig, relay.Deps{
		Queue:    queue,
		Rooms:    rooms,
		Taste:    profiles,
		Presence: presence,
		Events:   events,
	})

	verifier := auth.NewVerifier(auth.Config{
		Secret: cfg.Auth.Secret,
		Issuer: cfg.Auth.Issuer,
		Leeway: cfg.Auth.Leeway,
	})

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.Server.ListenAddr,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxFrameBytes:  cfg.Server.MaxFrameBytes,
		MatchTypes:     cfg.Match.Types,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Server.HeartbeatInterval,
			Timeout:  cfg.Server.HeartbeatTimeout,
		},
	}
	server := ws.NewServer(serverConfig, rl, ws.TokenResolver{Verifier: verifier, Names: profiles})
	if cfg.RateLimit.ConnectLimit > 0 {
		rule := ratelimit.RuleConnect
		rule.Limit = cfg.RateLimit.ConnectLimit
		rule.Window = cfg.RateLimit.ConnectWindow
		server.SetRateLimit(ratelimit.NewLimiter(rdb), rule)
	}

	reaper := matching.NewReaper(queue, rooms, presence, matching.ReaperConfig{
		MatchTypes: cfg.Match.Types,
		Interval:   cfg.Match.ReapInterval,
		MaxWait:    cfg.Match.MaxWait,
	})
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go reaper.Run(reaperCtx)

	log.Printf("Matchify chat relay starting")
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  listen_addr:     %s", cfg.Server.ListenAddr)
	log.Printf("  max_connections: %d", cfg.Server.MaxConnections)
	log.Printf("  match_types:     %v", cfg.Match.Types)
	log.Printf("  redis:           %s", redisOpts.Addr)
	log.Printf("  nats_enabled:    %v", natsClient != nil)
	log.Printf("  presence_ttl:    %s", cfg.Presence.TTL)
	log.Printf("  max_wait:        %s", cfg.Match.MaxWait)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		stopReaper()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	// Shutdown exits the process once connections have drained.
	select {}
}

func migrateDatabase(url string) error {
	m, err := profile.NewMigrator(url)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}
