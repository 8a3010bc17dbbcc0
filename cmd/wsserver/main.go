package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/huddle/chat-app/internal/hub"
	"github.com/huddle/chat-app/internal/identity"
	"github.com/huddle/chat-app/internal/messaging"
	"github.com/huddle/chat-app/internal/presence"
	"github.com/huddle/chat-app/internal/protocol"
	"github.com/huddle/chat-app/internal/ratelimit"
	"github.com/huddle/chat-app/internal/registry"
	"github.com/huddle/chat-app/internal/session"
	"github.com/huddle/chat-app/internal/store"
	"github.com/huddle/chat-app/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()
	hubConfig := hub.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	envInt("WORKER_POOL_SIZE", &config.WorkerPoolSize)
	envInt("MAX_CONNECTIONS", &config.MaxConnections)
	envInt("OUTBOUND_QUEUE_SIZE", &config.QueueSize)
	envDuration("READ_TIMEOUT", &config.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &config.WriteTimeout)
	envDuration("AUTH_TIMEOUT", &hubConfig.AuthTimeout)
	envDuration("DB_QUERY_TIMEOUT", &hubConfig.StoreTimeout)
	if v := os.Getenv("OVERFLOW_POLICY"); v != "" {
		if p, err := ws.ParseOverflowPolicy(v); err == nil {
			config.OverflowPolicy = p
		} else {
			log.Printf("ignoring OVERFLOW_POLICY: %v", err)
		}
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatalf("JWT_SECRET is required")
	}
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatalf("DATABASE_URL is required")
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "realtime-1"
	}
	hubConfig.NodeName = serverName

	// --- Postgres ---
	if v, _ := strconv.ParseBool(os.Getenv("MIGRATE_ON_START")); v {
		if err := store.Migrate(databaseURL); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
		log.Printf("database migrations applied")
	}

	openCtx, cancelOpen := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := store.Open(openCtx, databaseURL, hubConfig.StoreTimeout)
	cancelOpen()
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}

	snapshots := presence.NewSnapshotWriter(db, hubConfig.StoreTimeout)
	snapshots.Start()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	directory, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(directory.Client())

	log.Printf("Huddle real-time node starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  queue_size:      %d", config.QueueSize)
	log.Printf("  overflow_policy: %s", config.OverflowPolicy)
	log.Printf("  auth_timeout:    %s", hubConfig.AuthTimeout)
	log.Printf("  db_timeout:      %s", hubConfig.StoreTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	verifier := identity.NewJWTVerifier(jwtSecret, os.Getenv("JWT_ISSUER"))
	h := hub.New(hubConfig, verifier, db, snapshots,
		hub.WithDirectory(directory),
		hub.WithPublisher(natsClient),
	)

	if err := natsClient.SubscribeMembershipChanged(func(change messaging.MembershipChange) {
		ctx, cancel := context.WithTimeout(context.Background(), hubConfig.StoreTimeout)
		defer cancel()
		if err := h.MembershipChanged(ctx, change); err != nil {
			log.Printf("[membership] user=%s conversation=%s action=%s: %v",
				change.UserID, change.ConversationID, change.Action, err)
		}
	}); err != nil {
		log.Fatalf("failed to subscribe to membership changes: %v", err)
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// allow applies a rate limit rule and tells the client when it is exceeded.
	allow := func(conn *ws.Connection, identifier string, rule ratelimit.Rule) bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ok, _ := limiter.Allow(ctx, identifier, rule)
		if ok {
			return true
		}
		retry, _ := limiter.RetryAfter(ctx, identifier, rule)
		dispatcher.Send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int((retry + time.Second - 1) / time.Second),
		})
		log.Printf("[ratelimit] %s exceeded conn=%s id=%s", rule.Key, conn.ID, identifier)
		return false
	}

	// reply sends the client-facing error for a failed operation.
	reply := func(conn *ws.Connection, op string, err error) {
		log.Printf("[%s] conn=%s rejected: %v", op, conn.ID, err)
		dispatcher.SendError(conn, hub.ErrorCode(err), err.Error())
	}

	// userOf returns the bound user id, or replies unauthorized.
	userOf := func(conn *ws.Connection, op string) (string, bool) {
		ident, err := h.Identity(conn.ID)
		if err != nil {
			reply(conn, op, err)
			return "", false
		}
		return ident.UserID, true
	}

	// -----------------------------------------------------------------------
	// authenticate: bind an identity to the connection
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeAuthenticate, func(conn *ws.Connection, msg interface{}) {
		authMsg, ok := msg.(protocol.AuthenticateMsg)
		if !ok {
			return
		}
		if !allow(conn, conn.ID, ratelimit.RuleAuth) {
			return
		}

		// Verification can take up to AUTH_TIMEOUT; run it off the read
		// worker so a close frame from this client is still seen.
		go func() {
			_, err := h.Authenticate(context.Background(), conn.ID, authMsg.Token, authMsg.CompanyID)
			switch {
			case err == nil:
			case errors.Is(err, registry.ErrConnectionClosed):
				// Nobody left to tell.
			case errors.Is(err, hub.ErrAuth):
				dispatcher.Send(conn, protocol.TypeAuthError, protocol.AuthErrorMsg{Reason: err.Error()})
			default:
				reply(conn, "authenticate", err)
			}
		}()
	})

	// -----------------------------------------------------------------------
	// send: post a chat message to a conversation
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSend, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMsg)
		if !ok {
			return
		}
		userID, ok := userOf(conn, "send")
		if !ok || !allow(conn, userID, ratelimit.RuleSend) {
			return
		}
		// The hub ties the send to the connection's own context; a close
		// mid-persist returns ErrConnectionClosed and there is nobody to tell.
		_, err := h.Send(context.Background(), conn.ID, sendMsg)
		if err != nil && !errors.Is(err, registry.ErrConnectionClosed) {
			reply(conn, "send", err)
		}
	})

	// -----------------------------------------------------------------------
	// typing: relay a typing indicator
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		userID, ok := userOf(conn, "typing")
		if !ok || !allow(conn, userID, ratelimit.RuleTyping) {
			return
		}
		if err := h.Typing(context.Background(), conn.ID, typingMsg); err != nil {
			reply(conn, "typing", err)
		}
	})

	// -----------------------------------------------------------------------
	// set_status: explicit presence status
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSetStatus, func(conn *ws.Connection, msg interface{}) {
		statusMsg, ok := msg.(protocol.SetStatusMsg)
		if !ok {
			return
		}
		userID, ok := userOf(conn, "set_status")
		if !ok || !allow(conn, userID, ratelimit.RuleStatus) {
			return
		}
		if err := h.SetStatus(conn.ID, statusMsg); err != nil {
			reply(conn, "set_status", err)
		}
	})

	server := ws.NewServer(config, h, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	h.SetDeliverer(server)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		snapshots.Stop()
		if err := directory.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
