package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"goose-realtime/internal/auth"
	"goose-realtime/internal/config"
	"goose-realtime/internal/redis"
	"goose-realtime/internal/store/sqlite"
	"goose-realtime/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	// Session store
	sessionStore, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal("Failed to open session store: ", err)
	}
	defer sessionStore.Close()

	verifier, err := auth.NewVerifier(cfg.JWTSecret, sessionStore)
	if err != nil {
		log.Fatal("Failed to create auth verifier: ", err)
	}

	registry := ws.NewRegistry()

	// Optional cross-node event bridge
	var bridge ws.Publisher
	if cfg.BridgeEnabled() {
		redisClient, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal("Failed to connect to Redis: ", err)
		}
		defer redisClient.Close()
		bridge = redisClient
		go redis.Subscribe(context.Background(), redisClient, registry)
	}

	presence := ws.NewPresenceBroadcaster(registry, bridge)
	registry.OnStatusChange(ws.StatusHook(sessionStore, presence))

	members := ws.NewMembershipIndex(sessionStore)
	router := ws.NewRouter(sessionStore, members, registry, presence, bridge)
	gateway := ws.NewGateway(verifier, registry, router, cfg.SendBufferSize)

	http.HandleFunc("/ws", gateway.ServeWS)

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Diagnostic snapshot of who is online on this node
	http.HandleFunc("/online", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"users": registry.ListOnline(),
		})
	})

	slog.Info("Realtime server starting", "port", cfg.Port, "bridge", cfg.BridgeEnabled())
	log.Fatal(http.ListenAndServe(":"+cfg.Port, nil))
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
