package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/broker"
	"chat-gateway/internal/config"
	"chat-gateway/internal/handlers"
	"chat-gateway/internal/services"
	"chat-gateway/internal/utils"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// Application holds every long-lived component, in the order they are
// torn down.
type Application struct {
	cfg        *config.Config
	manager    *broker.Manager
	delivery   *services.DeliveryTracker
	cm         *services.ConnectionManager
	bridge     *services.FanoutBridge
	presence   *services.PresenceTracker
	limiter    *services.RateLimiter
	membership *services.MembershipService
	handler    *handlers.GatewayHandler
	server     *http.Server
}

func main() {
	// No .env in production; environment variables are set directly.
	_ = godotenv.Load()

	cfg := config.Load()
	utils.InitLogger(cfg.App.LogLevel, cfg.App.Environment)
	defer utils.Sync()

	utils.Info("Starting chat gateway",
		zap.String("environment", cfg.App.Environment),
		zap.String("port", cfg.Server.Port))

	app, err := initializeApplication(cfg)
	if err != nil {
		utils.Fatal("Failed to initialize application", zap.Error(err))
	}

	go func() {
		if err := startServer(app); err != nil && err != http.ErrServerClosed {
			utils.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutdown signal received")
	shutdownApplication(app)
}

// initializeApplication builds the component graph bottom-up: broker
// first, then the trackers, then the bridge that ties them together, and
// the gateway handler last.
func initializeApplication(cfg *config.Config) (*Application, error) {
	processID := uuid.New().String()
	if hostname, err := os.Hostname(); err == nil {
		processID = fmt.Sprintf("%s-%s", hostname, processID[:8])
	}

	manager := broker.NewManager(&cfg.Redis, broker.NewRedisDialer(&cfg.Redis))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	delivery, err := services.NewDeliveryTracker(&cfg.Gateway, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery tracker: %w", err)
	}

	cm, err := services.NewConnectionManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	bridge, err := services.NewFanoutBridge(manager, cm, delivery, processID)
	if err != nil {
		return nil, fmt.Errorf("failed to create fanout bridge: %w", err)
	}
	delivery.Wire(bridge)

	presence, err := services.NewPresenceTracker(&cfg.Gateway, manager, bridge, processID)
	if err != nil {
		return nil, fmt.Errorf("failed to create presence tracker: %w", err)
	}

	limiter, err := services.NewRateLimiter(&cfg.RateLimit, manager)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	membership, err := services.NewMembershipService(&cfg.AWS)
	if err != nil {
		return nil, fmt.Errorf("failed to create membership service: %w", err)
	}

	validator, err := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create token validator: %w", err)
	}

	handler, err := handlers.NewGatewayHandler(cfg, validator, membership, cm, bridge, presence, delivery, limiter, manager)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway handler: %w", err)
	}

	cm.Wire(bridge, delivery, handler.HandleFrame, handler.HandleConnectionClosed)
	cm.Start()
	delivery.Start()
	presence.Start()

	utils.Info("Application initialized", zap.String("process_id", processID))

	return &Application{
		cfg:        cfg,
		manager:    manager,
		delivery:   delivery,
		cm:         cm,
		bridge:     bridge,
		presence:   presence,
		limiter:    limiter,
		membership: membership,
		handler:    handler,
	}, nil
}

func startServer(app *Application) error {
	cfg := app.cfg
	router := app.handler.Router()

	app.server = &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Server.TLSDomain != "" {
		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLSDomain),
			Cache:      autocert.DirCache("certs"),
		}
		app.server.TLSConfig = &tls.Config{
			GetCertificate: certManager.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		// ACME HTTP-01 challenges arrive on :80.
		go func() {
			if err := http.ListenAndServe(":80", certManager.HTTPHandler(nil)); err != nil {
				utils.Error("ACME challenge server failed", zap.Error(err))
			}
		}()

		utils.Info("Serving with TLS", zap.String("domain", cfg.Server.TLSDomain))
		return app.server.ListenAndServeTLS("", "")
	}

	utils.Info("Serving without TLS", zap.String("addr", app.server.Addr))
	return app.server.ListenAndServe()
}

// shutdownApplication tears down in reverse initialization order: stop
// accepting traffic, drain connections, then the background trackers,
// the broker last.
func shutdownApplication(app *Application) {
	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout)
	defer cancel()

	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			utils.Warn("HTTP server shutdown failed", zap.Error(err))
		}
	}

	if err := app.cm.Close(); err != nil {
		utils.Warn("Connection manager close failed", zap.Error(err))
	}
	if err := app.presence.Close(); err != nil {
		utils.Warn("Presence tracker close failed", zap.Error(err))
	}
	if err := app.delivery.Close(); err != nil {
		utils.Warn("Delivery tracker close failed", zap.Error(err))
	}
	if err := app.manager.Close(); err != nil {
		utils.Warn("Broker manager close failed", zap.Error(err))
	}

	utils.Info("Shutdown complete")
}
