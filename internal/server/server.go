// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/crosslock/crosslock/internal/asset"
	"github.com/crosslock/crosslock/internal/bridge"
	"github.com/crosslock/crosslock/internal/config"
	"github.com/crosslock/crosslock/internal/database"
	"github.com/crosslock/crosslock/internal/digest"
	"github.com/crosslock/crosslock/internal/escrow"
	"github.com/crosslock/crosslock/internal/fees"
	"github.com/crosslock/crosslock/internal/logging"
	"github.com/crosslock/crosslock/internal/metrics"
	"github.com/crosslock/crosslock/internal/nonce"
	"github.com/crosslock/crosslock/internal/realtime"
	"github.com/crosslock/crosslock/internal/relay"
	"github.com/crosslock/crosslock/internal/settlement"
	"github.com/crosslock/crosslock/internal/stable"
	"github.com/crosslock/crosslock/internal/validation"
)

// devFaucetBalance seeds the treasury in simulation mode so bridge
// fees and local flows can be exercised without a funded chain.
var devFaucetBalance = stable.MustParse("1000000")

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	assetClient  settlement.AssetClient
	bridgeClient settlement.BridgeClient
	settlement   *settlement.Router
	escrow       *escrow.Service
	forwarder    *relay.Forwarder
	events       escrow.EventStore
	hub          *realtime.Hub

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAssetClient injects a custom asset client (for testing)
func WithAssetClient(c settlement.AssetClient) Option {
	return func(s *Server) {
		s.assetClient = c
	}
}

// WithBridgeClient injects a custom bridge client (for testing)
func WithBridgeClient(c settlement.BridgeClient) Option {
	return func(s *Server) {
		s.bridgeClient = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set clients/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore escrow.Store
		elections   escrow.ElectionStore
		nonceStore  nonce.Store
		feeStore    fees.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		elections = escrow.NewPostgresElections(db)
		nonceStore = nonce.NewPostgresStore(db)
		feeStore = fees.NewPostgresStore(db)
		s.events = escrow.NewPostgresEvents(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		elections = escrow.NewMemoryElections()
		nonceStore = nonce.NewMemoryStore()
		feeStore = fees.NewMemoryStore()
		s.events = escrow.NewMemoryEvents()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Chain clients (real when a custodian key is configured, simulated
	// otherwise)
	if s.assetClient == nil {
		if cfg.PrivateKey != "" {
			client, err := asset.NewEthClient(asset.EthConfig{
				RPCURL:     cfg.RPCURL,
				PrivateKey: cfg.PrivateKey,
				ChainID:    cfg.ChainID,
				Contract:   cfg.AssetContract,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create asset client: %w", err)
			}
			s.assetClient = client
			s.logger.Info("asset client connected", "contract", cfg.AssetContract)
		} else {
			fake := asset.NewFakeClient(
				common.HexToAddress(cfg.AssetContract),
				common.HexToAddress(cfg.Owner),
			)
			fake.Mint(common.HexToAddress(cfg.Treasury), devFaucetBalance)
			s.assetClient = fake
			s.logger.Warn("no PRIVATE_KEY set, asset transfers are simulated")
		}
	}
	if s.bridgeClient == nil {
		if cfg.PrivateKey != "" && cfg.BridgeAddress != "" {
			client, err := bridge.NewEthClient(bridge.EthConfig{
				RPCURL:     cfg.RPCURL,
				PrivateKey: cfg.PrivateKey,
				ChainID:    cfg.ChainID,
				Contract:   cfg.BridgeAddress,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create bridge client: %w", err)
			}
			s.bridgeClient = client
			s.logger.Info("bridge client connected", "contract", cfg.BridgeAddress)
		} else {
			s.bridgeClient = bridge.NewFakeClient()
			s.logger.Warn("no BRIDGE_ADDRESS set, only local-chain settlement available")
		}
	}

	s.settlement = settlement.NewRouter(s.assetClient, s.bridgeClient, settlement.Config{
		LocalChain: cfg.LocalChain,
		Bridge:     common.HexToAddress(cfg.BridgeAddress),
		Treasury:   common.HexToAddress(cfg.Treasury),
	})
	s.settlement.OnBridgeFee(s.recordBridgeFee)

	nonces := nonce.NewRegistry(nonceStore)
	schedule := fees.NewSchedule(feeStore, cfg.FeeNumerator, cfg.FeeDenominator)

	domain := digest.Domain{
		Name:              cfg.DomainName,
		Version:           cfg.DomainVersion,
		ChainID:           uint64(cfg.ChainID),
		VerifyingContract: common.HexToAddress(cfg.VerifyingContract),
	}

	s.hub = realtime.NewHub(logging.Component(s.logger, "realtime"))

	s.escrow = escrow.NewService(escrowStore, elections, nonces, schedule, s.settlement, escrow.Config{
		Domain:         domain,
		PlatformSigner: common.HexToAddress(cfg.PlatformSigner),
		Owner:          common.HexToAddress(cfg.Owner),
		LocalChain:     cfg.LocalChain,
		DisputeTimeout: cfg.DisputeTimeout,
	}).
		WithEvents(s.events).
		WithBroadcast(s.broadcastEvent)
	if s.db != nil {
		s.escrow.WithTransactor(database.Transactor(s.db))
	}

	s.forwarder = relay.NewForwarder(s.escrow, nonces, domain)

	// Router setup
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// recordBridgeFee is the settlement router's fee observer: every
// treasury-funded relayer fee lands in the event log and metrics.
func (s *Server) recordBridgeFee(ctx context.Context, chain uint16, fee *big.Int) {
	ev := escrow.Event{
		Kind:   escrow.EventBridgeFeePaid,
		Amount: fee,
		Detail: fmt.Sprintf("destination chain %d", chain),
		At:     time.Now().UTC(),
	}
	if err := s.events.Record(ctx, ev); err != nil {
		s.logger.Error("failed to record bridge fee event", "error", err)
	}
	f, _ := new(big.Float).SetInt(fee).Float64()
	metrics.BridgeFeesTotal.Add(f)
	s.broadcastEvent(ev)
}

// broadcastEvent pushes an escrow lifecycle event to WebSocket clients.
func (s *Server) broadcastEvent(ev escrow.Event) {
	s.hub.Broadcast(realtime.Event{
		Kind:      string(ev.Kind),
		EscrowID:  ev.EscrowID,
		Timestamp: ev.At,
		Data:      ev,
	})
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminAuthMiddleware gates the admin surface on X-Admin-Secret. In
// development without a configured secret, everything is allowed.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "ADMIN_SECRET is not configured",
			})
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket event feed
	s.router.GET("/ws", s.hub.HandleWebSocket)

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	escrowHandler := escrow.NewHandler(s.escrow)
	escrowHandler.RegisterRoutes(v1)

	relayHandler := relay.NewHandler(s.forwarder)
	relayHandler.RegisterRoutes(v1)

	// Owner-level operations behind the admin secret
	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	escrowHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	if !s.healthy.Load() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	dbStatus := "not configured"
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			dbStatus = "unreachable"
			status = "degraded"
		} else {
			dbStatus = "connected"
		}
	}

	c.JSON(code, gin.H{
		"status":   status,
		"database": dbStatus,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if s.healthy.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if s.ready.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	domain := s.escrow.Domain()
	c.JSON(http.StatusOK, gin.H{
		"name":           domain.Name,
		"version":        domain.Version,
		"chainId":        domain.ChainID,
		"localChain":     s.cfg.LocalChain,
		"platformSigner": s.escrow.PlatformSigner().Hex(),
		"treasury":       s.settlement.Treasury().Hex(),
		"disputeTimeout": s.escrow.DisputeTimeout().String(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can
	// stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"local_chain", s.cfg.LocalChain,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop the hub and stats collector
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Escrow returns the escrow service for testing
func (s *Server) Escrow() *escrow.Service {
	return s.escrow
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
