// Package gateway assembles the kernel: storage, channel registry,
// message bus, governance router, and the HTTP surface that exposes
// webhooks, health, metrics, and the admin API.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentos-dev/agentos/internal/audit"
	"github.com/agentos-dev/agentos/internal/bus"
	"github.com/agentos-dev/agentos/internal/capability"
	"github.com/agentos-dev/agentos/internal/channels"
	"github.com/agentos-dev/agentos/internal/config"
	"github.com/agentos-dev/agentos/internal/evolution"
	"github.com/agentos-dev/agentos/internal/extensions"
	"github.com/agentos-dev/agentos/internal/installer"
	"github.com/agentos-dev/agentos/internal/manifest"
	"github.com/agentos-dev/agentos/internal/mcp"
	"github.com/agentos-dev/agentos/internal/middleware"
	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/internal/policy"
	"github.com/agentos-dev/agentos/internal/ratelimit"
	"github.com/agentos-dev/agentos/internal/sandbox"
	"github.com/agentos-dev/agentos/internal/storage"
)

const decisionExpiryInterval = time.Hour

// Server is the assembled gateway process.
type Server struct {
	cfg    *config.Config
	stores storage.StoreSet
	logger *slog.Logger

	auditLog   *audit.Logger
	manifests  *manifest.Registry
	service    *channels.ConfigService
	adapters   *channels.Registry
	heartbeat  *channels.HeartbeatMonitor
	bus        *bus.Bus
	extensions *extensions.Registry
	manager    *extensions.Manager
	mcp        *mcp.Manager
	sandbox    *sandbox.Sandbox
	capability *capability.Registry
	router     *capability.Router
	queue      *evolution.ReviewQueue

	httpServer *http.Server
	cancel     context.CancelFunc
}

// New wires every subsystem from the configuration. Nothing is started
// yet; call Start.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.Home, cfg.Channels.ManifestDir, filepath.Join(cfg.Home, "extensions")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	stores, err := openStores(cfg)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("audit logger: %w", err)
	}

	manifests := manifest.NewRegistry(cfg.Channels.ManifestDir)
	if err := manifests.Load(ctx); err != nil {
		return nil, fmt.Errorf("load channel manifests: %w", err)
	}
	box, err := secretBox(cfg.Channels.SecretsKey)
	if err != nil {
		return nil, err
	}
	service := channels.NewConfigService(manifests, stores, box)
	adapters := channels.NewRegistry()

	enforcer := policy.NewEnforcer(policy.DefaultPolicy(), stores.Violations)
	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig())
	chain := middleware.NewChain(
		[]middleware.Stage{
			middleware.NewDedupeStage(stores.Dedupe),
			middleware.NewRateLimitStage(limiter, enforcer),
			middleware.NewPolicyStage(enforcer),
		},
		[]middleware.Observer{
			middleware.NewAuditObserver(stores.ChannelEvents, auditLog),
		},
	)

	busCfg := bus.DefaultConfig()
	if cfg.Bus.QueueBuffer > 0 {
		busCfg.QueueBuffer = cfg.Bus.QueueBuffer
	}
	if cfg.Bus.IdleTTLMinutes > 0 {
		busCfg.IdleTTL = time.Duration(cfg.Bus.IdleTTLMinutes) * time.Minute
	}
	if cfg.Bus.SendPerSecond > 0 {
		busCfg.SendPerSecond = float64(cfg.Bus.SendPerSecond)
	}
	if cfg.Bus.SendBurst > 0 {
		busCfg.SendBurst = cfg.Bus.SendBurst
	}
	if cfg.Bus.RetryAttempts > 0 {
		busCfg.Retry.MaxAttempts = cfg.Bus.RetryAttempts
	}
	messageBus := bus.New(busCfg, adapters, chain, nil)

	extRegistry := extensions.NewRegistry(stores.Extensions, stores.ExtensionConfigs,
		filepath.Join(cfg.Home, "extensions"))
	engine := installer.NewEngine(stores.Installs, auditLog, cfg.Home)
	extManager := extensions.NewManager(extRegistry, engine, stores.Extensions, auditLog)

	mcpManager := mcp.NewManager()
	servers, err := mcp.LoadServersFile(cfg.MCP.ServersFile)
	if err != nil {
		return nil, fmt.Errorf("load mcp servers: %w", err)
	}
	for _, sc := range servers {
		if err := mcpManager.Register(sc); err != nil {
			return nil, fmt.Errorf("register mcp server %s: %w", sc.ID, err)
		}
	}

	logger := observability.Component("gateway")
	var sbx *sandbox.Sandbox
	if s, err := sandbox.New(cfg.Sandbox.Image); err != nil {
		// High-risk extension tools will be refused, not run unsandboxed.
		logger.Warn("sandbox unavailable", "error", err)
	} else {
		sbx = s
	}

	runner := capability.NewRunner(extRegistry, capability.NewResponseStore(), cfg.Home)
	capRegistry := capability.NewRegistry(0,
		capability.NewExtensionSource(extRegistry),
		capability.NewMCPSource(mcpManager),
	)
	routerOpts := []capability.RouterOption{capability.WithAuditLogger(auditLog)}
	if sbx != nil {
		routerOpts = append(routerOpts, capability.WithSandbox(sbx, extRegistry.Dir))
	}
	// Without a configured admin token the router keeps its fail-closed
	// default and CRITICAL tools cannot run.
	if adminToken := cfg.Server.AdminToken; adminToken != "" {
		routerOpts = append(routerOpts, capability.WithApprovalCheck(func(token string) bool {
			return subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) == 1
		}))
	}
	router := capability.NewRouter(capRegistry, runner, mcpManager, routerOpts...)

	queue := evolution.NewReviewQueue(stores.Decisions, auditLog)

	staleAfter := time.Duration(cfg.Channels.HeartbeatStaleMinutes) * time.Minute
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}

	s := &Server{
		cfg:        cfg,
		stores:     stores,
		logger:     logger,
		auditLog:   auditLog,
		manifests:  manifests,
		service:    service,
		adapters:   adapters,
		heartbeat:  channels.NewHeartbeatMonitor(service, time.Minute, staleAfter),
		bus:        messageBus,
		extensions: extRegistry,
		manager:    extManager,
		mcp:        mcpManager,
		sandbox:    sbx,
		capability: capRegistry,
		router:     router,
		queue:      queue,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func openStores(cfg *config.Config) (storage.StoreSet, error) {
	if cfg.Storage.Driver == "memory" {
		return storage.NewMemoryStores(), nil
	}
	stores, err := storage.NewSQLStores(cfg.Storage.Driver, cfg.Storage.DSN, nil)
	if err != nil {
		return storage.StoreSet{}, fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}
	return stores, nil
}

func secretBox(key string) (*channels.SecretBox, error) {
	if key == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("secrets key is not hex: %w", err)
	}
	box, err := channels.NewSecretBox(raw)
	if err != nil {
		return nil, fmt.Errorf("secrets key: %w", err)
	}
	return box, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/webhooks/", channels.NewWebhookHandler(s.adapters, s.bus, s.service, s.stores.SystemLogs))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/channels", s.handleChannels)
	mux.HandleFunc("/api/extensions", s.handleExtensions)
	mux.HandleFunc("/api/tools", s.handleTools)
	mux.HandleFunc("/api/tools/invoke", s.handleInvoke)
	mux.HandleFunc("/api/decisions", s.handleDecisions)
	mux.HandleFunc("/api/decisions/", s.handleDecisionReview)
	return mux
}

// Start launches every background subsystem and serves HTTP until ctx
// is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.manifests.StartWatching(runCtx); err != nil {
		s.logger.Warn("manifest watcher unavailable", "error", err)
	}
	s.loadAdapters(runCtx)
	s.bus.Start(runCtx)
	s.capability.Start(runCtx)
	s.mcp.Connect(runCtx)
	go s.heartbeat.Run(runCtx)
	go s.expireDecisions(runCtx)

	if err := s.adapters.StartAll(runCtx); err != nil {
		s.logger.Warn("adapter start failed", "error", err)
	}

	s.logger.Info("gateway listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener and drains subsystems in dependency
// order.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.httpServer.Shutdown(ctx)
	if stopErr := s.adapters.StopAll(ctx); stopErr != nil {
		s.logger.Warn("adapter stop failed", "error", stopErr)
	}
	s.bus.Close()
	s.capability.Close()
	s.mcp.Close()
	if cerr := s.manifests.Close(); cerr != nil {
		s.logger.Warn("manifest watcher close failed", "error", cerr)
	}
	if cerr := s.auditLog.Close(); cerr != nil {
		s.logger.Warn("audit logger close failed", "error", cerr)
	}
	if cerr := s.stores.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// adapterFactories maps manifest channel types to adapter constructors.
var adapterFactories = map[string]func(channelID string, config map[string]any) (channels.Adapter, error){
	"slack": func(channelID string, config map[string]any) (channels.Adapter, error) {
		return channels.NewSlackAdapter(channelID, config)
	},
}

// loadAdapters builds adapters for every enabled channel. A channel
// whose adapter cannot be built is marked ERROR instead of blocking
// startup.
func (s *Server) loadAdapters(ctx context.Context) {
	configs, err := s.service.List(ctx)
	if err != nil {
		s.logger.Error("list channel configs", "error", err)
		return
	}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		decrypted, err := s.service.DecryptedConfig(ctx, cfg.ChannelID)
		if err != nil {
			s.failChannel(ctx, cfg.ChannelID, err)
			continue
		}
		typeID, _ := decrypted["channel_type"].(string)
		factory, ok := adapterFactories[typeID]
		if !ok {
			s.failChannel(ctx, cfg.ChannelID, fmt.Errorf("no adapter for channel type %q", typeID))
			continue
		}
		adapter, err := factory(cfg.ChannelID, decrypted)
		if err != nil {
			s.failChannel(ctx, cfg.ChannelID, err)
			continue
		}
		s.adapters.Register(adapter)
		s.logger.Info("channel adapter registered", "channel_id", cfg.ChannelID, "type", typeID)
	}
}

func (s *Server) failChannel(ctx context.Context, channelID string, err error) {
	s.logger.Error("channel adapter unavailable", "channel_id", channelID, "error", err)
	if merr := s.service.MarkError(ctx, channelID, err.Error()); merr != nil {
		s.logger.Warn("mark channel error failed", "channel_id", channelID, "error", merr)
	}
}

func (s *Server) expireDecisions(ctx context.Context) {
	ticker := time.NewTicker(decisionExpiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.queue.ExpireStale(ctx)
			if err != nil {
				s.logger.Warn("decision expiry sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("expired stale decisions", "count", n)
			}
		}
	}
}
