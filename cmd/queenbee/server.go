package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/agent"
	"github.com/BaSui01/queenbee/agent/approval"
	"github.com/BaSui01/queenbee/agent/board"
	"github.com/BaSui01/queenbee/agent/bus"
	"github.com/BaSui01/queenbee/agent/registry"
	"github.com/BaSui01/queenbee/api/handlers"
	"github.com/BaSui01/queenbee/config"
	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/internal/cache"
	"github.com/BaSui01/queenbee/internal/database"
	"github.com/BaSui01/queenbee/internal/metrics"
	"github.com/BaSui01/queenbee/internal/migration"
	"github.com/BaSui01/queenbee/internal/server"
	"github.com/BaSui01/queenbee/internal/telemetry"
	"github.com/BaSui01/queenbee/internal/tlsutil"
	"github.com/BaSui01/queenbee/ledger"
	"github.com/BaSui01/queenbee/llm"
	"github.com/BaSui01/queenbee/llm/budget"
	"github.com/BaSui01/queenbee/llm/tokenizer"
	"github.com/BaSui01/queenbee/orchestrator"
	"github.com/BaSui01/queenbee/providers/factory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

const (
	defaultMetricsNamespace = "queenbee"
	// analystBee 在配置了 LLM 后端时处理分析类任务
	analystBee     = "analyst"
	sessionTTL     = 24 * time.Hour
	dbStatsPeriod  = 30 * time.Second
	budgetAlertTTL = time.Hour
)

// analystKinds 是 analyst 接受的任务类型
var analystKinds = []string{"analysis", "summary", "report"}

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 组装 Queen 及其依赖，并对外提供 API 和指标端口
type Server struct {
	cfg    *config.Config
	loader *config.Loader
	level  zap.AtomicLevel
	logger *zap.Logger

	// migrate 为 true 时启动前执行 migrate up
	migrate   bool
	namespace string

	collector *metrics.Collector
	telemetry *telemetry.Providers

	pool  *database.PoolManager
	cache *cache.Manager
	mongo *mongo.Client

	bus       *bus.Bus
	board     *board.Board
	registry  *registry.Registry
	gateway   *llm.Gateway
	budget    *budget.Manager
	engine    *decision.Engine
	ledger    *ledger.Ledger
	approvals *approval.Queue
	queen     *orchestrator.Queen

	hotReload *config.HotReloadManager

	httpManager    *server.Manager
	metricsManager *server.Manager

	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	shutdownOnce sync.Once
}

// NewServer 创建服务器。loader 为 nil 时配置 API 不支持从文件重载。
func NewServer(cfg *config.Config, loader *config.Loader, level zap.AtomicLevel, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		loader:    loader,
		level:     level,
		logger:    logger,
		namespace: defaultMetricsNamespace,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 按依赖顺序初始化组件并开始监听。任一步失败时释放已创建的资源。
func (s *Server) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			_ = s.Shutdown(context.Background())
		}
	}()

	s.collector = metrics.NewCollector(s.namespace, s.logger)

	if s.telemetry, err = telemetry.Init(ctx, s.cfg.Telemetry, telemetry.WithLogger(s.logger), telemetry.WithVersion(Version)); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	if s.migrate {
		if err = s.runMigrations(ctx); err != nil {
			return err
		}
	}
	if err = s.initStorage(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if err = s.initCore(); err != nil {
		return fmt.Errorf("init core: %w", err)
	}
	if err = s.initHotReload(ctx); err != nil {
		return fmt.Errorf("init hot reload: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	s.startBackground(bgCtx)

	if err = s.startBees(); err != nil {
		return fmt.Errorf("start bees: %w", err)
	}
	if err = s.queen.Start(bgCtx); err != nil {
		return fmt.Errorf("start queen: %w", err)
	}

	if err = s.startHTTPServer(bgCtx); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err = s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("queenbee started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
		zap.Bool("tls", s.cfg.Server.TLSEnabled()),
		zap.Bool("hot_reload", s.loader != nil && s.loader.ConfigPath() != ""),
	)
	return nil
}

// Run 启动服务并阻塞到 ctx 结束或任一监听器出错，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case runErr = <-s.httpManager.Errors():
		s.logger.Error("HTTP server failed", zap.Error(runErr))
	case runErr = <-s.metricsManager.Errors():
		s.logger.Error("metrics server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, s.Shutdown(shutdownCtx))
}

// runMigrations 使用独立连接执行迁移，关闭迁移器不会影响服务的连接池
func (s *Server) runMigrations(ctx context.Context) error {
	if !s.cfg.UsesBackend(config.BackendDatabase) {
		s.logger.Info("no store uses the database, skipping migrations")
		return nil
	}
	m, err := migration.NewMigratorFromDatabaseConfig(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// initStorage 只连接配置中实际用到的后端
func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.UsesBackend(config.BackendDatabase) {
		pool, err := database.Open(s.cfg.Database.Driver, s.cfg.Database.DSN(), database.PoolConfig{
			MaxOpenConns:        s.cfg.Database.MaxOpenConns,
			MaxIdleConns:        s.cfg.Database.MaxIdleConns,
			ConnMaxLifetime:     s.cfg.Database.ConnMaxLifetime,
			HealthCheckInterval: dbStatsPeriod,
		}, s.logger)
		if err != nil {
			return err
		}
		s.pool = pool
	}

	if s.cfg.UsesBackend(config.BackendRedis) {
		cm, err := cache.NewManager(cache.Config{
			Addr:                s.cfg.Redis.Addr,
			Password:            s.cfg.Redis.Password,
			DB:                  s.cfg.Redis.DB,
			PoolSize:            s.cfg.Redis.PoolSize,
			MinIdleConns:        s.cfg.Redis.MinIdleConns,
			KeyPrefix:           s.cfg.Redis.KeyPrefix,
			HealthCheckInterval: dbStatsPeriod,
			TLS:                 s.cfg.Redis.TLS,
		}, s.logger, s.collector)
		if err != nil {
			return err
		}
		s.cache = cm
	}

	if s.cfg.UsesBackend(config.BackendMongo) {
		timeout := s.cfg.Mongo.Timeout
		if timeout <= 0 {
			timeout = config.DefaultMongoConfig().Timeout
		}
		opts := options.Client().ApplyURI(s.cfg.Mongo.URI).SetTimeout(timeout)
		client, err := mongo.Connect(opts)
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		s.mongo = client

		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := client.Ping(pingCtx, nil); err != nil {
			return fmt.Errorf("ping mongo: %w", err)
		}
		s.logger.Info("mongo connected", zap.String("database", s.cfg.Mongo.Database))
	}
	return nil
}

// initCore 创建总线、看板、注册表、网关、决策引擎、账本、审批队列和 Queen
func (s *Server) initCore() error {
	busOpts := []bus.Option{bus.WithMetrics(s.collector)}
	if s.cfg.Storage.BusHistory {
		busOpts = append(busOpts, bus.WithHistorySink(
			bus.NewRedisHistory(s.cache.Client(), s.cache.Key("bus", "history"), s.cfg.Bus.HistorySize)))
	}
	s.bus = bus.New(s.cfg.Bus, s.logger, busOpts...)

	var boardStore board.Store = board.NewMemoryStore()
	if s.cfg.Storage.Board == config.BackendRedis {
		boardStore = board.NewRedisStore(s.cache.Client(), s.cache.Key("board"))
	}
	s.board = board.New(s.cfg.Board, boardStore, s.bus, s.collector, s.logger)

	s.registry = registry.New(s.cfg.Registry, s.collector, s.logger)

	if err := s.initGateway(); err != nil {
		return err
	}

	s.engine = decision.NewEngine(s.cfg.Decision, s.logger, decision.WithMetrics(s.collector))

	var ledgerStore ledger.Store
	switch s.cfg.Storage.Ledger {
	case config.BackendDatabase:
		ledgerStore = ledger.NewGormStore(s.pool.DB())
	case config.BackendRedis:
		ledgerStore = ledger.NewRedisStore(s.cache.Client(), s.cache.Key("ledger"))
	case config.BackendMongo:
		ledgerStore = ledger.NewMongoStore(s.mongo.Database(s.cfg.Mongo.Database))
	default:
		ledgerStore = ledger.NewMemoryStore()
	}
	ledgerCfg := s.cfg.Ledger
	ledgerCfg.Ceilings = s.cfg.Ceilings()
	s.ledger = ledger.New(ledgerStore, ledgerCfg, s.collector, s.logger)

	var approvalStore approval.Store = approval.NewMemoryStore()
	if s.cfg.Storage.Approvals == config.BackendDatabase {
		approvalStore = approval.NewGormStore(s.pool.DB())
	}
	s.approvals = approval.NewQueue(approvalStore, s.logger)

	queen, err := orchestrator.New(s.cfg.Orchestrator, orchestrator.Deps{
		Bus:       s.bus,
		Board:     s.board,
		Registry:  s.registry,
		Gateway:   s.gateway,
		Engine:    s.engine,
		Ledger:    s.ledger,
		Approvals: s.approvals,
		Source:    orchestrator.NewStaticSource(s.cfg.Source.Static),
		Metrics:   s.collector,
		Logger:    s.logger,
	})
	if err != nil {
		return err
	}
	s.queen = queen
	return nil
}

// initGateway 没有配置任何 Provider 时不创建网关，chat 请求将返回不可用
func (s *Server) initGateway() error {
	if len(s.cfg.LLM.Providers) == 0 {
		s.logger.Info("no LLM providers configured, chat and analyst disabled")
		return nil
	}
	provs, err := factory.NewProviders(s.cfg.LLM.Providers, s.logger)
	if err != nil {
		return fmt.Errorf("create providers: %w", err)
	}

	var sessions llm.SessionStore = llm.NewMemorySessionStore()
	if s.cfg.Storage.Sessions == config.BackendRedis {
		sessions = llm.NewRedisSessionStore(s.cache.Client(), s.cache.Key("session"), sessionTTL)
	}

	s.budget = budget.NewManager(s.cfg.LLM.Budget, s.logger)
	s.budget.OnAlert(s.postBudgetAlert)

	s.gateway, err = llm.New(s.cfg.LLM.Gateway, provs, sessions, s.logger,
		llm.WithMetrics(s.collector),
		llm.WithBudget(s.budget),
		llm.WithTokenizer(tokenizer.NewDefaultRegistry()),
	)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return nil
}

// postBudgetAlert 把预算告警发到看板，供 Queen 和订阅者看到
func (s *Server) postBudgetAlert(a budget.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.board.Post(ctx, board.PostInput{
		Author:   "llm-budget",
		Category: board.CategoryGeneral,
		Title:    a.Message,
		Content: map[string]any{
			"type":      string(a.Type),
			"threshold": a.Threshold,
			"current":   a.Current,
		},
		Tags:     []string{"budget", string(a.Type)},
		Priority: 2,
		TTL:      budgetAlertTTL,
	})
	if err != nil {
		s.logger.Warn("failed to post budget alert", zap.Error(err))
	}
}

// initHotReload 热更新覆盖日志级别、决策参数和账本额度
func (s *Server) initHotReload(ctx context.Context) error {
	loader := s.loader
	if loader == nil {
		loader = config.NewLoader()
	}
	s.hotReload = config.NewHotReloadManager(s.cfg, loader,
		config.WithHotReloadLogger(s.logger),
		config.WithLogLevel(s.level),
		config.WithDecisionTarget(s.engine),
		config.WithCeilingTarget(s.ledger),
	)
	return s.hotReload.Start(ctx)
}

// startBackground 启动看板过期清理、注册表心跳扫描和连接池指标上报
func (s *Server) startBackground(ctx context.Context) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.board.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.registry.Run(ctx)
	}()

	if s.pool != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reportPoolStats(ctx)
		}()
	}
}

func (s *Server) reportPoolStats(ctx context.Context) {
	ticker := time.NewTicker(dbStatsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.pool.GetStats()
			s.collector.RecordDBConnections(s.cfg.Database.Driver, st.OpenConnections, st.Idle)
		}
	}
}

// startBees 启动执行者，有网关时再启动 analyst
func (s *Server) startBees() error {
	executor := s.cfg.Orchestrator.Executor
	if executor == "" {
		executor = orchestrator.DefaultConfig().Executor
	}
	if _, err := s.queen.AddBee(orchestrator.NewExecutorBee(executor, time.Now, s.logger), agent.DefaultWorkerConfig()); err != nil {
		return err
	}
	if s.gateway != nil {
		bee := agent.NewLLMBee(analystBee, s.gateway, llm.GenerateOptions{}, analystKinds...)
		if _, err := s.queen.AddBee(bee, agent.DefaultWorkerConfig()); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// Handler 构建带中间件的 API 路由
func (s *Server) Handler(ctx context.Context) http.Handler {
	health := handlers.NewHealthHandler(s.logger)
	health.AddCheck("queen", handlers.QueenCheck(s.queen))
	if s.pool != nil {
		health.AddCheck("database", s.pool.Ping)
	}
	if s.cache != nil {
		// 只承载总线历史时 Redis 故障不影响处理请求
		st := s.cfg.Storage
		if st.Ledger == config.BackendRedis || st.Board == config.BackendRedis || st.Sessions == config.BackendRedis {
			health.AddCheck("redis", s.cache.Ping)
		} else {
			health.AddOptionalCheck("redis", s.cache.Ping)
		}
	}
	if s.mongo != nil {
		health.AddCheck("mongo", func(ctx context.Context) error {
			return s.mongo.Ping(ctx, nil)
		})
	}

	requests := handlers.NewRequestHandler(s.queen, s.logger)
	proposals := handlers.NewProposalHandler(s.queen, s.logger)
	stream := handlers.NewBoardStreamHandler(s.board, handlers.BoardStreamConfig{
		OriginPatterns: s.cfg.Server.CORSAllowedOrigins,
	}, s.logger)
	cfgHandler := handlers.NewConfigHandler(s.hotReload, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))
	mux.HandleFunc("GET /v1/status", health.HandleStatus(s.queen))

	mux.HandleFunc("GET /v1/requests", requests.HandleSupported)
	mux.HandleFunc("POST /v1/requests", requests.HandleProcess)
	mux.HandleFunc("GET /v1/providers", requests.HandleListProviders)
	mux.HandleFunc("PUT /v1/providers/active", requests.HandleSwitchProvider)

	mux.HandleFunc("GET /v1/proposals", proposals.HandleList)
	mux.HandleFunc("GET /v1/proposals/{id}", proposals.HandleGet)
	mux.HandleFunc("POST /v1/proposals/{id}/approve", proposals.HandleApprove)
	mux.HandleFunc("POST /v1/proposals/{id}/reject", proposals.HandleReject)

	mux.HandleFunc("GET /v1/board/stream", stream.HandleStream)

	mux.HandleFunc("GET /v1/config", cfgHandler.HandleGet)
	mux.HandleFunc("GET /v1/config/changes", cfgHandler.HandleChanges)
	mux.HandleFunc("POST /v1/config/reload", cfgHandler.HandleReload)

	sc := s.cfg.Server
	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(sc.CORSAllowedOrigins),
		RateLimiter(ctx, float64(sc.RateLimitRPS), sc.RateLimitBurst, s.logger),
		JWTAuth(sc.JWTSecret, sc.JWTIssuer, s.logger),
	)
}

func (s *Server) startHTTPServer(ctx context.Context) error {
	sc := s.cfg.Server
	serverCfg := server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", sc.HTTPPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     2 * sc.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: sc.ShutdownTimeout,
		MaxConnections:  sc.MaxConnections,
	}
	if sc.TLSEnabled() {
		tlsCfg, err := tlsutil.ServerTLSConfig(sc.TLSCertFile, sc.TLSKeyFile)
		if err != nil {
			return err
		}
		serverCfg.TLS = tlsCfg
	}

	s.httpManager = server.NewManager(s.Handler(ctx), serverCfg, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	sc := s.cfg.Server
	s.metricsManager = server.NewManager(mux, server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", sc.MetricsPort),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     30 * time.Second,
		ShutdownTimeout: sc.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Shutdown 先停止接收请求，再停 Queen 和后台任务，最后关闭存储连接
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down")
		err = s.release(ctx)
		s.logger.Info("shutdown complete")
	})
	return err
}

// release 按启动的逆序释放资源，未创建的组件跳过
func (s *Server) release(ctx context.Context) error {
	var errs []error
	if s.httpManager != nil {
		errs = append(errs, s.httpManager.Shutdown(ctx))
	}
	if s.metricsManager != nil {
		errs = append(errs, s.metricsManager.Shutdown(ctx))
	}
	if s.queen != nil {
		errs = append(errs, s.queen.Stop())
	}
	if s.hotReload != nil {
		errs = append(errs, s.hotReload.Stop())
	}
	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.wg.Wait()
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.pool != nil {
		errs = append(errs, s.pool.Close())
	}
	if s.mongo != nil {
		errs = append(errs, s.mongo.Disconnect(ctx))
	}
	if s.telemetry != nil {
		errs = append(errs, s.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
