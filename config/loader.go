// =============================================================================
// 📦 queenbee 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("queenbee.yaml").
//	    WithEnvPrefix("QUEENBEE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量 → 验证器
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/queenbee/agent/board"
	"github.com/BaSui01/queenbee/agent/bus"
	"github.com/BaSui01/queenbee/agent/registry"
	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/ledger"
	"github.com/BaSui01/queenbee/llm"
	"github.com/BaSui01/queenbee/llm/budget"
	"github.com/BaSui01/queenbee/orchestrator"
	"github.com/BaSui01/queenbee/providers"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix 环境变量前缀
const DefaultEnvPrefix = "QUEENBEE"

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 queenbee 的完整配置结构。组件配置直接复用各包自己的类型。
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" json:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry" env:"TELEMETRY"`

	// Storage 选择看板、会话、账本和审批的存储后端
	Storage  StorageConfig  `yaml:"storage" json:"storage" env:"STORAGE"`
	Database DatabaseConfig `yaml:"database" json:"database" env:"DATABASE"`
	Redis    RedisConfig    `yaml:"redis" json:"redis" env:"REDIS"`
	Mongo    MongoConfig    `yaml:"mongo" json:"mongo" env:"MONGO"`

	Bus          bus.Config          `yaml:"bus" json:"bus" env:"BUS"`
	Board        board.Config        `yaml:"board" json:"board" env:"BOARD"`
	Registry     registry.Config     `yaml:"registry" json:"registry" env:"REGISTRY"`
	LLM          LLMConfig           `yaml:"llm" json:"llm" env:"LLM"`
	Decision     decision.Config     `yaml:"decision" json:"decision" env:"DECISION"`
	Ledger       ledger.Config       `yaml:"ledger" json:"ledger" env:"LEDGER"`
	Orchestrator orchestrator.Config `yaml:"orchestrator" json:"orchestrator" env:"ORCHESTRATOR"`

	// Source 静态指标源，链上采集器接入前使用
	Source SourceConfig `yaml:"source" json:"source" env:"-"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" json:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" json:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 同时处理的最大连接数，0 表示不限
	MaxConnections int `yaml:"max_connections" json:"max_connections" env:"MAX_CONNECTIONS"`

	RateLimitRPS   int `yaml:"rate_limit_rps" json:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int `yaml:"rate_limit_burst" json:"rate_limit_burst" env:"RATE_LIMIT_BURST"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" json:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`

	// JWTSecret 保护审批和切换 Provider 等管理接口，为空时管理接口关闭
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer string `yaml:"jwt_issuer" json:"jwt_issuer" env:"JWT_ISSUER"`

	// 证书和私钥都配置时以 HTTPS 监听
	TLSCertFile string `yaml:"tls_cert_file" json:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" json:"tls_key_file" env:"TLS_KEY_FILE"`
}

// TLSEnabled 是否以 HTTPS 监听
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" json:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format           string   `yaml:"format" json:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" json:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" json:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" json:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" json:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate" env:"SAMPLE_RATE"`
}

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendDatabase = "database"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// StorageConfig 各状态存储的后端。Ledger 支持全部四种，审批只支持 memory 和 database，
// 看板与会话支持 memory 和 redis。
type StorageConfig struct {
	Ledger    string `yaml:"ledger" json:"ledger" env:"LEDGER"`
	Approvals string `yaml:"approvals" json:"approvals" env:"APPROVALS"`
	Board     string `yaml:"board" json:"board" env:"BOARD"`
	Sessions  string `yaml:"sessions" json:"sessions" env:"SESSIONS"`
	// BusHistory 为 true 时消息历史同时写入 Redis
	BusHistory bool `yaml:"bus_history" json:"bus_history" env:"BUS_HISTORY"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver   string `yaml:"driver" json:"driver" env:"DRIVER"`
	Host     string `yaml:"host" json:"host" env:"HOST"`
	Port     int    `yaml:"port" json:"port" env:"PORT"`
	User     string `yaml:"user" json:"user" env:"USER"`
	Password string `yaml:"password" json:"password" env:"PASSWORD"`
	// Name 数据库名，sqlite 时为文件路径
	Name    string `yaml:"name" json:"name" env:"NAME"`
	SSLMode string `yaml:"ssl_mode" json:"ssl_mode" env:"SSL_MODE"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr         string `yaml:"addr" json:"addr" env:"ADDR"`
	Password     string `yaml:"password" json:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" json:"db" env:"DB"`
	KeyPrefix    string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`
	PoolSize     int    `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" json:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	TLS          bool   `yaml:"tls" json:"tls" env:"TLS"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri" env:"URI"`
	Database string `yaml:"database" json:"database" env:"DATABASE"`
	// Collection 账本集合名前缀
	Collection string        `yaml:"collection" json:"collection" env:"COLLECTION"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
}

// LLMConfig LLM 网关、后端与预算配置
type LLMConfig struct {
	Gateway   llm.Config         `yaml:"gateway" json:"gateway" env:"GATEWAY"`
	Providers []providers.Config `yaml:"providers" json:"providers" env:"-"`
	Budget    budget.Config      `yaml:"budget" json:"budget" env:"BUDGET"`
}

// SourceConfig 静态指标源
type SourceConfig struct {
	Static decision.Metrics `yaml:"static" json:"static"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithEnvLookup 替换环境变量来源，用于测试
func (l *Loader) WithEnvLookup(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// ConfigPath 返回配置文件路径
func (l *Loader) ConfigPath() string { return l.configPath }

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	l.loadProviderKeys(cfg)

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段。没有 env tag 的字段使用大写的 yaml 名。
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		name := envName(fieldType)
		if name == "" {
			continue
		}
		envKey := prefix + "_" + name

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := l.lookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func envName(f reflect.StructField) string {
	if tag, ok := f.Tag.Lookup("env"); ok {
		if tag == "-" {
			return ""
		}
		return tag
	}
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if name == "" || name == "-" {
		return ""
	}
	return strings.ToUpper(name)
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔，元素为字符串类型（含 board.Category 这类命名类型）
		elem := field.Type().Elem()
		if elem.Kind() != reflect.String {
			return nil
		}
		parts := splitList(value)
		out := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			out.Index(i).SetString(p)
		}
		field.Set(out)

	case reflect.Map:
		// key=value,key=value，值为数字
		if field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.Float64 {
			return nil
		}
		m := reflect.MakeMap(field.Type())
		for _, pair := range splitList(value) {
			k, raw, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("malformed map entry %q", pair)
			}
			f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return err
			}
			m.SetMapIndex(reflect.ValueOf(strings.TrimSpace(k)).Convert(field.Type().Key()), reflect.ValueOf(f))
		}
		field.Set(m)
	}
	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return slices.DeleteFunc(parts, func(s string) bool { return s == "" })
}

// loadProviderKeys 从 <PREFIX>_LLM_<NAME>_API_KEY 补齐未写入文件的密钥
func (l *Loader) loadProviderKeys(cfg *Config) {
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		key := l.envPrefix + "_LLM_" + strings.ToUpper(strings.ReplaceAll(p.ProviderName(), "-", "_")) + "_API_KEY"
		if v, ok := l.lookupEnv(key); ok && v != "" {
			p.APIKey = v
		}
	}
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		add("invalid HTTP port %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		add("invalid metrics port %d", c.Server.MetricsPort)
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		add("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("invalid log level %q", c.Log.Level)
	}

	if !slices.Contains([]string{BackendMemory, BackendDatabase, BackendRedis, BackendMongo}, c.Storage.Ledger) {
		add("unsupported ledger backend %q", c.Storage.Ledger)
	}
	if !slices.Contains([]string{BackendMemory, BackendDatabase}, c.Storage.Approvals) {
		add("unsupported approvals backend %q", c.Storage.Approvals)
	}
	if !slices.Contains([]string{BackendMemory, BackendRedis}, c.Storage.Board) {
		add("unsupported board backend %q", c.Storage.Board)
	}
	if !slices.Contains([]string{BackendMemory, BackendRedis}, c.Storage.Sessions) {
		add("unsupported sessions backend %q", c.Storage.Sessions)
	}
	if c.UsesBackend(BackendDatabase) && !slices.Contains([]string{"postgres", "mysql", "sqlite"}, c.Database.Driver) {
		add("unsupported database driver %q", c.Database.Driver)
	}
	if c.UsesBackend(BackendMongo) && c.Mongo.URI == "" {
		add("mongo.uri is required for the mongo backend")
	}

	names := make(map[string]bool, len(c.LLM.Providers))
	for _, p := range c.LLM.Providers {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
		if names[p.ProviderName()] {
			add("duplicate provider %q", p.ProviderName())
		}
		names[p.ProviderName()] = true
	}

	if err := ValidateDecision(c.Decision); err != nil {
		errs = append(errs, err)
	}
	for resource, ceiling := range c.Ceilings() {
		if ceiling < 0 {
			add("ceiling for %s must not be negative", resource)
		}
	}
	if r := c.Orchestrator.DegradedRatio; r < 0 || r > 1 {
		add("orchestrator.degraded_ratio must be within [0, 1]")
	}
	if c.Orchestrator.DailyAt < 0 || c.Orchestrator.DailyAt >= 24*time.Hour {
		add("orchestrator.daily_at must be within a day")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateDecision 检查决策阈值，热重载前也会调用
func ValidateDecision(d decision.Config) error {
	var errs []error
	if d.DeviationThresholdBps <= 0 {
		errs = append(errs, errors.New("decision.deviation_threshold_bps must be positive"))
	}
	if d.SlippageBound <= 0 || d.SlippageBound >= 1 {
		errs = append(errs, errors.New("decision.slippage_bound must be within (0, 1)"))
	}
	if d.AutoExecuteCeiling < 0 {
		errs = append(errs, errors.New("decision.auto_execute_ceiling must not be negative"))
	}
	if d.LowAPY > d.BaseAPY || d.BaseAPY > d.HighAPY {
		errs = append(errs, errors.New("decision APYs must satisfy low <= base <= high"))
	}
	if d.StressedTreasury > d.HealthyTreasury {
		errs = append(errs, errors.New("decision.stressed_treasury must not exceed healthy_treasury"))
	}
	return errors.Join(errs...)
}

// Ceilings 合并决策默认额度与账本显式额度，后者优先
func (c *Config) Ceilings() map[string]float64 {
	out := make(map[string]float64, len(c.Decision.DailyCeilings)+len(c.Ledger.Ceilings))
	for k, v := range c.Decision.DailyCeilings {
		out[k] = v
	}
	for k, v := range c.Ledger.Ceilings {
		out[k] = v
	}
	return out
}

// UsesBackend 报告是否有存储使用该后端
func (c *Config) UsesBackend(backend string) bool {
	s := c.Storage
	if backend == BackendRedis && s.BusHistory {
		return true
	}
	return s.Ledger == backend || s.Approvals == backend || s.Board == backend || s.Sessions == backend
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
