// 配置热重载管理器。
//
// 只有日志级别、决策阈值和每日额度在运行时生效，其余字段的变更会被记录并标记为需要重启。
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/decision"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ConfigChange 代表一个字段的变更
type ConfigChange struct {
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source"`
	Path            string    `json:"path"`
	OldValue        any       `json:"old_value,omitempty"`
	NewValue        any       `json:"new_value,omitempty"`
	RequiresRestart bool      `json:"requires_restart"`
	Applied         bool      `json:"applied"`
}

// ConfigSnapshot 配置版本记录
type ConfigSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
}

// ReloadCallback 新配置生效后调用
type ReloadCallback func(oldConfig, newConfig *Config)

// DecisionTarget 接收新的决策阈值
type DecisionTarget interface {
	UpdateConfig(decision.Config)
}

// CeilingTarget 接收新的每日额度
type CeilingTarget interface {
	SetCeiling(resource string, ceiling float64)
	Resources() []string
}

// hotReloadable 列出运行时生效的字段前缀
var hotReloadable = []string{
	"Log.Level",
	"Decision.",
	"Ledger.Ceilings",
}

// IsHotReloadable reports whether a change to path applies without restart.
func IsHotReloadable(path string) bool {
	for _, p := range hotReloadable {
		if path == p || (strings.HasSuffix(p, ".") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

var sensitiveKeys = []string{"password", "api_key", "apikey", "secret", "credential"}

// isSensitive matches field paths ("Mongo.URI") and JSON keys ("api_key").
func isSensitive(path string) bool {
	lower := strings.ToLower(path)
	if lower == "uri" || strings.HasSuffix(lower, ".uri") {
		return true
	}
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// HotReloadOption configures a HotReloadManager.
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger sets the logger.
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithLogLevel lets reloads change the level of the root logger.
func WithLogLevel(level zap.AtomicLevel) HotReloadOption {
	return func(m *HotReloadManager) { m.level = &level }
}

// WithDecisionTarget forwards decision threshold changes.
func WithDecisionTarget(t DecisionTarget) HotReloadOption {
	return func(m *HotReloadManager) { m.engine = t }
}

// WithCeilingTarget forwards ceiling changes.
func WithCeilingTarget(t CeilingTarget) HotReloadOption {
	return func(m *HotReloadManager) { m.ceilings = t }
}

// WithMaxHistorySize bounds the change log and version history.
func WithMaxHistorySize(size int) HotReloadOption {
	return func(m *HotReloadManager) {
		if size > 0 {
			m.maxHistory = size
		}
	}
}

// WithDebounce sets the file watcher debounce delay.
func WithDebounce(d time.Duration) HotReloadOption {
	return func(m *HotReloadManager) { m.debounce = d }
}

// HotReloadManager 管理配置热重载
type HotReloadManager struct {
	mu sync.RWMutex

	config     *Config
	loader     *Loader
	watcher    *FileWatcher
	debounce   time.Duration
	maxHistory int

	level    *zap.AtomicLevel
	engine   DecisionTarget
	ceilings CeilingTarget

	callbacks []ReloadCallback
	changeLog []ConfigChange
	history   []ConfigSnapshot

	logger *zap.Logger
}

// NewHotReloadManager creates a manager starting from cfg. loader is used
// for file reloads and may be nil when only ApplyConfig is used.
func NewHotReloadManager(cfg *Config, loader *Loader, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:     deepCopyConfig(cfg),
		loader:     loader,
		maxHistory: 20,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "config_reload"))
	m.pushHistory(m.config, "initial")
	return m
}

// Start watches the loader's config file. Without a file it does nothing.
func (m *HotReloadManager) Start(ctx context.Context) error {
	if m.loader == nil || m.loader.ConfigPath() == "" {
		return nil
	}
	w, err := NewFileWatcher([]string{m.loader.ConfigPath()},
		WithDebounceDelay(m.debounce),
		WithWatcherLogger(m.logger),
	)
	if err != nil {
		return err
	}
	w.OnChange(func(evt FileEvent) {
		if evt.Op == FileOpRemove || evt.Op == FileOpChmod {
			return
		}
		if err := m.ReloadFromFile(); err != nil {
			m.logger.Error("config reload failed, keeping current config", zap.Error(err))
		}
	})
	if err := w.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()
	return nil
}

// Stop stops the file watcher.
func (m *HotReloadManager) Stop() error {
	m.mu.Lock()
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Stop()
}

// OnReload registers a callback run after each applied reload.
func (m *HotReloadManager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// ReloadFromFile loads, validates and applies the config file.
func (m *HotReloadManager) ReloadFromFile() error {
	if m.loader == nil {
		return fmt.Errorf("no loader configured")
	}
	cfg, err := m.loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err = m.ApplyConfig(cfg, "file")
	return err
}

// ApplyConfig diffs newConfig against the current one and pushes the
// hot-reloadable parts to their targets. Invalid decision thresholds reject
// the whole update.
func (m *HotReloadManager) ApplyConfig(newConfig *Config, source string) ([]ConfigChange, error) {
	if err := ValidateDecision(newConfig.Decision); err != nil {
		return nil, err
	}
	var level zapcore.Level
	if err := level.Set(newConfig.Log.Level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", newConfig.Log.Level, err)
	}

	m.mu.Lock()
	old := m.config
	now := time.Now()
	changes := detectChanges(old, newConfig)
	if len(changes) == 0 {
		m.mu.Unlock()
		return nil, nil
	}

	var decisionChanged, ceilingsChanged bool
	for i := range changes {
		c := &changes[i]
		c.Timestamp, c.Source = now, source
		c.RequiresRestart = !IsHotReloadable(c.Path)
		c.Applied = !c.RequiresRestart
		if isSensitive(c.Path) {
			c.OldValue, c.NewValue = "[REDACTED]", "[REDACTED]"
		}
		switch {
		case strings.HasPrefix(c.Path, "Decision.DailyCeilings"), strings.HasPrefix(c.Path, "Ledger.Ceilings"):
			ceilingsChanged = true
			decisionChanged = decisionChanged || strings.HasPrefix(c.Path, "Decision.")
		case strings.HasPrefix(c.Path, "Decision."):
			decisionChanged = true
		}
	}

	if m.level != nil && m.level.Level() != level {
		m.level.SetLevel(level)
	}
	if decisionChanged && m.engine != nil {
		m.engine.UpdateConfig(newConfig.Decision)
	}
	if ceilingsChanged && m.ceilings != nil {
		next := newConfig.Ceilings()
		for _, r := range m.ceilings.Resources() {
			if _, ok := next[r]; !ok {
				// 从配置中移除的额度视为不限
				m.ceilings.SetCeiling(r, 0)
			}
		}
		for _, r := range slices.Sorted(maps.Keys(next)) {
			m.ceilings.SetCeiling(r, next[r])
		}
	}

	m.config = deepCopyConfig(newConfig)
	m.changeLog = append(m.changeLog, changes...)
	if over := len(m.changeLog) - m.maxHistory; over > 0 {
		m.changeLog = slices.Clone(m.changeLog[over:])
	}
	m.pushHistory(m.config, source)
	callbacks := slices.Clone(m.callbacks)
	current := deepCopyConfig(m.config)
	m.mu.Unlock()

	for _, c := range changes {
		m.logChange(c)
	}
	for _, cb := range callbacks {
		m.safeCallback(cb, old, current)
	}
	return changes, nil
}

func (m *HotReloadManager) safeCallback(cb ReloadCallback, old, cur *Config) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("reload callback panicked", zap.Any("recover", r))
		}
	}()
	cb(old, cur)
}

func (m *HotReloadManager) logChange(c ConfigChange) {
	fields := []zap.Field{
		zap.String("path", c.Path),
		zap.String("source", c.Source),
		zap.Bool("requires_restart", c.RequiresRestart),
		zap.Any("old_value", c.OldValue),
		zap.Any("new_value", c.NewValue),
	}
	if c.RequiresRestart {
		m.logger.Warn("configuration changed, restart required", fields...)
		return
	}
	m.logger.Info("configuration changed", fields...)
}

// pushHistory 调用方持有锁或处于构造阶段
func (m *HotReloadManager) pushHistory(cfg *Config, source string) {
	version := 1
	if n := len(m.history); n > 0 {
		version = m.history[n-1].Version + 1
	}
	m.history = append(m.history, ConfigSnapshot{
		Timestamp: time.Now(),
		Source:    source,
		Version:   version,
		Checksum:  checksum(cfg),
	})
	if over := len(m.history) - m.maxHistory; over > 0 {
		m.history = slices.Clone(m.history[over:])
	}
}

// Config returns a copy of the current config.
func (m *HotReloadManager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return deepCopyConfig(m.config)
}

// Version returns the current config version.
func (m *HotReloadManager) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history[len(m.history)-1].Version
}

// History returns the version history, oldest first.
func (m *HotReloadManager) History() []ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history)
}

// Changes returns the most recent changes, newest last. limit <= 0 returns all.
func (m *HotReloadManager) Changes(limit int) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.changeLog
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return slices.Clone(out)
}

// SanitizedConfig returns the current config as a map with secrets redacted.
func (m *HotReloadManager) SanitizedConfig() map[string]any {
	m.mu.RLock()
	data, err := json.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	redact(out)
	return out
}

func redact(data map[string]any) {
	for key, value := range data {
		if s, ok := value.(string); ok && s != "" && isSensitive(key) {
			data[key] = "[REDACTED]"
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			redact(v)
		case []any:
			for _, item := range v {
				if nested, ok := item.(map[string]any); ok {
					redact(nested)
				}
			}
		}
	}
}

// detectChanges 递归比较结构体字段，路径形如 "Decision.SlippageBound"
func detectChanges(oldConfig, newConfig *Config) []ConfigChange {
	var changes []ConfigChange
	compareStructs("", reflect.ValueOf(oldConfig).Elem(), reflect.ValueOf(newConfig).Elem(), &changes)
	return changes
}

var timeType = reflect.TypeOf(time.Time{})

func compareStructs(prefix string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Type.Kind() == reflect.Func {
			continue
		}
		path := field.Name
		if prefix != "" {
			path = prefix + "." + field.Name
		}

		o, n := oldVal.Field(i), newVal.Field(i)
		if o.Kind() == reflect.Struct && o.Type() != timeType {
			compareStructs(path, o, n, changes)
			continue
		}
		if !reflect.DeepEqual(o.Interface(), n.Interface()) {
			*changes = append(*changes, ConfigChange{
				Path:     path,
				OldValue: o.Interface(),
				NewValue: n.Interface(),
			})
		}
	}
}

// deepCopyConfig 通过 JSON 往返深拷贝，函数字段会被丢弃
func deepCopyConfig(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copied Config
	if err := json.Unmarshal(data, &copied); err != nil {
		return cfg
	}
	return &copied
}

func checksum(cfg *Config) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}
