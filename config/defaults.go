// =============================================================================
// 📦 queenbee 默认配置
// =============================================================================
// 组件默认值来自各包的 DefaultConfig，这里只补基础设施部分
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/queenbee/agent/board"
	"github.com/BaSui01/queenbee/agent/bus"
	"github.com/BaSui01/queenbee/agent/registry"
	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/llm"
	"github.com/BaSui01/queenbee/llm/budget"
	"github.com/BaSui01/queenbee/orchestrator"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Storage:   DefaultStorageConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Mongo:     DefaultMongoConfig(),

		Bus:      bus.DefaultConfig(),
		Board:    board.DefaultConfig(),
		Registry: registry.DefaultConfig(),
		LLM: LLMConfig{
			Gateway: llm.DefaultConfig(),
			Budget:  budget.DefaultConfig(),
		},
		Decision:     decision.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxConnections:  1000,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		JWTIssuer:       "queenbee",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "queenbee",
		SampleRate:   0.1,
	}
}

// DefaultStorageConfig 全部使用内存存储，单进程即可运行
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Ledger:    BackendMemory,
		Approvals: BackendMemory,
		Board:     BackendMemory,
		Sessions:  BackendMemory,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "queenbee",
		Name:            "queenbee",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "queenbee:",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		Database:   "queenbee",
		Collection: "ledger",
		Timeout:    10 * time.Second,
	}
}
