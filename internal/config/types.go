package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Entity     EntityConfig     `mapstructure:"entity"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Completion CompletionConfig `mapstructure:"completion"`
	Settlement SettlementConfig `mapstructure:"settlement"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// HTTPConfig 描述网关监听参数。
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// EntityConfig 控制实体 actor 的生命周期。
type EntityConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// WorkflowConfig 控制编排流程。
type WorkflowConfig struct {
	EventTimeout time.Duration `mapstructure:"event_timeout"`
}

// ExecutionConfig 控制成交执行。
type ExecutionConfig struct {
	Delay      time.Duration `mapstructure:"delay"`
	MaxRetry   int           `mapstructure:"max_retry"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// CompletionConfig 控制执行完成轮询。
type CompletionConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// SettlementConfig 控制结算信息。
type SettlementConfig struct {
	CompletedBy string `mapstructure:"completed_by"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.HTTP.Addr == "" {
		err = multierr.Append(err, errors.New("http.addr 不能为空"))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("http.shutdown_timeout 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Entity.IdleTimeout <= 0 {
		err = multierr.Append(err, errors.New("entity.idle_timeout 必须大于0"))
	}
	if c.Workflow.EventTimeout <= 0 {
		err = multierr.Append(err, errors.New("workflow.event_timeout 必须大于0"))
	}
	if c.Execution.Delay < 0 {
		err = multierr.Append(err, errors.New("execution.delay 不能为负"))
	}
	if c.Execution.MaxRetry <= 0 {
		err = multierr.Append(err, errors.New("execution.max_retry 必须大于0"))
	}
	if c.Execution.RetryDelay < 0 {
		err = multierr.Append(err, errors.New("execution.retry_delay 不能为负"))
	}
	if c.Completion.MaxRetries <= 0 {
		err = multierr.Append(err, errors.New("completion.max_retries 必须大于0"))
	}
	if c.Completion.RetryInterval <= 0 {
		err = multierr.Append(err, errors.New("completion.retry_interval 必须大于0"))
	}
	if c.Settlement.CompletedBy == "" {
		err = multierr.Append(err, errors.New("settlement.completed_by 不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
