package orm

import (
	"fmt"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	DSN         string `yaml:"dsn" mapstructure:"dsn"`                   // 连接字符串
	MaxIdle     int    `yaml:"max_idle" mapstructure:"max_idle"`         // 最大空闲连接
	MaxOpen     int    `yaml:"max_open" mapstructure:"max_open"`         // 最大打开连接
	MaxLifetime int    `yaml:"max_lifetime" mapstructure:"max_lifetime"` // 连接存活秒数
	LogSQL      bool   `yaml:"log_sql" mapstructure:"log_sql"`
}

// NewMySQL 初始化 GORM，错误里的 DSN 去掉密码
func NewMySQL(c *Config) (*gorm.DB, error) {
	mode := logger.Warn
	if c.LogSQL {
		mode = logger.Info
	}
	db, err := gorm.Open(mysql.Open(c.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(mode),
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql %s: %w", Redact(c.DSN), err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 连接池
	if c.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdle)
	}
	if c.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpen)
	}
	if c.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(c.MaxLifetime) * time.Second)
	}
	return db, nil
}

// Redact 解析失败时整串隐藏
func Redact(dsn string) string {
	cfg, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return "<invalid dsn>"
	}
	if cfg.Passwd != "" {
		cfg.Passwd = "***"
	}
	return cfg.FormatDSN()
}
