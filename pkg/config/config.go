package config

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"quotehub.com/pkg/logger"
)

// LoadAndWatch 读取 config/{service}.yaml 并监听文件变更。
// 变更后解析成一份新的 T 交给 onChange，已返回的那份不会被改写，解析失败的改动直接忽略。
func LoadAndWatch[T any](service string, onChange func(*T)) (*T, *viper.Viper, error) {
	v, err := open(service)
	if err != nil {
		return nil, nil, err
	}
	out := new(T)
	if err := v.Unmarshal(out); err != nil {
		return nil, nil, err
	}
	logger.Info(context.Background(), "config loaded", zap.String("service", service), zap.String("file", v.ConfigFileUsed()))
	if onChange == nil {
		return out, v, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		ctx := context.Background()
		next := new(T)
		if err := v.Unmarshal(next); err != nil {
			logger.Error(ctx, "reload config error", zap.String("service", service), zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info(ctx, "config reloaded", zap.String("service", service), zap.String("file", e.Name))
		onChange(next)
	})
	v.WatchConfig()
	return out, v, nil
}

// Load 只读一次，不监听
func Load[T any](service string) (*T, error) {
	v, err := open(service)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	return out, nil
}

// open 环境变量覆盖文件，例如 QUOTEHUB_ADMIN_ADDR 覆盖 admin.addr
func open(service string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix(strings.ToUpper(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v, nil
}
