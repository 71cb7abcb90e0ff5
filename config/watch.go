package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"spot-trader-go/infrastructure/logger"
)

// Watcher 监听配置文件变化，重新加载并回调最新配置。
// 监听所在目录而不是文件本身，编辑器先写临时文件再 rename 的方式也能收到事件。
type Watcher struct {
	Path     string
	Cooldown time.Duration // 两次重载的最小间隔，避免一次保存触发多次
	Logger   *logger.Logger
}

// Start 阻塞直到 ctx 结束；加载失败的版本会被跳过，不回调。
func (w Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	if w.Logger == nil {
		w.Logger = logger.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	target := filepath.Clean(w.Path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	var lastReload time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			// 只处理写入和创建事件
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if time.Since(lastReload) < w.Cooldown {
				continue
			}
			cfg, err := LoadWithEnvOverrides(target)
			if err != nil {
				w.Logger.Warn("config reload skipped", zap.String("path", target), zap.Error(err))
				continue
			}
			lastReload = time.Now()
			w.Logger.Info("config reloaded", zap.String("path", target), zap.Bool("halt", cfg.Order.Halt))
			if onUpdate != nil {
				onUpdate(cfg)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			// 记录错误但继续监听
			w.Logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
