package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"time"

	"natpool/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// PerformanceHook 性能监控钩子
type PerformanceHook struct{}

// Levels 返回支持的日志级别
func (h *PerformanceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 处理日志事件
func (h *PerformanceHook) Fire(entry *logrus.Entry) error {
	entry.Data["goroutines"] = runtime.NumGoroutine()
	return nil
}

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "natpool",
	Short: "NAT 地址池与端口分配服务",
	Long: `natpool 管理一组公网 IPv4 地址，为每个工作线程在独占的端口区间内
分配 (地址, 端口) 转换，支持运行时增删池地址、会话表、公网地址发现和HTTP管理。`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (debug, info, warn, error)，覆盖配置文件")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig 加载配置；未显式指定且默认文件不存在时使用默认配置
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("加载配置文件失败: %w", err)
	}
	return cfg, nil
}

// newLogger 按配置创建日志
func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	levelName := cfg.Log.Level
	if logLevel != "" {
		levelName = logLevel
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别: %s", levelName)
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// 调试级别或text格式使用文本输出
	if level == logrus.DebugLevel || cfg.Log.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	logger.AddHook(&PerformanceHook{})

	if cfg.Log.File != "" {
		logFile, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("无法创建日志文件: %w", err)
		}
		// 同时输出到控制台和文件
		logger.SetOutput(io.MultiWriter(os.Stdout, logFile))
	}
	return logger, nil
}
