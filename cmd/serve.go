package main

import (
	"os"
	"os/signal"
	"syscall"

	"natpool/internal/admin"
	"natpool/internal/service"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动地址池服务",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}

		natService, err := service.NewNATService(cfg, logger)
		if err != nil {
			return err
		}
		if err := natService.Start(); err != nil {
			return err
		}

		adminServer := admin.NewAdminServer(cfg, logger, natService)
		if err := adminServer.Start(); err != nil {
			natService.Stop()
			return err
		}

		logger.WithFields(logrus.Fields{
			"config_file":     configFile,
			"threads":         cfg.Pool.Threads,
			"port_per_thread": cfg.GetPortPerThread(),
			"admin_enabled":   cfg.Admin.Enabled,
		}).Info("NAT地址池服务已启动")

		// 等待中断信号
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.WithField("signal", sig.String()).Info("收到中断信号，开始优雅关闭")

		if err := adminServer.Stop(); err != nil {
			logger.WithError(err).Warn("停止HTTP管理服务失败")
		}
		natService.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
