package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"

	"natpool/internal/service"

	"github.com/spf13/cobra"
)

var (
	simSessions   int
	simCloseRatio float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "用模拟会话压测地址池",
	Long: `simulate 按配置加载地址池，每个工作线程并发创建会话直至达到指定数量，
结束后输出成功与耗尽的统计以及各池地址的端口占用。

Example:
  natpool simulate --sessions 5000
  natpool simulate -c config.yaml --sessions 20000 --close-ratio 0.5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		// 模拟不修改持久化的地址和网卡
		cfg.Store.Enabled = false
		cfg.Notify.Netlink.Enabled = false

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
		defer natService.Stop()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		result, err := natService.Simulate(ctx, simSessions, simCloseRatio)
		if err != nil {
			return err
		}

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(map[string]interface{}{
			"result":    result,
			"addresses": natService.GetAddresses(),
			"sessions":  natService.GetSessionStats(),
		})
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simSessions, "sessions", 1000, "每个工作线程创建的会话数")
	simulateCmd.Flags().Float64Var(&simCloseRatio, "close-ratio", 0, "创建后立即关闭的会话比例")
	rootCmd.AddCommand(simulateCmd)
}
