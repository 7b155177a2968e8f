package main

import (
	"context"
	"fmt"
	"time"

	"natpool/internal/service"

	"github.com/spf13/cobra"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "查询公网地址来源并打印结果",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
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

		timeout := cfg.Discovery.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		addrs, err := natService.Discover(ctx)
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			fmt.Println(addr)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd)
}
