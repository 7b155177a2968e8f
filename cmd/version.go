package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// 版本信息，通过编译时注入
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("natpool %s\n", version)
		fmt.Printf("提交: %s\n", commit)
		fmt.Printf("构建时间: %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
