package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "station",
	Short: "R2R RF 标签测试工站",
	Long:  `station 驱动卷对卷设备、射频测试引擎、标签打印机和扫码器，完成一次卷带的测试、打印与校验。`,
	// 没有 RunE，直接执行时显示帮助
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径（默认在当前目录查找 config.yaml）")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumePointCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
