package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"r2r-test-station/internal/config"
	"r2r-test-station/internal/persistence"
)

var journalPath string

var resumePointCmd = &cobra.Command{
	Use:   "resume-point",
	Short: "显示下一次运行的起始外部编号和卷带位置",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := journalPath
		if path == "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			path = cfg.Report.JournalPath
		}

		rp, err := persistence.ReadResumePoint(path)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rp)
	},
}

func init() {
	resumePointCmd.Flags().StringVar(&journalPath, "journal", "", "运行日志路径（默认取配置中的 report.journal_path）")
}
