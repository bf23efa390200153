// Package main 是 quill 的入口点
//
// quill 为笔记应用提供 LLM 工具编排：模型选择、参数修复、工具执行、
// 审批预览与流式推送。
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yukin371/quill/internal/config"
	"github.com/yukin371/quill/pkg/logger"
)

// version is set by build flags during release
var version = "dev"

var (
	cfgFile string
	verbose bool
)

var timeNow = time.Now

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "LLM tool orchestration for your notes",
	Long: `quill lets a language model search, read and edit a note tree through
a fixed set of tools. It picks a provider and model, repairs malformed tool
arguments, asks for approval before risky edits and streams the answer.`,
	Version:      version,
	SilenceUsage: true,
}

// versionCmd prints version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "quill version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/quill/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config and sets the log level. floor raises the
// configured level for commands whose stdout is meant for people.
func loadConfig(floor logger.LogLevel) (*config.Config, *logger.Logger, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}

	log := logger.Default()
	level := logger.ParseLevel(cfg.Log.Level)
	if level < floor {
		level = floor
	}
	if verbose {
		level = logger.DEBUG
	}
	log.SetLevel(level)
	log.Debug("config loaded from %v", loader.GetLoadedSources())
	return cfg, log, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
