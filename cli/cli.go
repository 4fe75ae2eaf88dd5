// Package cli implements the devserver command line.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/esm-dev/devserver/internal/config"
	logx "github.com/ije/gox/log"
	"github.com/ije/gox/term"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const VERSION = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "devserver",
	Short:         "A dev server for native ES modules with hot module replacement",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("cache-dir", "node_modules/.devserver", "Dependency cache dir")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-dir", "", "Write logs to the dir instead of the console")
	rootCmd.PersistentFlags().String("target", "es2020", "JavaScript target of the served modules")
	rootCmd.PersistentFlags().String("jsx", "", "JSX import source, e.g. react or preact")

	rootCmd.AddCommand(devCmd)
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(versionCmd)
}

// Run runs the command of the program arguments.
func Run() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, term.Red(err.Error()))
		os.Exit(1)
	}
}

// loadConfig loads the config of the project dir given as the first argument,
// or of the working directory.
func loadConfig(flags *pflag.FlagSet, args []string) (*config.ResolvedConfig, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	cfg, err := config.LoadFrom(dir, flags)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(dir, cfg.Root)
	}
	return config.Resolve(cfg)
}

func newLogger(cfg *config.ResolvedConfig) (*logx.Logger, error) {
	logger := &logx.Logger{}
	if cfg.LogDir != "" {
		var err error
		logger, err = logx.New(fmt.Sprintf("file:%s?buffer=32k", filepath.Join(cfg.LogDir, "dev.log")))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}
	logger.SetLevelByName(cfg.LogLevel)
	return logger, nil
}
