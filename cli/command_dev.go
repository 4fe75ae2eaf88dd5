package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/esm-dev/devserver/web"
	"github.com/ije/gox/term"
	"github.com/spf13/cobra"
)

var devCmd = &cobra.Command{
	Use:   "dev [root]",
	Short: "Serve the project in development mode with hot module replacement",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDev,
}

func init() {
	devCmd.Flags().Int("port", 5173, "Port to serve on")
	devCmd.Flags().String("host", "localhost", "Host to listen on, 0.0.0.0 for every interface")
	devCmd.Flags().String("base", "/", "Public base path of the pages")
	devCmd.Flags().Bool("open", false, "Open the browser when the server is ready")
	devCmd.Flags().Bool("force", false, "Ignore the dependency cache and pre-bundle again")
	devCmd.Flags().Bool("strict", true, "Only serve files inside the allowed dirs")
	devCmd.Flags().Bool("hmr", true, "Inject the hmr client into the pages")
}

func runDev(cmd *cobra.Command, args []string) error {
	start := time.Now()
	cfg, err := loadConfig(cmd.Flags(), args)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.FlushBuffer()

	s, err := web.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return s.ListenAndServe(ctx, func(addr string) {
		fmt.Printf("\n  %s  %s\n\n", term.Green("devserver v"+VERSION), term.Dim(fmt.Sprintf("ready in %d ms", time.Since(start).Milliseconds())))
		fmt.Printf("  %s Local:   %s\n", term.Green("➜"), term.Cyan(cfg.URL()))
		if cfg.ConfigFile != "" {
			fmt.Printf("  %s\n", term.Dim("➜ Config:  "+cfg.ConfigFile))
		}
		fmt.Println()
		if cfg.Open {
			if err := openBrowser(cfg.URL()); err != nil {
				logger.Warnf("could not open the browser: %v", err)
			}
		}
	})
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
