package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/esm-dev/devserver/internal/plugins"
	"github.com/esm-dev/devserver/web"
	"github.com/ije/gox/term"
	"github.com/spf13/cobra"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize [root]",
	Short: "Pre-bundle the dependencies of the project",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runOptimize,
}

func init() {
	optimizeCmd.Flags().Bool("force", false, "Ignore the dependency cache and pre-bundle again")
}

func runOptimize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags(), args)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.FlushBuffer()

	resolver, err := plugins.NewResolver(cfg.Root, nil, logger)
	if err != nil {
		return err
	}
	opt, err := web.NewOptimizer(cfg, resolver, logger, nil)
	if err != nil {
		return err
	}
	defer opt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	metadata, err := opt.Optimize(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(metadata.Resolved))
	for id := range metadata.Resolved {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		fmt.Println(term.Dim("No dependencies to pre-bundle."))
		return nil
	}
	fmt.Printf("%s %d dependencies in %s\n", term.Green("Pre-bundled"), len(ids), time.Since(start).Round(time.Millisecond))
	for _, id := range ids {
		fmt.Println("  " + id)
	}
	fmt.Println(term.Dim("  -> " + opt.DepsDir()))
	return nil
}
