// -- cmd/run.go --
package cmd

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/browser"
	"github.com/xkilldash9x/marionette/internal/engine"
	"github.com/xkilldash9x/marionette/internal/evidence"
	"github.com/xkilldash9x/marionette/internal/locator"
	"github.com/xkilldash9x/marionette/internal/observability"
	"github.com/xkilldash9x/marionette/internal/registry"
	"github.com/xkilldash9x/marionette/internal/uia"
)

var (
	runPlanFile string
	runDryRun   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a plan file locally and print the result",
	Long: `Loads a JSON plan, executes it against the local desktop session, and
prints the execution result. Use --dry-run to classify every step through the
safety gate without touching the desktop.`,
	RunE: runPlan,
}

func init() {
	runCmd.Flags().StringVarP(&runPlanFile, "plan", "p", "", "path to the JSON plan file (required)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "classify steps without executing them")
	runCmd.MarkFlagRequired("plan")
	rootCmd.AddCommand(runCmd)
}

func runPlan(cmd *cobra.Command, _ []string) error {
	logger := observability.GetLogger()
	defer observability.Sync()

	data, err := os.ReadFile(runPlanFile)
	if err != nil {
		return fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan schemas.Plan
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &plan); err != nil {
		return fmt.Errorf("failed to parse plan file: %w", err)
	}

	ctx := cmd.Context()

	deps := engine.Deps{
		Store:    evidence.NewStore(cfg.Engine().StreamWindow, cfg.Engine().SubscriberBuffer, logger),
		Registry: registry.New(),
	}

	// A dry run never touches the desktop, so the session stays optional.
	if !runDryRun {
		session, err := uia.NewSession(ctx, logger)
		if err != nil {
			return fmt.Errorf("desktop session unavailable: %w", err)
		}
		deps.Session = session

		reader := browser.NewReader(cfg.Browser(), logger)
		defer reader.Close()
		deps.Browser = reader

		if vision, err := locator.NewVisionLocator(ctx, cfg.Vision(), logger); err != nil {
			return fmt.Errorf("vision locator setup failed: %w", err)
		} else if vision != nil {
			deps.Vision = vision
		}
	}

	eng := engine.New(cfg, deps, logger)
	result, err := eng.Run(ctx, "", &plan, engine.RunOptions{DryRun: runDryRun})
	if err != nil {
		return err
	}

	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if result.OverallStatus != schemas.OverallSuccess && result.OverallStatus != schemas.OverallDryRun {
		return fmt.Errorf("run finished with status %s", result.OverallStatus)
	}
	return nil
}
