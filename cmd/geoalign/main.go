// geoalign is the command-line client for the geoalign API.
package main

import (
	"context"
	"geoalign/internal/client"
	"geoalign/internal/config"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	flagAPI      string // value of --api
	flagVerbose  bool   // value of --verbose
	flagInterval string // value of --interval
	flagState    string // value of --state
)

func main() {
	cfg := config.LoadClientConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(cfg).ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("geoalign failed", "err", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flags bind to the package-level vars and
// are reset to their defaults on every build.
func newRootCmd(cfg *config.ClientConfig) *cobra.Command {
	// errors are logged by main, not printed by cobra
	rootCmd := &cobra.Command{
		Use:               "geoalign",
		Short:             "Upload GeoTIFF pairs, run alignment jobs and fetch the results",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: initClient,
	}

	// root flags
	rootCmd.PersistentFlags().StringVar(&flagAPI, "api", cfg.APIURL, "API base URL (GEOALIGN_API_URL)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagInterval, "interval", cfg.PollInterval.String(), "status polling interval")
	rootCmd.PersistentFlags().StringVar(&flagState, "state", cfg.StateFile, "file remembering the tracked job")

	rootCmd.AddCommand(newUploadCmd(), newSubmitCmd(), newResumeCmd(), newStatusCmd(), newListCmd(), newFetchCmd(), newResetCmd())
	return rootCmd
}

func initClient(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func newClient() *client.Client {
	return client.New(flagAPI)
}

func newReconciler() (*client.Reconciler, error) {
	interval, err := parseInterval(flagInterval)
	if err != nil {
		return nil, err
	}
	return client.NewReconciler(newClient(), client.NewFileKV(flagState), interval), nil
}
