// cmd/genclient/root.go
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"generation-job-service/internal/client/engine"
)

type globalFlags struct {
	cfgFile   string
	serverURL string
	userID    string
	category  string
	dbPath    string
	verbose   bool
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:   "genclient",
	Short: "Client for the generation job service",
	Long: `Submits generation jobs, follows them to completion across restarts and
credits back usage for jobs that did not succeed.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.cfgFile, "config", "", "config file (default is $HOME/.genclient.yaml)")
	rootCmd.PersistentFlags().StringVar(&flags.serverURL, "server", "", "job server base URL")
	rootCmd.PersistentFlags().StringVar(&flags.userID, "user", "", "user id the usage is metered against")
	rootCmd.PersistentFlags().StringVar(&flags.category, "category", "", "job category (photo_edit or video_generation)")
	rootCmd.PersistentFlags().StringVar(&flags.dbPath, "db", "", "path of the local state database")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log engine activity to stderr")

	rootCmd.AddCommand(submitCmd, watchCmd, cancelCmd, ackCmd, rollbacksCmd)
}

func configPath() (string, bool) {
	if flags.cfgFile != "" {
		return flags.cfgFile, true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".genclient.yaml", false
	}
	return filepath.Join(home, ".genclient.yaml"), false
}

// openEngine builds the engine from flags, config file and environment, and starts it.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	path, explicit := configPath()
	fc, err := readFileConfig(path, explicit)
	if err != nil {
		return nil, err
	}
	cfg, err := fc.resolve(flags)
	if err != nil {
		return nil, err
	}

	out := io.Discard
	if flags.verbose {
		out = os.Stderr
	}
	cfg.Logger = log.New(out, "", log.LstdFlags)

	e, err := engine.New(cfg)
	if err != nil {
		return nil, err
	}
	info, err := e.Start(ctx)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	if info.IsResuming {
		fmt.Printf("Resuming job %s (%s), about %s remaining\n",
			info.Snapshot.JobID, info.Snapshot.Status, info.EstimatedRemaining.Round(time.Second))
	}
	return e, nil
}
