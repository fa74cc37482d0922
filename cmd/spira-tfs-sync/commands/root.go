package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"spira-tfs-sync/internal/config"
	"spira-tfs-sync/internal/engine"
	"spira-tfs-sync/internal/logging"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/synclog"
	"spira-tfs-sync/internal/tfs"
)

var (
	// Version, Commit, and BuildDate are set at build time via ldflags.
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	verbose        bool
	lastSyncFlag   string
	serverTimeFlag string

	cfg      *config.AppConfig
	exitCode int
)

const lastSyncFile = "last-sync"

var rootCmd = &cobra.Command{
	Use:   "spira-tfs-sync",
	Short: "Bidirectional synchronization between SpiraTeam and TFS/Azure DevOps",
	Long: `Runs one synchronization cycle between a SpiraTeam instance and a TFS/Azure
DevOps collection: new incidents become work items, new work items become
incidents, tasks or requirements, and updates on either side are reconciled.
Intended to run as a scheduled job; the exit code reports the cycle outcome
(0 success, 1 warnings, 2 errors).`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(verbose)

		var err error
		cfg, err = config.Load()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load configuration")
		}

		log.Info().
			Str("version", Version).
			Str("commit", Commit).
			Str("buildDate", BuildDate).
			Msg("spira-tfs-sync starting")
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		serverTime := time.Now().UTC()
		if serverTimeFlag != "" {
			t, err := parseTimeFlag(serverTimeFlag)
			if err != nil {
				return fmt.Errorf("invalid --server-time: %w", err)
			}
			serverTime = t
		}

		lastSync, err := resolveLastSync()
		if err != nil {
			return err
		}

		spiraClient := spira.NewClient(cfg.Spira)
		tfsClient := tfs.NewClient(cfg.TFS)
		recorder := synclog.NewRecorder()
		eng := engine.NewEngine(spiraClient, tfsClient, recorder, cfg.Engine)

		status := eng.Run(lastSync, serverTime)

		if err := recorder.Save(cfg.StateDir); err != nil {
			log.Error().Err(err).Msg("Failed to save event log")
		}
		// The watermark only advances past a cycle that did not error, so a
		// failed window is re-scanned next time.
		if status != synclog.StatusError {
			if err := writeLastSync(cfg.StateDir, serverTime); err != nil {
				log.Error().Err(err).Msg("Failed to save sync watermark")
			}
		}

		exitCode = status.ExitCode()
		return nil
	},
}

// resolveLastSync prefers the --last-sync override, then the persisted
// watermark, then nil for a full first scan.
func resolveLastSync() (*time.Time, error) {
	if lastSyncFlag != "" {
		t, err := parseTimeFlag(lastSyncFlag)
		if err != nil {
			return nil, fmt.Errorf("invalid --last-sync: %w", err)
		}
		return &t, nil
	}
	return readLastSync(cfg.StateDir)
}

func parseTimeFlag(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not RFC3339 or YYYY-MM-DD", value)
}

func readLastSync(dir string) (*time.Time, error) {
	data, err := os.ReadFile(filepath.Join(dir, lastSyncFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading sync watermark: %w", err)
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing sync watermark: %w", err)
	}
	t = t.UTC()
	return &t, nil
}

func writeLastSync(dir string, t time.Time) error {
	return os.WriteFile(filepath.Join(dir, lastSyncFile), []byte(t.UTC().Format(time.RFC3339)+"\n"), 0644)
}

// ExitCode reports the outcome of the executed command for main to pass on.
func ExitCode() int {
	return exitCode
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.Flags().StringVar(&lastSyncFlag, "last-sync", "", "override the stored watermark (RFC3339 or YYYY-MM-DD)")
	rootCmd.Flags().StringVar(&serverTimeFlag, "server-time", "", "override the current time (RFC3339 or YYYY-MM-DD)")
}
