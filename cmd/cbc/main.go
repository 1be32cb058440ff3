package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cbc-go/internal/app"
	"cbc-go/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
func newApp(ctx context.Context) (*app.App, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := app.LoadConfig(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "cbc",
	Short:        "Resumable cloud backup client",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		clientID := uuid.NewString()
		cfg := config.NewConfig(clientID, paths.BaseDir)

		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Client ID: %s\n", clientID)
		fmt.Printf("Base Dir:  %s\n", paths.BaseDir)
		fmt.Println("Set backup.directories before the first run.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := app.LoadConfig(paths.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("# Configuration from %s\n\n", paths.ConfigPath)
		return (&config.Manager{}).Write(os.Stdout, cfg)
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start or resume a backup run",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.Run(ctx)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}

		archived := 0
		for _, ref := range run.FileRefs {
			if ref.CopiedToArchive {
				archived++
			}
		}

		state := "in progress"
		if run.Completed {
			state = "complete"
		}
		fmt.Printf("Backup run #%d %s: %d of %d entries archived\n", run.ID, state, archived, len(run.FileRefs))
		return nil
	},
}

// runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "View backup run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		cfg, err := app.LoadConfig(paths.ConfigPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		h, err := app.OpenHistory(cfg)
		if err != nil {
			return err
		}
		defer h.Close()

		runs, err := h.ListRuns(limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No backup runs recorded.")
			return nil
		}

		for _, r := range runs {
			status := "open"
			switch {
			case r.Failed:
				status = "failed"
			case r.Completed:
				status = "completed"
			}

			duration := ""
			if r.End != nil {
				duration = r.End.Sub(r.Start).Truncate(time.Second).String()
			}
			fmt.Printf("#%d  %s  %-10s  %s\n",
				r.ID,
				r.Start.Local().Format("2006-01-02 15:04:05"),
				status,
				duration,
			)
			if r.Failed && r.ErrorMessage != "" {
				fmt.Printf("      %s\n", r.ErrorMessage)
			}
		}
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to show")
}
