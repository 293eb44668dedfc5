package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	agentmesh "github.com/svjt78/AgentMesh-sub000"
	"github.com/svjt78/AgentMesh-sub000/pkg/config"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "agentmesh",
		Short:         "Bounded multi-agent workflow orchestrator",
		Long:          "agentmesh runs configured reasoning workflows to a terminal result: a validated completion or a best-effort synthesis with explicit warnings.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringP("config", "c", envOr("AGENTMESH_CONFIG", "agentmesh.yaml"), "configuration file")

	rootCmd.AddCommand(
		newVersionCmd(),
		newValidateCmd(),
		newRunCmd(),
		newServeCmd(),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.NewLoader(nil).Load(path)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "agentmesh", Version)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d actors, %d capabilities, %d workflows\n",
				len(cfg.Actors), len(cfg.Capabilities), len(cfg.Workflows))
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		workflowID string
		input      string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one workflow to completion and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			eng, err := agentmesh.New(cfg)
			if err != nil {
				return err
			}
			if err := eng.Start(); err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			res, err := eng.RunWorkflow(ctx, workflowID, input)
			if err != nil {
				return err
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := eng.Shutdown(shutdownCtx); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "shutdown: %v\n", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "workflow id to run")
	cmd.Flags().StringVarP(&input, "input", "i", "", "original task input")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall deadline for the run (0 = only workflow ceilings apply)")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the engine with its metrics/health server and wait for workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Observability.Port <= 0 {
				return fmt.Errorf("serve requires observability.port in the config")
			}

			eng, err := agentmesh.New(cfg)
			if err != nil {
				return err
			}
			if err := eng.Start(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agentmesh serving on :%d, press Ctrl+C to stop\n", cfg.Observability.Port)

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-quit:
			case <-cmd.Context().Done():
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return eng.Shutdown(ctx)
		},
	}
}
