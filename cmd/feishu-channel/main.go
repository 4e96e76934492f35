// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command feishu-channel connects Feishu bot accounts to a reply-driven bot
// host over HTTP. Inbound messages are posted to the configured webhook and
// its replies are sent back to the originating chat.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aiku/feishu-channel/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "feishu-channel",
		Short:         "Feishu messaging channel for a bot host",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	root.AddCommand(runCmd(), checkConfigCmd(), exampleConfigCmd())
	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect all configured accounts and forward messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := connector.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Dispatch.WebhookURL == "" {
				return fmt.Errorf("dispatch.webhook_url is required to run")
			}
			log, err := cfg.Logging.Compile()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dispatcher := connector.NewWebhookDispatcher(cfg.Dispatch.WebhookURL, nil, *log)
			fc := connector.New(*cfg, dispatcher, *log)
			fc.ConfigPath = configPath
			if err := fc.Start(ctx); err != nil {
				return err
			}
			log.Info().
				Str("version", Tag).
				Strs("accounts", fc.AccountIDs()).
				Msg("Feishu channel started")

			<-ctx.Done()
			log.Info().Msg("Shutting down")
			fc.Stop(context.Background())
			return nil
		},
	}
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and list runnable accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := connector.LoadConfig(configPath)
			if err != nil {
				return err
			}
			log, err := cfg.Logging.Compile()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			accounts := cfg.RunnableAccounts(*log)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config OK: %d runnable account(s)\n", len(accounts))
			for _, account := range accounts {
				fmt.Fprintf(out, "  %s (app id %s)\n", account.ID, account.AppID)
			}
			return nil
		},
	}
}

func exampleConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print the example config",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), connector.ExampleConfig)
		},
	}
}
