// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Command orchestrator starts the Sitka conversational retrieval
// server.
//
// Configuration comes from environment variables, optionally overlaid
// on a YAML file named by --config or CONFIG_FILE; a .env file in the
// working directory is honoured. The process exits 0 on a clean
// shutdown (SIGINT/SIGTERM) and non-zero on bootstrap failure.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/Sitka/pkg/logging"
	"github.com/AleutianAI/Sitka/services/orchestrator"
	"github.com/AleutianAI/Sitka/services/orchestrator/config"
)

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "orchestrator",
		Short: "Sitka conversational retrieval orchestrator",
		Long: `Sitka answers questions over knowledge bases, graph RAG, and web
search through a staged streaming workflow or an agent graph. This
command starts the HTTP server that exposes the conversation API.`,
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the service version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(orchestrator.Version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"path to a YAML config file (overrides CONFIG_FILE)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:      logging.ParseLevel(cfg.Log.Level),
		Format:     logging.ParseFormat(cfg.Log.Format),
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.BackupCount,
		Service:    "orchestrator",
	})
	defer func() {
		if err := logger.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "orchestrator: close logger:", err)
		}
	}()
	slog.SetDefault(logger.Slog())

	svc, err := orchestrator.New(cfg, logger.Slog())
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("orchestrator stopped cleanly")
	return nil
}
