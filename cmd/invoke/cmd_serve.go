// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianInvoke/services/invoke"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/config"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, !noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, watch bool) error {
	cfg := opts.cfg

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, invoke.ServiceVersion)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.WithoutCancel(ctx))
	}()

	svc, err := invoke.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	if watch {
		go func() {
			err := config.Watch(ctx, opts.configPath, svc.ApplyConfig, svc.Logger().Slog())
			if err != nil && !errors.Is(err, context.Canceled) {
				svc.Logger().Warn("config watch stopped", "path", opts.configPath, "error", err)
			}
		}()
	}
	return svc.Run(ctx)
}
