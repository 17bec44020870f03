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
	"path/filepath"

	"github.com/AleutianAI/convostream/pkg/engine"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type replayOptions struct {
	concurrency int
	chunkSize   int
	sync        bool
}

type replayResult struct {
	file      string
	sessionID string
	stats     engine.StreamStats
}

func newReplayCmd(root *rootOptions) *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay FILE...",
		Short: "Reconcile recorded SSE streams into sessions",
		Long: `replay feeds each file, a captured text/event-stream body, through the
same reconciliation the chat command uses and prints the resulting
conversation. Every file becomes its own session. Files are processed
concurrently; output is printed in argument order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := openApp(cmd.Context(), root, cmd.OutOrStdout(),
				appOptions{offline: !opts.sync, chunkSize: opts.chunkSize})
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.close()) }()
			return runReplay(cmd.Context(), a, args, opts.concurrency)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.concurrency, "concurrency", "j", 4, "files processed at once")
	f.IntVar(&opts.chunkSize, "chunk-size", 0, "read buffer size in bytes (default 4096)")
	f.BoolVar(&opts.sync, "sync", false, "sync replayed sessions to the backend")
	return cmd
}

func runReplay(ctx context.Context, a *app, files []string, concurrency int) error {
	results := make([]replayResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i, file := range files {
		g.Go(func() error {
			res, err := replayFile(gctx, a.engine, file)
			results[i] = res
			return err
		})
	}
	err := g.Wait()

	for _, res := range results {
		if res.sessionID == "" {
			continue
		}
		a.out.Banner(filepath.Base(res.file), fmt.Sprintf("session %s: %d frames, %d usable, completed=%t",
			res.sessionID, res.stats.Frames, res.stats.Usable, res.stats.Completed))
		if snap, serr := a.engine.Snapshot(res.sessionID); serr == nil {
			a.out.RenderNew(snap)
		}
	}
	return err
}

func replayFile(ctx context.Context, e *engine.Engine, file string) (replayResult, error) {
	res := replayResult{file: file}
	f, err := os.Open(file)
	if err != nil {
		return res, err
	}
	defer f.Close()

	s, err := e.CreateSession(ctx, map[string]string{"source": filepath.Base(file)})
	if err != nil {
		return res, err
	}
	res.sessionID = s.ID
	res.stats, err = e.Ingest(ctx, s.ID, f)
	if err != nil {
		return res, fmt.Errorf("replay %s: %w", file, err)
	}
	return res, nil
}
