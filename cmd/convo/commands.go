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
	"github.com/spf13/cobra"
)

// rootOptions are the persistent flags.
type rootOptions struct {
	configPath  string
	server      string
	personality string
	logLevel    string
	verbose     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "convo",
		Short: "Chat with a streaming multi-agent backend",
		Long: `convo talks to a multi-agent chat backend over server-sent events,
reconciles the streamed chunks into a conversation and keeps the session
synced with the backend's session store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default ~/.convostream/convo.yaml)")
	pf.StringVar(&opts.server, "server", "", "backend base URL, overrides server.base_url")
	pf.StringVar(&opts.personality, "personality", "", "output style: standard, minimal or machine")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "also log to stderr")

	root.AddCommand(
		newChatCmd(opts),
		newReplayCmd(opts),
		newSessionsCmd(opts),
	)
	return root
}
