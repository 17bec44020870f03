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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/AleutianAI/convostream/pkg/engine"
	"github.com/spf13/cobra"
)

type chatOptions struct {
	sessionID   string
	agent       string
	testMode    bool
	interaction string
	data        string
}

func newChatCmd(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Start or resume a conversation",
		Long: `With a message, chat sends it once and prints the reply. Without one it
reads lines from stdin until EOF or /quit.

Interactive commands:
  /title <text>   set the session title
  /abandon        mark the session abandoned and exit
  /quit           exit`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := openApp(cmd.Context(), root, cmd.OutOrStdout(), appOptions{})
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.close()) }()
			return runChat(cmd.Context(), a, opts, args, cmd.InOrStdin())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.sessionID, "session", "s", "", "resume a stored session")
	f.StringVar(&opts.agent, "agent", "", "force a specific backend agent")
	f.BoolVar(&opts.testMode, "test-mode", false, "ask the backend for test-mode responses")
	f.StringVar(&opts.interaction, "interaction", "", "send an interaction submission of this type")
	f.StringVar(&opts.data, "data", "", "JSON data for --interaction")
	return cmd
}

func runChat(ctx context.Context, a *app, opts *chatOptions, args []string, in io.Reader) error {
	var sessionID string
	if opts.sessionID != "" {
		s, err := a.engine.RestoreSession(ctx, opts.sessionID)
		if err != nil {
			return err
		}
		sessionID = s.ID
		a.out.RenderNew(s)
	} else {
		s, err := a.engine.CreateSession(ctx, nil)
		if err != nil {
			return err
		}
		sessionID = s.ID
	}

	sendOpts := engine.SendOptions{ForceAgent: opts.agent, TestMode: opts.testMode}
	if opts.interaction != "" {
		ia := &engine.Interaction{Type: opts.interaction}
		if opts.data != "" {
			if !json.Valid([]byte(opts.data)) {
				return errors.New("--data is not valid JSON")
			}
			ia.Data = json.RawMessage(opts.data)
		}
		sendOpts.Interaction = ia
	}

	if len(args) > 0 || sendOpts.Interaction != nil {
		return send(ctx, a, sessionID, strings.Join(args, " "), sendOpts)
	}

	a.out.Banner("convo", "session "+sessionID+"\n/quit to exit, /title <text> to rename")
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/abandon":
			if err := a.engine.AbandonSession(ctx, sessionID); err != nil {
				return err
			}
			a.out.Warning("session " + sessionID + " abandoned")
			return nil
		case strings.HasPrefix(line, "/title "):
			if err := a.engine.SetTitle(ctx, sessionID, strings.TrimPrefix(line, "/title ")); err != nil {
				a.out.Error(err.Error())
			}
			continue
		}
		if err := send(ctx, a, sessionID, line, engine.SendOptions{ForceAgent: opts.agent, TestMode: opts.testMode}); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
	return scanner.Err()
}

// send delivers one message and prints whatever it added to the history.
func send(ctx context.Context, a *app, sessionID, text string, opts engine.SendOptions) error {
	res, err := a.engine.SendMessage(ctx, sessionID, text, opts)
	if snap, serr := a.engine.Snapshot(sessionID); serr == nil {
		a.out.RenderNew(snap)
	}
	switch {
	case err == nil && res != nil && res.Deduplicated:
		a.out.Warning("an identical message is already being sent")
	case err != nil && res != nil && res.Exhausted:
		a.out.Error(fmt.Sprintf("gave up after %d attempts: %v", res.Attempts, err))
	case err != nil:
		a.out.Error(err.Error())
	}
	return err
}
