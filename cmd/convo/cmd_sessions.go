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
	"errors"

	"github.com/AleutianAI/convostream/pkg/ux"
	"github.com/spf13/cobra"
)

func newSessionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List stored sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			a, err := openApp(cmd.Context(), root, cmd.OutOrStdout(), appOptions{})
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.close()) }()

			list, err := a.client.List(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([]ux.SessionRow, 0, len(list))
			for _, s := range list {
				rows = append(rows, ux.SessionRow{
					ID:        s.ID,
					Title:     s.Title,
					Status:    string(s.Status),
					Messages:  s.Messages,
					UpdatedAt: s.UpdatedAt,
				})
			}
			a.out.Sessions(rows)
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show SESSION_ID",
		Short: "Print a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := openApp(cmd.Context(), root, cmd.OutOrStdout(), appOptions{})
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.close()) }()

			s, err := a.client.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.out.RenderNew(s)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete SESSION_ID",
		Short: "Delete a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := openApp(cmd.Context(), root, cmd.OutOrStdout(), appOptions{})
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.close()) }()

			if err := a.client.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.out.Success("deleted " + args[0])
			return nil
		},
	}

	cmd.AddCommand(show, del)
	return cmd
}
