package main

import (
	"errors"
	"fmt"
	"os"

	"warden/internal/session"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// createCmd starts a new session and makes it current.
var createCmd = &cobra.Command{
	Use:   "create [session-id]",
	Short: "Create a new session and make it current",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		st, err := svc.CreateSession(cmd.Context(), id)
		if err != nil {
			if errors.Is(err, session.ErrSessionExists) {
				return fmt.Errorf("session %q already exists", id)
			}
			return err
		}

		logger.Info("Session created", zap.String("session_id", st.ID))
		fmt.Fprintln(os.Stdout, st.ID)
		return nil
	},
}

// compactCmd archives old invocation history for a session.
var compactCmd = &cobra.Command{
	Use:   "compact <session-id>",
	Short: "Archive old invocation history to a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		notePath, ran, err := svc.MaybeCompact(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ran {
			fmt.Fprintln(os.Stdout, "nothing to compact")
			return nil
		}

		logger.Info("History compacted",
			zap.String("session_id", args[0]),
			zap.String("archive", notePath))
		fmt.Fprintf(os.Stdout, "archived history to %s\n", notePath)
		return nil
	},
}
