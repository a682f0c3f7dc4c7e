package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"warden/internal/persist"
	"warden/internal/session"
	"warden/internal/state"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	getSessionID     string
	setMode          string
	setPhase         string
	setStartComplete bool
	setEndComplete   bool
	setEvidence      []string
)

// getStateCmd prints the current session state as JSON. Exit 1 when
// there is no current session or the store is unreachable; the two
// cases get distinct stderr messages so callers can tell them apart.
var getStateCmd = &cobra.Command{
	Use:   "get-state",
	Short: "Print the current session state as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		var st *state.SessionState
		if getSessionID != "" {
			st, err = svc.GetSession(cmd.Context(), getSessionID)
		} else {
			st, err = svc.CurrentSession(cmd.Context())
		}
		if err != nil {
			if errors.Is(err, persist.ErrUnavailable) {
				return &exitError{code: 1, err: fmt.Errorf("session state unavailable: %w", err)}
			}
			return err
		}
		if st == nil {
			if getSessionID != "" {
				return &exitError{code: 1, err: fmt.Errorf("no session %q", getSessionID)}
			}
			return &exitError{code: 1, err: errors.New("no current session")}
		}

		out, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode state: %w", err)
		}
		fmt.Fprintln(os.Stdout, string(out))
		return nil
	},
}

// setStateCmd updates session fields through the locking protocol.
var setStateCmd = &cobra.Command{
	Use:   "set-state <session-id>",
	Short: "Update session mode, phase, or completion flags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		updates := session.Updates{}
		if cmd.Flags().Changed("mode") {
			mode := state.Mode(setMode)
			if !mode.Valid() {
				return fmt.Errorf("unknown mode %q", setMode)
			}
			updates.Mode = &mode
		}
		if cmd.Flags().Changed("phase") {
			phase := state.Phase(setPhase)
			updates.Phase = &phase
		}
		evidence, err := parseEvidence(setEvidence)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("start-complete") {
			updates.StartComplete = &setStartComplete
			updates.StartEvidence = evidence
		}
		if cmd.Flags().Changed("end-complete") {
			updates.EndComplete = &setEndComplete
			updates.EndEvidence = evidence
		}

		st, err := svc.UpdateSession(cmd.Context(), args[0], updates)
		if err != nil {
			var conflict *session.ConflictError
			if errors.As(err, &conflict) {
				return fmt.Errorf("update lost %d races in a row, giving up: %w", conflict.Attempts, err)
			}
			return err
		}

		logger.Info("Session updated",
			zap.String("session_id", st.ID),
			zap.String("mode", string(st.Mode)),
			zap.Int("version", st.Version))
		fmt.Fprintf(os.Stdout, "session %s updated (version %d)\n", st.ID, st.Version)
		return nil
	},
}

// parseEvidence turns repeated key=value flags into a map.
func parseEvidence(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed --evidence pair %q (want key=value)", p)
		}
		out[k] = v
	}
	return out, nil
}

func init() {
	getStateCmd.Flags().StringVar(&getSessionID, "session", "", "Session ID (default: current session)")
	setStateCmd.Flags().StringVar(&setMode, "mode", "", "Session mode (analysis, planning, coding, disabled)")
	setStateCmd.Flags().StringVar(&setPhase, "phase", "", "Workflow phase (planning, implementation, validation, complete)")
	setStateCmd.Flags().BoolVar(&setStartComplete, "start-complete", false, "Mark session-start checklist complete")
	setStateCmd.Flags().BoolVar(&setEndComplete, "end-complete", false, "Mark session-end checklist complete")
	setStateCmd.Flags().StringSliceVar(&setEvidence, "evidence", nil, "Evidence key=value pairs for completion flags")
}
