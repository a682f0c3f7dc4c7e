package main

import (
	"fmt"
	"os"

	"warden/internal/gate"

	"github.com/spf13/cobra"
)

// gateCheckCmd decides whether a tool operation is permitted under the
// current session mode. Exit 0 allows, exit 2 blocks. Missing or
// unreachable state fails closed: only read-only operations pass.
var gateCheckCmd = &cobra.Command{
	Use:   "gate-check <operation>",
	Short: "Check whether a tool operation is permitted right now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		op := args[0]
		decider := gate.New(svc)
		decision := decider.Decide(cmd.Context(), op)

		if decision.Allowed {
			fmt.Fprintf(os.Stdout, "allow: %s\n", op)
			return nil
		}
		fmt.Fprintf(os.Stdout, "block: %s\n", op)
		fmt.Fprintln(os.Stdout, decision.Reason)
		return &exitError{code: 2}
	},
}
