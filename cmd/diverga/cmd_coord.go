package main

import (
	"fmt"
	"strconv"
	"time"

	"diverga/pkg/messaging"
	"diverga/pkg/protocol"

	"github.com/spf13/cobra"
)

// newProgressCmd creates the "diverga progress" subcommand.
func newProgressCmd(env *cliEnv) *cobra.Command {
	var detail string

	cmd := &cobra.Command{
		Use:   "progress <agent-id> <stage> <percent>",
		Short: "Report an agent's progress to the orchestrator",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("%w: percent %q is not a number", protocol.ErrInvalidArgument, args[2])
			}
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			id, err := a.messaging.ReportProgress(cmd.Context(), args[0], messaging.Progress{
				Stage:   args[1],
				Percent: pct,
				Detail:  detail,
			})
			if err != nil {
				return fmt.Errorf("progress: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]any{"sent": true, "message_id": id})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reported to %s (%s)\n", a.messaging.Orchestrator(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&detail, "detail", "", "free-text detail")
	return cmd
}

// newRelayCmd creates the "diverga relay" subcommand.
func newRelayCmd(env *cliEnv) *cobra.Command {
	var (
		from string
		to   []string
	)

	cmd := &cobra.Command{
		Use:   "relay <checkpoint-id> <decision>",
		Short: "Deliver a checkpoint decision to waiting agents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			if from == "" {
				from = a.messaging.Orchestrator()
			}
			ids, err := a.messaging.RelayCheckpoint(cmd.Context(), args[0], args[1], from, to)
			if err != nil {
				return fmt.Errorf("relay: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]any{"message_ids": ids, "count": len(ids)})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Relayed %s to %d agents\n", args[0], len(ids))
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "sender (default the orchestrator)")
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient agent ids")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// newAwaitCmd creates the "diverga await" subcommand.
func newAwaitCmd(env *cliEnv) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "await <agent-id> <checkpoint-id>",
		Short: "Block until a checkpoint decision is relayed to an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			relay, err := a.messaging.AwaitCheckpoint(cmd.Context(), args[0], args[1], timeout)
			if err != nil {
				return fmt.Errorf("await: %w", err)
			}
			if relay == nil {
				return fmt.Errorf("await %s after %s: %w", args[1], timeout, errTimeout)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), relay)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (from %s, %s)\n", relay.CheckpointID, relay.Decision, relay.From, relay.MessageID)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	return cmd
}
