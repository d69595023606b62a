package main

import (
	"fmt"
	"io"
	"strings"

	"diverga/pkg/checkpoint"
	"diverga/pkg/protocol"

	"github.com/spf13/cobra"
)

// newCheckCmd creates the "diverga check" subcommand. It exits non-zero
// when the agent is blocked so hooks can gate on it.
func newCheckCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "check <agent-id>",
		Short: "Check whether an agent's prerequisite checkpoints have passed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			res, err := a.checkpoints.CheckPrerequisites(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("check: %w", err)
			}

			out := cmd.OutOrStdout()
			if env.jsonOut {
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else {
				th := newTheme(out)
				if res.Approved {
					fmt.Fprintln(out, th.Success.Render(res.Message))
				} else {
					fmt.Fprintln(out, th.Error.Render(res.Message))
				}
				if len(res.OwnCheckpoints) > 0 {
					fmt.Fprintf(out, "Owns: %s\n", strings.Join(res.OwnCheckpoints, ", "))
				}
			}
			if !res.Approved {
				return fmt.Errorf("%s: %w", res.Agent, errBlocked)
			}
			return nil
		},
	}
}

// newMarkCmd creates the "diverga mark" subcommand.
func newMarkCmd(env *cliEnv) *cobra.Command {
	var rationale string

	cmd := &cobra.Command{
		Use:   "mark <checkpoint-id> <decision>",
		Short: "Complete a checkpoint and record the decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			res, err := a.checkpoints.MarkCheckpoint(cmd.Context(), args[0], args[1], rationale)
			if err != nil {
				return fmt.Errorf("mark: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %s (decision=%s)\n", res.CheckpointID, res.DecisionID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&rationale, "rationale", "r", "", "why the decision was made")
	return cmd
}

// newStatusCmd creates the "diverga status" subcommand.
func newStatusCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show passed and pending checkpoints and blocked agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			st, err := a.checkpoints.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			out := cmd.OutOrStdout()
			if env.jsonOut {
				return printJSON(out, st)
			}
			printStatus(out, newTheme(out), st)
			return nil
		},
	}
}

func printStatus(out io.Writer, th theme, st checkpoint.StatusReport) {
	fmt.Fprintf(out, "%s %d\n", th.Header.Render("Decisions:"), st.TotalDecisions)
	fmt.Fprintf(out, "%s %s\n", th.Header.Render("Passed:"), th.Success.Render(joinOrNone(st.Passed)))
	fmt.Fprintf(out, "%s %s\n", th.Header.Render("Pending:"), th.Warning.Render(joinOrNone(st.Pending)))
	if len(st.Blocked) == 0 {
		fmt.Fprintf(out, "%s %s\n", th.Header.Render("Blocked:"), th.Muted.Render("none"))
		return
	}
	fmt.Fprintln(out, th.Header.Render("Blocked:"))
	rows := make([][]string, 0, len(st.Blocked))
	for _, b := range st.Blocked {
		rows = append(rows, []string{b.Agent, th.Error.Render(strings.Join(b.Missing, ", "))})
	}
	th.table(out, []string{"AGENT", "MISSING"}, rows)
}

// newCheckpointsCmd creates the "diverga checkpoints" subcommand.
func newCheckpointsCmd(env *cliEnv) *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List checkpoint records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			var list []protocol.Checkpoint
			if level != "" {
				list, err = a.checkpoints.ByLevel(cmd.Context(), level)
			} else {
				list, err = a.checkpoints.ListCheckpoints(cmd.Context())
			}
			if err != nil {
				return fmt.Errorf("checkpoints: %w", err)
			}

			out := cmd.OutOrStdout()
			if env.jsonOut {
				return printJSON(out, list)
			}
			th := newTheme(out)
			rows := make([][]string, 0, len(list))
			for _, cp := range list {
				rows = append(rows, []string{
					cp.CheckpointID,
					string(cp.Level),
					orDash(checkpoint.Stage(cp.CheckpointID)),
					string(cp.Status),
					orDash(cp.Decision),
					orDash(cp.CompletedAt),
				})
			}
			th.table(out, []string{"CHECKPOINT", "LEVEL", "STAGE", "STATUS", "DECISION", "COMPLETED"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "only checkpoints of this level (REQUIRED, RECOMMENDED, OPTIONAL)")
	return cmd
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
