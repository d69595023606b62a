package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"diverga/pkg/memory"
	"diverga/pkg/protocol"

	"github.com/spf13/cobra"
)

// newStateCmd creates the "diverga state" command group.
func newStateCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read and update the project state",
	}
	cmd.AddCommand(newStateShowCmd(env), newStateUpdateCmd(env), newStateStageCmd(env))
	return cmd
}

func newStateShowCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the project state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			state, err := a.memory.ReadProjectState(cmd.Context())
			if err != nil {
				return fmt.Errorf("state show: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), state)
			}
			return printYAML(cmd.OutOrStdout(), state)
		},
	}
}

func newStateUpdateCmd(env *cliEnv) *cobra.Command {
	var sets []string

	cmd := &cobra.Command{
		Use:   "update [json-object|-]",
		Short: "Deep-merge updates into the project state",
		Long: "Deep-merge a JSON object (argument or stdin with -) and/or --set key=value\n" +
			"pairs into the project state. Dotted keys address nested objects.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates := map[string]any{}
			if len(args) == 1 {
				raw, err := readArg(cmd, args[0])
				if err != nil {
					return err
				}
				if err := json.Unmarshal([]byte(raw), &updates); err != nil {
					return fmt.Errorf("%w: updates must be a JSON object: %w", protocol.ErrInvalidArgument, err)
				}
			}
			assigned, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			for k, v := range assigned {
				updates[k] = v
			}
			if len(updates) == 0 {
				return fmt.Errorf("%w: nothing to update", protocol.ErrInvalidArgument)
			}

			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			res, err := a.memory.UpdateProjectState(cmd.Context(), updates)
			if err != nil {
				return fmt.Errorf("state update: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			return printYAML(cmd.OutOrStdout(), res.State)
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "key=value to merge (repeatable)")
	return cmd
}

func newStateStageCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "stage [name]",
		Short: "Print or set the current research stage",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if err := a.memory.SetStage(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("set stage: %w", err)
				}
			}
			stage, err := a.memory.GetStage(cmd.Context())
			if err != nil {
				return fmt.Errorf("get stage: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), orDash(stage))
			return nil
		},
	}
}

// newDecisionsCmd creates the "diverga decisions" command group.
func newDecisionsCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "decisions",
		Aliases: []string{"decision"},
		Short:   "Inspect and append to the decision ledger",
	}
	cmd.AddCommand(
		newDecisionsListCmd(env),
		newDecisionsShowCmd(env),
		newDecisionsHistoryCmd(env),
		newDecisionsAddCmd(env),
		newDecisionsAmendCmd(env),
	)
	return cmd
}

func newDecisionsListCmd(env *cliEnv) *cobra.Command {
	var f memory.DecisionFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decisions in id order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			list, err := a.memory.ListDecisions(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("decisions list: %w", err)
			}
			return printDecisions(cmd.OutOrStdout(), env.jsonOut, list)
		},
	}

	cmd.Flags().StringVar(&f.CheckpointID, "checkpoint", "", "only decisions for this checkpoint")
	cmd.Flags().StringVar(&f.Agent, "agent", "", "only decisions whose metadata.agent matches")
	cmd.Flags().StringVar(&f.After, "after", "", "timestamps at or after this (ISO date or time)")
	cmd.Flags().StringVar(&f.Before, "before", "", "timestamps before this (ISO date or time)")
	return cmd
}

func newDecisionsShowCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "show <decision-id>",
		Short: "Print one decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			d, err := a.memory.GetDecision(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("decisions show: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), d)
			}
			return printYAML(cmd.OutOrStdout(), d)
		},
	}
}

func newDecisionsHistoryCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "history <checkpoint-id>",
		Short: "List every version of a checkpoint's decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			list, err := a.memory.DecisionHistory(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("decisions history: %w", err)
			}
			return printDecisions(cmd.OutOrStdout(), env.jsonOut, list)
		},
	}
}

func newDecisionsAddCmd(env *cliEnv) *cobra.Command {
	var (
		in   memory.DecisionInput
		meta []string
	)

	cmd := &cobra.Command{
		Use:   "add <checkpoint-id> <selected>",
		Short: "Append a decision to the ledger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := parseAssignments(meta)
			if err != nil {
				return err
			}
			in.CheckpointID, in.Selected, in.Metadata = args[0], args[1], md

			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			res, err := a.memory.AddDecision(cmd.Context(), in)
			if err != nil {
				return fmt.Errorf("decisions add: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s\n", res.DecisionID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&in.Rationale, "rationale", "r", "", "why the option was selected")
	cmd.Flags().StringArrayVar(&in.Alternatives, "alternative", nil, "alternative considered (repeatable)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	return cmd
}

func newDecisionsAmendCmd(env *cliEnv) *cobra.Command {
	var (
		am   memory.Amendment
		meta []string
	)

	cmd := &cobra.Command{
		Use:   "amend <decision-id> <selected>",
		Short: "Supersede the latest decision of a checkpoint with a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := parseAssignments(meta)
			if err != nil {
				return err
			}
			am.Selected, am.Metadata = args[1], md

			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			d, err := a.memory.AmendDecision(cmd.Context(), args[0], am)
			if err != nil {
				return fmt.Errorf("decisions amend: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), d)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s (v%d, supersedes %s)\n", d.DecisionID, d.Version, d.Supersedes)
			return nil
		},
	}

	cmd.Flags().StringVarP(&am.Rationale, "rationale", "r", "", "new rationale (default keeps the previous one)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value merged into the previous metadata (repeatable)")
	return cmd
}

func printDecisions(out io.Writer, asJSON bool, list []protocol.Decision) error {
	if asJSON {
		return printJSON(out, list)
	}
	th := newTheme(out)
	rows := make([][]string, 0, len(list))
	for _, d := range list {
		rows = append(rows, []string{
			d.DecisionID,
			d.CheckpointID,
			d.Selected,
			strconv.Itoa(d.Version),
			d.Timestamp,
			th.Muted.Render(orDash(d.Rationale)),
		})
	}
	th.table(out, []string{"ID", "CHECKPOINT", "SELECTED", "V", "TIMESTAMP", "RATIONALE"}, rows)
	return nil
}

// newPriorityCmd creates the "diverga priority" command group.
func newPriorityCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "priority",
		Short: "Read and write the priority context buffer",
	}
	cmd.AddCommand(newPriorityReadCmd(env), newPriorityWriteCmd(env))
	return cmd
}

func newPriorityReadCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Print the priority context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			text, err := a.memory.ReadPriorityContext(cmd.Context())
			if err != nil {
				return fmt.Errorf("priority read: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]string{"context": text})
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
}

func newPriorityWriteCmd(env *cliEnv) *cobra.Command {
	var maxChars int

	cmd := &cobra.Command{
		Use:   "write <text...|->",
		Short: "Replace the priority context",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readArg(cmd, strings.Join(args, " "))
			if err != nil {
				return err
			}
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			res, err := a.memory.WritePriorityContext(cmd.Context(), text, maxChars)
			if err != nil {
				return fmt.Errorf("priority write: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d characters\n", res.Length)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxChars, "max-chars", 0, "truncate to this many characters (default priority_max_chars)")
	return cmd
}

// readArg returns arg, or all of stdin when arg is "-".
func readArg(cmd *cobra.Command, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}
