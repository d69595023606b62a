package main

import (
	"encoding/json"
	"fmt"

	"diverga/pkg/protocol"

	"github.com/spf13/cobra"
)

// newToolsCmd creates the "diverga tools" subcommand.
func newToolsCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the callable tools and their input schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			defs := a.tools.Tools()
			out := cmd.OutOrStdout()
			if env.jsonOut {
				return printJSON(out, map[string]any{"tools": defs})
			}
			th := newTheme(out)
			rows := make([][]string, 0, len(defs))
			for _, t := range defs {
				rows = append(rows, []string{t.Name, th.Muted.Render(t.Description)})
			}
			th.table(out, []string{"TOOL", "DESCRIPTION"}, rows)
			return nil
		},
	}
}

// newCallCmd creates the "diverga call" subcommand. The result is always
// printed as JSON.
func newCallCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "call <tool> [json-arguments|-]",
		Short: "Invoke a tool by name with JSON arguments",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if len(args) == 2 {
				s, err := readArg(cmd, args[1])
				if err != nil {
					return err
				}
				if !json.Valid([]byte(s)) {
					return fmt.Errorf("%w: arguments are not valid JSON", protocol.ErrInvalidArgument)
				}
				raw = json.RawMessage(s)
			}
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			res, err := a.tools.Call(cmd.Context(), args[0], raw)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
