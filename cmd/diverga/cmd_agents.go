package main

import (
	"fmt"
	"io"

	"diverga/pkg/messaging"
	"diverga/pkg/protocol"

	"github.com/spf13/cobra"
)

// newAgentsCmd creates the "diverga agents" command group.
func newAgentsCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agents",
		Aliases: []string{"agent"},
		Short:   "Manage the agent registry",
	}
	cmd.AddCommand(newAgentsRegisterCmd(env), newAgentsListCmd(env), newAgentsRemoveCmd(env))
	return cmd
}

func newAgentsRegisterCmd(env *cliEnv) *cobra.Command {
	var (
		info messaging.AgentInfo
		meta []string
	)

	cmd := &cobra.Command{
		Use:   "register <agent-id>",
		Short: "Register or update an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := parseAssignments(meta)
			if err != nil {
				return err
			}
			info.Metadata = md

			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			agent, err := a.messaging.RegisterAgent(cmd.Context(), args[0], info)
			if err != nil {
				return fmt.Errorf("agents register: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), agent)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (status=%s)\n", agent.AgentID, agent.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&info.Role, "role", "", "agent role")
	cmd.Flags().StringVar(&info.Category, "category", "", "agent category")
	cmd.Flags().StringVar(&info.Model, "model", "", "model tier")
	cmd.Flags().StringVar(&info.Status, "status", "", "registry status (default active)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	return cmd
}

func newAgentsListCmd(env *cliEnv) *cobra.Command {
	var f messaging.AgentFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			agents, err := a.messaging.ListAgents(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("agents list: %w", err)
			}
			out := cmd.OutOrStdout()
			if env.jsonOut {
				return printJSON(out, agents)
			}
			printAgents(out, agents)
			return nil
		},
	}

	cmd.Flags().StringVar(&f.Status, "status", "", "only agents with this status")
	cmd.Flags().StringVar(&f.Category, "category", "", "only agents in this category")
	cmd.Flags().StringVar(&f.Model, "model", "", "only agents on this model")
	cmd.Flags().StringVar(&f.Role, "role", "", "only agents with this role")
	return cmd
}

func printAgents(out io.Writer, agents []protocol.Agent) {
	th := newTheme(out)
	rows := make([][]string, 0, len(agents))
	for _, ag := range agents {
		status := th.Success.Render(orDash(ag.Status))
		if ag.Status != messaging.AgentStatusActive {
			status = th.Muted.Render(orDash(ag.Status))
		}
		rows = append(rows, []string{ag.AgentID, orDash(ag.Role), orDash(ag.Category), orDash(ag.Model), status, ag.UpdatedAt})
	}
	th.table(out, []string{"AGENT", "ROLE", "CATEGORY", "MODEL", "STATUS", "UPDATED"}, rows)
}

func newAgentsRemoveCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <agent-id>",
		Aliases: []string{"unregister"},
		Short:   "Remove an agent from the registry",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			removed, err := a.messaging.UnregisterAgent(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("agents remove: %w", err)
			}
			if !removed {
				return fmt.Errorf("%w: agent %s", protocol.ErrNotFound, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}
