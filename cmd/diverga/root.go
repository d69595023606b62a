package main

import (
	"fmt"

	"diverga/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root diverga command with all subcommands attached.
func newRootCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diverga",
		Short: "Research checkpoint and agent coordination state",
		Long: "diverga keeps the shared state of a multi-agent research workflow:\n" +
			"checkpoint gates, the decision ledger, project state and agent messaging.",
		Version:       fmt.Sprintf("diverga %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	env.bindFlags(cmd)

	cmd.AddCommand(
		newCheckCmd(env),
		newMarkCmd(env),
		newStatusCmd(env),
		newCheckpointsCmd(env),
		newStateCmd(env),
		newDecisionsCmd(env),
		newPriorityCmd(env),
		newExportCmd(env),
		newImportCmd(env),
		newAgentsCmd(env),
		newSendCmd(env),
		newMailboxCmd(env),
		newAckCmd(env),
		newBroadcastCmd(env),
		newHistoryCmd(env),
		newChannelCmd(env),
		newProgressCmd(env),
		newRelayCmd(env),
		newAwaitCmd(env),
		newToolsCmd(env),
		newCallCmd(env),
	)

	return cmd
}
