package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"diverga/pkg/protocol"

	"github.com/spf13/cobra"
)

// newChannelCmd creates the "diverga channel" command group.
func newChannelCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "channel",
		Aliases: []string{"channels"},
		Short:   "Manage coordination channels",
	}
	cmd.AddCommand(
		newChannelCreateCmd(env),
		newChannelMemberCmd(env, "add", "Add a member to a channel"),
		newChannelMemberCmd(env, "remove", "Remove a member from a channel"),
		newChannelCloseCmd(env),
		newChannelShowCmd(env),
		newChannelListCmd(env),
		newChannelSendCmd(env),
		newChannelHistoryCmd(env),
		newChannelProgressCmd(env),
	)
	return cmd
}

func newChannelCreateCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name> [member...]",
		Short: "Create a channel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			ch, err := a.messaging.CreateChannel(cmd.Context(), args[0], args[1:])
			if err != nil {
				return fmt.Errorf("channel create: %w", err)
			}
			return printChannel(cmd.OutOrStdout(), env.jsonOut, ch)
		},
	}
}

func newChannelMemberCmd(env *cliEnv, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name> <agent-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			var ch protocol.Channel
			if verb == "add" {
				ch, err = a.messaging.AddChannelMember(cmd.Context(), args[0], args[1])
			} else {
				ch, err = a.messaging.RemoveChannelMember(cmd.Context(), args[0], args[1])
			}
			if err != nil {
				return fmt.Errorf("channel %s: %w", verb, err)
			}
			return printChannel(cmd.OutOrStdout(), env.jsonOut, ch)
		},
	}
}

func newChannelCloseCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "close <name>",
		Short: "Close a channel to further sends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			ch, err := a.messaging.CloseChannel(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("channel close: %w", err)
			}
			return printChannel(cmd.OutOrStdout(), env.jsonOut, ch)
		},
	}
}

func newChannelShowCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			ch, err := a.messaging.GetChannel(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("channel show: %w", err)
			}
			if ch == nil {
				return fmt.Errorf("%w: channel %s", protocol.ErrNotFound, args[0])
			}
			return printChannel(cmd.OutOrStdout(), env.jsonOut, *ch)
		},
	}
}

func newChannelListCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			chans, err := a.messaging.ListChannels(cmd.Context())
			if err != nil {
				return fmt.Errorf("channel list: %w", err)
			}
			out := cmd.OutOrStdout()
			if env.jsonOut {
				return printJSON(out, chans)
			}
			th := newTheme(out)
			rows := make([][]string, 0, len(chans))
			for _, ch := range chans {
				rows = append(rows, []string{ch.Name, channelStatus(th, ch.Status), strings.Join(ch.Members, ", ")})
			}
			th.table(out, []string{"CHANNEL", "STATUS", "MEMBERS"}, rows)
			return nil
		},
	}
}

func channelStatus(th theme, s protocol.ChannelStatus) string {
	if s == protocol.ChannelOpen {
		return th.Success.Render(string(s))
	}
	return th.Muted.Render(string(s))
}

func printChannel(out io.Writer, asJSON bool, ch protocol.Channel) error {
	if asJSON {
		return printJSON(out, ch)
	}
	th := newTheme(out)
	fmt.Fprintf(out, "%s %s (%s)\n", th.Header.Render("Channel:"), ch.Name, channelStatus(th, ch.Status))
	fmt.Fprintf(out, "%s %s\n", th.Header.Render("Members:"), joinOrNone(ch.Members))
	return nil
}

func newChannelSendCmd(env *cliEnv) *cobra.Command {
	var flags sendFlags

	cmd := &cobra.Command{
		Use:   "send <name> <from> <content|->",
		Short: "Send a message to every member of a channel",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			raw, err := readArg(cmd, args[2])
			if err != nil {
				return err
			}
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			ids, err := a.messaging.SendToChannel(cmd.Context(), args[0], args[1], parseContent(raw), opts)
			if err != nil {
				return fmt.Errorf("channel send: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]any{"message_ids": ids, "count": len(ids)})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent to %d members of %s\n", len(ids), args[0])
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func newChannelHistoryCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "history <name>",
		Short: "List everything sent to a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			posts, err := a.messaging.ChannelMessages(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("channel history: %w", err)
			}
			out := cmd.OutOrStdout()
			if env.jsonOut {
				return printJSON(out, posts)
			}
			th := newTheme(out)
			rows := make([][]string, 0, len(posts))
			for _, p := range posts {
				rows = append(rows, []string{p.Timestamp, p.From, orDash(p.Type), strconv.Itoa(len(p.MessageIDs)), formatContent(p.Content)})
			}
			th.table(out, []string{"TIMESTAMP", "FROM", "TYPE", "COPIES", "CONTENT"}, rows)
			return nil
		},
	}
}

func newChannelProgressCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <name>",
		Short: "Show the latest progress of each channel member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			reports, err := a.messaging.Progress(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("channel progress: %w", err)
			}
			out := cmd.OutOrStdout()
			if env.jsonOut {
				return printJSON(out, reports)
			}
			th := newTheme(out)
			rows := make([][]string, 0, len(reports))
			for _, r := range reports {
				pct := strconv.FormatFloat(r.Percent, 'f', -1, 64) + "%"
				if r.Percent >= 100 {
					pct = th.Success.Render(pct)
				}
				rows = append(rows, []string{r.AgentID, r.Stage, pct, orDash(r.Detail), r.Timestamp})
			}
			th.table(out, []string{"AGENT", "STAGE", "PERCENT", "DETAIL", "REPORTED"}, rows)
			return nil
		},
	}
}
