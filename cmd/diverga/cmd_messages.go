package main

import (
	"fmt"
	"io"
	"strings"

	"diverga/pkg/messaging"
	"diverga/pkg/protocol"

	"github.com/spf13/cobra"
)

// sendFlags are the message options shared by send, broadcast and
// channel send.
type sendFlags struct {
	msgType  string
	priority string
	meta     []string
}

func (f *sendFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.msgType, "type", "", "message type")
	cmd.Flags().StringVar(&f.priority, "priority", "", "low, normal, high or urgent (default normal)")
	cmd.Flags().StringArrayVar(&f.meta, "meta", nil, "metadata key=value (repeatable)")
}

func (f *sendFlags) options() (messaging.SendOptions, error) {
	md, err := parseAssignments(f.meta)
	if err != nil {
		return messaging.SendOptions{}, err
	}
	return messaging.SendOptions{
		Type:     f.msgType,
		Priority: protocol.Priority(strings.ToLower(f.priority)),
		Metadata: md,
	}, nil
}

// newSendCmd creates the "diverga send" subcommand.
func newSendCmd(env *cliEnv) *cobra.Command {
	var flags sendFlags

	cmd := &cobra.Command{
		Use:   "send <from> <to> <content|->",
		Short: "Send a message to an agent's mailbox",
		Long:  "Send a message. Content that parses as a JSON object or array is stored\nstructured; anything else is stored as text.",
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
			id, err := a.messaging.Send(cmd.Context(), args[0], args[1], parseContent(raw), opts)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]any{"sent": true, "message_id": id})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", id)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

// newMailboxCmd creates the "diverga mailbox" subcommand.
func newMailboxCmd(env *cliEnv) *cobra.Command {
	var opts mailboxFlags

	cmd := &cobra.Command{
		Use:   "mailbox <agent-id>",
		Short: "Read an agent's messages",
		Long:  "Print unread messages and mark them read. --all includes messages already\nread; --peek leaves delivery state untouched.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			msgs, err := a.messaging.Mailbox(cmd.Context(), args[0], opts.options())
			if err != nil {
				return fmt.Errorf("mailbox: %w", err)
			}
			return printMessages(cmd.OutOrStdout(), env.jsonOut, msgs)
		},
	}

	cmd.Flags().BoolVar(&opts.all, "all", false, "include messages already read")
	cmd.Flags().BoolVar(&opts.peek, "peek", false, "do not mark messages read")
	cmd.Flags().StringVar(&opts.msgType, "type", "", "only messages of this type")
	cmd.Flags().StringVar(&opts.from, "from", "", "only messages from this agent")
	cmd.Flags().StringVar(&opts.status, "status", "", "only unread, read or acknowledged messages")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "at most this many messages")
	return cmd
}

type mailboxFlags struct {
	all     bool
	peek    bool
	msgType string
	from    string
	status  string
	limit   int
}

func (f mailboxFlags) options() messaging.MailboxOptions {
	autoMark := !f.peek
	return messaging.MailboxOptions{
		IncludeRead: f.all,
		AutoMark:    &autoMark,
		Type:        f.msgType,
		From:        f.from,
		Status:      f.status,
		Limit:       f.limit,
	}
}

func printMessages(out io.Writer, asJSON bool, msgs []protocol.Message) error {
	if asJSON {
		return printJSON(out, msgs)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages.")
		return nil
	}
	th := newTheme(out)
	rows := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		prio := string(m.Priority)
		switch m.Priority {
		case protocol.PriorityHigh:
			prio = th.Warning.Render(prio)
		case protocol.PriorityUrgent:
			prio = th.Error.Render(prio)
		}
		rows = append(rows, []string{
			m.MessageID,
			m.From,
			m.To,
			orDash(m.Type),
			prio,
			m.Status(),
			m.Timestamp,
			formatContent(m.Content),
		})
	}
	th.table(out, []string{"ID", "FROM", "TO", "TYPE", "PRIORITY", "STATUS", "TIMESTAMP", "CONTENT"}, rows)
	return nil
}

// newAckCmd creates the "diverga ack" subcommand.
func newAckCmd(env *cliEnv) *cobra.Command {
	var response string

	cmd := &cobra.Command{
		Use:   "ack <message-id>",
		Short: "Acknowledge a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			m, err := a.messaging.Acknowledge(cmd.Context(), args[0], response)
			if err != nil {
				return fmt.Errorf("ack: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged %s at %s\n", m.MessageID, m.AcknowledgedAt)
			return nil
		},
	}

	cmd.Flags().StringVar(&response, "response", "", "response text stored with the acknowledgement")
	return cmd
}

// newBroadcastCmd creates the "diverga broadcast" subcommand.
func newBroadcastCmd(env *cliEnv) *cobra.Command {
	var (
		flags       sendFlags
		roles       []string
		includeSelf bool
	)

	cmd := &cobra.Command{
		Use:   "broadcast <from> <content|->",
		Short: "Send a message to every registered agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			send, err := flags.options()
			if err != nil {
				return err
			}
			raw, err := readArg(cmd, args[1])
			if err != nil {
				return err
			}
			excludeSelf := !includeSelf
			opts := messaging.BroadcastOptions{
				ExcludeSelf: &excludeSelf,
				Roles:       roles,
				Type:        send.Type,
				Priority:    send.Priority,
				Metadata:    send.Metadata,
			}

			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			ids, err := a.messaging.Broadcast(cmd.Context(), args[0], parseContent(raw), opts)
			if err != nil {
				return fmt.Errorf("broadcast: %w", err)
			}
			if env.jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]any{"message_ids": ids, "count": len(ids)})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Broadcast to %d agents\n", len(ids))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringSliceVar(&roles, "role", nil, "only agents with one of these roles or categories")
	cmd.Flags().BoolVar(&includeSelf, "include-self", false, "deliver a copy to the sender too")
	return cmd
}

// newHistoryCmd creates the "diverga history" subcommand.
func newHistoryCmd(env *cliEnv) *cobra.Command {
	var f messaging.HistoryFilter

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored messages without changing their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := env.services(cmd)
			if err != nil {
				return err
			}
			msgs, err := a.messaging.History(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			return printMessages(cmd.OutOrStdout(), env.jsonOut, msgs)
		},
	}

	cmd.Flags().StringVar(&f.From, "from", "", "only messages from this agent")
	cmd.Flags().StringVar(&f.To, "to", "", "only messages to this agent")
	cmd.Flags().StringVar(&f.Type, "type", "", "only messages of this type")
	cmd.Flags().StringVar(&f.Channel, "channel", "", "only messages sent through this channel")
	cmd.Flags().StringVar(&f.Since, "since", "", "only messages at or after this ISO timestamp")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "at most this many messages")
	return cmd
}
