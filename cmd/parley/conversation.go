package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/ledger"
	"github.com/zulandar/parley/internal/negotiation"
)

func newConversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Inspect and steer conversations",
	}

	cmd.AddCommand(newConversationShowCmd())
	cmd.AddCommand(newConversationOverrideCmd())
	cmd.AddCommand(newConversationRetryCmd())
	cmd.AddCommand(newConversationMessagesCmd())
	return cmd
}

func newConversationShowCmd() *cobra.Command {
	var (
		configPath string
		campaign   string
	)

	cmd := &cobra.Command{
		Use:   "show <conversation-id | creator-id>",
		Short: "Show a conversation with its ledger and stage history",
		Long:  "Displays stage, pending approval, contract, the full message ledger, and every stage transition. With --campaign the argument is a creator id.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, cleanup, err := openOrchestrator(cmd, configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			id := args[0]
			if campaign != "" {
				if id, err = orch.FindConversation(cmd.Context(), campaign, args[0]); err != nil {
					return err
				}
			}
			state, err := orch.GetConversationState(cmd.Context(), id)
			if err != nil {
				return err
			}
			printConversation(cmd, state)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to Parley config file")
	cmd.Flags().StringVar(&campaign, "campaign", "", "look up by campaign and creator id")
	return cmd
}

func printConversation(cmd *cobra.Command, s *negotiation.ConversationState) {
	out := cmd.OutOrStdout()
	c := s.Conversation

	fmt.Fprintf(out, "Conversation: %s\n", c.ID)
	fmt.Fprintf(out, "Campaign:     %s\n", c.CampaignID)
	fmt.Fprintf(out, "Creator:      %s <%s>\n", c.CreatorID, c.CreatorAddress)
	fmt.Fprintf(out, "Stage:        %s (since %s)\n", c.Stage, c.StageChangedAt.Format(time.RFC3339))
	if s.PendingApproval != nil {
		fmt.Fprintf(out, "Pending:      %s %s\n", s.PendingApproval.ID, truncate(s.PendingApproval.Summary, 60))
	}
	if s.Contract != nil {
		fmt.Fprintf(out, "Contract:     %s %s (%s)\n", s.Contract.Status, s.Contract.ExternalRef, formatAmount(s.Contract.Compensation))
	}

	fmt.Fprintf(out, "\nMessages (%d):\n", len(s.Messages))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tFROM\tDIR\tDELIVERY\tBODY")
	for _, m := range s.Messages {
		d := m.DeliveryStatus
		if d == "" {
			d = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", m.Sequence, m.SenderType, m.Direction, d, truncate(m.BodyText, 60))
	}
	w.Flush()

	fmt.Fprintf(out, "\nTransitions (%d):\n", len(s.Transitions))
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tFROM\tTO\tACTOR\tREASON")
	for _, t := range s.Transitions {
		to := t.ToStage
		if t.Override {
			to += " (override)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.CreatedAt.Format(time.RFC3339), t.FromStage, to, t.Actor, truncate(t.Reason, 50))
	}
	w.Flush()
}

func newConversationOverrideCmd() *cobra.Command {
	var (
		configPath string
		actor      string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "override <conversation-id> <stage>",
		Short: "Force a conversation into any stage (audited)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, cleanup, err := openOrchestrator(cmd, configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stage, err := orch.OverrideStage(cmd.Context(), negotiation.OverrideRequest{
				ConversationID: args[0],
				Stage:          args[1],
				Actor:          actor,
				Reason:         reason,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s is now %s\n", args[0], stage)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to Parley config file")
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "operator recorded on the transition")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the transition (required)")
	return cmd
}

func newConversationRetryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "retry <conversation-id> <contract|payment>",
		Short: "Re-fire a failed contract or payment request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, cleanup, err := openOrchestrator(cmd, configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			switch args[1] {
			case "contract":
				stage, err := orch.RetryContractRequest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Contract request sent; conversation %s is %s\n", args[0], stage)
			case "payment":
				if err := orch.RetryPaymentRequest(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(out, "Payment request sent for %s\n", args[0])
			default:
				return fmt.Errorf("unknown retry target %q (want contract or payment)", args[1])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to Parley config file")
	return cmd
}

func newConversationMessagesCmd() *cobra.Command {
	var (
		configPath string
		after      int
	)

	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Print ledger messages after a sequence number, in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			n := 0
			for m, err := range ledger.ListSince(gormDB.WithContext(cmd.Context()), args[0], after, 0) {
				if err != nil {
					return err
				}
				n++
				fmt.Fprintf(out, "#%d %s %s", m.Sequence, m.Direction, m.SenderType)
				if m.SenderAddress != "" {
					fmt.Fprintf(out, " <%s>", m.SenderAddress)
				}
				fmt.Fprintln(out)
				if m.Subject != "" {
					fmt.Fprintf(out, "Subject: %s\n", m.Subject)
				}
				fmt.Fprintf(out, "%s\n\n", m.BodyText)
			}
			if n == 0 {
				fmt.Fprintf(out, "No messages after %d.\n", after)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to Parley config file")
	cmd.Flags().IntVar(&after, "after", 0, "only messages with a higher sequence")
	return cmd
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
