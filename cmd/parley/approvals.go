package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/approval"
	"github.com/zulandar/parley/internal/negotiation"
)

// openOrchestrator loads config, connects, and wires an orchestrator for a
// one-shot CLI command. Logs go to stderr so tables stay clean.
func openOrchestrator(cmd *cobra.Command, configPath string) (*negotiation.Orchestrator, func(), error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, func() {}, err
	}
	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, func() {}, err
	}
	return buildOrchestrator(context.Background(), cfg, gormDB, log)
}

func newApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval"},
		Short:   "Review the human approval queue",
	}

	cmd.AddCommand(newApprovalsListCmd())
	cmd.AddCommand(newApprovalsResolveCmd())
	return cmd
}

func newApprovalsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, cleanup, err := openOrchestrator(cmd, configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			items, err := orch.ListPendingApprovals(cmd.Context())
			if err != nil {
				return err
			}
			printApprovals(cmd, items)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to Parley config file")
	return cmd
}

func printApprovals(cmd *cobra.Command, items []negotiation.ApprovalSummary) {
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "No pending approvals.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAMPAIGN\tCREATOR\tAGE\tMERGED\tSUMMARY")
	for _, a := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			a.ApprovalID, a.CampaignID, a.CreatorID, formatAge(a.CreatedAt), a.MergeCount, truncate(a.Summary, 60))
	}
	w.Flush()
}

func newApprovalsResolveCmd() *cobra.Command {
	var (
		configPath string
		text       string
		notes      string
		by         string
	)

	cmd := &cobra.Command{
		Use:   "resolve <approval-id> <approve|reject|substitute>",
		Short: "Resolve a pending approval",
		Long: `Approves the drafted reply, rejects the negotiation, or sends a substitute
reply written by the operator (--text). Approve and substitute send the reply
to the creator immediately.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := approval.ParseDecision(strings.ToLower(args[1]))
			if err != nil {
				return err
			}
			orch, cleanup, err := openOrchestrator(cmd, configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := orch.ResolveApproval(cmd.Context(), negotiation.ResolveRequest{
				ApprovalID: args[0],
				Decision:   decision,
				HumanText:  text,
				Notes:      notes,
				ResolvedBy: by,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Resolved %s (%s): conversation %s is now %s\n", args[0], decision, res.ConversationID, res.Stage)
			if res.OutboundSent {
				fmt.Fprintln(out, "Reply sent to creator.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to Parley config file")
	cmd.Flags().StringVar(&text, "text", "", "reply text for substitute")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	cmd.Flags().StringVar(&by, "by", defaultActor(), "operator name recorded on the approval")
	return cmd
}
