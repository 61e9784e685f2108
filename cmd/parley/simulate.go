package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/negotiation"
)

func newSimulateCmd() *cobra.Command {
	var (
		configPath string
		campaign   string
		creator    string
		from       string
		subject    string
		body       string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Feed a creator reply through the pipeline without a mail provider",
		Long: `Ingests a synthetic inbound email exactly as the inbound webhook would,
then prints the resulting stage and conversation id. The body is read from
--body, or from stdin when --body is "-".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if body == "-" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				body = strings.TrimSpace(string(raw))
			}

			orch, cleanup, err := openOrchestrator(cmd, configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := orch.IngestInbound(cmd.Context(), negotiation.InboundMessage{
				CampaignID:        campaign,
				CreatorID:         creator,
				ProviderMessageID: "sim-" + uuid.NewString(),
				SenderAddress:     from,
				Subject:           subject,
				BodyText:          body,
				ReceivedAt:        time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s: message %d accepted, stage %s\n",
				res.ConversationID, res.Sequence, res.Stage)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to Parley config file")
	cmd.Flags().StringVar(&campaign, "campaign", "", "campaign id (required)")
	cmd.Flags().StringVar(&creator, "creator", "", "creator id (required)")
	cmd.Flags().StringVar(&from, "from", "", "creator email address (required)")
	cmd.Flags().StringVar(&subject, "subject", "Re: collaboration", "email subject")
	cmd.Flags().StringVar(&body, "body", "", "email body, or - for stdin (required)")
	for _, f := range []string{"campaign", "creator", "from", "body"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the stale-conversation sweep once",
		Long:  "Escalates conversations stuck in analyzing and abandons unanswered outreach, then exits. serve runs the same sweep on a schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, cleanup, err := openOrchestrator(cmd, configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := orch.SweepStale(cmd.Context(), time.Now())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Escalated %d, abandoned %d, recovered %d\n", len(res.Escalated), len(res.Abandoned), len(res.Recovered))
			for _, id := range res.Escalated {
				fmt.Fprintf(out, "  escalated %s\n", id)
			}
			for _, id := range res.Abandoned {
				fmt.Fprintf(out, "  abandoned %s\n", id)
			}
			for _, id := range res.Recovered {
				fmt.Fprintf(out, "  recovered %s\n", id)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to Parley config file")
	return cmd
}
