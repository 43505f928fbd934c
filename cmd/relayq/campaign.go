package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayq/relayq/internal/campaign"
	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/timeparse"
)

var (
	campaignCSV         string
	campaignTemplate    string
	campaignSubject     string
	campaignText        string
	campaignHTML        string
	campaignVars        []string
	campaignAt          string
	campaignSkipInvalid bool
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign commands",
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Expand a recipient CSV into one job per row",
	Long: `Expand a recipient CSV into one job per row. The CSV needs a header
with an email column; the other columns become per-recipient template
variables.`,
	RunE: runCampaignCreate,
}

var campaignStatusCmd = &cobra.Command{
	Use:   "status <campaign_id>",
	Short: "Show campaign progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignStatus,
}

func init() {
	campaignCreateCmd.Flags().StringVar(&campaignCSV, "csv", "", "Recipient CSV file (required)")
	campaignCreateCmd.Flags().StringVar(&campaignTemplate, "template", "", "Named template to render")
	campaignCreateCmd.Flags().StringVar(&campaignSubject, "subject", "", "Subject template")
	campaignCreateCmd.Flags().StringVar(&campaignText, "text", "", "Plain text body template")
	campaignCreateCmd.Flags().StringVar(&campaignHTML, "html", "", "HTML body template")
	campaignCreateCmd.Flags().StringArrayVar(&campaignVars, "var", nil, "Shared template variable as key=value (repeatable)")
	campaignCreateCmd.Flags().StringVar(&campaignAt, "at", "", `Schedule expression ("in 2 hours", "tomorrow 9am", RFC 3339)`)
	campaignCreateCmd.Flags().BoolVar(&campaignSkipInvalid, "skip-invalid", false, "Skip invalid rows instead of recording them as rejected jobs")
	campaignCreateCmd.MarkFlagRequired("csv")

	campaignCmd.AddCommand(campaignCreateCmd, campaignStatusCmd)
	rootCmd.AddCommand(campaignCmd)
}

func runCampaignCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	vars, err := parseVars(campaignVars)
	if err != nil {
		return err
	}

	var notBefore time.Time
	if campaignAt != "" {
		notBefore, err = timeparse.Parse(campaignAt, time.Now(), loc)
		if err != nil {
			return err
		}
	}

	f, err := os.Open(campaignCSV)
	if err != nil {
		return fmt.Errorf("failed to open CSV: %w", err)
	}
	defer f.Close()

	store, _, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	proto := &job.Job{
		TemplateRef: campaignTemplate,
		Subject:     campaignSubject,
		BodyText:    campaignText,
		BodyHTML:    campaignHTML,
		Vars:        vars,
		NotBefore:   notBefore,
	}

	expander := campaign.NewExpander(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	result, err := expander.Expand(context.Background(), f, proto,
		campaign.Options{SkipInvalid: campaignSkipInvalid})
	if err != nil {
		return fmt.Errorf("failed to expand campaign: %w", err)
	}

	fmt.Printf("Campaign %s created\n", result.CampaignID)
	fmt.Printf("  Created:  %d\n", result.Created)
	fmt.Printf("  Rejected: %d\n", result.Rejected)
	if result.Skipped > 0 {
		fmt.Printf("  Skipped:  %d\n", result.Skipped)
	}

	return nil
}

func runCampaignStatus(cmd *cobra.Command, args []string) error {
	store, _, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	id := args[0]
	sum, err := store.CampaignSummary(context.Background(), id)
	if err != nil {
		return fmt.Errorf("failed to get campaign summary: %w", err)
	}
	if sum.Total == 0 {
		return fmt.Errorf("campaign not found: %s", id)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Campaign:\t%s\n", sum.CampaignID)
	fmt.Fprintf(w, "Total:\t%d\n", sum.Total)
	fmt.Fprintf(w, "Pending:\t%d\n", sum.Pending)
	fmt.Fprintf(w, "In Flight:\t%d\n", sum.InFlight)
	fmt.Fprintf(w, "Sent:\t%d\n", sum.Sent)
	fmt.Fprintf(w, "Failed:\t%d\n", sum.Failed)
	fmt.Fprintf(w, "Cancelled:\t%d\n", sum.Cancelled)
	w.Flush()

	return nil
}
