package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/template"
)

var (
	jobsListState    string
	jobsListCampaign string
	jobsListLimit    int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Job management commands",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a pending job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runJobsStats,
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsListState, "state", "", "Filter by state (pending, in_flight, sent, failed_transient, failed_permanent, cancelled)")
	jobsListCmd.Flags().StringVar(&jobsListCampaign, "campaign", "", "Filter by campaign ID")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 50, "Maximum number of jobs to show")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCancelCmd, jobsStatsCmd)
	rootCmd.AddCommand(jobsCmd)
}

// openStore opens the job database the daemon uses. The returned cleanup
// closes it.
func openStore() (*job.BoltStore, *template.Storage, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	var engine *template.Engine
	store, err := job.NewBoltStore(cfg.Storage.Path, func(j *job.Job) error {
		return engine.Check(j)
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open job storage: %w", err)
	}

	templates, err := template.NewStorage(store.DB())
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("failed to open template storage: %w", err)
	}
	engine = template.NewEngine(templates)

	cleanup := func() {
		store.Close()
	}
	return store, templates, cleanup, nil
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runJobsList(cmd *cobra.Command, args []string) error {
	store, _, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()

	filter := job.ListFilter{
		CampaignID: jobsListCampaign,
		Limit:      jobsListLimit,
	}
	if jobsListState != "" {
		filter.State = job.State(jobsListState)
		if !filter.State.Valid() {
			return fmt.Errorf("unknown state: %s", jobsListState)
		}
	}

	jobs, err := store.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tRECIPIENT\tNOT BEFORE\tATTEMPTS")
	fmt.Fprintln(w, "--\t-----\t---------\t----------\t--------")

	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			truncateID(j.ID),
			j.State,
			j.Recipient,
			j.NotBefore.Format("2006-01-02 15:04"),
			j.AttemptCount,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d jobs\n", len(jobs))

	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	store, _, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	id := args[0]

	j, err := store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if j == nil {
		return fmt.Errorf("job not found: %s", id)
	}

	fmt.Printf("Job: %s\n\n", j.ID)
	fmt.Printf("State:      %s\n", j.State)
	fmt.Printf("Recipient:  %s\n", j.Recipient)
	if j.TemplateRef != "" {
		fmt.Printf("Template:   %s\n", j.TemplateRef)
	} else {
		fmt.Printf("Subject:    %s\n", j.Subject)
	}
	fmt.Printf("Not Before: %s\n", j.NotBefore.Format(time.RFC3339))
	fmt.Printf("Created:    %s\n", j.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:    %s\n", j.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("Attempts:   %d\n", j.AttemptCount)

	if j.CampaignID != "" {
		fmt.Printf("Campaign:   %s\n", j.CampaignID)
	}
	if len(j.Vars) > 0 {
		fmt.Println("\nVariables:")
		for k, v := range j.Vars {
			fmt.Printf("  %s = %s\n", k, v)
		}
	}
	if len(j.Attachments) > 0 {
		fmt.Println("\nAttachments:")
		for _, a := range j.Attachments {
			fmt.Printf("  %s\n", a)
		}
	}
	if j.LastError != "" {
		fmt.Printf("\nLast Error:\n  %s\n", j.LastError)
	}

	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	store, _, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	id := args[0]

	cancelled, err := store.Cancel(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if !cancelled {
		return fmt.Errorf("job %s is not pending", id)
	}

	fmt.Printf("Job %s cancelled\n", id)
	return nil
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	store, _, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := store.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Println("Queue Statistics")
	fmt.Println("================")
	fmt.Printf("Total:            %d\n", stats.Total)
	fmt.Printf("Pending:          %d\n", stats.Pending)
	fmt.Printf("In Flight:        %d\n", stats.InFlight)
	fmt.Printf("Sent:             %d\n", stats.Sent)
	fmt.Printf("Failed Transient: %d\n", stats.FailedTransient)
	fmt.Printf("Failed Permanent: %d\n", stats.FailedPermanent)
	fmt.Printf("Cancelled:        %d\n", stats.Cancelled)

	return nil
}
