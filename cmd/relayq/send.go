package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/timeparse"
)

var (
	sendTo       string
	sendTemplate string
	sendSubject  string
	sendText     string
	sendHTML     string
	sendVars     []string
	sendAttach   []string
	sendAt       string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Enqueue a single email job",
	Long: `Enqueue a single email job for delivery. The job is picked up by a
running daemon; this command only writes it to the queue.`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Recipient address (required)")
	sendCmd.Flags().StringVar(&sendTemplate, "template", "", "Named template to render")
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "Subject template")
	sendCmd.Flags().StringVar(&sendText, "text", "", "Plain text body template")
	sendCmd.Flags().StringVar(&sendHTML, "html", "", "HTML body template")
	sendCmd.Flags().StringArrayVar(&sendVars, "var", nil, "Template variable as key=value (repeatable)")
	sendCmd.Flags().StringArrayVar(&sendAttach, "attach", nil, "Attachment file path (repeatable)")
	sendCmd.Flags().StringVar(&sendAt, "at", "", `Schedule expression ("in 2 hours", "tomorrow 9am", RFC 3339)`)
	sendCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(sendCmd)
}

// parseVars turns repeated key=value flags into a map.
func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, found := strings.Cut(p, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid variable %q, expected key=value", p)
		}
		vars[key] = value
	}
	return vars, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	vars, err := parseVars(sendVars)
	if err != nil {
		return err
	}

	var notBefore time.Time
	if sendAt != "" {
		notBefore, err = timeparse.Parse(sendAt, time.Now(), loc)
		if err != nil {
			return err
		}
	}

	store, _, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	j := &job.Job{
		Recipient:   sendTo,
		TemplateRef: sendTemplate,
		Subject:     sendSubject,
		BodyText:    sendText,
		BodyHTML:    sendHTML,
		Vars:        vars,
		Attachments: sendAttach,
		NotBefore:   notBefore,
	}

	if err := store.Create(context.Background(), j); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	fmt.Printf("Job %s enqueued for %s\n", j.ID, j.Recipient)
	if sendAt != "" {
		fmt.Printf("Scheduled for %s\n", j.NotBefore.Format(time.RFC3339))
	}
	return nil
}
