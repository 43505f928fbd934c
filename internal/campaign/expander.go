// Package campaign expands recipient lists into individual delivery jobs.
package campaign

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/relayq/relayq/internal/job"
)

// Options controls how invalid rows are handled.
type Options struct {
	// SkipInvalid drops bad rows silently. The default records each bad
	// row as a permanently failed job so the campaign summary accounts
	// for every recipient in the file.
	SkipInvalid bool
}

// Result summarizes one expansion.
type Result struct {
	CampaignID string `json:"campaign_id"`
	Created    int    `json:"created"`
	Rejected   int    `json:"rejected"`
	Skipped    int    `json:"skipped"`
}

// Expander turns a CSV recipient list plus a prototype job into one job
// per row. The prototype carries the template, schedule and attachments;
// each row contributes the recipient and its variable mapping.
type Expander struct {
	store  job.Store
	logger *slog.Logger
}

// NewExpander creates an expander over the given store.
func NewExpander(store job.Store, logger *slog.Logger) *Expander {
	return &Expander{store: store, logger: logger}
}

// Expand reads the CSV from r and creates one job per data row. The file
// must have a header row with an "email" column; every other column
// becomes a template variable. A malformed file aborts before any job is
// created; a bad row only affects that row.
func (e *Expander) Expand(ctx context.Context, r io.Reader, proto *job.Job, opts Options) (*Result, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}

	emailCol := -1
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), "email") {
			emailCol = i
			break
		}
	}
	if emailCol == -1 {
		return nil, fmt.Errorf("recipient list has no email column")
	}

	campaignID := proto.CampaignID
	if campaignID == "" {
		campaignID = uuid.New().String()
	}
	result := &Result{CampaignID: campaignID}

	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil && !errors.Is(err, csv.ErrFieldCount) {
			return result, fmt.Errorf("failed to read row %d: %w", line, err)
		}

		j := e.rowJob(proto, campaignID, header, row, emailCol)

		// A short row still identifies its recipient when the email
		// column is present; Create rejects the rest.
		err = e.store.Create(ctx, j)
		if err == nil {
			result.Created++
			continue
		}

		var verr *job.ValidationError
		if !errors.As(err, &verr) {
			return result, fmt.Errorf("failed to create job for row %d: %w", line, err)
		}

		e.logger.Warn("rejected campaign row",
			"campaign_id", campaignID,
			"line", line,
			"reason", verr.Reason,
		)

		if opts.SkipInvalid {
			result.Skipped++
			continue
		}
		if err := e.store.CreateRejected(ctx, j, verr.Reason); err != nil {
			return result, fmt.Errorf("failed to record rejected row %d: %w", line, err)
		}
		result.Rejected++
	}

	e.logger.Info("campaign expanded",
		"campaign_id", campaignID,
		"created", result.Created,
		"rejected", result.Rejected,
		"skipped", result.Skipped,
	)

	return result, nil
}

func (e *Expander) rowJob(proto *job.Job, campaignID string, header, row []string, emailCol int) *job.Job {
	vars := make(map[string]string, len(header))
	for k, v := range proto.Vars {
		vars[k] = v
	}
	recipient := ""
	for i, col := range header {
		if i >= len(row) {
			break
		}
		value := strings.TrimSpace(row[i])
		if i == emailCol {
			recipient = value
			continue
		}
		name := strings.TrimSpace(col)
		if name != "" {
			vars[name] = value
		}
	}

	return &job.Job{
		Recipient:   recipient,
		TemplateRef: proto.TemplateRef,
		Subject:     proto.Subject,
		BodyText:    proto.BodyText,
		BodyHTML:    proto.BodyHTML,
		Vars:        vars,
		Attachments: proto.Attachments,
		NotBefore:   proto.NotBefore,
		CampaignID:  campaignID,
	}
}
