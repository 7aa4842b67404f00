package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/app"
	"github.com/ternarybob/vellum/internal/jobs/batch"
	"github.com/ternarybob/vellum/internal/models"
)

// BatchCmd groups the asynchronous bulk workflow
type BatchCmd struct {
	Submit   BatchSubmitCmd   `command:"submit" description:"Submit pending documents as one batch job"`
	Poll     BatchPollCmd     `command:"poll" description:"Refresh the status of a batch job"`
	Retrieve BatchRetrieveCmd `command:"retrieve" description:"Download and reconcile the results of an ended batch job"`
	List     BatchListCmd     `command:"list" description:"List known batch jobs"`
}

// jobView is the printed form of a batch job
type jobView struct {
	ID            string             `yaml:"id"`
	Provider      string             `yaml:"provider"`
	Model         string             `yaml:"model"`
	Status        models.BatchStatus `yaml:"status"`
	Items         int                `yaml:"items"`
	Counts        models.BatchCounts `yaml:"counts"`
	EstimatedCost float64            `yaml:"estimated_cost"`
	SubmittedAt   time.Time          `yaml:"submitted_at"`
	EndedAt       *time.Time         `yaml:"ended_at,omitempty"`
	TimedOut      bool               `yaml:"timed_out,omitempty"`
	Consumed      bool               `yaml:"consumed"`
}

func viewOf(job *models.BatchJob) jobView {
	v := jobView{
		ID:            job.ID,
		Provider:      job.Provider,
		Model:         job.Model,
		Status:        job.Status,
		Items:         len(job.CorrelationIDs),
		Counts:        job.Counts,
		EstimatedCost: job.EstimatedCost,
		SubmittedAt:   job.SubmittedAt,
		TimedOut:      job.TimedOut,
		Consumed:      job.Consumed,
	}
	if !job.EndedAt.IsZero() {
		ended := job.EndedAt
		v.EndedAt = &ended
	}
	return v
}

// batchManager returns the batch manager or a configuration error when the provider cannot batch
func batchManager(a *app.App) (*batch.Manager, error) {
	if a.Batches == nil {
		return nil, exitWith(exitFatal, fmt.Errorf("provider '%s' does not support batch submission", a.Config.LLM.DefaultProvider))
	}
	return a.Batches, nil
}

// BatchSubmitCmd prepares and submits a batch job
type BatchSubmitCmd struct {
	Limit       int     `long:"limit" description:"Submit at most N pending items"`
	Yes         bool    `short:"y" long:"yes" description:"Submit without asking for confirmation"`
	Budget      float64 `long:"budget" default:"-1" description:"Spending ceiling in USD for this submission (0 = unlimited)"`
	RetryFailed bool    `long:"retry-failed" description:"Include items that previously failed permanently"`
}

func (c *BatchSubmitCmd) Execute(_ []string) error {
	a, logger, err := startApp(overrides{budget: c.Budget}, app.Options{}, true)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := batchManager(a)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(logger)
	defer stop()

	if err := a.Ping(ctx); err != nil {
		return exitWith(exitUnreachable, fmt.Errorf("service unreachable: %w", err))
	}

	items, err := a.PendingItems(ctx, c.RetryFailed, c.Limit)
	if err != nil {
		return exitWith(exitFatal, err)
	}

	manifest, err := manager.Prepare(ctx, items)
	if errors.Is(err, batch.ErrEmptyManifest) {
		logger.Info().Int("skipped", len(manifest.Skipped)).Msg("Nothing to submit")
		return printYAML("skipped", manifest.Skipped)
	}
	if err != nil {
		return exitWith(exitFatal, err)
	}

	preview := struct {
		Manifest      string              `yaml:"manifest"`
		Requests      int                 `yaml:"requests"`
		EstimatedCost float64             `yaml:"estimated_cost"`
		Skipped       []batch.SkippedItem `yaml:"skipped,omitempty"`
	}{manifest.Path, len(manifest.Requests), manifest.EstimatedCost, manifest.Skipped}
	if err := printYAML("manifest", preview); err != nil {
		return errors.Join(err, manager.Abandon(manifest))
	}

	if !c.Yes && !confirm(os.Stdin, fmt.Sprintf("Submit %d requests for an estimated $%.2f?", len(manifest.Requests), manifest.EstimatedCost)) {
		if err := manager.Abandon(manifest); err != nil {
			return exitWith(exitFatal, err)
		}
		logger.Info().Msg("Submission cancelled at confirmation")
		return nil
	}

	job, err := manager.Submit(ctx, manifest)
	if err != nil {
		return exitWith(exitFatal, err)
	}
	return printYAML("submitted", viewOf(job))
}

// BatchPollCmd refreshes a job's status, optionally until it ends
type BatchPollCmd struct {
	Job      string        `long:"job" required:"true" description:"Batch job id"`
	Wait     bool          `long:"wait" description:"Keep polling until the job ends or times out"`
	Interval time.Duration `long:"interval" description:"Polling interval with --wait (default: batch.poll_interval)"`
}

func (c *BatchPollCmd) Execute(_ []string) error {
	a, logger, err := startApp(overrides{budget: -1}, app.Options{}, false)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := batchManager(a)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(logger)
	defer stop()

	var job *models.BatchJob
	if c.Wait {
		job, err = manager.Wait(ctx, c.Job, c.Interval)
	} else {
		job, err = manager.Poll(ctx, c.Job)
	}
	if job != nil {
		if perr := printYAML("batch", viewOf(job)); perr != nil {
			logger.Warn().Err(perr).Msg("Failed to print batch job")
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return exitWith(exitInterrupted, nil)
		}
		return exitWith(exitUnreachable, err)
	}
	if job.TimedOut {
		logger.Warn().Str("batch_id", job.ID).Msg("Batch job exceeded its maximum wait; retrieve it once it ends")
	}
	return nil
}

// BatchRetrieveCmd downloads the results of an ended job and reconciles them into the work store
type BatchRetrieveCmd struct {
	Job string `long:"job" required:"true" description:"Batch job id"`
}

func (c *BatchRetrieveCmd) Execute(_ []string) error {
	a, logger, err := startApp(overrides{budget: -1}, app.Options{}, false)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := batchManager(a)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(logger)
	defer stop()

	job, err := manager.Poll(ctx, c.Job)
	if err != nil {
		return exitWith(exitUnreachable, err)
	}
	return retrieve(ctx, manager, job, logger)
}

func retrieve(ctx context.Context, manager *batch.Manager, job *models.BatchJob, logger arbor.ILogger) error {
	results, err := manager.Retrieve(ctx, job)
	switch {
	case errors.Is(err, batch.ErrConsumed):
		logger.Info().Str("batch_id", job.ID).Msg("Batch job already reconciled")
		return printYAML("batch", viewOf(job))
	case errors.Is(err, batch.ErrNotEnded):
		if perr := printYAML("batch", viewOf(job)); perr != nil {
			return perr
		}
		return exitWith(exitFailures, err)
	case err != nil:
		return exitWith(exitUnreachable, err)
	}

	summary, err := manager.Reconcile(ctx, job, results)
	if summary != nil {
		if perr := printYAML("reconciled", summary); perr != nil {
			logger.Warn().Err(perr).Msg("Failed to print reconciliation summary")
		}
	}
	if err != nil {
		return exitWith(exitFatal, err)
	}
	if summary.Failed > 0 {
		return exitWith(exitFailures, nil)
	}
	return nil
}

// BatchListCmd prints every known batch job
type BatchListCmd struct{}

func (c *BatchListCmd) Execute(_ []string) error {
	a, _, err := startApp(overrides{budget: -1}, app.Options{Offline: true}, false)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.WorkStore.ListBatchJobs()
	if err != nil {
		return exitWith(exitFatal, err)
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOf(job))
	}
	return printYAML("batches", views)
}
