package main

import (
	"fmt"
	"os"

	"github.com/ternarybob/vellum/internal/app"
	"github.com/ternarybob/vellum/internal/jobs/orchestrator"
	"github.com/ternarybob/vellum/internal/models"
)

// RunCmd transcribes pending documents with synchronous calls
type RunCmd struct {
	Limit       int     `long:"limit" description:"Process at most N pending items"`
	Yes         bool    `short:"y" long:"yes" description:"Start without asking for confirmation"`
	Budget      float64 `long:"budget" default:"-1" description:"Spending ceiling in USD for this invocation (0 = unlimited)"`
	Status      bool    `long:"status" description:"Print the pending set and estimate without contacting the service"`
	DryRun      bool    `long:"dry-run" description:"Exercise the full pipeline against an offline provider and a temporary output directory"`
	Workers     int     `long:"workers" description:"Concurrent workers (overrides workers.count)"`
	RetryFailed bool    `long:"retry-failed" description:"Re-attempt items that previously failed permanently"`
}

func (c *RunCmd) Execute(_ []string) error {
	appOpts := app.Options{DryRun: c.DryRun, Offline: c.Status}
	a, logger, err := startApp(overrides{budget: c.Budget, workers: c.Workers}, appOpts, !c.Status)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(logger)
	defer stop()

	items, err := a.PendingItems(ctx, c.RetryFailed, c.Limit)
	if err != nil {
		return exitWith(exitFatal, err)
	}
	estimate, err := a.Estimate(ctx, items)
	if err != nil {
		return exitWith(exitFatal, err)
	}

	if c.Status {
		return printYAML("status", estimate)
	}
	if len(items) == 0 {
		logger.Info().Int("done", estimate.Done).Msg("Nothing pending")
		return nil
	}

	if !c.Yes && !c.DryRun {
		if err := printYAML("estimate", estimate); err != nil {
			return err
		}
		if !confirm(os.Stdin, fmt.Sprintf("Transcribe %d documents for an estimated $%.2f?", len(items), estimate.EstimatedCost)) {
			logger.Info().Msg("Run cancelled at confirmation")
			return nil
		}
	}

	if err := a.Ping(ctx); err != nil {
		return exitWith(exitUnreachable, fmt.Errorf("service unreachable: %w", err))
	}

	summary, runErr := a.Orchestrator.Run(ctx, items)
	if summary != nil {
		if err := printYAML("summary", summary); err != nil {
			logger.Warn().Err(err).Msg("Failed to print summary")
		}
	}
	return runExit(summary, runErr)
}

// runExit maps the outcome of a run to the process exit code
func runExit(summary *models.RunSummary, err error) error {
	switch {
	case orchestrator.IsBookkeeping(err):
		return exitWith(exitFatal, fmt.Errorf("run aborted, records written so far are intact: %w", err))
	case err != nil:
		return exitWith(exitFatal, err)
	case summary.Interrupted:
		return exitWith(exitInterrupted, nil)
	case summary.Failed > 0:
		return exitWith(exitFailures, nil)
	}
	return nil
}
