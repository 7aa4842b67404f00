package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/models"
)

// Estimate projects the cost and duration of processing items. It reads local state
// only and never contacts the service.
func (a *App) Estimate(ctx context.Context, items []*models.WorkItem) (*models.RunEstimate, error) {
	model := a.Provider.Model()
	est := &models.RunEstimate{
		Pending:  len(items),
		Budget:   a.Config.Budget.Limit,
		Provider: string(a.Config.LLM.DefaultProvider),
		Model:    model,
	}

	for _, item := range items {
		if item.Problem != "" {
			continue
		}
		est.Pages += item.PageCount

		ranges := []models.PageRange{models.FullRange(item.PageCount)}
		if a.Coordinator.NeedsChunking(item.PageCount) || item.ChunkLevel > 0 {
			ranges = a.Coordinator.Plan(item.PageCount, item.ChunkLevel)
			est.ChunkedItems++
		}
		for _, r := range ranges {
			in, out := a.Estimator.Tokens(r.Len())
			cost, err := a.Pricing.Cost(model, in, out, false)
			if err != nil {
				return nil, err
			}
			est.Requests++
			est.InputTokens += in
			est.OutputTokens += out
			est.EstimatedCost += cost
		}
	}
	est.EstimatedTime = a.estimateDuration(est.Requests)

	if err := a.fillProgress(ctx, est); err != nil {
		return nil, err
	}
	return est, nil
}

// estimateDuration bounds the run by whichever of concurrency or request rate is tighter
func (a *App) estimateDuration(requests int) time.Duration {
	if requests == 0 {
		return 0
	}
	latency := common.ParseDurationOr(a.Config.LLM.ExpectedLatency, 40*time.Second)

	parallel := a.Config.Workers.Count
	if limit := a.Config.Rate.MaxConcurrency; limit > 0 && limit < parallel {
		parallel = limit
	}
	if parallel < 1 {
		parallel = 1
	}
	byConcurrency := time.Duration((requests+parallel-1)/parallel) * latency

	var byRate time.Duration
	if rps := a.Config.Rate.RequestsPerSecond; rps > 0 {
		byRate = time.Duration(requests/rps) * time.Second
	}
	return max(byConcurrency, byRate).Round(time.Second)
}

// fillProgress adds what earlier invocations already did
func (a *App) fillProgress(ctx context.Context, est *models.RunEstimate) error {
	docs, err := a.Sources.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sources: %w", err)
	}
	for _, doc := range docs {
		if a.WorkStore.HasRecord(doc.ID) {
			est.Done++
		}
	}

	failed, err := a.unresolved(a.WorkStore.Failures)
	if err != nil {
		return err
	}
	incomplete, err := a.unresolved(a.WorkStore.Incompletes)
	if err != nil {
		return err
	}
	est.Failed, est.Incomplete = failed, incomplete

	outstanding, err := a.WorkStore.OutstandingItemIDs()
	if err != nil {
		return err
	}
	est.InBatch = len(outstanding)

	spend, err := a.Audit.TotalSpend(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to read historic spend")
	} else {
		est.HistoricSpend = spend
	}
	return nil
}

// unresolved counts distinct ledger ids that still have no record
func (a *App) unresolved(read func() ([]models.LedgerEntry, error)) (int, error) {
	entries, err := read()
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.ID] || a.WorkStore.HasRecord(e.ID) {
			continue
		}
		seen[e.ID] = true
	}
	return len(seen), nil
}
