package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/jobs/processor"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/services/budget"
	"github.com/ternarybob/vellum/internal/services/chunking"
	"github.com/ternarybob/vellum/internal/services/governor"
	"github.com/ternarybob/vellum/internal/services/llm"
)

// ErrBookkeeping marks a governor or ledger invariant violation. The rate and budget
// guarantees cannot be trusted afterwards, so the run stops.
var ErrBookkeeping = errors.New("bookkeeping failure")

// Executor performs one page-range request end to end: reserve, acquire, call, release,
// commit, validate. Transient failures are retried here with backoff.
type Executor struct {
	provider    llm.Provider
	sources     interfaces.SourceService
	governor    *governor.RateGovernor
	ledger      *budget.CostLedger
	pricing     budget.PricingTable
	estimator   budget.Estimator
	retry       *llm.RetryConfig
	processor   *processor.Processor
	audit       interfaces.AuditStorage
	callTimeout time.Duration
	logger      arbor.ILogger

	// fatal is invoked once per bookkeeping failure
	fatal    func(error)
	attempts atomic.Int64
}

var _ chunking.ChunkExecutor = (*Executor)(nil)

func (e *Executor) ExecuteChunk(ctx context.Context, item *models.WorkItem, req chunking.ChunkRequest) chunking.ChunkOutcome {
	logger := e.logger.WithCorrelationId(item.ID)

	document, err := e.sources.ReadPages(ctx, item, req.Pages)
	if err != nil {
		if ctx.Err() != nil {
			return chunking.ChunkOutcome{Outcome: models.OutcomeCancelled, Reason: ctx.Err().Error()}
		}
		return chunking.ChunkOutcome{
			Outcome: models.OutcomePermanentError,
			Reason:  fmt.Sprintf("failed to read pages %s: %v", req.Pages, err),
		}
	}

	pages := req.Pages.Len()
	inTokens, outTokens := e.estimator.Tokens(pages)
	estimatedCost, err := e.pricing.Cost(e.provider.Model(), inTokens, outTokens, false)
	if err != nil {
		return chunking.ChunkOutcome{Outcome: models.OutcomePermanentError, Reason: err.Error()}
	}

	request := &llm.Request{
		ItemID:     item.ID,
		Pages:      req.Pages,
		PageCount:  item.PageCount,
		ChunkIndex: req.Index,
		ChunkTotal: req.Total,
		Document:   document,
		MediaType:  item.MediaType,
		MaxTokens:  int64(e.estimator.RequestMaxTokens(pages)),
	}

	var lastReason string
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return chunking.ChunkOutcome{Outcome: models.OutcomeCancelled, Reason: ctx.Err().Error(), Attempts: attempt - 1}
		}

		reservation, ok := e.ledger.Reserve(estimatedCost)
		if !ok {
			logger.Info().
				Str("pages", req.Pages.String()).
				Float64("estimated_cost", estimatedCost).
				Msg("Budget exhausted, request not admitted")
			return chunking.ChunkOutcome{Outcome: models.OutcomeBudgetExhausted, Reason: "budget exhausted", Attempts: attempt - 1}
		}

		permit, err := e.governor.Acquire(ctx, int(inTokens+outTokens))
		if err != nil {
			e.bookkeep(e.ledger.Release(reservation))
			return chunking.ChunkOutcome{Outcome: models.OutcomeCancelled, Reason: err.Error(), Attempts: attempt - 1}
		}

		startedAt := time.Now().UTC()
		resp, callErr := e.call(ctx, request)
		e.attempts.Add(1)

		actualTokens := 0
		if resp != nil {
			actualTokens = int(resp.Usage.Total())
		}
		e.bookkeep(e.governor.Release(permit, actualTokens))

		record := &models.AttemptRecord{
			ID:                 common.NewAttemptID(),
			ItemID:             item.ID,
			ChunkIndex:         req.Index,
			Pages:              req.Pages,
			Attempt:            attempt,
			Provider:           string(e.provider.GetProviderType()),
			Model:              e.provider.Model(),
			RequestedMaxTokens: int(request.MaxTokens),
			StartedAt:          startedAt,
		}

		if callErr != nil {
			// nothing was billed for a call that returned no usage
			e.bookkeep(e.ledger.Release(reservation))

			pe := llm.Classify(callErr)
			record.Outcome = models.OutcomePermanentError
			if pe.IsTransient() {
				record.Outcome = models.OutcomeTransientError
			}
			record.Error = pe.Error()
			e.saveAttempt(ctx, record)
			lastReason = pe.Error()

			if !pe.IsTransient() {
				logger.Warn().Err(pe).Str("pages", req.Pages.String()).Int("attempt", attempt).Msg("Permanent service error")
				return chunking.ChunkOutcome{Outcome: models.OutcomePermanentError, Reason: lastReason, Attempts: attempt}
			}
			if attempt >= e.retry.MaxAttempts {
				logger.Warn().Err(pe).Str("pages", req.Pages.String()).Int("attempts", attempt).Msg("Retries exhausted")
				return chunking.ChunkOutcome{
					Outcome:  models.OutcomePermanentError,
					Reason:   fmt.Sprintf("retries exhausted after %d attempts: %s", attempt, lastReason),
					Attempts: attempt,
				}
			}

			wait := e.retry.Backoff(attempt-1, pe.RetryAfter)
			logger.Debug().
				Err(pe).
				Str("pages", req.Pages.String()).
				Int("attempt", attempt).
				Str("backoff", wait.String()).
				Msg("Transient service error, backing off")

			select {
			case <-ctx.Done():
				return chunking.ChunkOutcome{Outcome: models.OutcomeCancelled, Reason: ctx.Err().Error(), Attempts: attempt}
			case <-time.After(wait):
			}
			continue
		}

		cost, err := e.pricing.Cost(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, false)
		if err != nil {
			// a dated model id without pricing still bills at the configured model's rate
			cost, _ = e.pricing.Cost(e.provider.Model(), resp.Usage.InputTokens, resp.Usage.OutputTokens, false)
		}
		e.bookkeep(e.ledger.Commit(ctx, reservation, models.CostLedgerEntry{
			AttemptID:    record.ID,
			ItemID:       item.ID,
			Model:        resp.Model,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			Cost:         cost,
		}))

		verdict := e.processor.ToChunk(item, req.Index, req.Pages, resp)

		record.InputTokens = resp.Usage.InputTokens
		record.OutputTokens = resp.Usage.OutputTokens
		record.Duration = resp.Duration
		record.FinishReason = resp.RawReason
		record.Outcome = verdict.Outcome
		if verdict.Outcome != models.OutcomeSuccess {
			record.Error = verdict.Reason
		}
		e.saveAttempt(ctx, record)

		return chunking.ChunkOutcome{
			Result:   verdict.Chunk,
			Outcome:  verdict.Outcome,
			Reason:   verdict.Reason,
			Attempts: attempt,
		}
	}
}

// call runs one request on a context detached from run cancellation, so an admitted
// call completes and its spend is accounted for. The per-call timeout still applies.
func (e *Executor) call(ctx context.Context, request *llm.Request) (*llm.Response, error) {
	callCtx := context.WithoutCancel(ctx)
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, e.callTimeout)
		defer cancel()
	}

	resp, err := e.provider.Generate(callCtx, request)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, llm.Transient(fmt.Errorf("call timed out after %s: %w", e.callTimeout, err))
		}
		return nil, err
	}
	if resp == nil {
		return nil, llm.Permanent(fmt.Errorf("provider returned no response"))
	}
	return resp, nil
}

func (e *Executor) bookkeep(err error) {
	if err == nil {
		return
	}
	err = fmt.Errorf("%w: %v", ErrBookkeeping, err)
	e.logger.Error().Err(err).Msg("Governor or ledger invariant violated")
	if e.fatal != nil {
		e.fatal(err)
	}
}

func (e *Executor) saveAttempt(ctx context.Context, record *models.AttemptRecord) {
	if e.audit == nil {
		return
	}
	if err := e.audit.SaveAttempt(context.WithoutCancel(ctx), record); err != nil {
		e.logger.Warn().Err(err).Str("item_id", record.ItemID).Msg("Failed to save attempt record")
	}
}

// Attempts returns the number of service calls made so far
func (e *Executor) Attempts() int {
	return int(e.attempts.Load())
}
