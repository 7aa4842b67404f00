package budget

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/models"
)

var (
	// ErrReservationClosed is returned when a reservation is committed or released twice
	ErrReservationClosed = errors.New("budget: reservation already closed")
	// ErrUnknownReservation is returned for a nil reservation or one from another ledger
	ErrUnknownReservation = errors.New("budget: reservation not issued by this ledger")
)

// Sink receives committed entries, typically the audit store
type Sink interface {
	SaveCostEntry(ctx context.Context, entry *models.CostLedgerEntry) error
}

// Reservation is a provisional hold against the budget
type Reservation struct {
	ID     string
	Amount float64
	owner  *CostLedger
	closed bool
}

// Balance is a point-in-time view of the ledger
type Balance struct {
	Budget    float64 `yaml:"budget"`
	Committed float64 `yaml:"committed"`
	Reserved  float64 `yaml:"reserved"`
	Remaining float64 `yaml:"remaining"`
	Unlimited bool    `yaml:"unlimited"`
	Exhausted bool    `yaml:"exhausted"`
	Entries   int     `yaml:"entries"`
}

// CostLedger tracks committed spend and open reservations against a hard budget.
// committed + reserved never exceeds the budget at reservation time.
type CostLedger struct {
	mu        sync.Mutex
	budget    float64
	committed float64
	reserved  float64
	entries   []models.CostLedgerEntry
	exhausted bool
	sink      Sink
	logger    arbor.ILogger
}

// NewCostLedger creates a ledger. A budget of zero or less is unlimited; sink may be nil.
func NewCostLedger(budget float64, sink Sink, logger arbor.ILogger) *CostLedger {
	return &CostLedger{
		budget: budget,
		sink:   sink,
		logger: logger,
	}
}

// Reserve holds estimatedCost against the budget. It returns false, with no side effect
// other than latching Exhausted, when the hold would exceed the budget.
func (l *CostLedger) Reserve(estimatedCost float64) (*Reservation, bool) {
	if estimatedCost < 0 {
		estimatedCost = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.budget > 0 && l.committed+l.reserved+estimatedCost > l.budget {
		l.exhausted = true
		return nil, false
	}

	l.reserved += estimatedCost
	return &Reservation{
		ID:     common.NewReservationID(),
		Amount: estimatedCost,
		owner:  l,
	}, true
}

// Commit replaces the reservation with the actual cost carried by entry
func (l *CostLedger) Commit(ctx context.Context, r *Reservation, entry models.CostLedgerEntry) error {
	l.mu.Lock()
	if err := l.close(r); err != nil {
		l.mu.Unlock()
		return err
	}
	l.reserved -= r.Amount
	posted := l.post(entry)
	l.mu.Unlock()

	l.publish(ctx, posted)
	return nil
}

// Release rolls back a reservation without charging anything
func (l *CostLedger) Release(r *Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.close(r); err != nil {
		return err
	}
	l.reserved -= r.Amount
	return nil
}

// Post charges spend that was never reserved in this process, such as batch results
// submitted by an earlier invocation.
func (l *CostLedger) Post(ctx context.Context, entry models.CostLedgerEntry) {
	l.mu.Lock()
	posted := l.post(entry)
	l.mu.Unlock()

	l.publish(ctx, posted)
}

// Exhausted reports whether any reservation has been refused
func (l *CostLedger) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exhausted
}

// Committed returns the total committed spend
func (l *CostLedger) Committed() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// Snapshot returns the current balance
func (l *CostLedger) Snapshot() Balance {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := Balance{
		Budget:    l.budget,
		Committed: l.committed,
		Reserved:  l.reserved,
		Unlimited: l.budget <= 0,
		Exhausted: l.exhausted,
		Entries:   len(l.entries),
	}
	if !b.Unlimited {
		b.Remaining = l.budget - l.committed - l.reserved
	}
	return b
}

// Entries returns a copy of the committed entries in posting order
func (l *CostLedger) Entries() []models.CostLedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.CostLedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *CostLedger) close(r *Reservation) error {
	if r == nil || r.owner != l {
		return ErrUnknownReservation
	}
	if r.closed {
		return ErrReservationClosed
	}
	r.closed = true
	return nil
}

// post must be called with the lock held
func (l *CostLedger) post(entry models.CostLedgerEntry) models.CostLedgerEntry {
	if entry.ID == "" {
		entry.ID = common.NewLedgerEntryID()
	}
	if entry.PostedAt.IsZero() {
		entry.PostedAt = time.Now()
	}
	l.committed += entry.Cost
	l.entries = append(l.entries, entry)
	return entry
}

func (l *CostLedger) publish(ctx context.Context, entry models.CostLedgerEntry) {
	if l.sink == nil {
		return
	}
	if err := l.sink.SaveCostEntry(ctx, &entry); err != nil && l.logger != nil {
		l.logger.Warn().Err(err).Str("item_id", entry.ItemID).Msg("Failed to persist cost entry")
	}
}
