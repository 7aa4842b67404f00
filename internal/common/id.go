package common

import (
	"github.com/google/uuid"
)

// NewAttemptID generates a unique attempt ID. Format: att_<uuid>
func NewAttemptID() string {
	return "att_" + uuid.New().String()
}

// NewReservationID generates a unique budget reservation ID. Format: res_<uuid>
func NewReservationID() string {
	return "res_" + uuid.New().String()
}

// NewLedgerEntryID generates a unique cost ledger entry ID. Format: cost_<uuid>
func NewLedgerEntryID() string {
	return "cost_" + uuid.New().String()
}
