// Package matchstore owns the off-chain match repository: a mutable
// Postgres record per match, plus per-player rating rows. Records are
// archived, never hard-deleted.
package matchstore

import (
	"errors"

	"github.com/gagliardetto/solana-go"
)

// ErrVersionConflict reports an optimistic update that lost a race with
// another writer. The caller retries with a fresh read on its next pass.
var ErrVersionConflict = errors.New("matchstore: record version conflict")

type MatchStatus string

const (
	StatusPendingDeposits MatchStatus = "pending_deposits"
	StatusActive          MatchStatus = "active"
	StatusTied            MatchStatus = "tied"
	StatusCompleted       MatchStatus = "completed"
	StatusForfeited       MatchStatus = "forfeited"
	StatusCancelled       MatchStatus = "cancelled"
)

// SettledFamily reports whether the match has finished play and owes an
// on-chain settlement, as opposed to a refund or nothing at all.
func (s MatchStatus) SettledFamily() bool {
	switch s {
	case StatusTied, StatusCompleted, StatusForfeited:
		return true
	}
	return false
}

func (s MatchStatus) Valid() bool {
	switch s {
	case StatusPendingDeposits, StatusActive, StatusTied, StatusCompleted, StatusForfeited, StatusCancelled:
		return true
	}
	return false
}

type EscrowState string

const (
	EscrowAwaitingDeposits  EscrowState = "awaiting_deposits"
	EscrowLocked            EscrowState = "locked"
	EscrowSettlementPending EscrowState = "settlement_pending"
	EscrowRefundFailed      EscrowState = "refund_failed"
	EscrowRefunded          EscrowState = "refunded"
	EscrowPayoutSent        EscrowState = "payout_sent"
	EscrowPartialRefund     EscrowState = "partial_refund"
)

// Drained reports whether the escrow token account is expected to hold
// zero balance in this state.
func (e EscrowState) Drained() bool {
	switch e {
	case EscrowRefunded, EscrowPayoutSent, EscrowPartialRefund:
		return true
	}
	return false
}

// MatchRecord is the off-chain side of a match. Version is bumped on
// every write and gates optimistic updates.
type MatchRecord struct {
	ID string

	PlayerOne    solana.PublicKey
	PlayerTwo    solana.PublicKey
	PlayerOneTag string
	PlayerTwoTag string

	BetAmount        uint64
	TimeframeSeconds uint32
	StartTime        int64
	EndTime          int64

	Status MatchStatus

	OnChainGameID  *uint64
	OnChainSettled bool
	EscrowState    EscrowState
	Winner         *solana.PublicKey
	PlayerOneROI   float64
	PlayerTwoROI   float64

	// StuckReason is a human-readable cause recorded when reconciliation
	// cannot make progress (missing profile, fatal cluster rejection).
	// Cleared on the next successful transition.
	StuckReason string

	Version   int64
	CreatedAt int64
	UpdatedAt int64
}

// PlayerStats is the off-chain rating row, updated when a match result
// is applied. It mirrors the on-chain profile but is owned here.
type PlayerStats struct {
	Wallet        solana.PublicKey
	GamerTag      string
	EloRating     uint32
	Wins          uint32
	Losses        uint32
	Ties          uint32
	GamesPlayed   uint32
	TotalPnlBps   int64
	CurrentStreak int32
	UpdatedAt     int64
}
