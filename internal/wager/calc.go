// Package wager holds the deterministic financial math that settlement
// depends on. Clients compute the same values independently, so every
// function here must stay bit-reproducible for identical inputs.
package wager

import "math"

const (
	// DefaultMarginLossThreshold is the fraction of margin a position may
	// lose before liquidation.
	DefaultMarginLossThreshold = 0.9

	// TieTolerance is the absolute ROI difference under which a match is
	// declared a tie.
	TieTolerance = 1e-5

	// EloFloor keeps a losing streak from dragging a rating below a sane
	// minimum.
	EloFloor = 100

	// EloProvisionalGames is the rated-game count under which the larger
	// K factor applies.
	EloProvisionalGames = 30

	eloProvisionalK = 40
	eloEstablishedK = 32

	bpsPerUnit = 10_000
)

// Position is a single perp position at match close.
type Position struct {
	EntryPrice float64
	Size       float64
	Leverage   float64
	Long       bool
}

// PnL returns the signed profit of the position at the given price. Loss
// is floored at the position's size: margin is the most a player can lose.
func PnL(pos Position, price float64) float64 {
	if pos.EntryPrice <= 0 || pos.Size <= 0 {
		return 0
	}
	leverage := pos.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	move := (price - pos.EntryPrice) / pos.EntryPrice
	if !pos.Long {
		move = -move
	}
	pnl := move * pos.Size * leverage
	if pnl < -pos.Size {
		return -pos.Size
	}
	return pnl
}

// LiquidationPrice solves PnL(pos, p) == -threshold*size in closed form.
func LiquidationPrice(pos Position, threshold float64) float64 {
	if pos.EntryPrice <= 0 {
		return 0
	}
	if threshold <= 0 {
		threshold = DefaultMarginLossThreshold
	}
	leverage := pos.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	if pos.Long {
		return pos.EntryPrice * (1 - threshold/leverage)
	}
	return pos.EntryPrice * (1 + threshold/leverage)
}

// ROI is pnl over starting balance. A zero or negative balance yields 0,
// never a division error or NaN.
func ROI(pnl, initialBalance float64) float64 {
	if initialBalance <= 0 {
		return 0
	}
	roi := pnl / initialBalance
	if math.IsNaN(roi) || math.IsInf(roi, 0) {
		return 0
	}
	return roi
}

// IsTie reports whether two ROIs are indistinguishable for settlement.
// A non-positive tolerance falls back to TieTolerance.
func IsTie(roiA, roiB, tolerance float64) bool {
	if tolerance <= 0 {
		tolerance = TieTolerance
	}
	return math.Abs(roiA-roiB) < tolerance
}

// PnLBasisPoints converts an ROI fraction into the signed basis-point
// argument of the settlement instruction.
func PnLBasisPoints(roi float64) int64 {
	return int64(math.Round(roi * bpsPerUnit))
}

// WinnerPayout is the pot the program releases to the winner: both bets
// minus the platform fee taken from the whole pot.
func WinnerPayout(betAmount uint64, feeBps uint16) uint64 {
	pot := 2 * betAmount
	fee := pot * uint64(feeBps) / bpsPerUnit
	return pot - fee
}

// Elo applies the standard logistic update. Players under
// EloProvisionalGames rated games move with K=40, established players
// with K=32. The loser never drops below EloFloor.
func Elo(winnerRating, loserRating uint32, winnerGames, loserGames uint32) (uint32, uint32) {
	expectedWinner := 1 / (1 + math.Pow(10, (float64(loserRating)-float64(winnerRating))/400))
	expectedLoser := 1 - expectedWinner

	newWinner := float64(winnerRating) + kFactor(winnerGames)*(1-expectedWinner)
	newLoser := float64(loserRating) - kFactor(loserGames)*expectedLoser

	if newLoser < EloFloor {
		newLoser = EloFloor
	}
	return uint32(math.Round(newWinner)), uint32(math.Round(newLoser))
}

func kFactor(ratedGames uint32) float64 {
	if ratedGames < EloProvisionalGames {
		return eloProvisionalK
	}
	return eloEstablishedK
}
