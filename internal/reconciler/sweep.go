package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/solfight/backend/internal/chain"
	"github.com/solfight/backend/internal/matchstore"
	"github.com/solfight/backend/internal/solfight"
	"github.com/solfight/backend/internal/wager"
)

// Rent-exempt reserve of an SPL token account, recovered when the
// escrow is closed alongside the game.
const tokenAccountRentLamports = 2_039_280

// SweepEntry is one on-chain game surfaced by a ledger sweep.
type SweepEntry struct {
	GameID        uint64
	Pubkey        solana.PublicKey
	Status        solfight.GameStatus
	MatchID       string
	EscrowBalance uint64
	RentLamports  uint64
	Note          string
}

// SweepReport summarizes a full-ledger walk from game id 1 to the
// Platform counter.
type SweepReport struct {
	TotalGames uint64
	Scanned    int
	Open       int

	Closable   []SweepEntry
	Refundable []SweepEntry
	Anomalies  []SweepEntry
	Orphans    []SweepEntry

	RecoverableLamports uint64
	Submitted           int
	DryRun              bool
}

// Sweep walks every game id the program has ever issued, finds accounts
// eligible for refund or rent recovery, and flags orphans with no
// off-chain record. In dry-run mode nothing is submitted. Reads are
// batched and paced to stay under RPC rate limits.
func (s *Service) Sweep(ctx context.Context, dryRun bool) (*SweepReport, error) {
	platform, err := s.chain.FetchPlatform(ctx)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{
		TotalGames: platform.TotalGames,
		DryRun:     dryRun,
	}

	s.logger.Info("ledger sweep started",
		"total_games", platform.TotalGames,
		"batch_size", s.cfg.SweepBatchSize,
		"dry_run", dryRun,
	)

	for first := uint64(1); first <= platform.TotalGames; first += uint64(s.cfg.SweepBatchSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		last := first + uint64(s.cfg.SweepBatchSize) - 1
		if last > platform.TotalGames {
			last = platform.TotalGames
		}
		batch := make([]uint64, 0, last-first+1)
		for id := first; id <= last; id++ {
			batch = append(batch, id)
		}

		slots, err := s.chain.FetchGamesBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		for _, slot := range slots {
			report.Scanned++
			if err := s.sweepGame(ctx, slot, platform.FeeBps, report); err != nil {
				s.logger.Error("sweep game failed", "game_id", slot.GameID, "err", err)
			}
		}

		if last < platform.TotalGames {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.SweepBatchDelay):
			}
		}
	}

	s.logger.Info("ledger sweep complete",
		"scanned", report.Scanned,
		"open", report.Open,
		"closable", len(report.Closable),
		"refundable", len(report.Refundable),
		"anomalies", len(report.Anomalies),
		"orphans", len(report.Orphans),
		"recoverable_lamports", report.RecoverableLamports,
		"submitted", report.Submitted,
		"dry_run", dryRun,
	)
	return report, nil
}

func (s *Service) sweepGame(ctx context.Context, slot chain.GameSlot, feeBps uint16, report *SweepReport) error {
	if slot.Game == nil {
		// Closed or never created; nothing to recover.
		return nil
	}
	report.Open++

	record, err := s.store.GetByOnChainGameID(ctx, slot.GameID)
	if err != nil {
		return err
	}

	entry := SweepEntry{
		GameID:       slot.GameID,
		Pubkey:       slot.Pubkey,
		Status:       slot.Game.Status,
		RentLamports: slot.Lamports,
	}
	if record != nil {
		entry.MatchID = record.ID
	} else {
		entry.Note = "no off-chain match record"
		report.Orphans = append(report.Orphans, entry)
		s.logger.Warn("orphaned on-chain game", "game_id", slot.GameID, "pubkey", slot.Pubkey, "status", slot.Game.Status.String())
	}

	if !slot.Game.Status.Terminal() {
		return nil
	}

	balance, err := s.chain.EscrowTokenBalance(ctx, slot.Game.EscrowTokenAccount)
	if err != nil {
		return err
	}
	entry.EscrowBalance = balance

	if balance > 0 {
		if refundableStatus(slot.Game.Status) {
			entry.Note = "escrow refund outstanding"
			report.Refundable = append(report.Refundable, entry)
			report.RecoverableLamports += slot.Lamports + tokenAccountRentLamports
			if !report.DryRun {
				return s.sweepRefundAndClose(ctx, slot, record, report)
			}
			return nil
		}
		entry.Note = fmt.Sprintf("unclaimed prize: terminal game holds escrow balance %d (expected winner payout %d)",
			balance, wager.WinnerPayout(slot.Game.BetAmount, feeBps))
		report.Anomalies = append(report.Anomalies, entry)
		s.logger.Warn("unclaimed escrow on terminal game",
			"game_id", slot.GameID, "status", slot.Game.Status.String(), "balance", balance)
		return nil
	}

	report.Closable = append(report.Closable, entry)
	report.RecoverableLamports += slot.Lamports + tokenAccountRentLamports
	if report.DryRun {
		return nil
	}

	result, err := s.chain.CloseGame(ctx, slot.GameID)
	if err != nil {
		return err
	}
	if result.Done() {
		report.Submitted++
		s.logger.Info("game account closed", "game_id", slot.GameID, "signature", result.Signature)
	} else {
		s.logger.Warn("close_game not confirmed",
			"game_id", slot.GameID, "outcome", result.Outcome.String(), "err", result.ClusterErr)
	}
	return nil
}

func (s *Service) sweepRefundAndClose(ctx context.Context, slot chain.GameSlot, record *matchstore.MatchRecord, report *SweepReport) error {
	result, err := s.chain.RefundAndClose(ctx, slot.GameID, slot.Game.PlayerOne, slot.Game.PlayerTwo)
	if err != nil {
		return err
	}
	if !result.Done() {
		s.logger.Warn("refund_and_close not confirmed",
			"game_id", slot.GameID, "outcome", result.Outcome.String(), "err", result.ClusterErr)
		return nil
	}

	report.Submitted++
	s.logger.Info("escrow refunded and game closed", "game_id", slot.GameID, "signature", result.Signature)
	if record != nil {
		return s.persistRefunded(ctx, record, refundedEscrowState(slot.Game), true)
	}
	return nil
}

// refundableStatus limits sweep-initiated refunds to terminal states
// where the program returns deposits to both players. A Settled or
// Forfeited game's remaining balance belongs to the winner and is never
// swept away from them.
func refundableStatus(status solfight.GameStatus) bool {
	return status == solfight.GameStatus_Cancelled || status == solfight.GameStatus_Tied
}
