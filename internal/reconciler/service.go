package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/solfight/backend/internal/chain"
	"github.com/solfight/backend/internal/config"
	"github.com/solfight/backend/internal/matchstore"
	"github.com/solfight/backend/internal/solfight"
	"github.com/solfight/backend/internal/wager"
)

// Repository is the slice of the match store the reconciler needs.
type Repository interface {
	Get(ctx context.Context, matchID string) (*matchstore.MatchRecord, error)
	GetByOnChainGameID(ctx context.Context, gameID uint64) (*matchstore.MatchRecord, error)
	QueryNeedingSettlement(ctx context.Context) ([]*matchstore.MatchRecord, error)
	StalePending(ctx context.Context, cutoff int64) ([]*matchstore.MatchRecord, error)
	UpdateSettlement(ctx context.Context, matchID string, expectedVersion int64, update matchstore.SettlementUpdate) error
	BindOnChainGame(ctx context.Context, matchID string, expectedVersion int64, gameID uint64) error
	ApplyMatchResult(ctx context.Context, record *matchstore.MatchRecord, p1PnlBps, p2PnlBps int64) error
}

// Chain is the on-chain surface the reconciler drives. *chain.Client
// implements it; tests substitute a fake.
type Chain interface {
	FetchPlatform(ctx context.Context) (*solfight.Platform, error)
	FetchGame(ctx context.Context, gameID uint64) (*solfight.Game, error)
	FetchGamesBatch(ctx context.Context, gameIDs []uint64) ([]chain.GameSlot, error)
	MissingProfiles(ctx context.Context, players []solana.PublicKey) ([]solana.PublicKey, error)
	EscrowTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error)

	StartGame(ctx context.Context, playerOne, playerTwo solana.PublicKey, betAmount uint64, timeframeSeconds uint32) (uint64, chain.SubmitResult, error)
	EndGame(ctx context.Context, gameID uint64, playerOne, playerTwo solana.PublicKey, winner *solana.PublicKey, p1PnlBps, p2PnlBps int64, isForfeit bool) (chain.SubmitResult, error)
	CancelPendingGame(ctx context.Context, gameID uint64) (chain.SubmitResult, error)
	RefundEscrow(ctx context.Context, gameID uint64, playerOne, playerTwo solana.PublicKey) (chain.SubmitResult, error)
	CloseGame(ctx context.Context, gameID uint64) (chain.SubmitResult, error)
	RefundAndClose(ctx context.Context, gameID uint64, playerOne, playerTwo solana.PublicKey) (chain.SubmitResult, error)
}

type Service struct {
	cfg    config.ReconcilerConfig
	store  Repository
	chain  Chain
	logger *slog.Logger
}

func New(cfg config.ReconcilerConfig, store Repository, onchain Chain, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		store:  store,
		chain:  onchain,
		logger: logger,
	}
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("reconciler started",
		"rpc", s.cfg.Chain.RPCURL,
		"commitment", s.cfg.Chain.Commitment,
		"program", s.cfg.Chain.ProgramID,
		"poll_interval", s.cfg.PollInterval,
	)

	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("reconciliation pass failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("reconciliation pass failed", "err", err)
			}
		}
	}
}

// RunOnce executes a single reconciliation pass: stale pending matches
// first, then every match with outstanding settlement work. Matches are
// processed strictly one at a time; a failure on one match never stops
// the pass.
func (s *Service) RunOnce(ctx context.Context) error {
	var settled, refunded, blocked, failed int

	stale, err := s.store.StalePending(ctx, time.Now().Add(-s.cfg.PendingCancelAfter).Unix())
	if err != nil {
		return fmt.Errorf("query stale pending matches: %w", err)
	}
	for _, record := range stale {
		if err := s.cancelStalePending(ctx, record); err != nil {
			failed++
			s.logger.Error("cancel stale pending match failed", "match_id", record.ID, "err", err)
		}
	}

	candidates, err := s.store.QueryNeedingSettlement(ctx)
	if err != nil {
		return fmt.Errorf("query matches needing settlement: %w", err)
	}

	for _, record := range candidates {
		outcome, err := s.reconcileMatch(ctx, record)
		if err != nil {
			if errors.Is(err, matchstore.ErrVersionConflict) {
				// Lost a race with another writer: the next pass
				// re-reads and retries.
				s.logger.Warn("match changed underneath pass, skipping", "match_id", record.ID)
				continue
			}
			failed++
			s.logger.Error("reconcile match failed", "match_id", record.ID, "err", err)
			continue
		}
		switch outcome {
		case StateAlreadySettledOnChain, StateReadyToSettle:
			settled++
		case StateNeedsRefund, StateTerminal:
			refunded++
		case StateBlockedOnMissingProfile:
			blocked++
		}
	}

	if len(stale) > 0 || len(candidates) > 0 {
		s.logger.Info("reconciliation pass complete",
			"candidates", len(candidates),
			"stale_pending", len(stale),
			"settled", settled,
			"refunded", refunded,
			"blocked", blocked,
			"failed", failed,
		)
	}
	return nil
}

// reconcileMatch runs the read, decide, submit, persist sequence for one match.
// At most one on-chain action is taken; the returned state is the
// decision's, for pass accounting.
func (s *Service) reconcileMatch(ctx context.Context, record *matchstore.MatchRecord) (State, error) {
	if record.OnChainGameID == nil {
		return StateNeedsOnChainCreation, nil
	}
	gameID := *record.OnChainGameID

	game, err := s.chain.FetchGame(ctx, gameID)
	if err != nil {
		// On-chain state unreadable: leave the record untouched so the
		// next pass retries from a fresh read.
		return StateTerminal, fmt.Errorf("fetch game %d: %w", gameID, err)
	}

	// A settled winner match holds its pot until the winner signs
	// claim_winnings; promote the escrow state once the account drains.
	if record.Status.SettledFamily() && record.OnChainSettled &&
		record.EscrowState == matchstore.EscrowSettlementPending &&
		record.Winner != nil && !needsRefund(record, game) {
		return StateTerminal, s.syncClaimed(ctx, record, game)
	}

	snap := Snapshot{Record: record, Game: game}
	if settlePathLive(record, game) {
		missing, err := s.chain.MissingProfiles(ctx, []solana.PublicKey{record.PlayerOne, record.PlayerTwo})
		if err != nil {
			return StateTerminal, fmt.Errorf("check player profiles: %w", err)
		}
		snap.MissingProfiles = missing
	}

	decision := Decide(snap)

	switch decision.Action {
	case ActionNone:
		return decision.State, s.persistStuck(ctx, record, decision)

	case ActionSyncSettled:
		return decision.State, s.persistSettled(ctx, record, game)

	case ActionSyncRefunded:
		return decision.State, s.persistRefunded(ctx, record, matchstore.EscrowRefunded, true)

	case ActionEndGame:
		return decision.State, s.submitEndGame(ctx, record, gameID, decision)

	case ActionRefundEscrow:
		return decision.State, s.submitRefund(ctx, record, gameID, game)

	case ActionCancelPending:
		return decision.State, s.submitCancel(ctx, record, gameID, decision.Note)

	default:
		return decision.State, fmt.Errorf("unhandled action %s for match %s", decision.Action, record.ID)
	}
}

// settlePathLive reports whether this pass may reach end_game, in which
// case profile existence must be checked first.
func settlePathLive(record *matchstore.MatchRecord, game *solfight.Game) bool {
	if !record.Status.SettledFamily() || record.OnChainSettled {
		return false
	}
	if needsRefund(record, game) {
		return false
	}
	return game != nil && game.Status == solfight.GameStatus_Active
}

func (s *Service) submitEndGame(ctx context.Context, record *matchstore.MatchRecord, gameID uint64, decision Decision) error {
	result, err := s.chain.EndGame(ctx, gameID,
		record.PlayerOne, record.PlayerTwo,
		decision.Winner,
		decision.PlayerOnePnlBps, decision.PlayerTwoPnlBps,
		decision.IsForfeit,
	)
	if err != nil {
		return err
	}

	switch result.Outcome {
	case chain.OutcomeConfirmed, chain.OutcomeAlreadyDone:
		// end_game only flips the on-chain status; the deposits stay in
		// the escrow token account until refund_escrow (tie) or the
		// winner's claim_winnings. Later passes drain or promote the
		// escrow state from chain reads.
		escrowState := matchstore.EscrowSettlementPending
		settledTrue := true
		clear := ""
		if err := s.store.UpdateSettlement(ctx, record.ID, record.Version, matchstore.SettlementUpdate{
			OnChainSettled: &settledTrue,
			EscrowState:    &escrowState,
			Winner:         decision.Winner,
			WinnerSet:      true,
			StuckReason:    &clear,
		}); err != nil {
			return err
		}
		record.Winner = decision.Winner
		if err := s.store.ApplyMatchResult(ctx, record, decision.PlayerOnePnlBps, decision.PlayerTwoPnlBps); err != nil {
			// Ratings lag is recoverable; the settlement itself is
			// already durable on-chain and off-chain.
			s.logger.Error("apply match result failed", "match_id", record.ID, "err", err)
		}
		s.logger.Info("match settled on-chain",
			"match_id", record.ID,
			"game_id", gameID,
			"winner", winnerText(decision.Winner),
			"forfeit", decision.IsForfeit,
			"signature", result.Signature,
		)
		return nil

	case chain.OutcomeRetryable:
		s.logger.Warn("end_game submission retryable, deferring to next pass",
			"match_id", record.ID, "game_id", gameID, "err", result.ClusterErr)
		return nil

	default:
		return s.flagStuck(ctx, record, fmt.Sprintf("end_game rejected by cluster: %s", result.ClusterErr))
	}
}

func (s *Service) submitRefund(ctx context.Context, record *matchstore.MatchRecord, gameID uint64, game *solfight.Game) error {
	result, err := s.chain.RefundEscrow(ctx, gameID, record.PlayerOne, record.PlayerTwo)
	if err != nil {
		return err
	}

	switch result.Outcome {
	case chain.OutcomeConfirmed, chain.OutcomeAlreadyDone:
		markSettled := game != nil && game.Status.Terminal()
		if err := s.persistRefunded(ctx, record, refundedEscrowState(game), markSettled); err != nil {
			return err
		}
		s.logger.Info("escrow refunded",
			"match_id", record.ID,
			"game_id", gameID,
			"signature", result.Signature,
			"already_processed", result.Outcome == chain.OutcomeAlreadyDone,
		)
		return nil

	case chain.OutcomeRetryable:
		s.logger.Warn("refund_escrow submission retryable, deferring to next pass",
			"match_id", record.ID, "game_id", gameID, "err", result.ClusterErr)
		return nil

	default:
		failedState := matchstore.EscrowRefundFailed
		reason := fmt.Sprintf("refund_escrow rejected by cluster: %s", result.ClusterErr)
		return s.store.UpdateSettlement(ctx, record.ID, record.Version, matchstore.SettlementUpdate{
			EscrowState: &failedState,
			StuckReason: &reason,
		})
	}
}

func (s *Service) submitCancel(ctx context.Context, record *matchstore.MatchRecord, gameID uint64, note string) error {
	result, err := s.chain.CancelPendingGame(ctx, gameID)
	if err != nil {
		return err
	}

	switch result.Outcome {
	case chain.OutcomeConfirmed, chain.OutcomeAlreadyDone:
		s.logger.Info("pending game cancelled on-chain",
			"match_id", record.ID, "game_id", gameID, "signature", result.Signature)
		if note == "" {
			return nil
		}
		return s.flagStuck(ctx, record, note)

	case chain.OutcomeRetryable:
		s.logger.Warn("cancel_pending_game submission retryable, deferring to next pass",
			"match_id", record.ID, "game_id", gameID, "err", result.ClusterErr)
		return nil

	default:
		return s.flagStuck(ctx, record, fmt.Sprintf("cancel_pending_game rejected by cluster: %s", result.ClusterErr))
	}
}

func (s *Service) cancelStalePending(ctx context.Context, record *matchstore.MatchRecord) error {
	gameID := *record.OnChainGameID
	game, err := s.chain.FetchGame(ctx, gameID)
	if err != nil {
		return err
	}

	cancelled := matchstore.StatusCancelled
	if game == nil || game.Status != solfight.GameStatus_Pending {
		// Already activated or gone; just stop treating it as pending.
		if game != nil && game.Status == solfight.GameStatus_Active {
			return nil
		}
		return s.store.UpdateSettlement(ctx, record.ID, record.Version, matchstore.SettlementUpdate{
			Status: &cancelled,
		})
	}

	result, err := s.chain.CancelPendingGame(ctx, gameID)
	if err != nil {
		return err
	}
	if !result.Done() {
		s.logger.Warn("stale pending cancel not confirmed",
			"match_id", record.ID, "game_id", gameID, "outcome", result.Outcome.String(), "err", result.ClusterErr)
		return nil
	}

	s.logger.Info("stale pending match cancelled", "match_id", record.ID, "game_id", gameID, "signature", result.Signature)
	return s.store.UpdateSettlement(ctx, record.ID, record.Version, matchstore.SettlementUpdate{
		Status: &cancelled,
	})
}

func (s *Service) persistSettled(ctx context.Context, record *matchstore.MatchRecord, game *solfight.Game) error {
	settledTrue := true
	clear := ""
	update := matchstore.SettlementUpdate{
		OnChainSettled: &settledTrue,
		StuckReason:    &clear,
	}
	// Adopt the chain's winner when the account is still open: the
	// program is the authoritative terminal truth.
	if game != nil && game.Winner != nil {
		winner := *game.Winner
		update.Winner = &winner
		update.WinnerSet = true
	}
	if err := s.store.UpdateSettlement(ctx, record.ID, record.Version, update); err != nil {
		return err
	}
	s.logger.Info("synced already-settled match", "match_id", record.ID, "game_id", *record.OnChainGameID)
	return nil
}

func (s *Service) persistRefunded(ctx context.Context, record *matchstore.MatchRecord, state matchstore.EscrowState, markSettled bool) error {
	clear := ""
	update := matchstore.SettlementUpdate{
		EscrowState: &state,
		StuckReason: &clear,
	}
	if markSettled {
		settledTrue := true
		update.OnChainSettled = &settledTrue
	}
	return s.store.UpdateSettlement(ctx, record.ID, record.Version, update)
}

// syncClaimed promotes a settled winner match to payout_sent once the
// escrow token account reads empty. A closed game account means the
// rent sweep already drained it; a live balance means the winner has
// not claimed yet, so the record is left for a later pass.
func (s *Service) syncClaimed(ctx context.Context, record *matchstore.MatchRecord, game *solfight.Game) error {
	if game != nil {
		balance, err := s.chain.EscrowTokenBalance(ctx, game.EscrowTokenAccount)
		if err != nil {
			return fmt.Errorf("read escrow balance for game %d: %w", *record.OnChainGameID, err)
		}
		if balance > 0 {
			return nil
		}
	}
	paid := matchstore.EscrowPayoutSent
	clear := ""
	if err := s.store.UpdateSettlement(ctx, record.ID, record.Version, matchstore.SettlementUpdate{
		EscrowState: &paid,
		StuckReason: &clear,
	}); err != nil {
		return err
	}
	s.logger.Info("winner payout claimed", "match_id", record.ID, "game_id", *record.OnChainGameID)
	return nil
}

// refundedEscrowState distinguishes a full refund from the case where
// only one player ever deposited and the other side had nothing to return.
func refundedEscrowState(game *solfight.Game) matchstore.EscrowState {
	if game != nil && game.PlayerOneDeposited != game.PlayerTwoDeposited {
		return matchstore.EscrowPartialRefund
	}
	return matchstore.EscrowRefunded
}

// persistStuck records a no-action decision's cause so the operator
// surface can report why the match is not progressing. No-op when the
// recorded cause is already current.
func (s *Service) persistStuck(ctx context.Context, record *matchstore.MatchRecord, decision Decision) error {
	if decision.Note == "" {
		return nil
	}
	if decision.State == StateBlockedOnMissingProfile {
		s.logger.Warn("match blocked on missing player profile",
			"match_id", record.ID,
			"missing", decision.MissingProfiles,
		)
	}
	if record.StuckReason == decision.Note {
		return nil
	}
	return s.flagStuck(ctx, record, decision.Note)
}

func (s *Service) flagStuck(ctx context.Context, record *matchstore.MatchRecord, reason string) error {
	return s.store.UpdateSettlement(ctx, record.ID, record.Version, matchstore.SettlementUpdate{
		StuckReason: &reason,
	})
}

// ProvisionOnChainGame creates the on-chain game for a fresh match and
// binds the assigned game id to the record. The created account is read
// back and its players checked against the record before the id is
// persisted, so a lost id-assignment race can never bind the wrong game.
func (s *Service) ProvisionOnChainGame(ctx context.Context, matchID string) (uint64, error) {
	record, err := s.store.Get(ctx, matchID)
	if err != nil {
		return 0, err
	}
	if record == nil {
		return 0, fmt.Errorf("match %s not found", matchID)
	}
	if record.OnChainGameID != nil {
		return *record.OnChainGameID, nil
	}
	if record.Status != matchstore.StatusPendingDeposits {
		return 0, fmt.Errorf("match %s is %s, not pending_deposits", matchID, record.Status)
	}

	gameID, result, err := s.chain.StartGame(ctx, record.PlayerOne, record.PlayerTwo, record.BetAmount, record.TimeframeSeconds)
	if err != nil {
		return 0, err
	}
	if !result.Done() {
		return 0, fmt.Errorf("start_game for match %s not confirmed: %s", matchID, result.ClusterErr)
	}

	game, err := s.chain.FetchGame(ctx, gameID)
	if err != nil {
		return 0, fmt.Errorf("read back game %d: %w", gameID, err)
	}
	if game == nil {
		return 0, fmt.Errorf("game %d missing after confirmed creation", gameID)
	}
	if !game.PlayerOne.Equals(record.PlayerOne) || !game.PlayerTwo.Equals(record.PlayerTwo) {
		return 0, fmt.Errorf("game %d players do not match record %s, refusing to bind", gameID, matchID)
	}

	if err := s.store.BindOnChainGame(ctx, matchID, record.Version, gameID); err != nil {
		return 0, err
	}
	s.logger.Info("on-chain game created",
		"match_id", matchID,
		"game_id", gameID,
		"signature", result.Signature,
	)
	return gameID, nil
}

// CompleteMatch finalizes a finished trading session: records both
// players' ROI, derives tie/winner, and queues the match for on-chain
// settlement on the next pass.
func (s *Service) CompleteMatch(ctx context.Context, matchID string, p1ROI, p2ROI float64, forfeitWinner *solana.PublicKey) error {
	record, err := s.store.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("match %s not found", matchID)
	}
	if record.Status != matchstore.StatusActive {
		return fmt.Errorf("match %s is %s, not active", matchID, record.Status)
	}

	status := matchstore.StatusCompleted
	var winner *solana.PublicKey
	switch {
	case forfeitWinner != nil:
		status = matchstore.StatusForfeited
		winner = forfeitWinner
	case wager.IsTie(p1ROI, p2ROI, wager.TieTolerance):
		status = matchstore.StatusTied
	case p1ROI > p2ROI:
		key := record.PlayerOne
		winner = &key
	default:
		key := record.PlayerTwo
		winner = &key
	}

	pending := matchstore.EscrowSettlementPending
	if err := s.store.UpdateSettlement(ctx, matchID, record.Version, matchstore.SettlementUpdate{
		Status:       &status,
		EscrowState:  &pending,
		Winner:       winner,
		WinnerSet:    true,
		PlayerOneROI: &p1ROI,
		PlayerTwoROI: &p2ROI,
	}); err != nil {
		return err
	}

	s.logger.Info("match completed",
		"match_id", matchID,
		"status", string(status),
		"winner", winnerText(winner),
		"p1_roi", p1ROI,
		"p2_roi", p2ROI,
	)
	return nil
}

func winnerText(winner *solana.PublicKey) string {
	if winner == nil {
		return "none"
	}
	return winner.String()
}
