// Package chain composes, submits, and confirms solfight program
// transactions, and reads the program's accounts. It owns no scheduling:
// the reconciler decides when to call it.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/solfight/backend/internal/config"
	"github.com/solfight/backend/internal/solfight"
)

type Client struct {
	cfg         config.ChainConfig
	rpc         *rpc.Client
	signer      solana.PrivateKey
	logger      *slog.Logger
	platformKey solana.PublicKey
}

// New builds the composer around an injected signing key. The key and the
// RPC connection are constructed once at startup and never mutated.
func New(cfg config.ChainConfig, signer solana.PrivateKey, logger *slog.Logger) (*Client, error) {
	platformKey, _, err := solfight.DerivePlatformPDA(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive platform PDA: %w", err)
	}

	return &Client{
		cfg:         cfg,
		rpc:         rpc.New(cfg.RPCURL),
		signer:      signer,
		logger:      logger,
		platformKey: platformKey,
	}, nil
}

func (c *Client) Authority() solana.PublicKey {
	return c.signer.PublicKey()
}

func (c *Client) FetchPlatform(ctx context.Context) (*solfight.Platform, error) {
	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, c.platformKey, &rpc.GetAccountInfoOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		return nil, fmt.Errorf("fetch platform %s: %w", c.platformKey, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("platform account %s not found (program=%s)", c.platformKey, c.cfg.ProgramID)
	}
	platform, err := solfight.ParseAccount_Platform(resp.Value.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("decode platform %s: %w", c.platformKey, err)
	}
	return platform, nil
}

// FetchGame returns nil without error when the account does not exist:
// a closed game is an expected state, not a fault.
func (c *Client) FetchGame(ctx context.Context, gameID uint64) (*solfight.Game, error) {
	key := solfight.MustDeriveGamePDA(c.cfg.ProgramID, gameID)
	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch game %d (%s): %w", gameID, key, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, nil
	}
	game, err := solfight.ParseAccount_Game(resp.Value.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("decode game %d (%s): %w", gameID, key, err)
	}
	return game, nil
}

// GameSlot is one entry of a ledger-sweep batch. Game is nil when the
// account is closed or undecodable.
type GameSlot struct {
	GameID   uint64
	Pubkey   solana.PublicKey
	Lamports uint64
	Game     *solfight.Game
}

func (c *Client) FetchGamesBatch(ctx context.Context, gameIDs []uint64) ([]GameSlot, error) {
	if len(gameIDs) == 0 {
		return nil, nil
	}

	keys := make([]solana.PublicKey, len(gameIDs))
	for i, id := range gameIDs {
		keys[i] = solfight.MustDeriveGamePDA(c.cfg.ProgramID, id)
	}

	multiple, err := c.rpc.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		return nil, fmt.Errorf("fetch game batch [%d..%d]: %w", gameIDs[0], gameIDs[len(gameIDs)-1], err)
	}
	if len(multiple.Value) != len(keys) {
		return nil, fmt.Errorf("fetch game batch: expected %d accounts, got %d", len(keys), len(multiple.Value))
	}

	out := make([]GameSlot, len(gameIDs))
	for i, account := range multiple.Value {
		slot := GameSlot{GameID: gameIDs[i], Pubkey: keys[i]}
		if account != nil {
			slot.Lamports = account.Lamports
			game, err := solfight.ParseAccount_Game(account.Data.GetBinary())
			if err != nil {
				c.logger.Warn("undecodable game account", "game_id", gameIDs[i], "pubkey", keys[i], "err", err)
			} else {
				slot.Game = game
			}
		}
		out[i] = slot
	}
	return out, nil
}

// MissingProfiles returns the subset of players whose profile PDA does
// not exist. Only the player's own signature can create one, so a
// missing profile blocks settlement until the player acts.
func (c *Client) MissingProfiles(ctx context.Context, players []solana.PublicKey) ([]solana.PublicKey, error) {
	if len(players) == 0 {
		return nil, nil
	}

	keys := make([]solana.PublicKey, len(players))
	for i, player := range players {
		key, _, err := solfight.DeriveProfilePDA(c.cfg.ProgramID, player)
		if err != nil {
			return nil, fmt.Errorf("derive profile PDA for %s: %w", player, err)
		}
		keys[i] = key
	}

	multiple, err := c.rpc.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		return nil, fmt.Errorf("fetch player profiles: %w", err)
	}

	var missing []solana.PublicKey
	for i, account := range multiple.Value {
		if account == nil {
			missing = append(missing, players[i])
		}
	}
	return missing, nil
}

// EscrowTokenBalance returns the escrow's token balance in USDC lamports.
// A closed token account reads as zero.
func (c *Client) EscrowTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error) {
	resp, err := c.rpc.GetTokenAccountBalance(ctx, tokenAccount, c.cfg.Commitment)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) || containsAny(err.Error(), "could not find account", "invalid param") {
			return 0, nil
		}
		return 0, fmt.Errorf("fetch escrow balance %s: %w", tokenAccount, err)
	}
	if resp == nil || resp.Value == nil {
		return 0, nil
	}
	amount, err := strconv.ParseUint(resp.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse escrow balance %q: %w", resp.Value.Amount, err)
	}
	return amount, nil
}

// StartGame predicts the next game id from the Platform counter, composes
// the creation transaction, and submits it. The read-then-create window
// is an accepted race: there is a single platform authority.
func (c *Client) StartGame(ctx context.Context, playerOne, playerTwo solana.PublicKey, betAmount uint64, timeframeSeconds uint32) (uint64, SubmitResult, error) {
	platform, err := c.FetchPlatform(ctx)
	if err != nil {
		return 0, SubmitResult{}, err
	}
	nextGameID := platform.TotalGames + 1

	gameKey := solfight.MustDeriveGamePDA(c.cfg.ProgramID, nextGameID)
	escrowKey, err := solfight.DeriveEscrowTokenAccount(gameKey, c.cfg.USDCMint)
	if err != nil {
		return 0, SubmitResult{}, err
	}

	ix, err := newStartGameInstruction(
		c.cfg.ProgramID,
		c.platformKey,
		gameKey,
		escrowKey,
		c.cfg.USDCMint,
		c.signer.PublicKey(),
		playerOne,
		playerTwo,
		betAmount,
		timeframeSeconds,
	)
	if err != nil {
		return 0, SubmitResult{}, err
	}

	return nextGameID, c.submit(ctx, "start_game", ix), nil
}

func (c *Client) EndGame(
	ctx context.Context,
	gameID uint64,
	playerOne, playerTwo solana.PublicKey,
	winner *solana.PublicKey,
	playerOnePnlBps, playerTwoPnlBps int64,
	isForfeit bool,
) (SubmitResult, error) {
	gameKey := solfight.MustDeriveGamePDA(c.cfg.ProgramID, gameID)
	profileOne, _, err := solfight.DeriveProfilePDA(c.cfg.ProgramID, playerOne)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("derive player one profile PDA: %w", err)
	}
	profileTwo, _, err := solfight.DeriveProfilePDA(c.cfg.ProgramID, playerTwo)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("derive player two profile PDA: %w", err)
	}

	ix, err := newEndGameInstruction(
		c.cfg.ProgramID,
		c.platformKey,
		gameKey,
		profileOne,
		profileTwo,
		c.signer.PublicKey(),
		winner,
		playerOnePnlBps,
		playerTwoPnlBps,
		isForfeit,
	)
	if err != nil {
		return SubmitResult{}, err
	}

	return c.submit(ctx, "end_game", ix), nil
}

func (c *Client) CancelPendingGame(ctx context.Context, gameID uint64) (SubmitResult, error) {
	gameKey := solfight.MustDeriveGamePDA(c.cfg.ProgramID, gameID)
	ix := newCancelPendingGameInstruction(c.cfg.ProgramID, c.platformKey, gameKey, c.signer.PublicKey())
	return c.submit(ctx, "cancel_pending_game", ix), nil
}

func (c *Client) RefundEscrow(ctx context.Context, gameID uint64, playerOne, playerTwo solana.PublicKey) (SubmitResult, error) {
	ix, err := c.refundEscrowInstruction(gameID, playerOne, playerTwo)
	if err != nil {
		return SubmitResult{}, err
	}
	return c.submit(ctx, "refund_escrow", ix), nil
}

func (c *Client) CloseGame(ctx context.Context, gameID uint64) (SubmitResult, error) {
	ix, err := c.closeGameInstruction(gameID)
	if err != nil {
		return SubmitResult{}, err
	}
	return c.submit(ctx, "close_game", ix), nil
}

// RefundAndClose batches refund_escrow and close_game into a single
// transaction, saving one network round trip per settled-and-drained game.
func (c *Client) RefundAndClose(ctx context.Context, gameID uint64, playerOne, playerTwo solana.PublicKey) (SubmitResult, error) {
	refundIx, err := c.refundEscrowInstruction(gameID, playerOne, playerTwo)
	if err != nil {
		return SubmitResult{}, err
	}
	closeIx, err := c.closeGameInstruction(gameID)
	if err != nil {
		return SubmitResult{}, err
	}
	return c.submit(ctx, "refund_and_close", refundIx, closeIx), nil
}

func (c *Client) refundEscrowInstruction(gameID uint64, playerOne, playerTwo solana.PublicKey) (solana.Instruction, error) {
	gameKey := solfight.MustDeriveGamePDA(c.cfg.ProgramID, gameID)
	escrowKey, err := solfight.DeriveEscrowTokenAccount(gameKey, c.cfg.USDCMint)
	if err != nil {
		return nil, err
	}
	playerOneATA, _, err := solana.FindAssociatedTokenAddress(playerOne, c.cfg.USDCMint)
	if err != nil {
		return nil, fmt.Errorf("derive player one token account: %w", err)
	}
	playerTwoATA, _, err := solana.FindAssociatedTokenAddress(playerTwo, c.cfg.USDCMint)
	if err != nil {
		return nil, fmt.Errorf("derive player two token account: %w", err)
	}
	return newRefundEscrowInstruction(c.cfg.ProgramID, gameKey, escrowKey, playerOneATA, playerTwoATA, c.signer.PublicKey()), nil
}

func (c *Client) closeGameInstruction(gameID uint64) (solana.Instruction, error) {
	gameKey := solfight.MustDeriveGamePDA(c.cfg.ProgramID, gameID)
	escrowKey, err := solfight.DeriveEscrowTokenAccount(gameKey, c.cfg.USDCMint)
	if err != nil {
		return nil, err
	}
	return newCloseGameInstruction(c.cfg.ProgramID, c.platformKey, gameKey, escrowKey, c.signer.PublicKey()), nil
}

func (c *Client) submit(ctx context.Context, kind string, programIxs ...solana.Instruction) SubmitResult {
	instructions := make([]solana.Instruction, 0, len(programIxs)+2)

	if limit := computeUnitLimits[kind]; limit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(limit).ValidateAndBuild()
		if err != nil {
			return SubmitResult{Outcome: OutcomeFatal, ClusterErr: fmt.Sprintf("build compute unit limit instruction: %v", err)}
		}
		instructions = append(instructions, cuLimitIx)
	}
	if price := c.priorityFee(ctx); price > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(price).ValidateAndBuild()
		if err != nil {
			return SubmitResult{Outcome: OutcomeFatal, ClusterErr: fmt.Sprintf("build compute unit price instruction: %v", err)}
		}
		instructions = append(instructions, cuPriceIx)
	}
	instructions = append(instructions, programIxs...)

	txCtx, cancel := context.WithTimeout(ctx, c.cfg.TxTimeout)
	defer cancel()

	signature, err := c.sendTransaction(txCtx, instructions)
	if err != nil {
		result := classifySubmitError(err)
		c.logger.Warn("transaction submission failed", "kind", kind, "outcome", result.Outcome.String(), "err", err)
		return result
	}

	if err := c.waitForConfirmation(txCtx, signature); err != nil {
		result := classifySubmitError(err)
		result.Signature = signature
		c.logger.Warn("transaction confirmation failed", "kind", kind, "signature", signature, "outcome", result.Outcome.String(), "err", err)
		return result
	}

	c.logger.Info("transaction confirmed", "kind", kind, "signature", signature)
	return SubmitResult{Outcome: OutcomeConfirmed, Signature: signature}
}

// priorityFee returns the median of recent on-cluster priority fees for
// the program, clamped to the configured ceiling. On RPC failure it falls
// back to the cluster minimum rather than blocking settlement.
func (c *Client) priorityFee(ctx context.Context) uint64 {
	fees, err := c.rpc.GetRecentPrioritizationFees(ctx, solana.PublicKeySlice{c.cfg.ProgramID})
	if err != nil || len(fees) == 0 {
		if err != nil {
			c.logger.Warn("priority fee sample unavailable, using cluster minimum", "err", err)
		}
		return 0
	}

	samples := make([]uint64, 0, len(fees))
	for _, fee := range fees {
		samples = append(samples, fee.PrioritizationFee)
	}
	return clampedMedian(samples, c.cfg.PriorityFeeCeilingMicroLamports)
}

func clampedMedian(samples []uint64, ceiling uint64) uint64 {
	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	median := samples[len(samples)/2]
	if len(samples)%2 == 0 {
		median = (samples[len(samples)/2-1] + samples[len(samples)/2]) / 2
	}
	if ceiling > 0 && median > ceiling {
		return ceiling
	}
	return median
}

func (c *Client) sendTransaction(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, c.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(c.signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if c.signer.PublicKey().Equals(key) {
			return &c.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       c.cfg.SkipPreflight,
		PreflightCommitment: c.cfg.Commitment,
	}
	if c.cfg.MaxRetries != nil {
		retries := *c.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	return c.rpc.SendTransactionWithOpts(ctx, tx, opts)
}

func (c *Client) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if confirmed(status.ConfirmationStatus, c.cfg.Commitment) {
				return nil
			}
		}
	}
}

func confirmed(status rpc.ConfirmationStatusType, commitment rpc.CommitmentType) bool {
	if commitment == rpc.CommitmentFinalized {
		return status == rpc.ConfirmationStatusFinalized
	}
	return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
}
