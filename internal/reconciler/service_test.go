package reconciler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solfight/backend/internal/chain"
	"github.com/solfight/backend/internal/config"
	"github.com/solfight/backend/internal/matchstore"
	"github.com/solfight/backend/internal/solfight"
)

type fakeRepo struct {
	records        map[string]*matchstore.MatchRecord
	resultsApplied int
}

func newFakeRepo(records ...*matchstore.MatchRecord) *fakeRepo {
	repo := &fakeRepo{records: make(map[string]*matchstore.MatchRecord)}
	for _, record := range records {
		repo.records[record.ID] = record
	}
	return repo
}

func (r *fakeRepo) Get(_ context.Context, matchID string) (*matchstore.MatchRecord, error) {
	record, ok := r.records[matchID]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (r *fakeRepo) GetByOnChainGameID(_ context.Context, gameID uint64) (*matchstore.MatchRecord, error) {
	for _, record := range r.records {
		if record.OnChainGameID != nil && *record.OnChainGameID == gameID {
			clone := *record
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) QueryNeedingSettlement(_ context.Context) ([]*matchstore.MatchRecord, error) {
	var out []*matchstore.MatchRecord
	for _, record := range r.records {
		if record.OnChainGameID == nil {
			continue
		}
		settleDue := record.Status.SettledFamily() &&
			(!record.OnChainSettled || record.EscrowState == matchstore.EscrowSettlementPending)
		refundDue := record.Status == matchstore.StatusCancelled && !record.EscrowState.Drained()
		if settleDue || refundDue || record.EscrowState == matchstore.EscrowRefundFailed {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *fakeRepo) StalePending(_ context.Context, cutoff int64) ([]*matchstore.MatchRecord, error) {
	var out []*matchstore.MatchRecord
	for _, record := range r.records {
		if record.Status == matchstore.StatusPendingDeposits && record.OnChainGameID != nil && record.UpdatedAt < cutoff {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdateSettlement(_ context.Context, matchID string, expectedVersion int64, update matchstore.SettlementUpdate) error {
	record, ok := r.records[matchID]
	if !ok || record.Version != expectedVersion {
		return matchstore.ErrVersionConflict
	}
	if update.Status != nil {
		record.Status = *update.Status
	}
	if update.OnChainSettled != nil {
		record.OnChainSettled = *update.OnChainSettled
	}
	if update.EscrowState != nil {
		record.EscrowState = *update.EscrowState
	}
	if update.WinnerSet {
		record.Winner = update.Winner
	}
	if update.PlayerOneROI != nil {
		record.PlayerOneROI = *update.PlayerOneROI
	}
	if update.PlayerTwoROI != nil {
		record.PlayerTwoROI = *update.PlayerTwoROI
	}
	if update.StuckReason != nil {
		record.StuckReason = *update.StuckReason
	}
	record.Version++
	return nil
}

func (r *fakeRepo) BindOnChainGame(_ context.Context, matchID string, expectedVersion int64, gameID uint64) error {
	record, ok := r.records[matchID]
	if !ok || record.Version != expectedVersion || record.OnChainGameID != nil {
		return matchstore.ErrVersionConflict
	}
	record.OnChainGameID = &gameID
	record.EscrowState = matchstore.EscrowAwaitingDeposits
	record.Version++
	return nil
}

func (r *fakeRepo) ApplyMatchResult(_ context.Context, _ *matchstore.MatchRecord, _, _ int64) error {
	r.resultsApplied++
	return nil
}

type fakeChain struct {
	platform *solfight.Platform
	games    map[uint64]*solfight.Game
	missing  []solana.PublicKey
	balances map[solana.PublicKey]uint64

	endGameResult chain.SubmitResult
	refundResult  chain.SubmitResult

	startCalls   int
	endGameCalls []uint64
	refundCalls  []uint64
	cancelCalls  []uint64
	closeCalls   []uint64
	batchCalls   [][]uint64

	lastWinner  *solana.PublicKey
	lastForfeit bool
	lastP1Bps   int64
	lastP2Bps   int64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		platform:      &solfight.Platform{TotalGames: 0},
		games:         make(map[uint64]*solfight.Game),
		balances:      make(map[solana.PublicKey]uint64),
		endGameResult: chain.SubmitResult{Outcome: chain.OutcomeConfirmed},
		refundResult:  chain.SubmitResult{Outcome: chain.OutcomeConfirmed},
	}
}

func (c *fakeChain) FetchPlatform(context.Context) (*solfight.Platform, error) {
	return c.platform, nil
}

func (c *fakeChain) FetchGame(_ context.Context, gameID uint64) (*solfight.Game, error) {
	return c.games[gameID], nil
}

func (c *fakeChain) FetchGamesBatch(_ context.Context, gameIDs []uint64) ([]chain.GameSlot, error) {
	c.batchCalls = append(c.batchCalls, gameIDs)
	out := make([]chain.GameSlot, len(gameIDs))
	for i, id := range gameIDs {
		out[i] = chain.GameSlot{GameID: id, Game: c.games[id], Lamports: 2_500_000}
	}
	return out, nil
}

func (c *fakeChain) MissingProfiles(_ context.Context, players []solana.PublicKey) ([]solana.PublicKey, error) {
	var out []solana.PublicKey
	for _, player := range players {
		for _, missing := range c.missing {
			if player.Equals(missing) {
				out = append(out, player)
			}
		}
	}
	return out, nil
}

func (c *fakeChain) EscrowTokenBalance(_ context.Context, tokenAccount solana.PublicKey) (uint64, error) {
	return c.balances[tokenAccount], nil
}

func (c *fakeChain) StartGame(_ context.Context, playerOne, playerTwo solana.PublicKey, betAmount uint64, timeframeSeconds uint32) (uint64, chain.SubmitResult, error) {
	c.startCalls++
	c.platform.TotalGames++
	id := c.platform.TotalGames
	c.games[id] = &solfight.Game{
		GameId:           id,
		PlayerOne:        playerOne,
		PlayerTwo:        playerTwo,
		BetAmount:        betAmount,
		TimeframeSeconds: timeframeSeconds,
		Status:           solfight.GameStatus_Pending,
	}
	return id, chain.SubmitResult{Outcome: chain.OutcomeConfirmed}, nil
}

func (c *fakeChain) EndGame(_ context.Context, gameID uint64, _, _ solana.PublicKey, winner *solana.PublicKey, p1Bps, p2Bps int64, isForfeit bool) (chain.SubmitResult, error) {
	c.endGameCalls = append(c.endGameCalls, gameID)
	c.lastWinner = winner
	c.lastForfeit = isForfeit
	c.lastP1Bps = p1Bps
	c.lastP2Bps = p2Bps
	if c.endGameResult.Done() {
		if game := c.games[gameID]; game != nil {
			if winner == nil {
				game.Status = solfight.GameStatus_Tied
			} else {
				game.Status = solfight.GameStatus_Settled
				key := *winner
				game.Winner = &key
			}
		}
	}
	return c.endGameResult, nil
}

func (c *fakeChain) CancelPendingGame(_ context.Context, gameID uint64) (chain.SubmitResult, error) {
	c.cancelCalls = append(c.cancelCalls, gameID)
	if game := c.games[gameID]; game != nil {
		game.Status = solfight.GameStatus_Cancelled
	}
	return chain.SubmitResult{Outcome: chain.OutcomeConfirmed}, nil
}

func (c *fakeChain) RefundEscrow(_ context.Context, gameID uint64, _, _ solana.PublicKey) (chain.SubmitResult, error) {
	c.refundCalls = append(c.refundCalls, gameID)
	return c.refundResult, nil
}

func (c *fakeChain) CloseGame(_ context.Context, gameID uint64) (chain.SubmitResult, error) {
	c.closeCalls = append(c.closeCalls, gameID)
	return chain.SubmitResult{Outcome: chain.OutcomeConfirmed}, nil
}

func (c *fakeChain) RefundAndClose(_ context.Context, gameID uint64, _, _ solana.PublicKey) (chain.SubmitResult, error) {
	c.refundCalls = append(c.refundCalls, gameID)
	c.closeCalls = append(c.closeCalls, gameID)
	return chain.SubmitResult{Outcome: chain.OutcomeConfirmed}, nil
}

func testService(repo *fakeRepo, onchain *fakeChain) *Service {
	cfg := config.ReconcilerConfig{
		PollInterval:       30 * time.Second,
		PendingCancelAfter: 30 * time.Minute,
		SweepBatchSize:     2,
		SweepBatchDelay:    time.Millisecond,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, repo, onchain, logger)
}

func tiedRefundFailedMatch(t *testing.T, id string, gameID uint64) *matchstore.MatchRecord {
	t.Helper()
	return &matchstore.MatchRecord{
		ID:            id,
		PlayerOne:     testKey(t, 1),
		PlayerTwo:     testKey(t, 2),
		Status:        matchstore.StatusTied,
		EscrowState:   matchstore.EscrowRefundFailed,
		OnChainGameID: gameIDRef(gameID),
		Version:       1,
		UpdatedAt:     time.Now().Unix(),
	}
}

func TestTiedRefundFailedPairConvergesInOnePass(t *testing.T) {
	repo := newFakeRepo(
		tiedRefundFailedMatch(t, "match-1", 10),
		tiedRefundFailedMatch(t, "match-2", 11),
	)
	onchain := newFakeChain()
	for _, id := range []uint64{10, 11} {
		onchain.games[id] = &solfight.Game{
			GameId:    id,
			PlayerOne: testKey(t, 1),
			PlayerTwo: testKey(t, 2),
			Status:    solfight.GameStatus_Tied,
		}
	}

	svc := testService(repo, onchain)
	require.NoError(t, svc.RunOnce(context.Background()))

	for _, id := range []string{"match-1", "match-2"} {
		record := repo.records[id]
		assert.Equal(t, matchstore.EscrowRefunded, record.EscrowState, id)
		assert.True(t, record.OnChainSettled, id)
	}
	assert.Len(t, onchain.refundCalls, 2)
}

func TestRefundReconciliationIsIdempotent(t *testing.T) {
	repo := newFakeRepo(tiedRefundFailedMatch(t, "match-1", 10))
	onchain := newFakeChain()
	onchain.games[10] = &solfight.Game{
		GameId: 10, PlayerOne: testKey(t, 1), PlayerTwo: testKey(t, 2),
		Status: solfight.GameStatus_Tied,
	}

	svc := testService(repo, onchain)
	require.NoError(t, svc.RunOnce(context.Background()))
	require.NoError(t, svc.RunOnce(context.Background()))

	assert.Equal(t, matchstore.EscrowRefunded, repo.records["match-1"].EscrowState)
	assert.Len(t, onchain.refundCalls, 1)
}

func TestAlreadyProcessedRefundCountsAsSuccess(t *testing.T) {
	repo := newFakeRepo(tiedRefundFailedMatch(t, "match-1", 10))
	onchain := newFakeChain()
	onchain.games[10] = &solfight.Game{
		GameId: 10, PlayerOne: testKey(t, 1), PlayerTwo: testKey(t, 2),
		Status: solfight.GameStatus_Tied,
	}
	onchain.refundResult = chain.SubmitResult{Outcome: chain.OutcomeAlreadyDone}

	svc := testService(repo, onchain)
	require.NoError(t, svc.RunOnce(context.Background()))

	record := repo.records["match-1"]
	assert.Equal(t, matchstore.EscrowRefunded, record.EscrowState)
	assert.True(t, record.OnChainSettled)
}

func TestMissingProfileBlocksAndNamesPlayer(t *testing.T) {
	record := &matchstore.MatchRecord{
		ID:            "match-1",
		PlayerOne:     testKey(t, 1),
		PlayerTwo:     testKey(t, 2),
		Status:        matchstore.StatusCompleted,
		EscrowState:   matchstore.EscrowSettlementPending,
		OnChainGameID: gameIDRef(10),
		PlayerOneROI:  0.02,
		PlayerTwoROI:  -0.01,
		Version:       1,
	}
	repo := newFakeRepo(record)

	onchain := newFakeChain()
	onchain.games[10] = &solfight.Game{
		GameId: 10, PlayerOne: testKey(t, 1), PlayerTwo: testKey(t, 2),
		Status: solfight.GameStatus_Active,
	}
	onchain.missing = []solana.PublicKey{testKey(t, 2)}

	svc := testService(repo, onchain)
	require.NoError(t, svc.RunOnce(context.Background()))

	stored := repo.records["match-1"]
	assert.Equal(t, matchstore.StatusCompleted, stored.Status)
	assert.False(t, stored.OnChainSettled)
	assert.Contains(t, stored.StuckReason, testKey(t, 2).String())
	assert.NotContains(t, stored.StuckReason, testKey(t, 1).String())
	assert.Empty(t, onchain.endGameCalls)
}

func TestCompletedMatchSettlesOnChain(t *testing.T) {
	record := &matchstore.MatchRecord{
		ID:            "match-1",
		PlayerOne:     testKey(t, 1),
		PlayerTwo:     testKey(t, 2),
		Status:        matchstore.StatusCompleted,
		EscrowState:   matchstore.EscrowSettlementPending,
		OnChainGameID: gameIDRef(10),
		PlayerOneROI:  0.02,
		PlayerTwoROI:  -0.01,
		Version:       1,
	}
	repo := newFakeRepo(record)

	onchain := newFakeChain()
	onchain.games[10] = &solfight.Game{
		GameId: 10, PlayerOne: testKey(t, 1), PlayerTwo: testKey(t, 2),
		Status: solfight.GameStatus_Active,
	}

	svc := testService(repo, onchain)
	require.NoError(t, svc.RunOnce(context.Background()))

	require.Len(t, onchain.endGameCalls, 1)
	require.NotNil(t, onchain.lastWinner)
	assert.Equal(t, testKey(t, 1), *onchain.lastWinner)
	assert.Equal(t, int64(200), onchain.lastP1Bps)
	assert.Equal(t, int64(-100), onchain.lastP2Bps)
	assert.False(t, onchain.lastForfeit)

	stored := repo.records["match-1"]
	assert.True(t, stored.OnChainSettled)
	assert.Equal(t, matchstore.EscrowSettlementPending, stored.EscrowState)
	assert.Equal(t, 1, repo.resultsApplied)

	// The empty escrow account promotes the record on the next pass.
	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Equal(t, matchstore.EscrowPayoutSent, repo.records["match-1"].EscrowState)
	assert.Len(t, onchain.endGameCalls, 1)
}

func TestPayoutWaitsForWinnerClaim(t *testing.T) {
	record := &matchstore.MatchRecord{
		ID:            "match-1",
		PlayerOne:     testKey(t, 1),
		PlayerTwo:     testKey(t, 2),
		Status:        matchstore.StatusCompleted,
		EscrowState:   matchstore.EscrowSettlementPending,
		OnChainGameID: gameIDRef(10),
		PlayerOneROI:  0.02,
		PlayerTwoROI:  -0.01,
		Version:       1,
	}
	repo := newFakeRepo(record)

	onchain := newFakeChain()
	escrow := testKey(t, 21)
	onchain.games[10] = &solfight.Game{
		GameId: 10, PlayerOne: testKey(t, 1), PlayerTwo: testKey(t, 2),
		EscrowTokenAccount: escrow, Status: solfight.GameStatus_Active,
	}
	onchain.balances[escrow] = 100_000_000

	svc := testService(repo, onchain)
	require.NoError(t, svc.RunOnce(context.Background()))

	stored := repo.records["match-1"]
	assert.True(t, stored.OnChainSettled)
	assert.Equal(t, matchstore.EscrowSettlementPending, stored.EscrowState)

	// Pot still escrowed: the record must not claim the payout happened.
	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Equal(t, matchstore.EscrowSettlementPending, repo.records["match-1"].EscrowState)
	assert.Empty(t, onchain.refundCalls)

	// Winner signs claim_winnings and drains the escrow.
	onchain.balances[escrow] = 0
	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Equal(t, matchstore.EscrowPayoutSent, repo.records["match-1"].EscrowState)
	assert.Len(t, onchain.endGameCalls, 1)
}

func TestTiedSettlementRefundsEscrow(t *testing.T) {
	record := &matchstore.MatchRecord{
		ID:            "match-1",
		PlayerOne:     testKey(t, 1),
		PlayerTwo:     testKey(t, 2),
		Status:        matchstore.StatusTied,
		EscrowState:   matchstore.EscrowSettlementPending,
		OnChainGameID: gameIDRef(10),
		PlayerOneROI:  0.01,
		PlayerTwoROI:  0.01,
		Version:       1,
	}
	repo := newFakeRepo(record)

	onchain := newFakeChain()
	escrow := testKey(t, 21)
	onchain.games[10] = &solfight.Game{
		GameId: 10, PlayerOne: testKey(t, 1), PlayerTwo: testKey(t, 2),
		EscrowTokenAccount: escrow, Status: solfight.GameStatus_Active,
		PlayerOneDeposited: true, PlayerTwoDeposited: true,
	}
	onchain.balances[escrow] = 100_000_000

	svc := testService(repo, onchain)
	require.NoError(t, svc.RunOnce(context.Background()))

	// end_game only marks the game tied; the deposits are still escrowed,
	// so the record must not read as drained yet.
	stored := repo.records["match-1"]
	require.Len(t, onchain.endGameCalls, 1)
	assert.Nil(t, onchain.lastWinner)
	assert.True(t, stored.OnChainSettled)
	assert.Equal(t, matchstore.EscrowSettlementPending, stored.EscrowState)
	assert.Empty(t, onchain.refundCalls)

	require.NoError(t, svc.RunOnce(context.Background()))

	assert.Equal(t, []uint64{10}, onchain.refundCalls)
	assert.Equal(t, matchstore.EscrowRefunded, repo.records["match-1"].EscrowState)
	assert.Len(t, onchain.endGameCalls, 1)
}

func TestSyncSettledWhenGameAlreadyClosed(t *testing.T) {
	record := &matchstore.MatchRecord{
		ID:            "match-1",
		PlayerOne:     testKey(t, 1),
		PlayerTwo:     testKey(t, 2),
		Status:        matchstore.StatusCompleted,
		EscrowState:   matchstore.EscrowSettlementPending,
		OnChainGameID: gameIDRef(10),
		Version:       1,
	}
	repo := newFakeRepo(record)
	onchain := newFakeChain()

	svc := testService(repo, onchain)
	require.NoError(t, svc.RunOnce(context.Background()))

	assert.True(t, repo.records["match-1"].OnChainSettled)
	assert.Empty(t, onchain.endGameCalls)
	assert.Empty(t, onchain.refundCalls)
}

func TestRetryableSubmissionLeavesRecordUntouched(t *testing.T) {
	record := &matchstore.MatchRecord{
		ID:            "match-1",
		PlayerOne:     testKey(t, 1),
		PlayerTwo:     testKey(t, 2),
		Status:        matchstore.StatusCompleted,
		EscrowState:   matchstore.EscrowSettlementPending,
		OnChainGameID: gameIDRef(10),
		PlayerOneROI:  0.02,
		Version:       1,
	}
	repo := newFakeRepo(record)

	onchain := newFakeChain()
	onchain.games[10] = &solfight.Game{
		GameId: 10, PlayerOne: testKey(t, 1), PlayerTwo: testKey(t, 2),
		Status: solfight.GameStatus_Active,
	}
	onchain.endGameResult = chain.SubmitResult{Outcome: chain.OutcomeRetryable, ClusterErr: "node is behind"}

	svc := testService(repo, onchain)
	require.NoError(t, svc.RunOnce(context.Background()))

	stored := repo.records["match-1"]
	assert.False(t, stored.OnChainSettled)
	assert.Equal(t, int64(1), stored.Version)
	assert.Empty(t, stored.StuckReason)
}

func TestFatalSubmissionFlagsMatch(t *testing.T) {
	record := &matchstore.MatchRecord{
		ID:            "match-1",
		PlayerOne:     testKey(t, 1),
		PlayerTwo:     testKey(t, 2),
		Status:        matchstore.StatusCompleted,
		EscrowState:   matchstore.EscrowSettlementPending,
		OnChainGameID: gameIDRef(10),
		PlayerOneROI:  0.02,
		Version:       1,
	}
	repo := newFakeRepo(record)

	onchain := newFakeChain()
	onchain.games[10] = &solfight.Game{
		GameId: 10, PlayerOne: testKey(t, 1), PlayerTwo: testKey(t, 2),
		Status: solfight.GameStatus_Active,
	}
	onchain.endGameResult = chain.SubmitResult{Outcome: chain.OutcomeFatal, ClusterErr: "custom program error: 0x1772"}

	svc := testService(repo, onchain)
	require.NoError(t, svc.RunOnce(context.Background()))

	stored := repo.records["match-1"]
	assert.False(t, stored.OnChainSettled)
	assert.Contains(t, stored.StuckReason, "0x1772")
}

func TestStalePendingMatchGetsCancelled(t *testing.T) {
	record := &matchstore.MatchRecord{
		ID:            "match-1",
		PlayerOne:     testKey(t, 1),
		PlayerTwo:     testKey(t, 2),
		Status:        matchstore.StatusPendingDeposits,
		EscrowState:   matchstore.EscrowAwaitingDeposits,
		OnChainGameID: gameIDRef(10),
		Version:       1,
		UpdatedAt:     time.Now().Add(-2 * time.Hour).Unix(),
	}
	repo := newFakeRepo(record)

	onchain := newFakeChain()
	onchain.games[10] = &solfight.Game{
		GameId: 10, PlayerOne: testKey(t, 1), PlayerTwo: testKey(t, 2),
		Status: solfight.GameStatus_Pending,
	}

	svc := testService(repo, onchain)
	require.NoError(t, svc.RunOnce(context.Background()))

	assert.Len(t, onchain.cancelCalls, 1)
	assert.Equal(t, matchstore.StatusCancelled, repo.records["match-1"].Status)
}

func TestProvisionOnChainGameBindsVerifiedGame(t *testing.T) {
	record := &matchstore.MatchRecord{
		ID:          "match-1",
		PlayerOne:   testKey(t, 1),
		PlayerTwo:   testKey(t, 2),
		BetAmount:   50_000_000,
		Status:      matchstore.StatusPendingDeposits,
		EscrowState: matchstore.EscrowAwaitingDeposits,
		Version:     1,
	}
	repo := newFakeRepo(record)
	onchain := newFakeChain()

	svc := testService(repo, onchain)
	gameID, err := svc.ProvisionOnChainGame(context.Background(), "match-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gameID)

	stored := repo.records["match-1"]
	require.NotNil(t, stored.OnChainGameID)
	assert.Equal(t, uint64(1), *stored.OnChainGameID)
	assert.Equal(t, 1, onchain.startCalls)

	// A second call must return the bound id without touching the chain.
	again, err := svc.ProvisionOnChainGame(context.Background(), "match-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), again)
	assert.Equal(t, 1, onchain.startCalls)
}

func TestProvisionOnChainGameRejectsNonPending(t *testing.T) {
	record := &matchstore.MatchRecord{
		ID:      "match-1",
		Status:  matchstore.StatusActive,
		Version: 1,
	}
	repo := newFakeRepo(record)
	svc := testService(repo, newFakeChain())

	_, err := svc.ProvisionOnChainGame(context.Background(), "match-1")
	assert.Error(t, err)
}

func TestSingleDepositRefundIsPartial(t *testing.T) {
	record := &matchstore.MatchRecord{
		ID:            "match-1",
		PlayerOne:     testKey(t, 1),
		PlayerTwo:     testKey(t, 2),
		Status:        matchstore.StatusCancelled,
		EscrowState:   matchstore.EscrowAwaitingDeposits,
		OnChainGameID: gameIDRef(10),
		Version:       1,
	}
	repo := newFakeRepo(record)

	onchain := newFakeChain()
	onchain.games[10] = &solfight.Game{
		GameId: 10, PlayerOne: testKey(t, 1), PlayerTwo: testKey(t, 2),
		Status:             solfight.GameStatus_Cancelled,
		PlayerOneDeposited: true,
	}

	svc := testService(repo, onchain)
	require.NoError(t, svc.RunOnce(context.Background()))

	assert.Equal(t, []uint64{10}, onchain.refundCalls)
	assert.Equal(t, matchstore.EscrowPartialRefund, repo.records["match-1"].EscrowState)
}

func TestCompleteMatchDerivesWinnerAndTie(t *testing.T) {
	active := &matchstore.MatchRecord{
		ID:          "match-1",
		PlayerOne:   testKey(t, 1),
		PlayerTwo:   testKey(t, 2),
		Status:      matchstore.StatusActive,
		EscrowState: matchstore.EscrowLocked,
		Version:     1,
	}
	repo := newFakeRepo(active)
	svc := testService(repo, newFakeChain())

	require.NoError(t, svc.CompleteMatch(context.Background(), "match-1", -0.01, 0.03, nil))

	stored := repo.records["match-1"]
	assert.Equal(t, matchstore.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Winner)
	assert.Equal(t, testKey(t, 2), *stored.Winner)
	assert.Equal(t, matchstore.EscrowSettlementPending, stored.EscrowState)

	tie := &matchstore.MatchRecord{
		ID:          "match-2",
		PlayerOne:   testKey(t, 1),
		PlayerTwo:   testKey(t, 2),
		Status:      matchstore.StatusActive,
		EscrowState: matchstore.EscrowLocked,
		Version:     1,
	}
	repo.records["match-2"] = tie
	require.NoError(t, svc.CompleteMatch(context.Background(), "match-2", 0.005, 0.005, nil))
	assert.Equal(t, matchstore.StatusTied, repo.records["match-2"].Status)
	assert.Nil(t, repo.records["match-2"].Winner)
}

func TestCompleteMatchRejectsNonActive(t *testing.T) {
	done := &matchstore.MatchRecord{
		ID:     "match-1",
		Status: matchstore.StatusCompleted,
	}
	repo := newFakeRepo(done)
	svc := testService(repo, newFakeChain())

	err := svc.CompleteMatch(context.Background(), "match-1", 0, 0, nil)
	assert.Error(t, err)
}

func TestSweepDryRunReportsWithoutSubmitting(t *testing.T) {
	record := &matchstore.MatchRecord{
		ID:             "match-1",
		PlayerOne:      testKey(t, 1),
		PlayerTwo:      testKey(t, 2),
		Status:         matchstore.StatusCompleted,
		OnChainSettled: true,
		EscrowState:    matchstore.EscrowPayoutSent,
		OnChainGameID:  gameIDRef(2),
		Version:        1,
	}
	repo := newFakeRepo(record)

	onchain := newFakeChain()
	onchain.platform.TotalGames = 3
	escrow2 := testKey(t, 22)
	escrow3 := testKey(t, 23)
	// Game 1 already closed, game 2 drained and closable, game 3 is an
	// orphan with unclaimed balance.
	onchain.games[2] = &solfight.Game{
		GameId: 2, PlayerOne: testKey(t, 1), PlayerTwo: testKey(t, 2),
		EscrowTokenAccount: escrow2, Status: solfight.GameStatus_Settled,
	}
	onchain.games[3] = &solfight.Game{
		GameId: 3, PlayerOne: testKey(t, 1), PlayerTwo: testKey(t, 2),
		EscrowTokenAccount: escrow3, Status: solfight.GameStatus_Settled,
	}
	onchain.balances[escrow3] = 1_000_000

	svc := testService(repo, onchain)
	report, err := svc.Sweep(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, uint64(3), report.TotalGames)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Open)
	require.Len(t, report.Closable, 1)
	assert.Equal(t, uint64(2), report.Closable[0].GameID)
	assert.Equal(t, "match-1", report.Closable[0].MatchID)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, uint64(3), report.Anomalies[0].GameID)
	require.Len(t, report.Orphans, 1)
	assert.Equal(t, uint64(3), report.Orphans[0].GameID)

	assert.Zero(t, report.Submitted)
	assert.Empty(t, onchain.closeCalls)
	assert.Greater(t, report.RecoverableLamports, uint64(0))
}

func TestSweepApplyClosesDrainedTerminalGames(t *testing.T) {
	record := &matchstore.MatchRecord{
		ID:             "match-1",
		PlayerOne:      testKey(t, 1),
		PlayerTwo:      testKey(t, 2),
		Status:         matchstore.StatusCompleted,
		OnChainSettled: true,
		EscrowState:    matchstore.EscrowPayoutSent,
		OnChainGameID:  gameIDRef(1),
		Version:        1,
	}
	repo := newFakeRepo(record)

	onchain := newFakeChain()
	onchain.platform.TotalGames = 1
	onchain.games[1] = &solfight.Game{
		GameId: 1, PlayerOne: testKey(t, 1), PlayerTwo: testKey(t, 2),
		EscrowTokenAccount: testKey(t, 21), Status: solfight.GameStatus_Settled,
	}

	svc := testService(repo, onchain)
	report, err := svc.Sweep(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Submitted)
	assert.Equal(t, []uint64{1}, onchain.closeCalls)
}

func TestSweepRefundsUndrainedTiedGame(t *testing.T) {
	record := tiedRefundFailedMatch(t, "match-1", 1)
	record.OnChainSettled = true
	repo := newFakeRepo(record)

	onchain := newFakeChain()
	onchain.platform.TotalGames = 1
	escrow := testKey(t, 21)
	onchain.games[1] = &solfight.Game{
		GameId: 1, PlayerOne: testKey(t, 1), PlayerTwo: testKey(t, 2),
		EscrowTokenAccount: escrow, Status: solfight.GameStatus_Tied,
	}
	onchain.balances[escrow] = 100_000_000

	svc := testService(repo, onchain)
	report, err := svc.Sweep(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, report.Refundable, 1)
	assert.Equal(t, []uint64{1}, onchain.refundCalls)
	assert.Equal(t, []uint64{1}, onchain.closeCalls)
	assert.Equal(t, matchstore.EscrowRefunded, repo.records["match-1"].EscrowState)
}
