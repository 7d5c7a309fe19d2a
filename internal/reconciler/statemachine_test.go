package reconciler

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solfight/backend/internal/matchstore"
	"github.com/solfight/backend/internal/solfight"
)

func testKey(t *testing.T, seed byte) solana.PublicKey {
	t.Helper()
	var raw [32]byte
	for i := range raw {
		raw[i] = seed
	}
	return solana.PublicKeyFromBytes(raw[:])
}

func gameIDRef(id uint64) *uint64 { return &id }

func testRecord(t *testing.T, status matchstore.MatchStatus) *matchstore.MatchRecord {
	t.Helper()
	return &matchstore.MatchRecord{
		ID:          "match-1",
		PlayerOne:   testKey(t, 1),
		PlayerTwo:   testKey(t, 2),
		Status:      status,
		EscrowState: matchstore.EscrowLocked,

		OnChainGameID: gameIDRef(42),
		Version:       1,
	}
}

func activeGame(t *testing.T) *solfight.Game {
	t.Helper()
	return &solfight.Game{
		GameId:             42,
		PlayerOne:          testKey(t, 1),
		PlayerTwo:          testKey(t, 2),
		EscrowTokenAccount: testKey(t, 5),
		Status:             solfight.GameStatus_Active,
	}
}

func TestDecideNoGameIDNeedsCreation(t *testing.T) {
	record := testRecord(t, matchstore.StatusCompleted)
	record.OnChainGameID = nil

	decision := Decide(Snapshot{Record: record})
	assert.Equal(t, StateNeedsOnChainCreation, decision.State)
	assert.Equal(t, ActionNone, decision.Action)
}

func TestDecideCompletedActiveGameSettles(t *testing.T) {
	record := testRecord(t, matchstore.StatusCompleted)
	record.PlayerOneROI = 0.02
	record.PlayerTwoROI = -0.01

	decision := Decide(Snapshot{Record: record, Game: activeGame(t)})
	require.Equal(t, ActionEndGame, decision.Action)
	assert.Equal(t, StateReadyToSettle, decision.State)

	require.NotNil(t, decision.Winner)
	assert.Equal(t, record.PlayerOne, *decision.Winner)
	assert.Equal(t, int64(200), decision.PlayerOnePnlBps)
	assert.Equal(t, int64(-100), decision.PlayerTwoPnlBps)
	assert.False(t, decision.IsForfeit)
}

func TestDecideTiedHasNoWinner(t *testing.T) {
	record := testRecord(t, matchstore.StatusTied)
	decision := Decide(Snapshot{Record: record, Game: activeGame(t)})
	require.Equal(t, ActionEndGame, decision.Action)
	assert.Nil(t, decision.Winner)
	assert.False(t, decision.IsForfeit)
}

func TestDecideROIWithinToleranceIsTie(t *testing.T) {
	record := testRecord(t, matchstore.StatusCompleted)
	record.PlayerOneROI = 0.000010
	record.PlayerTwoROI = 0.000015

	decision := Decide(Snapshot{Record: record, Game: activeGame(t)})
	require.Equal(t, ActionEndGame, decision.Action)
	assert.Nil(t, decision.Winner)
}

func TestDecideForfeitCarriesRecordedWinner(t *testing.T) {
	winner := testKey(t, 2)
	record := testRecord(t, matchstore.StatusForfeited)
	record.Winner = &winner

	decision := Decide(Snapshot{Record: record, Game: activeGame(t)})
	require.Equal(t, ActionEndGame, decision.Action)
	require.NotNil(t, decision.Winner)
	assert.Equal(t, winner, *decision.Winner)
	assert.True(t, decision.IsForfeit)
}

func TestDecideForfeitWithoutWinnerIsStuck(t *testing.T) {
	record := testRecord(t, matchstore.StatusForfeited)

	decision := Decide(Snapshot{Record: record, Game: activeGame(t)})
	assert.Equal(t, ActionNone, decision.Action)
	assert.NotEmpty(t, decision.Note)
}

func TestDecideMissingProfileBlocks(t *testing.T) {
	record := testRecord(t, matchstore.StatusCompleted)
	missing := testKey(t, 2)

	decision := Decide(Snapshot{
		Record:          record,
		Game:            activeGame(t),
		MissingProfiles: []solana.PublicKey{missing},
	})
	assert.Equal(t, StateBlockedOnMissingProfile, decision.State)
	assert.Equal(t, ActionNone, decision.Action)
	require.Len(t, decision.MissingProfiles, 1)
	assert.Equal(t, missing, decision.MissingProfiles[0])
	assert.Contains(t, decision.Note, missing.String())
}

func TestDecideAbsentGameSyncsSettled(t *testing.T) {
	record := testRecord(t, matchstore.StatusCompleted)
	decision := Decide(Snapshot{Record: record, Game: nil})
	assert.Equal(t, StateAlreadySettledOnChain, decision.State)
	assert.Equal(t, ActionSyncSettled, decision.Action)
}

func TestDecideTerminalGameSyncsSettled(t *testing.T) {
	record := testRecord(t, matchstore.StatusCompleted)
	game := activeGame(t)
	game.Status = solfight.GameStatus_Settled

	decision := Decide(Snapshot{Record: record, Game: game})
	assert.Equal(t, StateAlreadySettledOnChain, decision.State)
	assert.Equal(t, ActionSyncSettled, decision.Action)
}

func TestDecideTiedRefundFailedTerminalGameRefunds(t *testing.T) {
	record := testRecord(t, matchstore.StatusTied)
	record.EscrowState = matchstore.EscrowRefundFailed
	game := activeGame(t)
	game.Status = solfight.GameStatus_Tied

	decision := Decide(Snapshot{Record: record, Game: game})
	assert.Equal(t, StateNeedsRefund, decision.State)
	assert.Equal(t, ActionRefundEscrow, decision.Action)
}

func TestDecideRefundFailedActiveGameSettlesFirst(t *testing.T) {
	record := testRecord(t, matchstore.StatusTied)
	record.EscrowState = matchstore.EscrowRefundFailed

	decision := Decide(Snapshot{Record: record, Game: activeGame(t)})
	assert.Equal(t, ActionEndGame, decision.Action)
}

func TestDecideCancelledPendingGameCancelsOnChain(t *testing.T) {
	record := testRecord(t, matchstore.StatusCancelled)
	game := activeGame(t)
	game.Status = solfight.GameStatus_Pending

	decision := Decide(Snapshot{Record: record, Game: game})
	assert.Equal(t, StateNeedsRefund, decision.State)
	assert.Equal(t, ActionCancelPending, decision.Action)
}

func TestDecideCancelledClosedGameSyncs(t *testing.T) {
	record := testRecord(t, matchstore.StatusCancelled)
	decision := Decide(Snapshot{Record: record, Game: nil})
	assert.Equal(t, StateTerminal, decision.State)
	assert.Equal(t, ActionSyncRefunded, decision.Action)
}

func TestDecideCancelledDrainedEscrowIsTerminal(t *testing.T) {
	record := testRecord(t, matchstore.StatusCancelled)
	record.EscrowState = matchstore.EscrowRefunded
	game := activeGame(t)
	game.Status = solfight.GameStatus_Cancelled

	decision := Decide(Snapshot{Record: record, Game: game})
	assert.Equal(t, ActionNone, decision.Action)
	assert.Equal(t, StateTerminal, decision.State)
}

func TestDecideOnChainCancelledUndrainedRefunds(t *testing.T) {
	record := testRecord(t, matchstore.StatusTied)
	game := activeGame(t)
	game.Status = solfight.GameStatus_Cancelled

	decision := Decide(Snapshot{Record: record, Game: game})
	assert.Equal(t, ActionRefundEscrow, decision.Action)
}

func TestDecideOnChainTiedUndrainedRefunds(t *testing.T) {
	record := testRecord(t, matchstore.StatusTied)
	record.OnChainSettled = true
	record.EscrowState = matchstore.EscrowSettlementPending
	game := activeGame(t)
	game.Status = solfight.GameStatus_Tied

	decision := Decide(Snapshot{Record: record, Game: game})
	assert.Equal(t, StateNeedsRefund, decision.State)
	assert.Equal(t, ActionRefundEscrow, decision.Action)
}

func TestDecideSettledWinnerlessClosedGameSyncsRefund(t *testing.T) {
	record := testRecord(t, matchstore.StatusTied)
	record.OnChainSettled = true
	record.EscrowState = matchstore.EscrowSettlementPending

	decision := Decide(Snapshot{Record: record, Game: nil})
	assert.Equal(t, StateTerminal, decision.State)
	assert.Equal(t, ActionSyncRefunded, decision.Action)
}

func TestDecideAwaitingDeposits(t *testing.T) {
	record := testRecord(t, matchstore.StatusPendingDeposits)
	game := activeGame(t)
	game.Status = solfight.GameStatus_Pending

	decision := Decide(Snapshot{Record: record, Game: game})
	assert.Equal(t, StateAwaitingDeposits, decision.State)
	assert.Equal(t, ActionNone, decision.Action)
}

func TestDecideCloseRules(t *testing.T) {
	game := activeGame(t)
	game.Status = solfight.GameStatus_Settled

	decision := DecideClose(game, 0)
	assert.Equal(t, StateNeedsClose, decision.State)
	assert.Equal(t, ActionCloseGame, decision.Action)

	// Unclaimed winnings are never closed over.
	decision = DecideClose(game, 1_000_000)
	assert.Equal(t, ActionNone, decision.Action)
	assert.NotEmpty(t, decision.Note)

	game.Status = solfight.GameStatus_Active
	decision = DecideClose(game, 0)
	assert.Equal(t, ActionNone, decision.Action)

	decision = DecideClose(nil, 0)
	assert.Equal(t, ActionNone, decision.Action)
}
