// Package reconciler drives each match toward a consistent terminal
// state across the off-chain repository and the on-chain escrow program.
// Decision logic is pure; all I/O lives in the service.
package reconciler

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/solfight/backend/internal/matchstore"
	"github.com/solfight/backend/internal/solfight"
	"github.com/solfight/backend/internal/wager"
)

type State uint8

const (
	StateNeedsOnChainCreation State = iota
	StateAwaitingDeposits
	StateReadyToSettle
	StateBlockedOnMissingProfile
	StateAlreadySettledOnChain
	StateNeedsRefund
	StateNeedsClose
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateNeedsOnChainCreation:
		return "NeedsOnChainCreation"
	case StateAwaitingDeposits:
		return "AwaitingDeposits"
	case StateReadyToSettle:
		return "ReadyToSettle"
	case StateBlockedOnMissingProfile:
		return "BlockedOnMissingProfile"
	case StateAlreadySettledOnChain:
		return "AlreadySettledOnChain"
	case StateNeedsRefund:
		return "NeedsRefund"
	case StateNeedsClose:
		return "NeedsClose"
	case StateTerminal:
		return "Terminal"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

type Action uint8

const (
	ActionNone Action = iota
	ActionSyncSettled
	ActionSyncRefunded
	ActionEndGame
	ActionRefundEscrow
	ActionCancelPending
	ActionCloseGame
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSyncSettled:
		return "sync_settled"
	case ActionSyncRefunded:
		return "sync_refunded"
	case ActionEndGame:
		return "end_game"
	case ActionRefundEscrow:
		return "refund_escrow"
	case ActionCancelPending:
		return "cancel_pending_game"
	case ActionCloseGame:
		return "close_game"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// Snapshot is one match's view at the start of a pass. Game is nil when
// the on-chain account is absent or already closed. MissingProfiles is
// populated by the caller only when the settle path was reachable.
type Snapshot struct {
	Record          *matchstore.MatchRecord
	Game            *solfight.Game
	MissingProfiles []solana.PublicKey
}

// Decision is the single action a pass may take for a match, plus the
// settlement arguments when the action is ActionEndGame.
type Decision struct {
	State  State
	Action Action

	Winner          *solana.PublicKey
	PlayerOnePnlBps int64
	PlayerTwoPnlBps int64
	IsForfeit       bool

	MissingProfiles []solana.PublicKey
	Note            string
}

// Decide maps a snapshot to the next required action. Evaluated fresh
// every pass; nothing here is cached between passes. The refund path is
// checked before the settle path so a tied match with a failed refund
// and an already-terminal on-chain account converges in one pass.
func Decide(snap Snapshot) Decision {
	record := snap.Record

	if record.OnChainGameID == nil {
		return Decision{State: StateNeedsOnChainCreation, Action: ActionNone}
	}

	if needsRefund(record, snap.Game) {
		if snap.Game == nil {
			// Account closed: a prior refund-and-close already succeeded.
			return Decision{State: StateTerminal, Action: ActionSyncRefunded}
		}
		if snap.Game.Status == solfight.GameStatus_Pending {
			return Decision{State: StateNeedsRefund, Action: ActionCancelPending}
		}
		return Decision{State: StateNeedsRefund, Action: ActionRefundEscrow}
	}

	if record.Status.SettledFamily() && !record.OnChainSettled {
		if snap.Game == nil {
			// Absent after a settlement attempt is evidence of a prior
			// success, not a fault.
			return Decision{State: StateAlreadySettledOnChain, Action: ActionSyncSettled}
		}
		if snap.Game.Status.Terminal() {
			return Decision{State: StateAlreadySettledOnChain, Action: ActionSyncSettled}
		}
		if snap.Game.Status == solfight.GameStatus_Pending {
			// Finished off-chain but deposits never completed on-chain.
			return Decision{
				State:  StateNeedsRefund,
				Action: ActionCancelPending,
				Note:   "match finished off-chain but on-chain game never activated",
			}
		}
		if len(snap.MissingProfiles) > 0 {
			return Decision{
				State:           StateBlockedOnMissingProfile,
				Action:          ActionNone,
				MissingProfiles: snap.MissingProfiles,
				Note:            missingProfileNote(snap.MissingProfiles),
			}
		}

		winner, isForfeit, err := settlementWinner(record)
		if err != nil {
			return Decision{State: StateReadyToSettle, Action: ActionNone, Note: err.Error()}
		}
		return Decision{
			State:           StateReadyToSettle,
			Action:          ActionEndGame,
			Winner:          winner,
			PlayerOnePnlBps: wager.PnLBasisPoints(record.PlayerOneROI),
			PlayerTwoPnlBps: wager.PnLBasisPoints(record.PlayerTwoROI),
			IsForfeit:       isForfeit,
		}
	}

	if record.Status == matchstore.StatusPendingDeposits {
		return Decision{State: StateAwaitingDeposits, Action: ActionNone}
	}
	return Decision{State: StateTerminal, Action: ActionNone}
}

// needsRefund gates the refund path. A refund_failed escrow behind a
// still-active game must settle first: the program only releases escrow
// from terminal games.
func needsRefund(record *matchstore.MatchRecord, game *solfight.Game) bool {
	if record.EscrowState.Drained() {
		return false
	}
	if record.Status == matchstore.StatusCancelled {
		return true
	}
	// An on-chain cancelled or tied game whose escrow has not been drained
	// owes the players their deposits back, whatever the off-chain record
	// says. end_game on a tie only flips the status; the deposits stay
	// escrowed until refund_escrow moves them.
	if game != nil && (game.Status == solfight.GameStatus_Cancelled || game.Status == solfight.GameStatus_Tied) {
		return true
	}
	// A settlement that produced no winner leaves both deposits behind
	// even after the game account is gone.
	if record.Status.SettledFamily() && record.OnChainSettled && record.Winner == nil {
		return true
	}
	if record.EscrowState != matchstore.EscrowRefundFailed {
		return false
	}
	return game == nil || game.Status != solfight.GameStatus_Active
}

// settlementWinner derives the end_game arguments from the off-chain
// record. A tie has no winner; a forfeit requires a recorded winner.
func settlementWinner(record *matchstore.MatchRecord) (*solana.PublicKey, bool, error) {
	if record.Status == matchstore.StatusTied {
		return nil, false, nil
	}
	if record.Status == matchstore.StatusForfeited {
		if record.Winner == nil {
			return nil, false, fmt.Errorf("forfeited match %s has no recorded winner", record.ID)
		}
		winner := *record.Winner
		return &winner, true, nil
	}

	if wager.IsTie(record.PlayerOneROI, record.PlayerTwoROI, wager.TieTolerance) {
		return nil, false, nil
	}
	if record.Winner != nil {
		winner := *record.Winner
		return &winner, false, nil
	}
	if record.PlayerOneROI > record.PlayerTwoROI {
		winner := record.PlayerOne
		return &winner, false, nil
	}
	winner := record.PlayerTwo
	return &winner, false, nil
}

func missingProfileNote(players []solana.PublicKey) string {
	note := "blocked on missing player profile:"
	for _, player := range players {
		note += " " + player.String()
	}
	return note
}

// DecideClose evaluates rent recovery for a single on-chain game,
// independently of the match-level decision. Only terminal games with a
// fully drained escrow are closable; a non-zero balance on a terminal
// game is an unclaimed prize and is reported, never closed over.
func DecideClose(game *solfight.Game, escrowBalance uint64) Decision {
	if game == nil || !game.Status.Terminal() {
		return Decision{State: StateTerminal, Action: ActionNone}
	}
	if escrowBalance != 0 {
		return Decision{
			State:  StateNeedsClose,
			Action: ActionNone,
			Note:   fmt.Sprintf("terminal game %d holds unclaimed escrow balance %d", game.GameId, escrowBalance),
		}
	}
	return Decision{State: StateNeedsClose, Action: ActionCloseGame}
}
