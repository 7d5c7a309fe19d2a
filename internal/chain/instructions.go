package chain

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/solfight/backend/internal/solfight"
)

var (
	startGameDisc         = solfight.InstructionDiscriminator("start_game")
	endGameDisc           = solfight.InstructionDiscriminator("end_game")
	cancelPendingGameDisc = solfight.InstructionDiscriminator("cancel_pending_game")
	refundEscrowDisc      = solfight.InstructionDiscriminator("refund_escrow")
	closeGameDisc         = solfight.InstructionDiscriminator("close_game")
)

// Conservative per-instruction compute ceilings. Fixed rather than
// simulated: the program's paths are short and the margin is cheap.
var computeUnitLimits = map[string]uint32{
	"start_game":          180_000,
	"end_game":            120_000,
	"cancel_pending_game": 40_000,
	"refund_escrow":       100_000,
	"close_game":          80_000,
	"refund_and_close":    160_000,
}

func newStartGameInstruction(
	programID solana.PublicKey,
	platform solana.PublicKey,
	game solana.PublicKey,
	escrowTokenAccount solana.PublicKey,
	usdcMint solana.PublicKey,
	authority solana.PublicKey,
	playerOne solana.PublicKey,
	playerTwo solana.PublicKey,
	betAmount uint64,
	timeframeSeconds uint32,
) (solana.Instruction, error) {
	data, err := instructionData(startGameDisc, func(enc *bin.Encoder) error {
		if err := enc.WriteUint64(betAmount, bin.LE); err != nil {
			return err
		}
		return enc.WriteUint32(timeframeSeconds, bin.LE)
	})
	if err != nil {
		return nil, fmt.Errorf("encode start_game args: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(platform, true, false),
		solana.NewAccountMeta(game, true, false),
		solana.NewAccountMeta(escrowTokenAccount, true, false),
		solana.NewAccountMeta(usdcMint, false, false),
		solana.NewAccountMeta(authority, true, true),
		solana.NewAccountMeta(playerOne, false, false),
		solana.NewAccountMeta(playerTwo, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
	}

	return solana.NewInstruction(programID, accounts, data), nil
}

func newEndGameInstruction(
	programID solana.PublicKey,
	platform solana.PublicKey,
	game solana.PublicKey,
	playerOneProfile solana.PublicKey,
	playerTwoProfile solana.PublicKey,
	authority solana.PublicKey,
	winner *solana.PublicKey,
	playerOnePnlBps int64,
	playerTwoPnlBps int64,
	isForfeit bool,
) (solana.Instruction, error) {
	data, err := instructionData(endGameDisc, func(enc *bin.Encoder) error {
		if winner == nil {
			if err := enc.WriteUint8(0); err != nil {
				return err
			}
		} else {
			if err := enc.WriteUint8(1); err != nil {
				return err
			}
			if err := enc.WriteBytes(winner.Bytes(), false); err != nil {
				return err
			}
		}
		if err := enc.WriteInt64(playerOnePnlBps, bin.LE); err != nil {
			return err
		}
		if err := enc.WriteInt64(playerTwoPnlBps, bin.LE); err != nil {
			return err
		}
		return enc.WriteBool(isForfeit)
	})
	if err != nil {
		return nil, fmt.Errorf("encode end_game args: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(platform, false, false),
		solana.NewAccountMeta(game, true, false),
		solana.NewAccountMeta(playerOneProfile, true, false),
		solana.NewAccountMeta(playerTwoProfile, true, false),
		solana.NewAccountMeta(authority, false, true),
	}

	return solana.NewInstruction(programID, accounts, data), nil
}

func newCancelPendingGameInstruction(
	programID solana.PublicKey,
	platform solana.PublicKey,
	game solana.PublicKey,
	authority solana.PublicKey,
) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(platform, false, false),
		solana.NewAccountMeta(game, true, false),
		solana.NewAccountMeta(authority, false, true),
	}
	return solana.NewInstruction(programID, accounts, discOnly(cancelPendingGameDisc))
}

func newRefundEscrowInstruction(
	programID solana.PublicKey,
	game solana.PublicKey,
	escrowTokenAccount solana.PublicKey,
	playerOneTokenAccount solana.PublicKey,
	playerTwoTokenAccount solana.PublicKey,
	caller solana.PublicKey,
) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(game, true, false),
		solana.NewAccountMeta(escrowTokenAccount, true, false),
		solana.NewAccountMeta(playerOneTokenAccount, true, false),
		solana.NewAccountMeta(playerTwoTokenAccount, true, false),
		solana.NewAccountMeta(caller, false, true),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	return solana.NewInstruction(programID, accounts, discOnly(refundEscrowDisc))
}

func newCloseGameInstruction(
	programID solana.PublicKey,
	platform solana.PublicKey,
	game solana.PublicKey,
	escrowTokenAccount solana.PublicKey,
	authority solana.PublicKey,
) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(platform, false, false),
		solana.NewAccountMeta(game, true, false),
		solana.NewAccountMeta(escrowTokenAccount, true, false),
		solana.NewAccountMeta(authority, true, true),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	return solana.NewInstruction(programID, accounts, discOnly(closeGameDisc))
}

func discOnly(disc [8]byte) []byte {
	data := make([]byte, len(disc))
	copy(data, disc[:])
	return data
}

func instructionData(disc [8]byte, writeArgs func(*bin.Encoder) error) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(disc[:])
	if err := writeArgs(bin.NewBorshEncoder(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
