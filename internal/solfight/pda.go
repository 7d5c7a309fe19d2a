package solfight

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Seeds match the program's state module.
const (
	platformSeed = "platform"
	gameSeed     = "game"
	profileSeed  = "player"
)

func DerivePlatformPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(platformSeed)}, programID)
}

func DeriveGamePDA(programID solana.PublicKey, gameID uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(gameSeed), u64LE(gameID)}, programID)
}

func DeriveProfilePDA(programID solana.PublicKey, player solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(profileSeed), player.Bytes()}, programID)
}

// DeriveEscrowTokenAccount returns the associated token account owned by
// the game PDA. The ATA derivation permits the off-curve owner.
func DeriveEscrowTokenAccount(gamePDA solana.PublicKey, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(gamePDA, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive escrow token account: %w", err)
	}
	return ata, nil
}

func MustDeriveGamePDA(programID solana.PublicKey, gameID uint64) solana.PublicKey {
	pk, _, err := DeriveGamePDA(programID, gameID)
	if err != nil {
		panic(fmt.Errorf("derive game PDA: %w", err))
	}
	return pk
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
