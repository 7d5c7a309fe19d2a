package solfight

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProgramID = solana.MustPublicKeyFromBase58("6WWroY3g2FfQrmiy7xzisYr6BQLEk2rjRnHmLX7QJ2R")

func TestDerivationsAreDeterministic(t *testing.T) {
	first, bump1, err := DerivePlatformPDA(testProgramID)
	require.NoError(t, err)
	second, bump2, err := DerivePlatformPDA(testProgramID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, bump1, bump2)
}

func TestGamePDADistinctPerID(t *testing.T) {
	seen := make(map[solana.PublicKey]uint64)
	for _, id := range []uint64{0, 1, 2, 255, 256, 1 << 32, 1<<64 - 1} {
		pk := MustDeriveGamePDA(testProgramID, id)
		prev, dup := seen[pk]
		require.False(t, dup, "game ids %d and %d collide", prev, id)
		seen[pk] = id
	}
}

func TestGamePDASeedIsLittleEndian(t *testing.T) {
	want, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("game"), {42, 0, 0, 0, 0, 0, 0, 0}},
		testProgramID,
	)
	require.NoError(t, err)
	assert.Equal(t, want, MustDeriveGamePDA(testProgramID, 42))
}

func TestProfilePDADependsOnPlayer(t *testing.T) {
	playerA := testKey(t, 1)
	playerB := testKey(t, 2)

	pdaA, _, err := DeriveProfilePDA(testProgramID, playerA)
	require.NoError(t, err)
	pdaB, _, err := DeriveProfilePDA(testProgramID, playerB)
	require.NoError(t, err)

	assert.NotEqual(t, pdaA, pdaB)
}

func TestEscrowTokenAccountOffCurveOwner(t *testing.T) {
	gamePDA := MustDeriveGamePDA(testProgramID, 7)
	mint := solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU")

	// PDAs have no private key; the ATA derivation must still accept the
	// game PDA as owner.
	escrow, err := DeriveEscrowTokenAccount(gamePDA, mint)
	require.NoError(t, err)
	assert.False(t, escrow.IsZero())

	again, err := DeriveEscrowTokenAccount(gamePDA, mint)
	require.NoError(t, err)
	assert.Equal(t, escrow, again)
}

func TestDerivationChangesWithProgramID(t *testing.T) {
	other := testKey(t, 33)
	ours, _, err := DerivePlatformPDA(testProgramID)
	require.NoError(t, err)
	theirs, _, err := DerivePlatformPDA(other)
	require.NoError(t, err)
	assert.NotEqual(t, ours, theirs)
}
