// Package solfight reproduces the on-chain solfight program's account
// layouts and address derivations. Everything here is pure: no RPC, no
// retries, no clocks.
package solfight

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrAccountTooShort       = errors.New("account data too short")
	ErrDiscriminatorMismatch = errors.New("account discriminator mismatch")
	ErrInvalidOptionTag      = errors.New("invalid option tag byte")
)

var (
	Account_Platform      = accountDiscriminator("Platform")
	Account_Game          = accountDiscriminator("Game")
	Account_PlayerProfile = accountDiscriminator("PlayerProfile")
)

func accountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// InstructionDiscriminator returns the 8-byte anchor method discriminator.
func InstructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

type GameStatus uint8

const (
	GameStatus_Pending GameStatus = iota
	GameStatus_Active
	GameStatus_Settled
	GameStatus_Cancelled
	GameStatus_Tied
	GameStatus_Forfeited
)

func (s GameStatus) String() string {
	switch s {
	case GameStatus_Pending:
		return "Pending"
	case GameStatus_Active:
		return "Active"
	case GameStatus_Settled:
		return "Settled"
	case GameStatus_Cancelled:
		return "Cancelled"
	case GameStatus_Tied:
		return "Tied"
	case GameStatus_Forfeited:
		return "Forfeited"
	default:
		return fmt.Sprintf("GameStatus(%d)", uint8(s))
	}
}

// Terminal reports whether the program will never move the game out of
// this status again. Only escrow balance and rent can change afterwards.
func (s GameStatus) Terminal() bool {
	switch s {
	case GameStatus_Settled, GameStatus_Cancelled, GameStatus_Tied, GameStatus_Forfeited:
		return true
	default:
		return false
	}
}

// Platform is the singleton counter/config account.
type Platform struct {
	Authority   solana.PublicKey
	FeeBps      uint16
	Treasury    solana.PublicKey
	TotalGames  uint64
	TotalVolume uint64
	Bump        uint8
}

// Game is one escrowed match.
type Game struct {
	GameId             uint64
	PlayerOne          solana.PublicKey
	PlayerTwo          solana.PublicKey
	BetAmount          uint64
	TimeframeSeconds   uint32
	EscrowTokenAccount solana.PublicKey
	Status             GameStatus
	Winner             *solana.PublicKey
	PlayerOnePnl       int64
	PlayerTwoPnl       int64
	PlayerOneDeposited bool
	PlayerTwoDeposited bool
	StartTime          int64
	EndTime            int64
	SettledAt          int64
	Bump               uint8
}

// PlayerProfile is the per-wallet stats account. Only the player's own
// signature can create it; this engine reads it, never writes it.
type PlayerProfile struct {
	Authority     solana.PublicKey
	GamerTag      string
	EloRating     uint32
	Wins          uint32
	Losses        uint32
	TotalPnl      int64
	CurrentStreak uint32
	GamesPlayed   uint32
	CreatedAt     int64
	Bump          uint8
}

func ParseAccount_Platform(data []byte) (*Platform, error) {
	body, err := stripDiscriminator(data, Account_Platform)
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	out := new(Platform)
	if err := out.UnmarshalWithDecoder(bin.NewBorshDecoder(body)); err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	return out, nil
}

func ParseAccount_Game(data []byte) (*Game, error) {
	body, err := stripDiscriminator(data, Account_Game)
	if err != nil {
		return nil, fmt.Errorf("game: %w", err)
	}
	out := new(Game)
	if err := out.UnmarshalWithDecoder(bin.NewBorshDecoder(body)); err != nil {
		return nil, fmt.Errorf("game: %w", err)
	}
	return out, nil
}

func ParseAccount_PlayerProfile(data []byte) (*PlayerProfile, error) {
	body, err := stripDiscriminator(data, Account_PlayerProfile)
	if err != nil {
		return nil, fmt.Errorf("player profile: %w", err)
	}
	out := new(PlayerProfile)
	if err := out.UnmarshalWithDecoder(bin.NewBorshDecoder(body)); err != nil {
		return nil, fmt.Errorf("player profile: %w", err)
	}
	return out, nil
}

func stripDiscriminator(data []byte, want [8]byte) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrAccountTooShort, len(data))
	}
	for i := range want {
		if data[i] != want[i] {
			return nil, ErrDiscriminatorMismatch
		}
	}
	return data[8:], nil
}

func (p *Platform) UnmarshalWithDecoder(dec *bin.Decoder) error {
	var err error
	if p.Authority, err = readPublicKey(dec); err != nil {
		return err
	}
	if p.FeeBps, err = dec.ReadUint16(bin.LE); err != nil {
		return fmt.Errorf("%w: fee_bps", ErrAccountTooShort)
	}
	if p.Treasury, err = readPublicKey(dec); err != nil {
		return err
	}
	if p.TotalGames, err = dec.ReadUint64(bin.LE); err != nil {
		return fmt.Errorf("%w: total_games", ErrAccountTooShort)
	}
	if p.TotalVolume, err = dec.ReadUint64(bin.LE); err != nil {
		return fmt.Errorf("%w: total_volume", ErrAccountTooShort)
	}
	if p.Bump, err = dec.ReadUint8(); err != nil {
		return fmt.Errorf("%w: bump", ErrAccountTooShort)
	}
	return nil
}

func (p Platform) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(p.Authority.Bytes(), false); err != nil {
		return err
	}
	if err := enc.WriteUint16(p.FeeBps, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteBytes(p.Treasury.Bytes(), false); err != nil {
		return err
	}
	if err := enc.WriteUint64(p.TotalGames, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint64(p.TotalVolume, bin.LE); err != nil {
		return err
	}
	return enc.WriteUint8(p.Bump)
}

func (g *Game) UnmarshalWithDecoder(dec *bin.Decoder) error {
	var err error
	if g.GameId, err = dec.ReadUint64(bin.LE); err != nil {
		return fmt.Errorf("%w: game_id", ErrAccountTooShort)
	}
	if g.PlayerOne, err = readPublicKey(dec); err != nil {
		return err
	}
	if g.PlayerTwo, err = readPublicKey(dec); err != nil {
		return err
	}
	if g.BetAmount, err = dec.ReadUint64(bin.LE); err != nil {
		return fmt.Errorf("%w: bet_amount", ErrAccountTooShort)
	}
	if g.TimeframeSeconds, err = dec.ReadUint32(bin.LE); err != nil {
		return fmt.Errorf("%w: timeframe_seconds", ErrAccountTooShort)
	}
	if g.EscrowTokenAccount, err = readPublicKey(dec); err != nil {
		return err
	}
	status, err := dec.ReadUint8()
	if err != nil {
		return fmt.Errorf("%w: status", ErrAccountTooShort)
	}
	g.Status = GameStatus(status)
	if g.Winner, err = readOptionalPublicKey(dec); err != nil {
		return err
	}
	if g.PlayerOnePnl, err = dec.ReadInt64(bin.LE); err != nil {
		return fmt.Errorf("%w: player_one_pnl", ErrAccountTooShort)
	}
	if g.PlayerTwoPnl, err = dec.ReadInt64(bin.LE); err != nil {
		return fmt.Errorf("%w: player_two_pnl", ErrAccountTooShort)
	}
	if g.PlayerOneDeposited, err = readBool(dec); err != nil {
		return fmt.Errorf("player_one_deposited: %w", err)
	}
	if g.PlayerTwoDeposited, err = readBool(dec); err != nil {
		return fmt.Errorf("player_two_deposited: %w", err)
	}
	if g.StartTime, err = dec.ReadInt64(bin.LE); err != nil {
		return fmt.Errorf("%w: start_time", ErrAccountTooShort)
	}
	if g.EndTime, err = dec.ReadInt64(bin.LE); err != nil {
		return fmt.Errorf("%w: end_time", ErrAccountTooShort)
	}
	if g.SettledAt, err = dec.ReadInt64(bin.LE); err != nil {
		return fmt.Errorf("%w: settled_at", ErrAccountTooShort)
	}
	if g.Bump, err = dec.ReadUint8(); err != nil {
		return fmt.Errorf("%w: bump", ErrAccountTooShort)
	}
	return nil
}

func (g Game) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint64(g.GameId, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteBytes(g.PlayerOne.Bytes(), false); err != nil {
		return err
	}
	if err := enc.WriteBytes(g.PlayerTwo.Bytes(), false); err != nil {
		return err
	}
	if err := enc.WriteUint64(g.BetAmount, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint32(g.TimeframeSeconds, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteBytes(g.EscrowTokenAccount.Bytes(), false); err != nil {
		return err
	}
	if err := enc.WriteUint8(uint8(g.Status)); err != nil {
		return err
	}
	if err := writeOptionalPublicKey(enc, g.Winner); err != nil {
		return err
	}
	if err := enc.WriteInt64(g.PlayerOnePnl, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteInt64(g.PlayerTwoPnl, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteBool(g.PlayerOneDeposited); err != nil {
		return err
	}
	if err := enc.WriteBool(g.PlayerTwoDeposited); err != nil {
		return err
	}
	if err := enc.WriteInt64(g.StartTime, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteInt64(g.EndTime, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteInt64(g.SettledAt, bin.LE); err != nil {
		return err
	}
	return enc.WriteUint8(g.Bump)
}

func (p *PlayerProfile) UnmarshalWithDecoder(dec *bin.Decoder) error {
	var err error
	if p.Authority, err = readPublicKey(dec); err != nil {
		return err
	}
	if p.GamerTag, err = dec.ReadString(); err != nil {
		return fmt.Errorf("%w: gamer_tag", ErrAccountTooShort)
	}
	if p.EloRating, err = dec.ReadUint32(bin.LE); err != nil {
		return fmt.Errorf("%w: elo_rating", ErrAccountTooShort)
	}
	if p.Wins, err = dec.ReadUint32(bin.LE); err != nil {
		return fmt.Errorf("%w: wins", ErrAccountTooShort)
	}
	if p.Losses, err = dec.ReadUint32(bin.LE); err != nil {
		return fmt.Errorf("%w: losses", ErrAccountTooShort)
	}
	if p.TotalPnl, err = dec.ReadInt64(bin.LE); err != nil {
		return fmt.Errorf("%w: total_pnl", ErrAccountTooShort)
	}
	if p.CurrentStreak, err = dec.ReadUint32(bin.LE); err != nil {
		return fmt.Errorf("%w: current_streak", ErrAccountTooShort)
	}
	if p.GamesPlayed, err = dec.ReadUint32(bin.LE); err != nil {
		return fmt.Errorf("%w: games_played", ErrAccountTooShort)
	}
	if p.CreatedAt, err = dec.ReadInt64(bin.LE); err != nil {
		return fmt.Errorf("%w: created_at", ErrAccountTooShort)
	}
	if p.Bump, err = dec.ReadUint8(); err != nil {
		return fmt.Errorf("%w: bump", ErrAccountTooShort)
	}
	return nil
}

func (p PlayerProfile) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(p.Authority.Bytes(), false); err != nil {
		return err
	}
	if err := enc.WriteString(p.GamerTag); err != nil {
		return err
	}
	if err := enc.WriteUint32(p.EloRating, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint32(p.Wins, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint32(p.Losses, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteInt64(p.TotalPnl, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint32(p.CurrentStreak, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint32(p.GamesPlayed, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteInt64(p.CreatedAt, bin.LE); err != nil {
		return err
	}
	return enc.WriteUint8(p.Bump)
}

// EncodeAccount serializes an account the way the program stores it:
// discriminator prefix followed by the borsh body.
func EncodeAccount(discriminator [8]byte, account bin.BinaryMarshaler) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(discriminator[:])
	if err := account.MarshalWithEncoder(bin.NewBorshEncoder(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readPublicKey(dec *bin.Decoder) (solana.PublicKey, error) {
	raw, err := dec.ReadNBytes(32)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: public key", ErrAccountTooShort)
	}
	return solana.PublicKeyFromBytes(raw), nil
}

func readOptionalPublicKey(dec *bin.Decoder) (*solana.PublicKey, error) {
	tag, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: option tag", ErrAccountTooShort)
	}
	switch tag {
	case 0:
		return nil, nil
	case 1:
		pk, err := readPublicKey(dec)
		if err != nil {
			return nil, err
		}
		return &pk, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidOptionTag, tag)
	}
}

func writeOptionalPublicKey(enc *bin.Encoder, pk *solana.PublicKey) error {
	if pk == nil {
		return enc.WriteUint8(0)
	}
	if err := enc.WriteUint8(1); err != nil {
		return err
	}
	return enc.WriteBytes(pk.Bytes(), false)
}

// readBool rejects anything but 0 or 1 so a corrupt buffer cannot decode
// into a plausible-looking record.
func readBool(dec *bin.Decoder) (bool, error) {
	raw, err := dec.ReadUint8()
	if err != nil {
		return false, fmt.Errorf("%w: bool", ErrAccountTooShort)
	}
	switch raw {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %d", ErrInvalidOptionTag, raw)
	}
}
