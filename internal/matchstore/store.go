package matchstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/solfight/backend/internal/wager"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreWithDB wraps an already-open connection. Used by tests to
// substitute a mock driver.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: &DB{raw: db}}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS matches (
			id TEXT PRIMARY KEY,
			player_one TEXT NOT NULL,
			player_two TEXT NOT NULL,
			player_one_tag TEXT NOT NULL,
			player_two_tag TEXT NOT NULL,
			bet_amount BIGINT NOT NULL,
			timeframe_seconds BIGINT NOT NULL,
			start_time BIGINT NOT NULL,
			end_time BIGINT NOT NULL,
			status TEXT NOT NULL,
			on_chain_game_id BIGINT,
			on_chain_settled INTEGER NOT NULL DEFAULT 0,
			escrow_state TEXT NOT NULL,
			winner TEXT,
			player_one_roi DOUBLE PRECISION NOT NULL DEFAULT 0,
			player_two_roi DOUBLE PRECISION NOT NULL DEFAULT 0,
			stuck_reason TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_matches_on_chain_game_id ON matches(on_chain_game_id) WHERE on_chain_game_id IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_matches_status ON matches(status, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_matches_settlement ON matches(on_chain_settled, status);`,
		`CREATE TABLE IF NOT EXISTS players (
			wallet TEXT PRIMARY KEY,
			gamer_tag TEXT NOT NULL,
			elo_rating BIGINT NOT NULL DEFAULT 1200,
			wins BIGINT NOT NULL DEFAULT 0,
			losses BIGINT NOT NULL DEFAULT 0,
			ties BIGINT NOT NULL DEFAULT 0,
			games_played BIGINT NOT NULL DEFAULT 0,
			total_pnl_bps BIGINT NOT NULL DEFAULT 0,
			current_streak BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_players_elo ON players(elo_rating DESC);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const matchColumns = `id, player_one, player_two, player_one_tag, player_two_tag,
	bet_amount, timeframe_seconds, start_time, end_time, status,
	on_chain_game_id, on_chain_settled, escrow_state, winner,
	player_one_roi, player_two_roi, stuck_reason, version, created_at, updated_at`

// Create inserts a fresh match in pending_deposits. The id is generated
// here so callers never pick their own keys.
func (s *Store) Create(ctx context.Context, record *MatchRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = StatusPendingDeposits
	}
	if record.EscrowState == "" {
		record.EscrowState = EscrowAwaitingDeposits
	}
	now := time.Now().Unix()
	record.Version = 1
	record.CreatedAt = now
	record.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matches (
			id, player_one, player_two, player_one_tag, player_two_tag,
			bet_amount, timeframe_seconds, start_time, end_time, status,
			on_chain_game_id, on_chain_settled, escrow_state, winner,
			player_one_roi, player_two_roi, stuck_reason, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.PlayerOne.String(),
		record.PlayerTwo.String(),
		record.PlayerOneTag,
		record.PlayerTwoTag,
		int64(record.BetAmount),
		int64(record.TimeframeSeconds),
		record.StartTime,
		record.EndTime,
		string(record.Status),
		nullableGameID(record.OnChainGameID),
		boolToInt(record.OnChainSettled),
		string(record.EscrowState),
		nullablePubkey(record.Winner),
		record.PlayerOneROI,
		record.PlayerTwoROI,
		record.StuckReason,
		record.Version,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert match %s: %w", record.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, matchID string) (*MatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = ?`, matchID)
	record, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", matchID, err)
	}
	return record, nil
}

func (s *Store) GetByOnChainGameID(ctx context.Context, gameID uint64) (*MatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE on_chain_game_id = ?`, int64(gameID))
	record, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get match by game id %d: %w", gameID, err)
	}
	return record, nil
}

func (s *Store) QueryByStatus(ctx context.Context, status MatchStatus) ([]*MatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+matchColumns+`
		FROM matches
		WHERE status = ?
		ORDER BY updated_at ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query matches by status %s: %w", status, err)
	}
	defer rows.Close()
	return collectMatches(rows)
}

// QueryNeedingSettlement returns matches with outstanding on-chain work:
// finished but not yet settled on-chain, settled with the escrow still
// holding funds, cancelled, or with a failed escrow refund. Matches
// already flagged stuck are included so the operator surface can
// re-report the cause each pass.
func (s *Store) QueryNeedingSettlement(ctx context.Context) ([]*MatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+matchColumns+`
		FROM matches
		WHERE on_chain_game_id IS NOT NULL
		  AND (
			(status IN ('tied', 'completed', 'forfeited') AND (on_chain_settled = 0 OR escrow_state = 'settlement_pending'))
			OR (status = 'cancelled' AND escrow_state NOT IN ('refunded', 'payout_sent', 'partial_refund'))
			OR escrow_state = 'refund_failed'
		  )
		ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query matches needing settlement: %w", err)
	}
	defer rows.Close()
	return collectMatches(rows)
}

// StalePending returns pending_deposits matches untouched since the
// cutoff. They are candidates for cancel_pending_game.
func (s *Store) StalePending(ctx context.Context, cutoff int64) ([]*MatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+matchColumns+`
		FROM matches
		WHERE status = 'pending_deposits'
		  AND on_chain_game_id IS NOT NULL
		  AND updated_at < ?
		ORDER BY updated_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale pending matches: %w", err)
	}
	defer rows.Close()
	return collectMatches(rows)
}

// SettlementUpdate carries the fields a reconciliation pass may mutate.
// Nil pointers leave the stored value untouched.
type SettlementUpdate struct {
	Status         *MatchStatus
	OnChainSettled *bool
	EscrowState    *EscrowState
	Winner         *solana.PublicKey
	WinnerSet      bool
	PlayerOneROI   *float64
	PlayerTwoROI   *float64
	StuckReason    *string
}

// UpdateSettlement applies a partial update guarded by the record's
// version at read time. A lost race returns ErrVersionConflict and
// mutates nothing.
func (s *Store) UpdateSettlement(ctx context.Context, matchID string, expectedVersion int64, update SettlementUpdate) error {
	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{time.Now().Unix()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.OnChainSettled != nil {
		sets = append(sets, "on_chain_settled = ?")
		args = append(args, boolToInt(*update.OnChainSettled))
	}
	if update.EscrowState != nil {
		sets = append(sets, "escrow_state = ?")
		args = append(args, string(*update.EscrowState))
	}
	if update.WinnerSet {
		sets = append(sets, "winner = ?")
		args = append(args, nullablePubkey(update.Winner))
	}
	if update.PlayerOneROI != nil {
		sets = append(sets, "player_one_roi = ?")
		args = append(args, *update.PlayerOneROI)
	}
	if update.PlayerTwoROI != nil {
		sets = append(sets, "player_two_roi = ?")
		args = append(args, *update.PlayerTwoROI)
	}
	if update.StuckReason != nil {
		sets = append(sets, "stuck_reason = ?")
		args = append(args, *update.StuckReason)
	}

	args = append(args, matchID, expectedVersion)
	result, err := s.db.ExecContext(ctx, `
		UPDATE matches SET `+strings.Join(sets, ", ")+`
		WHERE id = ? AND version = ?
	`, args...)
	if err != nil {
		return fmt.Errorf("update match %s: %w", matchID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update match %s: %w", matchID, err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// BindOnChainGame records the game id once the on-chain account exists.
// The mapping is set once and never reassigned.
func (s *Store) BindOnChainGame(ctx context.Context, matchID string, expectedVersion int64, gameID uint64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE matches SET
			on_chain_game_id = ?,
			escrow_state = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ? AND on_chain_game_id IS NULL
	`, int64(gameID), string(EscrowAwaitingDeposits), time.Now().Unix(), matchID, expectedVersion)
	if err != nil {
		return fmt.Errorf("bind game id %d to match %s: %w", gameID, matchID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("bind game id %d to match %s: %w", gameID, matchID, err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *Store) GetPlayer(ctx context.Context, wallet solana.PublicKey) (*PlayerStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT wallet, gamer_tag, elo_rating, wins, losses, ties,
		       games_played, total_pnl_bps, current_streak, updated_at
		FROM players WHERE wallet = ?
	`, wallet.String())

	stats, err := scanPlayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get player %s: %w", wallet, err)
	}
	return stats, nil
}

// ApplyMatchResult folds a settled match into both players' rating rows
// inside one transaction. A tie leaves ratings untouched and bumps the
// tie counters; otherwise ratings move by the logistic update.
func (s *Store) ApplyMatchResult(ctx context.Context, record *MatchRecord, p1PnlBps, p2PnlBps int64) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		now := time.Now().Unix()

		p1, err := s.ensurePlayerTx(ctx, tx, record.PlayerOne, record.PlayerOneTag, now)
		if err != nil {
			return err
		}
		p2, err := s.ensurePlayerTx(ctx, tx, record.PlayerTwo, record.PlayerTwoTag, now)
		if err != nil {
			return err
		}

		switch {
		case record.Winner == nil:
			p1.Ties++
			p2.Ties++
			p1.CurrentStreak = 0
			p2.CurrentStreak = 0
		case record.Winner.Equals(record.PlayerOne):
			applyEloResult(p1, p2)
		case record.Winner.Equals(record.PlayerTwo):
			applyEloResult(p2, p1)
		default:
			return fmt.Errorf("winner %s is not a participant of match %s", record.Winner, record.ID)
		}

		p1.GamesPlayed++
		p2.GamesPlayed++
		p1.TotalPnlBps += p1PnlBps
		p2.TotalPnlBps += p2PnlBps
		p1.UpdatedAt = now
		p2.UpdatedAt = now

		if err := s.savePlayerTx(ctx, tx, p1); err != nil {
			return err
		}
		return s.savePlayerTx(ctx, tx, p2)
	})
}

func applyEloResult(winner, loser *PlayerStats) {
	winner.EloRating, loser.EloRating = wager.Elo(
		winner.EloRating, loser.EloRating,
		winner.GamesPlayed, loser.GamesPlayed,
	)
	winner.Wins++
	loser.Losses++
	if winner.CurrentStreak < 0 {
		winner.CurrentStreak = 0
	}
	winner.CurrentStreak++
	if loser.CurrentStreak > 0 {
		loser.CurrentStreak = 0
	}
	loser.CurrentStreak--
}

func (s *Store) ensurePlayerTx(ctx context.Context, tx *Tx, wallet solana.PublicKey, gamerTag string, now int64) (*PlayerStats, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT wallet, gamer_tag, elo_rating, wins, losses, ties,
		       games_played, total_pnl_bps, current_streak, updated_at
		FROM players WHERE wallet = ?
	`, wallet.String())

	stats, err := scanPlayer(row)
	if err == nil {
		return stats, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get player %s: %w", wallet, err)
	}

	stats = &PlayerStats{
		Wallet:    wallet,
		GamerTag:  gamerTag,
		EloRating: 1200,
		UpdatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO players (wallet, gamer_tag, elo_rating, updated_at)
		VALUES (?, ?, ?, ?)
	`, stats.Wallet.String(), stats.GamerTag, int64(stats.EloRating), now); err != nil {
		return nil, fmt.Errorf("insert player %s: %w", wallet, err)
	}
	return stats, nil
}

func (s *Store) savePlayerTx(ctx context.Context, tx *Tx, stats *PlayerStats) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE players SET
			elo_rating = ?,
			wins = ?,
			losses = ?,
			ties = ?,
			games_played = ?,
			total_pnl_bps = ?,
			current_streak = ?,
			updated_at = ?
		WHERE wallet = ?
	`,
		int64(stats.EloRating),
		int64(stats.Wins),
		int64(stats.Losses),
		int64(stats.Ties),
		int64(stats.GamesPlayed),
		stats.TotalPnlBps,
		int64(stats.CurrentStreak),
		stats.UpdatedAt,
		stats.Wallet.String(),
	)
	if err != nil {
		return fmt.Errorf("save player %s: %w", stats.Wallet, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (*MatchRecord, error) {
	var (
		record         MatchRecord
		playerOne      string
		playerTwo      string
		betAmount      int64
		timeframe      int64
		status         string
		gameID         sql.NullInt64
		onChainSettled int
		escrowState    string
		winner         sql.NullString
	)

	err := row.Scan(
		&record.ID,
		&playerOne,
		&playerTwo,
		&record.PlayerOneTag,
		&record.PlayerTwoTag,
		&betAmount,
		&timeframe,
		&record.StartTime,
		&record.EndTime,
		&status,
		&gameID,
		&onChainSettled,
		&escrowState,
		&winner,
		&record.PlayerOneROI,
		&record.PlayerTwoROI,
		&record.StuckReason,
		&record.Version,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if record.PlayerOne, err = solana.PublicKeyFromBase58(playerOne); err != nil {
		return nil, fmt.Errorf("invalid player one key %q: %w", playerOne, err)
	}
	if record.PlayerTwo, err = solana.PublicKeyFromBase58(playerTwo); err != nil {
		return nil, fmt.Errorf("invalid player two key %q: %w", playerTwo, err)
	}
	record.BetAmount = uint64(betAmount)
	record.TimeframeSeconds = uint32(timeframe)
	record.Status = MatchStatus(status)
	record.OnChainSettled = onChainSettled != 0
	record.EscrowState = EscrowState(escrowState)
	if gameID.Valid {
		id := uint64(gameID.Int64)
		record.OnChainGameID = &id
	}
	if winner.Valid && winner.String != "" {
		key, err := solana.PublicKeyFromBase58(winner.String)
		if err != nil {
			return nil, fmt.Errorf("invalid winner key %q: %w", winner.String, err)
		}
		record.Winner = &key
	}
	return &record, nil
}

func collectMatches(rows *sql.Rows) ([]*MatchRecord, error) {
	var records []*MatchRecord
	for rows.Next() {
		record, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanPlayer(row rowScanner) (*PlayerStats, error) {
	var (
		stats  PlayerStats
		wallet string
		elo    int64
		wins   int64
		losses int64
		ties   int64
		games  int64
		streak int64
	)
	err := row.Scan(
		&wallet,
		&stats.GamerTag,
		&elo,
		&wins,
		&losses,
		&ties,
		&games,
		&stats.TotalPnlBps,
		&streak,
		&stats.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if stats.Wallet, err = solana.PublicKeyFromBase58(wallet); err != nil {
		return nil, fmt.Errorf("invalid wallet key %q: %w", wallet, err)
	}
	stats.EloRating = uint32(elo)
	stats.Wins = uint32(wins)
	stats.Losses = uint32(losses)
	stats.Ties = uint32(ties)
	stats.GamesPlayed = uint32(games)
	stats.CurrentStreak = int32(streak)
	return &stats, nil
}

func nullableGameID(id *uint64) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}

func nullablePubkey(key *solana.PublicKey) any {
	if key == nil {
		return nil
	}
	return key.String()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
