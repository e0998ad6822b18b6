package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/park285/chess-robot-sync/pkg/syncdto"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS robot_games (
    game_id     TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL DEFAULT '',
    user_side   TEXT NOT NULL,
    board_id    TEXT NOT NULL DEFAULT '',
    start_fen   TEXT NOT NULL,
    fen         TEXT NOT NULL,
    status      TEXT NOT NULL,
    result      TEXT NOT NULL DEFAULT '',
    method      TEXT NOT NULL DEFAULT '',
    total_moves INTEGER NOT NULL DEFAULT 0,
    pgn         TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS robot_moves (
    game_id          TEXT NOT NULL REFERENCES robot_games(game_id),
    seq              INTEGER NOT NULL,
    move_number      INTEGER NOT NULL,
    side             TEXT NOT NULL,
    from_sq          TEXT NOT NULL DEFAULT '',
    to_sq            TEXT NOT NULL DEFAULT '',
    piece            TEXT NOT NULL DEFAULT '',
    captured         TEXT NOT NULL DEFAULT '',
    promotion        TEXT NOT NULL DEFAULT '',
    notation         TEXT NOT NULL DEFAULT '',
    results_in_check BOOLEAN NOT NULL DEFAULT FALSE,
    resulting_fen    TEXT NOT NULL,
    gap              BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (game_id, seq)
);`

// Postgres stores games in robot_games and history in robot_moves. Move inserts
// ignore conflicts on (game_id, seq) so a retried batch is harmless.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("%w: DATABASE_URL is required", ErrInvalidArgs)
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db, now: time.Now}, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Migrate creates the tables when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) CreateGame(ctx context.Context, req syncdto.CreateGameRequest) (string, error) {
	g := newGameRecord(uuid.NewString(), req, p.now())
	_, err := p.db.ExecContext(ctx, `INSERT INTO robot_games (
        game_id, user_id, user_side, board_id, start_fen, fen, status, created_at, updated_at
      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		g.ID, g.UserID, g.UserSide, g.BoardID, g.StartFEN, g.FEN, g.Status, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return "", err
	}
	return g.ID, nil
}

func (p *Postgres) SaveMove(ctx context.Context, rec syncdto.MoveRecord) error {
	return p.SaveMoves(ctx, rec.GameID, []syncdto.MoveRecord{rec})
}

// SaveMoves inserts the whole batch in one transaction.
func (p *Postgres) SaveMoves(ctx context.Context, gameID string, recs []syncdto.MoveRecord) error {
	if !validGameID(gameID) {
		return ErrInvalidArgs
	}
	if len(recs) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO robot_moves (
        game_id, seq, move_number, side, from_sq, to_sq, piece, captured, promotion,
        notation, results_in_check, resulting_fen, gap
      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
      ON CONFLICT (game_id, seq) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range recs {
		res, err := stmt.ExecContext(ctx, gameID, r.Seq, r.MoveNumber, r.Side, r.From, r.To, r.Piece,
			r.Captured, r.Promotion, r.Notation, r.ResultsInCheck, r.ResultingFEN, r.Gap)
		if err != nil {
			return fmt.Errorf("insert move seq=%d: %w", r.Seq, err)
		}
		if n, _ := res.RowsAffected(); n > 0 && !r.Gap {
			inserted++
		}
	}
	last := recs[len(recs)-1]
	res, err := tx.ExecContext(ctx, `UPDATE robot_games
        SET fen=$2, total_moves=total_moves+$3, updated_at=$4
        WHERE game_id=$1`, gameID, last.ResultingFEN, inserted, p.now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrGameNotFound, gameID)
	}
	return tx.Commit()
}

// UpdateResult closes the game. Without a PGN in res one is built from the
// stored notation.
func (p *Postgres) UpdateResult(ctx context.Context, res syncdto.ResultRecord) error {
	pgn := res.PGN
	if strings.TrimSpace(pgn) == "" {
		var userSide string
		err := p.db.QueryRowContext(ctx, `SELECT user_side FROM robot_games WHERE game_id=$1`, res.GameID).Scan(&userSide)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrGameNotFound, res.GameID)
		}
		if err != nil {
			return err
		}
		recs, err := p.Moves(ctx, res.GameID)
		if err != nil {
			return err
		}
		pgn = BuildPGN(recs, pgnResultFor(res.Result, userSide), res.Method, p.now())
	}
	out, err := p.db.ExecContext(ctx, `UPDATE robot_games
        SET status=$2, result=$3, method=$4, total_moves=GREATEST(total_moves, $5),
            fen=COALESCE(NULLIF($6, ''), fen), pgn=$7, updated_at=$8
        WHERE game_id=$1`,
		res.GameID, StatusEnded, res.Result, res.Method, res.TotalMoves, res.FinalFEN, pgn, p.now())
	if err != nil {
		return err
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrGameNotFound, res.GameID)
	}
	return nil
}

func (p *Postgres) Pause(ctx context.Context, gameID, fen string) error {
	out, err := p.db.ExecContext(ctx, `UPDATE robot_games
        SET status=$2, fen=COALESCE(NULLIF($3, ''), fen), updated_at=$4
        WHERE game_id=$1 AND status<>$5`,
		gameID, StatusPaused, fen, p.now(), StatusEnded)
	if err != nil {
		return err
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return p.missingOrEnded(ctx, gameID)
	}
	return nil
}

func (p *Postgres) Resume(ctx context.Context, gameID string) (string, error) {
	var fen string
	err := p.db.QueryRowContext(ctx, `UPDATE robot_games
        SET status=$2, updated_at=$3
        WHERE game_id=$1 AND status<>$4
        RETURNING fen`,
		gameID, StatusActive, p.now(), StatusEnded).Scan(&fen)
	if errors.Is(err, sql.ErrNoRows) {
		return "", p.missingOrEnded(ctx, gameID)
	}
	return fen, err
}

func (p *Postgres) missingOrEnded(ctx context.Context, gameID string) error {
	var status string
	err := p.db.QueryRowContext(ctx, `SELECT status FROM robot_games WHERE game_id=$1`, gameID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrGameNotFound, gameID)
	}
	if err != nil {
		return err
	}
	return ErrGameEnded
}

// Moves returns the stored history in seq order.
func (p *Postgres) Moves(ctx context.Context, gameID string) ([]syncdto.MoveRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT seq, move_number, side, from_sq, to_sq, piece, captured,
        promotion, notation, results_in_check, resulting_fen, gap
      FROM robot_moves WHERE game_id=$1 ORDER BY seq`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []syncdto.MoveRecord
	for rows.Next() {
		r := syncdto.MoveRecord{GameID: gameID}
		if err := rows.Scan(&r.Seq, &r.MoveNumber, &r.Side, &r.From, &r.To, &r.Piece, &r.Captured,
			&r.Promotion, &r.Notation, &r.ResultsInCheck, &r.ResultingFEN, &r.Gap); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
