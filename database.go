package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// OpenDB opens (or creates) the SQLite database
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer: the audit log and the settlement worker share the file
	conn.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates tables if they don't exist
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		round_id TEXT PRIMARY KEY,
		lobby_id TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL,
		tier INTEGER NOT NULL DEFAULT 0,
		winner_id TEXT NOT NULL DEFAULT '',
		winner_bot INTEGER NOT NULL DEFAULT 0,
		draw INTEGER NOT NULL DEFAULT 0,
		prize REAL NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		ended_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS result_participants (
		round_id TEXT NOT NULL REFERENCES results(round_id),
		player_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		is_bot INTEGER NOT NULL DEFAULT 0,
		kills INTEGER NOT NULL DEFAULT 0,
		placement INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (round_id, player_id)
	);

	CREATE TABLE IF NOT EXISTS settlements (
		round_id TEXT PRIMARY KEY,
		winner_id TEXT NOT NULL DEFAULT '',
		amount REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		ref TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		round_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_result_participants_player ON result_participants(player_id);
	CREATE INDEX IF NOT EXISTS idx_results_ended ON results(ended_at);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// RecordResult stores a finished round. Recording the same round twice keeps
// the first copy.
func (db *DB) RecordResult(ctx context.Context, res RoundResult) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO results (round_id, lobby_id, mode, tier, winner_id, winner_bot, draw, prize, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RoundID, res.LobbyID, string(res.Mode), res.Tier, res.WinnerID, res.WinnerIsBot, res.Draw, res.Prize,
		formatTime(res.StartedAt), formatTime(res.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO result_participants (round_id, player_id, name, is_bot, kills, placement)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range res.Participants {
		if _, err := stmt.ExecContext(ctx, res.RoundID, p.ID, p.Name, p.IsBot, p.Kills, p.Placement); err != nil {
			return fmt.Errorf("insert participant %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// GetResult loads one round with its participants
func (db *DB) GetResult(ctx context.Context, roundID string) (*RoundResult, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT round_id, lobby_id, mode, tier, winner_id, winner_bot, draw, prize, started_at, ended_at
		FROM results WHERE round_id = ?`, roundID)
	res, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := db.loadParticipants(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// RecentResults returns the latest finished rounds, newest first
func (db *DB) RecentResults(ctx context.Context, limit int) ([]RoundResult, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT round_id, lobby_id, mode, tier, winner_id, winner_bot, draw, prize, started_at, ended_at
		FROM results ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var out []RoundResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *res)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := db.loadParticipants(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*RoundResult, error) {
	var (
		res             RoundResult
		mode            string
		started, ended  string
		winnerBot, draw bool
	)
	err := row.Scan(&res.RoundID, &res.LobbyID, &mode, &res.Tier, &res.WinnerID, &winnerBot, &draw, &res.Prize, &started, &ended)
	if err != nil {
		return nil, err
	}
	res.Mode = GameMode(mode)
	res.WinnerIsBot = winnerBot
	res.Draw = draw
	res.StartedAt = parseTime(started)
	res.EndedAt = parseTime(ended)
	return &res, nil
}

func (db *DB) loadParticipants(ctx context.Context, res *RoundResult) error {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT player_id, name, is_bot, kills, placement
		FROM result_participants WHERE round_id = ?
		ORDER BY CASE WHEN placement = 0 THEN 1 ELSE 0 END, placement, player_id`, res.RoundID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var p ResultParticipant
		if err := rows.Scan(&p.ID, &p.Name, &p.IsBot, &p.Kills, &p.Placement); err != nil {
			return err
		}
		res.Participants = append(res.Participants, p)
	}
	return rows.Err()
}

// GetSettlement returns the ledger entry for a round
func (db *DB) GetSettlement(ctx context.Context, roundID string) (SettlementRecord, bool, error) {
	var (
		rec     SettlementRecord
		status  string
		updated string
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT round_id, winner_id, amount, status, ref, error, updated_at
		FROM settlements WHERE round_id = ?`, roundID,
	).Scan(&rec.RoundID, &rec.WinnerID, &rec.Amount, &status, &rec.Ref, &rec.Error, &updated)
	if err == sql.ErrNoRows {
		return SettlementRecord{}, false, nil
	}
	if err != nil {
		return SettlementRecord{}, false, err
	}
	rec.Status = SettlementStatus(status)
	rec.UpdatedAt = parseTime(updated)
	return rec, true, nil
}

// PutSettlement inserts or replaces the ledger entry for a round
func (db *DB) PutSettlement(ctx context.Context, rec SettlementRecord) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO settlements (round_id, winner_id, amount, status, ref, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(round_id) DO UPDATE SET
			winner_id = excluded.winner_id,
			amount = excluded.amount,
			status = excluded.status,
			ref = excluded.ref,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		rec.RoundID, rec.WinnerID, rec.Amount, string(rec.Status), rec.Ref, rec.Error, formatTime(rec.UpdatedAt),
	)
	return err
}

// InsertAudit appends a batch of chained audit records in one transaction
func (db *DB) InsertAudit(ctx context.Context, recs []AuditRecord) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_events (event_type, round_id, payload, prev_hash, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.Type, r.RoundID, r.Payload, r.PrevHash, r.Hash, formatTime(r.CreatedAt)); err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
	}
	return tx.Commit()
}

// LastAuditHash returns the hash at the head of the chain, or "" when empty
func (db *DB) LastAuditHash(ctx context.Context) (string, error) {
	var h string
	err := db.conn.QueryRowContext(ctx, "SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1").Scan(&h)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return h, err
}

// AuditRecords returns the chain in insertion order starting after seq
func (db *DB) AuditRecords(ctx context.Context, afterSeq int64, limit int) ([]AuditRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT seq, event_type, round_id, payload, prev_hash, hash, created_at
		FROM audit_events WHERE seq > ? ORDER BY seq LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditRecord
	for rows.Next() {
		var (
			r       AuditRecord
			created string
		)
		if err := rows.Scan(&r.Seq, &r.Type, &r.RoundID, &r.Payload, &r.PrevHash, &r.Hash, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSetting returns a stored setting, or "" if absent
func (db *DB) GetSetting(key string) string {
	var v string
	if err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&v); err != nil {
		return ""
	}
	return v
}

// SetSetting stores a setting
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}
