package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "steamwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AddUser(ctx context.Context, telegramID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(telegram_id, created_at) VALUES(?,?)
		 ON CONFLICT(telegram_id) DO NOTHING`,
		telegramID, fmtTime(time.Now()),
	)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, telegramID int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT telegram_id, steam_id, language, check_interval, silent_mode, created_at
		 FROM users WHERE telegram_id = ?`, telegramID)

	var (
		u       User
		steamID sql.NullString
		created string
	)
	err := row.Scan(&u.TelegramID, &steamID, &u.Language, &u.CheckInterval, &u.SilentMode, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.SteamID = steamID.String
	u.CreatedAt = parseTime(created)
	return &u, nil
}

func (s *sqliteStore) UpdateLinkedAccount(ctx context.Context, telegramID int64, steamID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET steam_id = ? WHERE telegram_id = ?`,
		nullStr(steamID), telegramID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) UpdateUserSetting(ctx context.Context, telegramID int64, setting Setting, value any) error {
	if err := ValidateSetting(setting, value); err != nil {
		return err
	}

	// Closed switch: the column name never comes from input.
	var q string
	switch setting {
	case SettingLanguage:
		q = `UPDATE users SET language = ? WHERE telegram_id = ?`
	case SettingCheckInterval:
		q = `UPDATE users SET check_interval = ? WHERE telegram_id = ?`
	case SettingSilentMode:
		q = `UPDATE users SET silent_mode = ? WHERE telegram_id = ?`
	default:
		return fmt.Errorf("storage: unknown setting %q", setting)
	}

	res, err := s.db.ExecContext(ctx, q, value, telegramID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) UpsertGame(ctx context.Context, g Game) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO games(telegram_id, game_id, name, installed, last_played, last_buildid)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(telegram_id, game_id) DO UPDATE SET
		   name = excluded.name,
		   last_played = excluded.last_played`,
		g.TelegramID, g.GameID, g.Name, g.Installed, g.LastPlayed, g.LastBuildID,
	)
	return err
}

func (s *sqliteStore) GetInstalledGames(ctx context.Context, telegramID int64) ([]Game, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT telegram_id, game_id, name, installed, last_played, last_buildid, last_checked
		 FROM games
		 WHERE telegram_id = ? AND installed = 1
		 ORDER BY last_played DESC, game_id ASC`, telegramID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetGame(ctx context.Context, telegramID, gameID int64) (*Game, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT telegram_id, game_id, name, installed, last_played, last_buildid, last_checked
		 FROM games WHERE telegram_id = ? AND game_id = ?`, telegramID, gameID)
	g, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *sqliteStore) SetGameInstalled(ctx context.Context, telegramID, gameID int64, installed bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE games SET installed = ? WHERE telegram_id = ? AND game_id = ?`,
		installed, telegramID, gameID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) UpdateGameBuildID(ctx context.Context, telegramID, gameID int64, buildID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE games SET last_buildid = ?, last_checked = ?
		 WHERE telegram_id = ? AND game_id = ?`,
		buildID, fmtTime(time.Now()), telegramID, gameID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) RecordUpdate(ctx context.Context, rec UpdateRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO updates(telegram_id, game_id, game_name, build_id, changelog_url, update_time, notified)
		 VALUES(?,?,?,?,?,?,?)`,
		rec.TelegramID, rec.GameID, rec.GameName, rec.BuildID, rec.ChangelogURL, fmtTime(rec.At), rec.Notified)
	if err != nil {
		return err
	}

	// Stats row is maintained alongside the update log in the same tx.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO stats(telegram_id, total_updates, last_update) VALUES(?,1,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET
		   total_updates = total_updates + 1,
		   last_update = excluded.last_update`,
		rec.TelegramID, fmtTime(rec.At))
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *sqliteStore) GetUserStats(ctx context.Context, telegramID int64) (*Stats, error) {
	st := &Stats{}

	var (
		total      int
		lastUpdate sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT total_updates, last_update FROM stats WHERE telegram_id = ?`, telegramID).
		Scan(&total, &lastUpdate)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	st.TotalUpdates = total
	if lastUpdate.Valid {
		st.LastUpdate = parseTime(lastUpdate.String)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM games WHERE telegram_id = ? AND installed = 1`, telegramID).
		Scan(&st.InstalledCount)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT game_name, MAX(update_time) AS last_update
		 FROM updates
		 WHERE telegram_id = ?
		 GROUP BY game_name
		 ORDER BY last_update DESC LIMIT 5`, telegramID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			at   string
		)
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		st.RecentUpdates = append(st.RecentUpdates, RecentUpdate{GameName: name, At: parseTime(at)})
	}
	return st, rows.Err()
}

func (s *sqliteStore) ListLinkedUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT telegram_id FROM users WHERE steam_id IS NOT NULL AND steam_id != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteUserData(ctx context.Context, telegramID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM updates WHERE telegram_id = ?`,
		`DELETE FROM stats WHERE telegram_id = ?`,
		`DELETE FROM games WHERE telegram_id = ?`,
		`DELETE FROM users WHERE telegram_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, telegramID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(r rowScanner) (Game, error) {
	var (
		g           Game
		lastChecked sql.NullString
	)
	err := r.Scan(&g.TelegramID, &g.GameID, &g.Name, &g.Installed, &g.LastPlayed, &g.LastBuildID, &lastChecked)
	if err != nil {
		return Game{}, err
	}
	if lastChecked.Valid {
		g.LastChecked = parseTime(lastChecked.String)
	}
	return g, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// sqlite CURRENT_TIMESTAMP style fallback
		t, err = time.Parse("2006-01-02 15:04:05", s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
