package storage

import (
	"context"

	logx "steamwatch/pkg/logx"
)

// Store is the persistence API consumed by the updater and the command router.
//
// Mutations are atomic per statement; RecordUpdate and DeleteUserData run in
// a single transaction so their related writes cannot be observed half-done.
type Store interface {
	// AddUser inserts the user if absent; existing rows are left untouched.
	AddUser(ctx context.Context, telegramID int64) error
	// GetUser returns (nil, nil) when the user does not exist.
	GetUser(ctx context.Context, telegramID int64) (*User, error)
	UpdateLinkedAccount(ctx context.Context, telegramID int64, steamID string) error
	UpdateUserSetting(ctx context.Context, telegramID int64, setting Setting, value any) error

	// UpsertGame inserts or refreshes a library entry. On conflict the name
	// and playtime are refreshed; the installed flag and stored build id
	// survive a re-link.
	UpsertGame(ctx context.Context, g Game) error
	// GetInstalledGames returns installed games ordered by playtime, most
	// played first.
	GetInstalledGames(ctx context.Context, telegramID int64) ([]Game, error)
	GetGame(ctx context.Context, telegramID, gameID int64) (*Game, error)
	SetGameInstalled(ctx context.Context, telegramID, gameID int64, installed bool) error
	// UpdateGameBuildID overwrites last_buildid and bumps last_checked.
	UpdateGameBuildID(ctx context.Context, telegramID, gameID int64, buildID string) error

	// RecordUpdate appends one update log entry and maintains the per-user
	// stats row in the same transaction.
	RecordUpdate(ctx context.Context, rec UpdateRecord) error
	GetUserStats(ctx context.Context, telegramID int64) (*Stats, error)

	// ListLinkedUserIDs returns every user with a linked account.
	ListLinkedUserIDs(ctx context.Context) ([]int64, error)
	// DeleteUserData removes the user and everything hanging off it.
	DeleteUserData(ctx context.Context, telegramID int64) error

	Close() error
}

// Open initializes the sqlite store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
