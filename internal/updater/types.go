// Package updater detects game build changes and schedules per-user recurring
// checks. Each linked user owns one recurring job; a short warmup delay runs
// the first check soon after (re)scheduling.
package updater

import (
	"context"
	"errors"
	"time"

	"steamwatch/internal/steam"
	"steamwatch/internal/storage"
	"steamwatch/internal/transport"
)

var (
	// ErrNotLinked means the user has no linked account to check against.
	ErrNotLinked = errors.New("updater: user has no linked account")
)

// Config tunes the scheduler and the per-check budget.
type Config struct {
	Enabled              bool
	DefaultIntervalHours int           // used when the user row carries no interval
	WarmupDelay          time.Duration // delay before the first check after scheduling
	CheckTimeout         time.Duration // budget for one full user check
}

// Store is the slice of the persistence API the updater needs.
type Store interface {
	GetUser(ctx context.Context, telegramID int64) (*storage.User, error)
	GetInstalledGames(ctx context.Context, telegramID int64) ([]storage.Game, error)
	UpdateGameBuildID(ctx context.Context, telegramID, gameID int64, buildID string) error
	RecordUpdate(ctx context.Context, rec storage.UpdateRecord) error
	ListLinkedUserIDs(ctx context.Context) ([]int64, error)
}

// Metadata resolves current build ids and changelogs for apps.
type Metadata interface {
	FetchCurrentBuildID(ctx context.Context, appID int64) (string, error)
	FetchChangelog(ctx context.Context, appID int64) (*steam.Changelog, error)
}

// Gateway dispatches user-facing notifications.
type Gateway interface {
	Notify(ctx context.Context, n transport.Notification) error
}

// CheckRunner is what the scheduler invokes when a job fires.
type CheckRunner interface {
	CheckUser(ctx context.Context, telegramID int64) (int, error)
}
