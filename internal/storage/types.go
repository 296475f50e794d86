package storage

import (
	"errors"
	"fmt"
	"time"
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

var (
	ErrNotFound = errors.New("storage: not found")
)

// Setting is the closed set of per-user settings that can be updated.
// Dispatching through this enum (instead of raw column names) keeps the
// update path safe against typos and injection.
type Setting string

const (
	SettingLanguage      Setting = "language"
	SettingCheckInterval Setting = "check_interval"
	SettingSilentMode    Setting = "silent_mode"
)

const (
	MinCheckIntervalHours = 1
	MaxCheckIntervalHours = 24
)

// User is a chat identity, optionally linked to a Steam account.
// SteamID is empty while no account is linked.
type User struct {
	TelegramID    int64
	SteamID       string
	Language      string
	CheckInterval int // hours, bounded [1,24]
	SilentMode    bool
	CreatedAt     time.Time
}

func (u *User) Linked() bool { return u != nil && u.SteamID != "" }

// Game is one library entry, keyed by (user, game).
// LastBuildID is empty until the first successful update check.
type Game struct {
	TelegramID  int64
	GameID      int64
	Name        string
	Installed   bool
	LastPlayed  int // total minutes played
	LastBuildID string
	LastChecked time.Time // zero if never checked
}

// UpdateRecord is an append-only log entry for one detected build change.
type UpdateRecord struct {
	ID           int64
	TelegramID   int64
	GameID       int64
	GameName     string
	BuildID      string
	ChangelogURL string
	At           time.Time
	Notified     bool
}

type RecentUpdate struct {
	GameName string
	At       time.Time
}

// Stats is the per-user aggregate view served by /stats.
type Stats struct {
	TotalUpdates   int
	LastUpdate     time.Time // zero if never
	InstalledCount int
	RecentUpdates  []RecentUpdate
}

// ValidateSetting checks that value has the right type and range for s.
func ValidateSetting(s Setting, value any) error {
	switch s {
	case SettingLanguage:
		v, ok := value.(string)
		if !ok || v == "" {
			return fmt.Errorf("storage: language must be a non-empty string")
		}
	case SettingCheckInterval:
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("storage: check_interval must be an int")
		}
		if v < MinCheckIntervalHours || v > MaxCheckIntervalHours {
			return fmt.Errorf("storage: check_interval %d out of range [%d,%d]",
				v, MinCheckIntervalHours, MaxCheckIntervalHours)
		}
	case SettingSilentMode:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("storage: silent_mode must be a bool")
		}
	default:
		return fmt.Errorf("storage: unknown setting %q", s)
	}
	return nil
}
