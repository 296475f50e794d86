package steam

import (
	"errors"
	"time"
)

// Config configures the Steam Web API client.
//
// APIBase and SteamDBBase exist so tests can point the client at a local
// server; the zero value selects the production endpoints.
type Config struct {
	APIKey         string
	CacheTTL       time.Duration // read-through cache TTL, default 1h
	RatePerSec     float64       // outbound request rate, default 2
	RequestTimeout time.Duration // per-request budget, default 10s

	APIBase     string // default https://api.steampowered.com
	SteamDBBase string // default https://steamdb.info
}

var (
	// ErrUnrecognizedProfile means the input was neither a 17-digit id nor a
	// profile URL the client knows how to resolve.
	ErrUnrecognizedProfile = errors.New("steam: unrecognized profile identifier")
	// ErrBuildUnavailable means both the primary build-tracking endpoint and
	// the official fallback produced no valid build identifier.
	ErrBuildUnavailable = errors.New("steam: no valid build id available")
	// ErrNoChangelog means the patchnotes feed had no entries for the app.
	ErrNoChangelog = errors.New("steam: no changelog entries")
)

// OwnedGame is one entry of a user's library.
type OwnedGame struct {
	AppID           int64  `json:"appid"`
	Name            string `json:"name"`
	PlaytimeForever int    `json:"playtime_forever"` // minutes
}

// Changelog is the latest patchnotes entry for an app.
type Changelog struct {
	BuildID     string
	Time        time.Time
	Description string
	URL         string
}
