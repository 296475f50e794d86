// Package steam wraps the Steam Web API and the SteamDB patchnotes feed:
// profile resolution, owned-games listing, and current build id lookup with a
// read-through response cache. Changelog lookups bypass the cache so update
// detection always sees fresh data.
package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "steamwatch/pkg/logx"
)

const (
	defaultAPIBase     = "https://api.steampowered.com"
	defaultSteamDBBase = "https://steamdb.info"

	defaultCacheTTL       = time.Hour
	defaultRatePerSec     = 2
	defaultRequestTimeout = 10 * time.Second
)

// Client talks to the remote metadata services. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	cache   *responseCache
	log     logx.Logger
}

// New builds a client from cfg, filling in defaults for zero fields.
func New(cfg Config, log logx.Logger) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.SteamDBBase == "" {
		cfg.SteamDBBase = defaultSteamDBBase
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		cache:   newResponseCache(cfg.CacheTTL),
		log:     log,
	}
}

// ResolveAccountID normalizes a user-supplied profile identifier to a
// 17-digit account id. It accepts the raw id, a /profiles/<id> URL, or a
// vanity /id/<name> URL (resolved remotely).
func (c *Client) ResolveAccountID(ctx context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)

	if isAccountID(input) {
		return input, nil
	}
	if !strings.Contains(input, "steamcommunity.com") {
		return "", ErrUnrecognizedProfile
	}

	if idx := strings.Index(input, "/id/"); idx >= 0 {
		vanity := strings.SplitN(input[idx+len("/id/"):], "/", 2)[0]
		if vanity == "" {
			return "", ErrUnrecognizedProfile
		}
		return c.resolveVanity(ctx, vanity)
	}

	if idx := strings.Index(input, "/profiles/"); idx >= 0 {
		id := strings.SplitN(input[idx+len("/profiles/"):], "/", 2)[0]
		if !isAccountID(id) {
			return "", ErrUnrecognizedProfile
		}
		return id, nil
	}
	return "", ErrUnrecognizedProfile
}

func (c *Client) resolveVanity(ctx context.Context, vanity string) (string, error) {
	params := url.Values{}
	params.Set("key", c.cfg.APIKey)
	params.Set("vanityurl", vanity)

	var out struct {
		Response struct {
			SteamID string `json:"steamid"`
			Success int    `json:"success"`
		} `json:"response"`
	}
	if err := c.getJSON(ctx, c.cfg.APIBase+"/ISteamUser/ResolveVanityURL/v1/", params, true, &out); err != nil {
		return "", err
	}
	if out.Response.Success != 1 || !isAccountID(out.Response.SteamID) {
		return "", ErrUnrecognizedProfile
	}
	return out.Response.SteamID, nil
}

// FetchLibrary returns the user's owned games, including free games with
// playtime.
func (c *Client) FetchLibrary(ctx context.Context, accountID string) ([]OwnedGame, error) {
	params := url.Values{}
	params.Set("key", c.cfg.APIKey)
	params.Set("steamid", accountID)
	params.Set("include_appinfo", "1")
	params.Set("include_played_free_games", "1")

	var out struct {
		Response struct {
			Games []OwnedGame `json:"games"`
		} `json:"response"`
	}
	if err := c.getJSON(ctx, c.cfg.APIBase+"/IPlayerService/GetOwnedGames/v1/", params, true, &out); err != nil {
		return nil, err
	}
	return out.Response.Games, nil
}

// FetchCurrentBuildID returns the app's current build id. The patchnotes
// feed is tried first; when it yields no valid id, the official up-to-date
// check endpoint's required_version is used under the same validity rule.
func (c *Client) FetchCurrentBuildID(ctx context.Context, appID int64) (string, error) {
	cl, err := c.FetchChangelog(ctx, appID)
	if err == nil && validBuildID(cl.BuildID) {
		return cl.BuildID, nil
	}
	if err != nil {
		c.log.Debug("patchnotes lookup failed, using fallback",
			logx.Int64("app_id", appID), logx.Err(err))
	}

	params := url.Values{}
	params.Set("key", c.cfg.APIKey)
	params.Set("appid", strconv.FormatInt(appID, 10))
	params.Set("version", "0")

	var out struct {
		Response struct {
			Success         bool        `json:"success"`
			RequiredVersion json.Number `json:"required_version"`
		} `json:"response"`
	}
	if err := c.getJSON(ctx, c.cfg.APIBase+"/ISteamApps/UpToDateCheck/v1/", params, true, &out); err != nil {
		return "", err
	}
	v := out.Response.RequiredVersion.String()
	if !out.Response.Success || !validBuildID(v) {
		c.log.Warn("no valid build id from either endpoint",
			logx.Int64("app_id", appID), logx.String("required_version", v))
		return "", ErrBuildUnavailable
	}
	return v, nil
}

// FetchChangelog returns the latest patchnotes entry for the app. It always
// bypasses the cache.
func (c *Client) FetchChangelog(ctx context.Context, appID int64) (*Changelog, error) {
	params := url.Values{}
	params.Set("appid", strconv.FormatInt(appID, 10))

	var out struct {
		Success bool `json:"success"`
		Changes []struct {
			BuildID     json.Number `json:"buildid"`
			Time        int64       `json:"time"`
			Description string      `json:"change_description"`
		} `json:"changes"`
	}
	if err := c.getJSON(ctx, c.cfg.SteamDBBase+"/api/Patchnotes/Get/", params, false, &out); err != nil {
		return nil, err
	}
	if !out.Success || len(out.Changes) == 0 {
		return nil, ErrNoChangelog
	}

	latest := out.Changes[0]
	return &Changelog{
		BuildID:     latest.BuildID.String(),
		Time:        time.Unix(latest.Time, 0),
		Description: latest.Description,
		URL:         ChangelogURL(appID),
	}, nil
}

// ChangelogURL is the canonical patchnotes page for an app. Used as the
// deterministic fallback when the changelog fetch fails.
func ChangelogURL(appID int64) string {
	return fmt.Sprintf("https://steamdb.info/app/%d/patchnotes/", appID)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, useCache bool, out any) error {
	full := endpoint + "?" + params.Encode()

	if useCache {
		if body, ok := c.cache.get(full); ok {
			return json.Unmarshal(body, out)
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("steam: %s returned %s", endpoint, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("steam: decode %s: %w", endpoint, err)
	}
	if useCache {
		c.cache.put(full, body)
	}
	return nil
}

// isAccountID reports whether s is a 17-digit numeric account id.
func isAccountID(s string) bool {
	if len(s) != 17 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// validBuildID reports whether s is a positive decimal build id.
func validBuildID(s string) bool {
	n, err := strconv.ParseInt(s, 10, 64)
	return err == nil && n > 0
}
