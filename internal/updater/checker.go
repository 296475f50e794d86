package updater

import (
	"context"
	"fmt"
	"sync"
	"time"

	"steamwatch/internal/steam"
	"steamwatch/internal/storage"
	"steamwatch/internal/transport"
	logx "steamwatch/pkg/logx"
)

// Checker runs one update pass over a user's installed games.
//
// A pass compares each stored build id with the freshly fetched one; an empty
// stored id counts as different, so the first check after linking produces one
// record per installed game. Per user at most one pass runs at a time;
// overlapping invocations are skipped, not queued.
type Checker struct {
	store Store
	meta  Metadata
	gw    Gateway
	cfg   Config
	log   logx.Logger

	inflight sync.Map // telegramID -> struct{}

	now func() time.Time
}

func NewChecker(cfg Config, store Store, meta Metadata, gw Gateway, log logx.Logger) *Checker {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Checker{
		store: store,
		meta:  meta,
		gw:    gw,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

// CheckUser checks all installed games of one user and returns how many
// updates were detected. Unlinked users and overlapping invocations return
// (0, nil). A failed game lookup skips that game only.
func (c *Checker) CheckUser(ctx context.Context, telegramID int64) (int, error) {
	if _, loaded := c.inflight.LoadOrStore(telegramID, struct{}{}); loaded {
		c.log.Debug("check already in flight, skipping", logx.Int64("user", telegramID))
		return 0, nil
	}
	defer c.inflight.Delete(telegramID)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	log := c.log.With(logx.Int64("user", telegramID))
	log.Info("checking updates")

	user, err := c.store.GetUser(ctx, telegramID)
	if err != nil {
		return 0, err
	}
	if !user.Linked() {
		return 0, nil
	}

	games, err := c.store.GetInstalledGames(ctx, telegramID)
	if err != nil {
		return 0, err
	}

	found := 0
	for _, g := range games {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}

		build, err := c.meta.FetchCurrentBuildID(ctx, g.GameID)
		if err != nil {
			log.Warn("build id unavailable, skipping game",
				logx.Int64("game", g.GameID), logx.String("name", g.Name), logx.Err(err))
			continue
		}
		if g.LastBuildID == build {
			continue
		}

		changelogURL := steam.ChangelogURL(g.GameID)
		if cl, err := c.meta.FetchChangelog(ctx, g.GameID); err == nil && cl.URL != "" {
			changelogURL = cl.URL
		}

		detectedAt := c.now()
		rec := storage.UpdateRecord{
			TelegramID:   telegramID,
			GameID:       g.GameID,
			GameName:     g.Name,
			BuildID:      build,
			ChangelogURL: changelogURL,
			At:           detectedAt,
			Notified:     !user.SilentMode,
		}
		if err := c.store.RecordUpdate(ctx, rec); err != nil {
			log.Error("record update failed",
				logx.Int64("game", g.GameID), logx.Err(err))
			continue
		}
		if err := c.store.UpdateGameBuildID(ctx, telegramID, g.GameID, build); err != nil {
			log.Error("store build id failed",
				logx.Int64("game", g.GameID), logx.Err(err))
		}

		// Delivery failure never rolls back the record.
		if !user.SilentMode {
			msg := updateMessage(g.Name, detectedAt, changelogURL)
			if err := c.gw.Notify(ctx, transport.Notification{
				Target:  transport.ChatTarget{ChatID: telegramID},
				Text:    msg,
				Options: &transport.SendOptions{DisablePreview: false},
			}); err != nil {
				log.Error("notification dispatch failed",
					logx.Int64("game", g.GameID), logx.Err(err))
			}
		}
		found++
	}

	log.Info("check finished", logx.Int("updates", found))
	return found, nil
}

func updateMessage(name string, at time.Time, changelogURL string) string {
	return fmt.Sprintf("📢 Update available for %s!\n🕒 Detected: %s\n📝 Changelog: %s",
		name, at.Format("2006-01-02 15:04"), changelogURL)
}
