package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"steamwatch/internal/steam"
	"steamwatch/internal/storage"
	"steamwatch/internal/transport"
	logx "steamwatch/pkg/logx"
)

// Metadata is the slice of the Steam client the command surface needs.
type Metadata interface {
	ResolveAccountID(ctx context.Context, input string) (string, error)
	FetchLibrary(ctx context.Context, accountID string) ([]steam.OwnedGame, error)
}

// Jobs controls the per-user check schedule.
type Jobs interface {
	ScheduleCheck(ctx context.Context, telegramID int64) error
	UnscheduleCheck(telegramID int64) bool
}

var supportedLanguages = map[string]string{
	"en": "English",
	"pt": "Português",
	"es": "Español",
}

// Handlers implements the user-facing command surface.
type Handlers struct {
	store storage.Store
	meta  Metadata
	jobs  Jobs
	log   logx.Logger
}

func NewHandlers(store storage.Store, meta Metadata, jobs Jobs, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{store: store, meta: meta, jobs: jobs, log: log}
}

const helpText = `Available commands:
/link <steamid or profile URL> — link your Steam account
/games — pick which games to watch for updates
/status — watched games and their build ids
/stats — update history and totals
/settings — check interval, silent mode, language
/language <en|pt|es> — set language
/unlink — delete your data and stop all checks
/help — this message`

// Commands returns the command registry for the router.
func (h *Handlers) Commands() []Command {
	return []Command{
		{Name: "start", Description: "Start the bot", Handle: h.start},
		{Name: "help", Description: "Show help", Handle: h.help},
		{Name: "link", Description: "Link a Steam account", Usage: "/link <steamid|url>",
			Timeout: 30 * time.Second, Handle: h.link},
		{Name: "games", Description: "Toggle watched games", Handle: h.games},
		{Name: "status", Description: "Show watched games", Handle: h.status},
		{Name: "stats", Description: "Show update stats", Handle: h.stats},
		{Name: "settings", Description: "Change settings", Handle: h.settings},
		{Name: "language", Description: "Set language", Usage: "/language <code>", Handle: h.language},
		{Name: "unlink", Description: "Delete account data", Handle: h.unlink},
	}
}

// Callbacks returns the inline-keyboard routes for the router.
func (h *Handlers) Callbacks() []CallbackRoute {
	return []CallbackRoute{
		{Group: cbGroup, Action: "toggle", Handle: h.cbToggle},
		{Group: cbGroup, Action: "menu", Handle: h.cbMenu},
		{Group: cbGroup, Action: "interval", Handle: h.cbInterval},
		{Group: cbGroup, Action: "silent", Handle: h.cbSilent},
		{Group: cbGroup, Action: "lang", Handle: h.cbLanguage},
	}
}

func reply(ctx context.Context, req *Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, nil)
	return err
}

func replyMarkup(ctx context.Context, req *Request, text string, markup any) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text,
		&transport.SendOptions{ReplyMarkupAdapter: markup})
	return err
}

// editCallback rewrites the message the pressed button hangs off.
func editCallback(ctx context.Context, req *Request, text string, markup any) error {
	cb := req.Update.Callback
	if cb == nil {
		return reply(ctx, req, text)
	}
	ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	var opt *transport.SendOptions
	if markup != nil {
		opt = &transport.SendOptions{ReplyMarkupAdapter: markup}
	}
	return req.Adapter.EditText(ctx, ref, text, opt)
}

func (h *Handlers) start(ctx context.Context, req *Request) error {
	if err := h.store.AddUser(ctx, req.FromID); err != nil {
		return err
	}
	return reply(ctx, req,
		"👋 Welcome! I watch your Steam library and tell you when a game gets an update.\n\n"+helpText)
}

func (h *Handlers) help(ctx context.Context, req *Request) error {
	return reply(ctx, req, helpText)
}

func (h *Handlers) link(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return reply(ctx, req, "Usage: /link <steamid or profile URL>")
	}

	accountID, err := h.meta.ResolveAccountID(ctx, req.Args[0])
	if err != nil {
		return reply(ctx, req, "That doesn't look like a valid Steam ID or profile URL.")
	}

	games, err := h.meta.FetchLibrary(ctx, accountID)
	if err != nil || len(games) == 0 {
		return reply(ctx, req, "Couldn't read the game library. Is the profile public?")
	}

	if err := h.store.AddUser(ctx, req.FromID); err != nil {
		return err
	}
	if err := h.store.UpdateLinkedAccount(ctx, req.FromID, accountID); err != nil {
		return err
	}
	for _, g := range games {
		name := g.Name
		if name == "" {
			name = fmt.Sprintf("AppID %d", g.AppID)
		}
		if err := h.store.UpsertGame(ctx, storage.Game{
			TelegramID: req.FromID,
			GameID:     g.AppID,
			Name:       name,
			LastPlayed: g.PlaytimeForever,
		}); err != nil {
			req.Logger.Warn("library upsert failed",
				logx.Int64("game", g.AppID), logx.Err(err))
		}
	}

	if err := h.jobs.ScheduleCheck(ctx, req.FromID); err != nil {
		req.Logger.Warn("schedule after link failed", logx.Err(err))
	}

	return reply(ctx, req, fmt.Sprintf(
		"✅ Account linked, %d games imported.\nUse /games to pick which ones to watch.", len(games)))
}

func (h *Handlers) games(ctx context.Context, req *Request) error {
	user, err := h.store.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !user.Linked() {
		return reply(ctx, req, "Link your Steam account first: /link <steamid or profile URL>")
	}

	games, err := h.store.GetInstalledGames(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(games) == 0 {
		return reply(ctx, req, "No games selected yet.")
	}
	return replyMarkup(ctx, req, "Tap a game to toggle update watching:", gamesKeyboard(games))
}

func (h *Handlers) status(ctx context.Context, req *Request) error {
	games, err := h.store.GetInstalledGames(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(games) == 0 {
		return reply(ctx, req, "No games are being watched. Use /games after linking.")
	}

	var b strings.Builder
	b.WriteString("📋 Watched games:\n\n")
	for _, g := range games {
		b.WriteString("🎮 " + g.Name)
		if hours := g.LastPlayed / 60; hours > 0 {
			fmt.Fprintf(&b, " (%dh)", hours)
		}
		build := g.LastBuildID
		if build == "" {
			build = "not checked yet"
		}
		fmt.Fprintf(&b, "\n🆔 Build ID: %s\n\n", build)
	}
	return reply(ctx, req, b.String())
}

func (h *Handlers) stats(ctx context.Context, req *Request) error {
	st, err := h.store.GetUserStats(ctx, req.FromID)
	if err != nil {
		return err
	}

	last := "Never"
	if !st.LastUpdate.IsZero() {
		last = st.LastUpdate.Local().Format("2006-01-02 15:04")
	}
	var b strings.Builder
	b.WriteString("📈 Your stats:\n\n")
	fmt.Fprintf(&b, "📊 Total updates tracked: %d\n", st.TotalUpdates)
	fmt.Fprintf(&b, "🕒 Last update detected: %s\n", last)
	fmt.Fprintf(&b, "🎮 Games watched: %d\n", st.InstalledCount)
	if len(st.RecentUpdates) > 0 {
		b.WriteString("\nRecent updates:\n")
		for _, r := range st.RecentUpdates {
			fmt.Fprintf(&b, "• %s (%s)\n", r.GameName, r.At.Local().Format("2006-01-02 15:04"))
		}
	}
	return reply(ctx, req, b.String())
}

func (h *Handlers) settings(ctx context.Context, req *Request) error {
	user, err := h.store.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	if user == nil {
		return reply(ctx, req, "Use /start first.")
	}

	silent := "Off"
	if user.SilentMode {
		silent = "On"
	}
	text := fmt.Sprintf("⚙️ Current settings:\n\n🕒 Check interval: %d hours\n🔇 Silent mode: %s\n🌐 Language: %s",
		user.CheckInterval, silent, user.Language)
	return replyMarkup(ctx, req, text, settingsKeyboard())
}

func (h *Handlers) language(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return reply(ctx, req, "Usage: /language <en|pt|es>")
	}
	lang := strings.ToLower(req.Args[0])
	if _, ok := supportedLanguages[lang]; !ok {
		return reply(ctx, req, "Unsupported language. Available: en, pt, es")
	}
	if err := h.store.UpdateUserSetting(ctx, req.FromID, storage.SettingLanguage, lang); err != nil {
		return err
	}
	return reply(ctx, req, "🌐 Language updated.")
}

func (h *Handlers) unlink(ctx context.Context, req *Request) error {
	h.jobs.UnscheduleCheck(req.FromID)
	if err := h.store.DeleteUserData(ctx, req.FromID); err != nil {
		return err
	}
	return reply(ctx, req, "🗑 All your data has been deleted. Send /start to begin again.")
}

func (h *Handlers) cbToggle(ctx context.Context, req *Request, payload string) error {
	gameID, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return fmt.Errorf("bad toggle payload %q: %w", payload, err)
	}

	game, err := h.store.GetGame(ctx, req.FromID, gameID)
	if err != nil {
		return err
	}
	if game == nil {
		return editCallback(ctx, req, "That game is no longer in your library.", nil)
	}

	newStatus := !game.Installed
	if err := h.store.SetGameInstalled(ctx, req.FromID, gameID, newStatus); err != nil {
		return err
	}

	verdict := "now watched for updates"
	if !newStatus {
		verdict = "no longer watched"
	}
	if err := editCallback(ctx, req, fmt.Sprintf("%s — %s.", game.Name, verdict), nil); err != nil {
		req.Logger.Warn("edit after toggle failed", logx.Err(err))
	}

	// Re-arm the check job only when the watched count crosses the 0<->1
	// boundary; intermediate toggles leave the schedule untouched.
	installed, err := h.store.GetInstalledGames(ctx, req.FromID)
	if err != nil {
		return err
	}
	boundary := 0
	if newStatus {
		boundary = 1
	}
	if len(installed) == boundary {
		if err := h.jobs.ScheduleCheck(ctx, req.FromID); err != nil {
			req.Logger.Warn("reschedule after toggle failed", logx.Err(err))
		}
	}
	return nil
}

func (h *Handlers) cbMenu(ctx context.Context, req *Request, payload string) error {
	switch payload {
	case "interval":
		return editCallback(ctx, req, "How often should I check for updates?", intervalKeyboard())
	case "lang":
		return editCallback(ctx, req, "Pick a language:", languageKeyboard())
	default:
		return fmt.Errorf("unknown settings menu %q", payload)
	}
}

func (h *Handlers) cbInterval(ctx context.Context, req *Request, payload string) error {
	hours, err := strconv.Atoi(payload)
	if err != nil {
		return fmt.Errorf("bad interval payload %q: %w", payload, err)
	}
	if err := h.store.UpdateUserSetting(ctx, req.FromID, storage.SettingCheckInterval, hours); err != nil {
		return err
	}
	if err := h.jobs.ScheduleCheck(ctx, req.FromID); err != nil {
		req.Logger.Warn("reschedule after interval change failed", logx.Err(err))
	}
	return editCallback(ctx, req, fmt.Sprintf("🕒 Check interval set to %d hours.", hours), nil)
}

func (h *Handlers) cbSilent(ctx context.Context, req *Request, _ string) error {
	user, err := h.store.GetUser(ctx, req.FromID)
	if err != nil {
		return err
	}
	if user == nil {
		return editCallback(ctx, req, "Use /start first.", nil)
	}

	newStatus := !user.SilentMode
	if err := h.store.UpdateUserSetting(ctx, req.FromID, storage.SettingSilentMode, newStatus); err != nil {
		return err
	}
	if newStatus {
		return editCallback(ctx, req, "🔇 Silent mode is on. Updates are recorded but not announced.", nil)
	}
	return editCallback(ctx, req, "🔔 Silent mode is off. You'll be notified about updates.", nil)
}

func (h *Handlers) cbLanguage(ctx context.Context, req *Request, payload string) error {
	if _, ok := supportedLanguages[payload]; !ok {
		return fmt.Errorf("unknown language payload %q", payload)
	}
	if err := h.store.UpdateUserSetting(ctx, req.FromID, storage.SettingLanguage, payload); err != nil {
		return err
	}
	return editCallback(ctx, req, "🌐 Language updated.", nil)
}
