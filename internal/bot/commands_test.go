package bot

import (
	"context"
	"strings"
	"sync"
	"testing"

	"steamwatch/internal/steam"
	"steamwatch/internal/storage"
	"steamwatch/internal/transport"
	logx "steamwatch/pkg/logx"
)

// memStore is an in-memory storage.Store for handler tests.
type memStore struct {
	mu      sync.Mutex
	users   map[int64]*storage.User
	games   map[int64][]storage.Game
	records []storage.UpdateRecord
}

func newMemStore() *memStore {
	return &memStore{users: map[int64]*storage.User{}, games: map[int64][]storage.Game{}}
}

func (m *memStore) AddUser(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		m.users[id] = &storage.User{TelegramID: id, Language: "en", CheckInterval: 6}
	}
	return nil
}

func (m *memStore) GetUser(_ context.Context, id int64) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) UpdateLinkedAccount(_ context.Context, id int64, steamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.SteamID = steamID
	return nil
}

func (m *memStore) UpdateUserSetting(_ context.Context, id int64, s storage.Setting, v any) error {
	if err := storage.ValidateSetting(s, v); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	switch s {
	case storage.SettingLanguage:
		u.Language = v.(string)
	case storage.SettingCheckInterval:
		u.CheckInterval = v.(int)
	case storage.SettingSilentMode:
		u.SilentMode = v.(bool)
	}
	return nil
}

func (m *memStore) UpsertGame(_ context.Context, g storage.Game) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.games[g.TelegramID] {
		if m.games[g.TelegramID][i].GameID == g.GameID {
			m.games[g.TelegramID][i].Name = g.Name
			m.games[g.TelegramID][i].LastPlayed = g.LastPlayed
			return nil
		}
	}
	m.games[g.TelegramID] = append(m.games[g.TelegramID], g)
	return nil
}

func (m *memStore) GetInstalledGames(_ context.Context, id int64) ([]storage.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Game
	for _, g := range m.games[id] {
		if g.Installed {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *memStore) GetGame(_ context.Context, id, gameID int64) (*storage.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.games[id] {
		if g.GameID == gameID {
			cp := g
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) SetGameInstalled(_ context.Context, id, gameID int64, installed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.games[id] {
		if m.games[id][i].GameID == gameID {
			m.games[id][i].Installed = installed
			return nil
		}
	}
	return storage.ErrNotFound
}

func (m *memStore) UpdateGameBuildID(_ context.Context, id, gameID int64, buildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.games[id] {
		if m.games[id][i].GameID == gameID {
			m.games[id][i].LastBuildID = buildID
			return nil
		}
	}
	return storage.ErrNotFound
}

func (m *memStore) RecordUpdate(_ context.Context, rec storage.UpdateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) GetUserStats(_ context.Context, id int64) (*storage.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &storage.Stats{}
	for _, r := range m.records {
		if r.TelegramID == id {
			st.TotalUpdates++
			if r.At.After(st.LastUpdate) {
				st.LastUpdate = r.At
			}
		}
	}
	for _, g := range m.games[id] {
		if g.Installed {
			st.InstalledCount++
		}
	}
	return st, nil
}

func (m *memStore) ListLinkedUserIDs(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for id, u := range m.users {
		if u.Linked() {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) DeleteUserData(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	delete(m.games, id)
	return nil
}

func (m *memStore) Close() error { return nil }

type stubMeta struct {
	accountID string
	library   []steam.OwnedGame
}

func (s *stubMeta) ResolveAccountID(_ context.Context, input string) (string, error) {
	if s.accountID == "" {
		return "", steam.ErrUnrecognizedProfile
	}
	return s.accountID, nil
}

func (s *stubMeta) FetchLibrary(context.Context, string) ([]steam.OwnedGame, error) {
	return s.library, nil
}

type stubJobs struct {
	mu          sync.Mutex
	scheduled   []int64
	unscheduled []int64
}

func (s *stubJobs) ScheduleCheck(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, id)
	return nil
}

func (s *stubJobs) UnscheduleCheck(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unscheduled = append(s.unscheduled, id)
	return true
}

func (s *stubJobs) scheduleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}

type recordAdapter struct {
	mu    sync.Mutex
	sent  []string
	edits []string
}

func (a *recordAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *recordAdapter) Stop(context.Context) error                          { return nil }

func (a *recordAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *recordAdapter) EditText(_ context.Context, _ transport.MessageRef, text string, _ *transport.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, text)
	return nil
}

func (a *recordAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (a *recordAdapter) lastSent() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return ""
	}
	return a.sent[len(a.sent)-1]
}

func (a *recordAdapter) lastEdit() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.edits) == 0 {
		return ""
	}
	return a.edits[len(a.edits)-1]
}

func msgRequest(ad transport.Adapter, fromID int64, cmd string, args ...string) *Request {
	return &Request{
		Update:  transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: fromID, FromID: fromID}},
		Chat:    transport.ChatTarget{ChatID: fromID},
		FromID:  fromID,
		Command: cmd,
		Args:    args,
		Adapter: ad,
		Logger:  logx.Nop(),
	}
}

func cbRequest(ad transport.Adapter, fromID int64, payload string) *Request {
	return &Request{
		Update: transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
			ID: "cb1", FromID: fromID, ChatID: fromID, MessageID: 10,
		}},
		Chat:    transport.ChatTarget{ChatID: fromID},
		FromID:  fromID,
		Payload: payload,
		Adapter: ad,
		Logger:  logx.Nop(),
	}
}

func TestStartCreatesUser(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	ad := &recordAdapter{}
	h := NewHandlers(st, &stubMeta{}, &stubJobs{}, logx.Nop())

	if err := h.start(context.Background(), msgRequest(ad, 42, "start")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if u, _ := st.GetUser(context.Background(), 42); u == nil {
		t.Fatal("user not created")
	}
	if !strings.Contains(ad.lastSent(), "/link") {
		t.Fatalf("welcome message missing help: %q", ad.lastSent())
	}
}

func TestLinkImportsLibraryAndSchedules(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	ad := &recordAdapter{}
	jobs := &stubJobs{}
	meta := &stubMeta{
		accountID: "76561198000000001",
		library: []steam.OwnedGame{
			{AppID: 440, Name: "Team Fortress 2", PlaytimeForever: 600},
			{AppID: 570, Name: "", PlaytimeForever: 0},
		},
	}
	h := NewHandlers(st, meta, jobs, logx.Nop())

	if err := h.link(context.Background(), msgRequest(ad, 42, "link", "76561198000000001")); err != nil {
		t.Fatalf("link: %v", err)
	}

	u, _ := st.GetUser(context.Background(), 42)
	if !u.Linked() {
		t.Fatal("account not linked")
	}
	g, _ := st.GetGame(context.Background(), 42, 570)
	if g == nil || g.Name != "AppID 570" {
		t.Fatalf("nameless game not defaulted: %+v", g)
	}
	if g.Installed {
		t.Fatal("imported games must start unwatched")
	}
	if jobs.scheduleCount() != 1 {
		t.Fatalf("schedule calls = %d, want 1", jobs.scheduleCount())
	}
	if !strings.Contains(ad.lastSent(), "2 games") {
		t.Fatalf("link reply: %q", ad.lastSent())
	}
}

func TestLinkRejectsBadInput(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	ad := &recordAdapter{}
	jobs := &stubJobs{}
	h := NewHandlers(st, &stubMeta{}, jobs, logx.Nop())

	if err := h.link(context.Background(), msgRequest(ad, 42, "link", "garbage")); err != nil {
		t.Fatalf("link: %v", err)
	}
	if u, _ := st.GetUser(context.Background(), 42); u != nil {
		t.Fatal("bad link must not create state")
	}
	if jobs.scheduleCount() != 0 {
		t.Fatal("bad link must not schedule")
	}
}

func TestGamesRequiresLink(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	_ = st.AddUser(context.Background(), 42)
	ad := &recordAdapter{}
	h := NewHandlers(st, &stubMeta{}, &stubJobs{}, logx.Nop())

	if err := h.games(context.Background(), msgRequest(ad, 42, "games")); err != nil {
		t.Fatalf("games: %v", err)
	}
	if !strings.Contains(ad.lastSent(), "/link") {
		t.Fatalf("expected link prompt, got %q", ad.lastSent())
	}
}

func TestToggleReschedulesAtBoundary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newMemStore()
	_ = st.AddUser(ctx, 42)
	_ = st.UpdateLinkedAccount(ctx, 42, "76561198000000001")
	_ = st.UpsertGame(ctx, storage.Game{TelegramID: 42, GameID: 440, Name: "TF2"})
	_ = st.UpsertGame(ctx, storage.Game{TelegramID: 42, GameID: 570, Name: "Dota"})

	ad := &recordAdapter{}
	jobs := &stubJobs{}
	h := NewHandlers(st, &stubMeta{}, jobs, logx.Nop())

	// 0 -> 1 watched: reschedule.
	if err := h.cbToggle(ctx, cbRequest(ad, 42, "440"), "440"); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if jobs.scheduleCount() != 1 {
		t.Fatalf("schedule calls after first watch = %d, want 1", jobs.scheduleCount())
	}

	// 1 -> 2 watched: no reschedule.
	if err := h.cbToggle(ctx, cbRequest(ad, 42, "570"), "570"); err != nil {
		t.Fatalf("toggle second: %v", err)
	}
	if jobs.scheduleCount() != 1 {
		t.Fatalf("schedule calls after second watch = %d, want 1", jobs.scheduleCount())
	}

	// 2 -> 1 watched: no reschedule.
	if err := h.cbToggle(ctx, cbRequest(ad, 42, "570"), "570"); err != nil {
		t.Fatalf("toggle off second: %v", err)
	}
	if jobs.scheduleCount() != 1 {
		t.Fatalf("schedule calls after unwatch = %d, want 1", jobs.scheduleCount())
	}

	// 1 -> 0 watched: boundary again.
	if err := h.cbToggle(ctx, cbRequest(ad, 42, "440"), "440"); err != nil {
		t.Fatalf("toggle off last: %v", err)
	}
	if jobs.scheduleCount() != 2 {
		t.Fatalf("schedule calls after last unwatch = %d, want 2", jobs.scheduleCount())
	}
	if ad.lastEdit() == "" {
		t.Fatal("toggle must edit the keyboard message")
	}
}

func TestIntervalCallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newMemStore()
	_ = st.AddUser(ctx, 42)
	ad := &recordAdapter{}
	jobs := &stubJobs{}
	h := NewHandlers(st, &stubMeta{}, jobs, logx.Nop())

	if err := h.cbInterval(ctx, cbRequest(ad, 42, "12"), "12"); err != nil {
		t.Fatalf("cbInterval: %v", err)
	}
	u, _ := st.GetUser(ctx, 42)
	if u.CheckInterval != 12 {
		t.Fatalf("interval = %d, want 12", u.CheckInterval)
	}
	if jobs.scheduleCount() != 1 {
		t.Fatal("interval change must reschedule")
	}

	// Out-of-range values are rejected by the store layer.
	if err := h.cbInterval(ctx, cbRequest(ad, 42, "99"), "99"); err == nil {
		t.Fatal("expected error for interval 99")
	}
}

func TestSilentCallbackToggles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newMemStore()
	_ = st.AddUser(ctx, 42)
	ad := &recordAdapter{}
	h := NewHandlers(st, &stubMeta{}, &stubJobs{}, logx.Nop())

	if err := h.cbSilent(ctx, cbRequest(ad, 42, ""), ""); err != nil {
		t.Fatalf("cbSilent: %v", err)
	}
	if u, _ := st.GetUser(ctx, 42); !u.SilentMode {
		t.Fatal("silent mode not enabled")
	}
	if err := h.cbSilent(ctx, cbRequest(ad, 42, ""), ""); err != nil {
		t.Fatalf("cbSilent: %v", err)
	}
	if u, _ := st.GetUser(ctx, 42); u.SilentMode {
		t.Fatal("silent mode not disabled again")
	}
}

func TestUnlinkDeletesEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newMemStore()
	_ = st.AddUser(ctx, 42)
	_ = st.UpdateLinkedAccount(ctx, 42, "76561198000000001")
	_ = st.UpsertGame(ctx, storage.Game{TelegramID: 42, GameID: 440, Name: "TF2", Installed: true})

	ad := &recordAdapter{}
	jobs := &stubJobs{}
	h := NewHandlers(st, &stubMeta{}, jobs, logx.Nop())

	if err := h.unlink(ctx, msgRequest(ad, 42, "unlink")); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if u, _ := st.GetUser(ctx, 42); u != nil {
		t.Fatal("user data not deleted")
	}
	if games, _ := st.GetInstalledGames(ctx, 42); len(games) != 0 {
		t.Fatal("games not deleted")
	}
	if len(jobs.unscheduled) != 1 || jobs.unscheduled[0] != 42 {
		t.Fatalf("timer not removed: %v", jobs.unscheduled)
	}
}

func TestLanguageCommand(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newMemStore()
	_ = st.AddUser(ctx, 42)
	ad := &recordAdapter{}
	h := NewHandlers(st, &stubMeta{}, &stubJobs{}, logx.Nop())

	if err := h.language(ctx, msgRequest(ad, 42, "language", "PT")); err != nil {
		t.Fatalf("language: %v", err)
	}
	if u, _ := st.GetUser(ctx, 42); u.Language != "pt" {
		t.Fatalf("language = %q, want pt", u.Language)
	}

	if err := h.language(ctx, msgRequest(ad, 42, "language", "de")); err != nil {
		t.Fatalf("language (unsupported): %v", err)
	}
	if u, _ := st.GetUser(ctx, 42); u.Language != "pt" {
		t.Fatal("unsupported language must not be stored")
	}
}
