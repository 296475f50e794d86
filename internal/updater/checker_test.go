package updater

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"steamwatch/internal/steam"
	"steamwatch/internal/storage"
	"steamwatch/internal/transport"
	logx "steamwatch/pkg/logx"
)

type fakeStore struct {
	mu      sync.Mutex
	users   map[int64]*storage.User
	games   map[int64][]storage.Game
	records []storage.UpdateRecord

	recordErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[int64]*storage.User{},
		games: map[int64][]storage.Game{},
	}
}

func (f *fakeStore) GetUser(_ context.Context, id int64) (*storage.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id], nil
}

func (f *fakeStore) GetInstalledGames(_ context.Context, id int64) ([]storage.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Game(nil), f.games[id]...), nil
}

func (f *fakeStore) UpdateGameBuildID(_ context.Context, telegramID, gameID int64, buildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.games[telegramID] {
		if f.games[telegramID][i].GameID == gameID {
			f.games[telegramID][i].LastBuildID = buildID
			f.games[telegramID][i].LastChecked = time.Now()
		}
	}
	return nil
}

func (f *fakeStore) RecordUpdate(_ context.Context, rec storage.UpdateRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) ListLinkedUserIDs(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for id, u := range f.users {
		if u.Linked() {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeStore) recorded() []storage.UpdateRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.UpdateRecord(nil), f.records...)
}

func (f *fakeStore) game(telegramID, gameID int64) storage.Game {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.games[telegramID] {
		if g.GameID == gameID {
			return g
		}
	}
	return storage.Game{}
}

type fakeMeta struct {
	mu     sync.Mutex
	builds map[int64]string // missing entry means lookup failure
	block  chan struct{}    // if set, FetchCurrentBuildID blocks until closed
}

func (f *fakeMeta) FetchCurrentBuildID(ctx context.Context, appID int64) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[appID]
	if !ok {
		return "", steam.ErrBuildUnavailable
	}
	return b, nil
}

func (f *fakeMeta) FetchChangelog(_ context.Context, appID int64) (*steam.Changelog, error) {
	return nil, steam.ErrNoChangelog
}

type fakeGateway struct {
	mu    sync.Mutex
	notes []transport.Notification
}

func (f *fakeGateway) Notify(_ context.Context, n transport.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
	return nil
}

func (f *fakeGateway) sentTo() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for _, n := range f.notes {
		out = append(out, n.Target.ChatID)
	}
	return out
}

func newTestChecker(st *fakeStore, meta *fakeMeta, gw *fakeGateway) *Checker {
	return NewChecker(Config{CheckTimeout: 5 * time.Second}, st, meta, gw, logx.Nop())
}

func linkedUser(id int64, silent bool) *storage.User {
	return &storage.User{
		TelegramID:    id,
		SteamID:       "76561198000000001",
		Language:      "en",
		CheckInterval: 6,
		SilentMode:    silent,
	}
}

func TestCheckUserFirstCheck(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.users[42] = linkedUser(42, false)
	st.games[42] = []storage.Game{{TelegramID: 42, GameID: 440, Name: "TF2", Installed: true}}
	meta := &fakeMeta{builds: map[int64]string{440: "12345"}}
	gw := &fakeGateway{}

	n, err := newTestChecker(st, meta, gw).CheckUser(context.Background(), 42)
	if err != nil {
		t.Fatalf("CheckUser: %v", err)
	}
	if n != 1 {
		t.Fatalf("updates = %d, want 1", n)
	}

	recs := st.recorded()
	if len(recs) != 1 || recs[0].BuildID != "12345" || !recs[0].Notified {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if recs[0].ChangelogURL != "https://steamdb.info/app/440/patchnotes/" {
		t.Fatalf("changelog url = %q", recs[0].ChangelogURL)
	}
	if g := st.game(42, 440); g.LastBuildID != "12345" || g.LastChecked.IsZero() {
		t.Fatalf("build id not stored: %+v", g)
	}
	if got := gw.sentTo(); len(got) != 1 || got[0] != 42 {
		t.Fatalf("notifications to %v, want [42]", got)
	}
}

func TestCheckUserSameBuildNoop(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.users[42] = linkedUser(42, false)
	st.games[42] = []storage.Game{{TelegramID: 42, GameID: 440, Name: "TF2", Installed: true, LastBuildID: "12345"}}
	meta := &fakeMeta{builds: map[int64]string{440: "12345"}}
	gw := &fakeGateway{}

	n, err := newTestChecker(st, meta, gw).CheckUser(context.Background(), 42)
	if err != nil || n != 0 {
		t.Fatalf("CheckUser = (%d, %v), want (0, nil)", n, err)
	}
	if len(st.recorded()) != 0 || len(gw.sentTo()) != 0 {
		t.Fatal("same build must not record or notify")
	}
}

func TestCheckUserSilentModeRecordsWithoutMessage(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.users[42] = linkedUser(42, true)
	st.games[42] = []storage.Game{{TelegramID: 42, GameID: 440, Name: "TF2", Installed: true}}
	meta := &fakeMeta{builds: map[int64]string{440: "777"}}
	gw := &fakeGateway{}

	n, err := newTestChecker(st, meta, gw).CheckUser(context.Background(), 42)
	if err != nil || n != 1 {
		t.Fatalf("CheckUser = (%d, %v), want (1, nil)", n, err)
	}
	recs := st.recorded()
	if len(recs) != 1 || recs[0].Notified {
		t.Fatalf("silent mode record wrong: %+v", recs)
	}
	if len(gw.sentTo()) != 0 {
		t.Fatal("silent mode must not send a message")
	}
	if g := st.game(42, 440); g.LastBuildID != "777" {
		t.Fatalf("build id not stored in silent mode: %+v", g)
	}
}

func TestCheckUserInvalidBuildSkipsGame(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.users[42] = linkedUser(42, false)
	st.games[42] = []storage.Game{
		{TelegramID: 42, GameID: 440, Name: "TF2", Installed: true, LastBuildID: "1"},
		{TelegramID: 42, GameID: 570, Name: "Dota", Installed: true, LastBuildID: "2"},
	}
	// 440 has no build available; 570 changed.
	meta := &fakeMeta{builds: map[int64]string{570: "3"}}
	gw := &fakeGateway{}

	n, err := newTestChecker(st, meta, gw).CheckUser(context.Background(), 42)
	if err != nil || n != 1 {
		t.Fatalf("CheckUser = (%d, %v), want (1, nil)", n, err)
	}
	if g := st.game(42, 440); g.LastBuildID != "1" {
		t.Fatalf("failed lookup must not change build id: %+v", g)
	}
	recs := st.recorded()
	if len(recs) != 1 || recs[0].GameID != 570 {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestCheckUserTwoGamesThenStable(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.users[42] = linkedUser(42, false)
	st.games[42] = []storage.Game{
		{TelegramID: 42, GameID: 1, Name: "A", Installed: true},
		{TelegramID: 42, GameID: 2, Name: "B", Installed: true},
	}
	meta := &fakeMeta{builds: map[int64]string{1: "1", 2: "2"}}
	gw := &fakeGateway{}
	c := newTestChecker(st, meta, gw)

	n, err := c.CheckUser(context.Background(), 42)
	if err != nil || n != 2 {
		t.Fatalf("first check = (%d, %v), want (2, nil)", n, err)
	}
	if len(st.recorded()) != 2 || len(gw.sentTo()) != 2 {
		t.Fatalf("first check: %d records, %d messages", len(st.recorded()), len(gw.sentTo()))
	}
	if st.game(42, 1).LastBuildID != "1" || st.game(42, 2).LastBuildID != "2" {
		t.Fatal("build ids not stored")
	}

	n, err = c.CheckUser(context.Background(), 42)
	if err != nil || n != 0 {
		t.Fatalf("second check = (%d, %v), want (0, nil)", n, err)
	}
	if len(st.recorded()) != 2 {
		t.Fatal("stable remote data must not add records")
	}
}

func TestCheckUserUnlinked(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.users[42] = &storage.User{TelegramID: 42}
	gw := &fakeGateway{}

	n, err := newTestChecker(st, &fakeMeta{}, gw).CheckUser(context.Background(), 42)
	if err != nil || n != 0 {
		t.Fatalf("CheckUser = (%d, %v), want (0, nil)", n, err)
	}
}

func TestCheckUserRecordFailureSkipsGame(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.users[42] = linkedUser(42, false)
	st.games[42] = []storage.Game{{TelegramID: 42, GameID: 440, Name: "TF2", Installed: true}}
	st.recordErr = errors.New("disk full")
	meta := &fakeMeta{builds: map[int64]string{440: "5"}}
	gw := &fakeGateway{}

	n, err := newTestChecker(st, meta, gw).CheckUser(context.Background(), 42)
	if err != nil || n != 0 {
		t.Fatalf("CheckUser = (%d, %v), want (0, nil)", n, err)
	}
	if g := st.game(42, 440); g.LastBuildID != "" {
		t.Fatal("build id must not advance when the record write fails")
	}
	if len(gw.sentTo()) != 0 {
		t.Fatal("must not notify when the record write fails")
	}
}

func TestCheckUserOverlapSkipped(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.users[42] = linkedUser(42, false)
	st.games[42] = []storage.Game{{TelegramID: 42, GameID: 440, Name: "TF2", Installed: true}}
	block := make(chan struct{})
	meta := &fakeMeta{builds: map[int64]string{440: "9"}, block: block}
	gw := &fakeGateway{}
	c := newTestChecker(st, meta, gw)

	done := make(chan int, 1)
	go func() {
		n, _ := c.CheckUser(context.Background(), 42)
		done <- n
	}()

	// Wait until the first pass is inside the metadata fetch.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, loaded := c.inflight.Load(int64(42)); loaded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first check never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Overlapping invocation is skipped immediately.
	n, err := c.CheckUser(context.Background(), 42)
	if err != nil || n != 0 {
		t.Fatalf("overlapping check = (%d, %v), want (0, nil)", n, err)
	}

	close(block)
	if n := <-done; n != 1 {
		t.Fatalf("first check found %d updates, want 1", n)
	}
}
