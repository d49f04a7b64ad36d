package daemon

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/fakeserver"
	"github.com/matheus3301/chatsync/internal/fetch"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/fx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	fake   *fakeserver.Server
	apiURL string
	params Params
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fake := fakeserver.New(fakeserver.Options{})
	fake.Seed([]store.Chat{{
		ID:           "c1",
		Type:         store.Direct,
		Participants: []store.Participant{{UserID: "me", Name: "Me"}, {UserID: "u1", Name: "Ana"}},
		UpdatedAt:    t0,
	}}, []store.Message{
		{ID: "m1", ChatID: "c1", SenderID: "u1", Content: "hello", Type: store.TextMessage, CreatedAt: t0},
	})
	ts := httptest.NewServer(fake.Handler())
	t.Cleanup(ts.Close)

	tok, err := fake.Token("me")
	if err != nil {
		t.Fatal(err)
	}

	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "chatsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	cfg, err := config.LoadOrDefault(filepath.Join(tmpDir, "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Server.APIURL = ts.URL
	cfg.Server.StreamURL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	cfg.Server.Token = tok
	cfg.Log.Level = "warn"

	return &env{
		fake:   fake,
		apiURL: ts.URL,
		params: Params{
			SessionName: "test",
			Config:      cfg,
			SocketPath:  filepath.Join(tmpDir, "d.sock"),
			LockPath:    filepath.Join(tmpDir, "LOCK"),
			LogPath:     filepath.Join(tmpDir, "logs", "chatsyncd.log"),
		},
	}
}

func startApp(t *testing.T, p Params) *fx.App {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("app start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})
	return app
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	e := newEnv(t)
	startApp(t, e.params)

	c, err := api.Dial(e.params.SocketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eventually(t, "live link", func() bool {
		st, err := c.Status(ctx, &api.StatusRequest{})
		return err == nil && st.Link == status.Live
	})

	st, err := c.Status(ctx, &api.StatusRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Session != "test" || st.SelfID != "me" {
		t.Errorf("status = %+v", st)
	}

	msgs, err := c.ListMessages(ctx, &api.ListMessagesRequest{ChatID: "c1"})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs.Messages.Messages) != 1 {
		t.Fatalf("messages = %+v", msgs.Messages)
	}

	// Another participant writes; the push event lands in the cache.
	tok, _ := e.fake.Token("u1")
	other, err := fetch.NewHTTPClient(e.apiURL, tok, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.SendMessage(ctx, "c1", fetch.NewMessage{ClientID: "x1", Content: "pushed"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "pushed message", func() bool {
		msgs, err := c.ListMessages(ctx, &api.ListMessagesRequest{ChatID: "c1"})
		return err == nil && len(msgs.Messages.Messages) == 2 && msgs.Messages.Messages[1].Content == "pushed"
	})

	// Our own send is confirmed and not duplicated by its echo.
	sent, err := c.Send(ctx, &api.SendRequest{ChatID: "c1", Content: "mine", Wait: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.Action.Error != "" {
		t.Fatalf("send failed: %s", sent.Action.Error)
	}
	eventually(t, "confirmed send", func() bool {
		msgs, err := c.ListMessages(ctx, &api.ListMessagesRequest{ChatID: "c1"})
		if err != nil || len(msgs.Messages.Messages) != 3 {
			return false
		}
		return msgs.Messages.Messages[2].ID != ""
	})

	if _, err := c.SetTyping(ctx, &api.SetTypingRequest{ChatID: "c1", Typing: true}); err != nil {
		t.Errorf("SetTyping: %v", err)
	}
}

func TestReconnectInvalidatesCache(t *testing.T) {
	e := newEnv(t)
	startApp(t, e.params)

	c, err := api.Dial(e.params.SocketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	eventually(t, "live link", func() bool {
		st, err := c.Status(ctx, &api.StatusRequest{})
		return err == nil && st.Link == status.Live
	})
	if _, err := c.ListMessages(ctx, &api.ListMessagesRequest{ChatID: "c1"}); err != nil {
		t.Fatal(err)
	}

	// A message written while the link is down never arrives as an event.
	e.fake.DropConnections()
	eventually(t, "link drop", func() bool {
		st, err := c.Status(ctx, &api.StatusRequest{})
		return err == nil && st.Link != status.Live
	})
	e.fake.Seed(nil, []store.Message{
		{ID: "m2", ChatID: "c1", SenderID: "u1", Content: "missed", Type: store.TextMessage, CreatedAt: t0.Add(time.Minute)},
	})

	// After reconnecting, the next read refetches and recovers it.
	eventually(t, "recovered message", func() bool {
		msgs, err := c.ListMessages(ctx, &api.ListMessagesRequest{ChatID: "c1"})
		if err != nil {
			return false
		}
		list := msgs.Messages.Messages
		return len(list) == 2 && list[1].ID == "m2"
	})
}

func TestSecondDaemonFailsOnLock(t *testing.T) {
	e := newEnv(t)
	startApp(t, e.params)

	p2 := e.params
	p2.SocketPath = e.params.SocketPath + "2"
	app := fx.New(Module(p2), fx.NopLogger)
	err := app.Err()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = app.Start(ctx)
		defer func() { _ = app.Stop(ctx) }()
	}
	var held *lock.LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("second daemon error = %v, want LockHeldError", err)
	}
	if held.Owner != "test" {
		t.Errorf("lock owner = %q", held.Owner)
	}
}

func TestMissingIdentityFails(t *testing.T) {
	e := newEnv(t)
	e.params.Config.Server.Token = ""
	app := fx.New(Module(e.params), fx.NopLogger)
	if app.Err() == nil {
		t.Fatal("expected an error without token or self id")
	}
}
