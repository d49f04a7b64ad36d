// Package index keeps a searchable copy of the cached messages in an
// in-memory SQLite database. It follows the cache through its bus
// notifications, so it only ever knows what the cache currently holds.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/index/migrations"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

var topic = store.KindMessages.Topic()

const (
	followBuffer = 256
	// resyncInterval bounds how long a missed notification leaves the index
	// behind the cache.
	resyncInterval = 10 * time.Second
)

// Hit is one search result.
type Hit struct {
	ChatID        string    `json:"chatId"`
	MessageID     string    `json:"messageId,omitempty"`
	CorrelationID string    `json:"clientId,omitempty"`
	SenderID      string    `json:"senderId"`
	Content       string    `json:"content"`
	Snippet       string    `json:"snippet"`
	CreatedAt     time.Time `json:"createdAt"`
}

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Index is the message search index.
type Index struct {
	db     *sql.DB
	store  *store.Store
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// Open creates an empty index with its schema applied.
func Open(st *store.Store, b *bus.Bus, logger *zap.Logger) (*Index, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	// Every connection to :memory: is its own database.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping index: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ix := &Index{db: db, store: st, bus: b, logger: logger}
	if _, err := ix.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ix, nil
}

// Migrate runs all pending migrations on the index database.
func (ix *Index) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(ix.db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	err = m.Up()
	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed = false
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	version, dirty, _ := m.Version()
	return &MigrateResult{
		Version: version,
		Dirty:   dirty,
		Changed: changed,
	}, nil
}

// Start indexes every cached message list and then follows cache changes.
// Notifications the bus drops on a full buffer are detected and repaired by
// a full resync.
func (ix *Index) Start(ctx context.Context) {
	ctx, ix.cancel = context.WithCancel(ctx)
	ix.done = make(chan struct{})
	ch, dropped, unsub := ix.bus.SubscribeTracked(topic, followBuffer)

	ix.resync(ctx)

	go func() {
		defer close(ix.done)
		defer unsub()
		ticker := time.NewTicker(resyncInterval)
		defer ticker.Stop()
		for {
			select {
			case evt := <-ch:
				if k, ok := evt.Payload.(store.Key); ok {
					ix.reindex(ctx, k.ID)
				}
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
			if n := dropped(); n > 0 {
				ix.logger.Warn("index missed cache notifications, resyncing", zap.Uint64("missed", n))
				ix.resync(ctx)
			}
		}
	}()
}

// resync reindexes every cached chat and clears chats no longer cached.
func (ix *Index) resync(ctx context.Context) {
	chats := make(map[string]bool)
	for _, k := range ix.store.Keys(store.KindMessages) {
		chats[k.ID] = true
	}
	indexed, err := ix.indexedChats(ctx)
	if err != nil {
		ix.logger.Warn("failed to list indexed chats", zap.Error(err))
	}
	for _, id := range indexed {
		chats[id] = true
	}
	for id := range chats {
		ix.reindex(ctx, id)
	}
}

func (ix *Index) indexedChats(ctx context.Context) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT DISTINCT chat_id FROM messages`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stop stops following the cache.
func (ix *Index) Stop() {
	if ix.cancel == nil {
		return
	}
	ix.cancel()
	<-ix.done
}

// Close releases the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

func (ix *Index) reindex(ctx context.Context, chatID string) {
	if err := ix.Reindex(ctx, chatID); err != nil && ctx.Err() == nil {
		ix.logger.Warn("failed to reindex chat", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// Reindex replaces the indexed messages of one chat with the cached ones.
// Deleted messages are not searchable.
func (ix *Index) Reindex(ctx context.Context, chatID string) error {
	list, cached := ix.store.ReadMessages(chatID)

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clear chat: %w", err)
	}
	if cached {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO messages (chat_id, message_key, message_id, sender_id, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, m := range list.Messages {
			if m.Deleted || m.Content == "" {
				continue
			}
			if _, err := stmt.ExecContext(ctx, chatID, m.Key(), m.ID, m.SenderID, m.Content, m.CreatedAt.UnixMilli()); err != nil {
				return fmt.Errorf("insert message %s: %w", m.Key(), err)
			}
		}
	}
	return tx.Commit()
}

// Search returns the newest messages whose content contains query, case
// insensitively. A non-empty chatID restricts the search to one chat.
func (ix *Index) Search(ctx context.Context, query, chatID string, limit int) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT chat_id, message_key, message_id, sender_id, content, created_at
		FROM messages
		WHERE content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if chatID != "" {
		q += " AND chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY created_at DESC, message_key DESC LIMIT ?"
	args = append(args, limit)

	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var (
			h   Hit
			key string
			ms  int64
		)
		if err := rows.Scan(&h.ChatID, &key, &h.MessageID, &h.SenderID, &h.Content, &ms); err != nil {
			return nil, err
		}
		if h.MessageID == "" {
			h.CorrelationID = strings.TrimPrefix(key, "~")
		}
		h.CreatedAt = time.UnixMilli(ms).UTC()
		h.Snippet = snippet(h.Content, query, 32)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet cuts content to about width runes on each side of the first
// match, marking the match with << >>.
func snippet(content, query string, width int) string {
	runes := []rune(content)
	lower := []rune(strings.ToLower(content))
	q := []rune(strings.ToLower(query))
	at := -1
	for i := 0; i+len(q) <= len(lower); i++ {
		if string(lower[i:i+len(q)]) == string(q) {
			at = i
			break
		}
	}
	if at < 0 || len(lower) != len(runes) {
		return content
	}
	start, end := max(at-width, 0), min(at+len(q)+width, len(runes))
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(string(runes[start:at]))
	b.WriteString("<<")
	b.WriteString(string(runes[at : at+len(q)]))
	b.WriteString(">>")
	b.WriteString(string(runes[at+len(q) : end]))
	if end < len(runes) {
		b.WriteString("...")
	}
	return b.String()
}
