package fetch

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Merger folds fetch results into the cache.
type Merger interface {
	MergeChatPage(f store.ChatFilter, page int, fetched store.ChatPage, startRev uint64) error
	MergeChat(fetched store.Chat, startRev uint64) error
	MergeMessagePage(chatID string, msgs []store.Message, w intsync.Window, startRev uint64) error
}

// Options tunes freshness and retention.
type Options struct {
	PageSize int
	// ChatsStaleAfter and MessagesStaleAfter bound how long a fetched key is
	// served from cache without refetching.
	ChatsStaleAfter    time.Duration
	MessagesStaleAfter time.Duration
	// Lifetime is how long an unwatched key stays cached after its last fetch.
	// Zero keeps keys forever.
	Lifetime      time.Duration
	SweepInterval time.Duration
}

// DefaultOptions returns the options used when the config leaves them unset.
func DefaultOptions() Options {
	return Options{
		PageSize:           30,
		ChatsStaleAfter:    30 * time.Second,
		MessagesStaleAfter: 60 * time.Second,
		Lifetime:           5 * time.Minute,
		SweepInterval:      time.Minute,
	}
}

type entry struct {
	fetchedAt time.Time
	stale     bool
}

// Fetcher loads chat lists, chats and message pages on demand and merges
// them into the store. Concurrent requests for one key share a single
// backend call. A failed fetch leaves the cache untouched.
type Fetcher struct {
	client Client
	merger Merger
	store  *store.Store
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	group   singleflight.Group
	mu      gosync.Mutex
	entries map[store.Key]*entry
	cancel  context.CancelFunc
}

// NewFetcher creates a fetcher.
func NewFetcher(c Client, m Merger, st *store.Store, opts Options, logger *zap.Logger) *Fetcher {
	def := DefaultOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:  c,
		merger:  m,
		store:   st,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		entries: make(map[store.Key]*entry),
	}
}

// Chats returns one page of a chat-list query, fetching it unless fresh.
func (f *Fetcher) Chats(ctx context.Context, filter store.ChatFilter, page int) (store.ChatPage, error) {
	if page < 1 {
		page = 1
	}
	key := store.ChatListKey(filter, page)
	err := f.load(ctx, key, func(ctx context.Context, startRev uint64) error {
		res, err := f.client.ListChats(ctx, filter, page, f.opts.PageSize)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return f.merger.MergeChatPage(filter, page, res, startRev)
	})
	if err != nil {
		return store.ChatPage{}, err
	}
	res, _ := f.store.ReadChatList(filter, page)
	return res, nil
}

// Chat returns a chat detail, fetching it unless fresh.
func (f *Fetcher) Chat(ctx context.Context, id string) (store.Chat, error) {
	err := f.load(ctx, store.ChatKey(id), func(ctx context.Context, startRev uint64) error {
		res, err := f.client.GetChat(ctx, id)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return f.merger.MergeChat(res, startRev)
	})
	if err != nil {
		return store.Chat{}, err
	}
	res, _ := f.store.ReadChat(id)
	return res, nil
}

// Messages returns a chat's cached messages, fetching the newest page
// unless fresh.
func (f *Fetcher) Messages(ctx context.Context, chatID string) (store.MessageList, error) {
	err := f.load(ctx, store.MessagesKey(chatID), func(ctx context.Context, startRev uint64) error {
		return f.fetchMessages(ctx, chatID, "", startRev)
	})
	if err != nil {
		return store.MessageList{}, err
	}
	res, _ := f.store.ReadMessages(chatID)
	return res, nil
}

// Older loads the page preceding the oldest cached message. It loads the
// newest page instead when nothing is cached yet.
func (f *Fetcher) Older(ctx context.Context, chatID string) (store.MessageList, error) {
	list, ok := f.store.ReadMessages(chatID)
	if !ok {
		return f.Messages(ctx, chatID)
	}
	if !list.HasMore || list.OldestID == "" {
		return list, nil
	}
	before := list.OldestID
	_, err, _ := f.group.Do("older/"+chatID+"/"+before, func() (any, error) {
		return nil, f.fetchMessages(ctx, chatID, before, f.store.Rev())
	})
	if err != nil {
		return store.MessageList{}, err
	}
	res, _ := f.store.ReadMessages(chatID)
	return res, nil
}

func (f *Fetcher) fetchMessages(ctx context.Context, chatID, before string, startRev uint64) error {
	msgs, err := f.client.ListMessages(ctx, chatID, 1, f.opts.PageSize, before)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w := intsync.Window{Older: before != "", HasMore: len(msgs) >= f.opts.PageSize}
	return f.merger.MergeMessagePage(chatID, msgs, w, startRev)
}

// load runs fetch for key unless the key is fresh and cached. Results of a
// request whose context ended are discarded by fetch before merging.
func (f *Fetcher) load(ctx context.Context, key store.Key, fetch func(context.Context, uint64) error) error {
	if f.Fresh(key) {
		if _, ok := f.store.Read(key); ok {
			return nil
		}
	}
	call := func() error {
		_, err, _ := f.group.Do(key.String(), func() (any, error) {
			if err := fetch(ctx, f.store.Rev()); err != nil {
				return nil, err
			}
			f.markFetched(key)
			return nil, nil
		})
		return err
	}
	err := call()
	if err != nil && ctx.Err() == nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		// Shared with a caller whose context ended first.
		err = call()
	}
	if err != nil {
		f.logger.Debug("fetch failed", zap.String("key", key.String()), zap.Error(err))
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	return nil
}

// Fresh reports whether key was fetched within its staleness window and
// has not been invalidated since.
func (f *Fetcher) Fresh(key store.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok || e.stale {
		return false
	}
	return f.now().Sub(e.fetchedAt) < f.staleAfter(key)
}

func (f *Fetcher) staleAfter(key store.Key) time.Duration {
	if key.Kind == store.KindMessages {
		return f.opts.MessagesStaleAfter
	}
	return f.opts.ChatsStaleAfter
}

func (f *Fetcher) markFetched(key store.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = &entry{fetchedAt: f.now()}
}

// Invalidate marks key stale so the next read refetches it. The cached
// value stays readable meanwhile.
func (f *Fetcher) Invalidate(key store.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[key]; ok {
		e.stale = true
	}
}

// InvalidateAll marks every fetched key stale. Called after the event
// stream reconnects, since events may have been missed while it was down.
func (f *Fetcher) InvalidateAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		e.stale = true
	}
}

// Sweep evicts unwatched keys whose last fetch is older than Lifetime and
// returns how many were evicted. Keys holding pending or failed optimistic
// entities are kept until their actions settle or are discarded.
func (f *Fetcher) Sweep() int {
	if f.opts.Lifetime <= 0 {
		return 0
	}
	now := f.now()
	var expired []store.Key
	f.mu.Lock()
	for k, e := range f.entries {
		if now.Sub(e.fetchedAt) > f.opts.Lifetime && !f.store.Watched(k) {
			expired = append(expired, k)
		}
	}
	f.mu.Unlock()

	n := 0
	for _, k := range expired {
		if f.store.EvictSettled(k) {
			n++
			f.logger.Debug("evicted idle key", zap.String("key", k.String()))
		} else if _, ok := f.store.Read(k); ok {
			f.logger.Debug("kept idle key with unsettled actions", zap.String("key", k.String()))
			continue
		}
		f.mu.Lock()
		delete(f.entries, k)
		f.mu.Unlock()
	}
	return n
}

// Start runs the sweeper until ctx ends or Stop is called.
func (f *Fetcher) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	go f.loop(ctx)
}

// Stop stops the sweeper.
func (f *Fetcher) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Fetcher) loop(ctx context.Context) {
	ticker := time.NewTicker(f.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := f.Sweep(); n > 0 {
				f.logger.Info("swept idle cache keys", zap.Int("evicted", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
