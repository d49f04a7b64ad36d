package outbox

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/fetch"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// DefaultActionTimeout bounds how long an action waits for its mutation.
const DefaultActionTimeout = 15 * time.Second

// Bus event kinds published for every action state change.
const (
	EventPending   = "outbox.pending"
	EventConfirmed = "outbox.confirmed"
	EventFailed    = "outbox.failed"
	EventDiscarded = "outbox.discarded"
)

// Mutator issues the server mutations behind optimistic actions. Each call
// returns the canonical entity.
type Mutator interface {
	SendMessage(ctx context.Context, chatID string, in fetch.NewMessage) (store.Message, error)
	EditMessage(ctx context.Context, chatID, messageID, content string) (store.Message, error)
	DeleteMessage(ctx context.Context, chatID, messageID string) (store.Message, error)
	SetReaction(ctx context.Context, chatID, messageID, emoji string, add bool) (store.Message, error)
	MarkRead(ctx context.Context, chatID string) (store.Chat, error)
	CreateChat(ctx context.Context, in fetch.NewChat) (store.Chat, error)
}

// Coordinator applies local actions to the cache immediately, issues the
// matching mutation and reconciles the provisional state with the result.
// Actions that fail stay in the cache flagged failed until retried or
// discarded.
type Coordinator struct {
	store   *store.Store
	mut     Mutator
	selfID  string
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	mu      gosync.Mutex
	actions map[string]*Action
	// edits maps chat/message to the correlation id of its newest edit.
	edits  map[string]string
	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewCoordinator creates a coordinator. A zero timeout uses
// DefaultActionTimeout.
func NewCoordinator(st *store.Store, mut Mutator, selfID string, b *bus.Bus, logger *zap.Logger, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:   st,
		mut:     mut,
		selfID:  selfID,
		bus:     b,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
		actions: make(map[string]*Action),
		edits:   make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds later mutations to ctx.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx, c.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight mutations and waits for them to settle. Their
// actions end up failed.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

// Send posts a new message. The message shows up in the chat immediately
// with status pending.
func (c *Coordinator) Send(chatID string, in fetch.NewMessage) (*Action, error) {
	if chatID == "" {
		return nil, fmt.Errorf("send: %w", ErrNotCached)
	}
	if in.Type == "" {
		in.Type = store.TextMessage
	}
	in.ClientID = uuid.NewString()
	a := newAction(in.ClientID, KindSend, chatID, "")
	a.op = &sendOp{chatID: chatID, in: in, self: c.selfID, at: c.now()}
	return c.begin(a)
}

// Edit replaces the content of a confirmed message. A newer edit of the same
// message supersedes an older one still in flight.
func (c *Coordinator) Edit(chatID, messageID, content string) (*Action, error) {
	if messageID == "" {
		return nil, fmt.Errorf("edit: %w", ErrUnconfirmed)
	}
	a := newAction(uuid.NewString(), KindEdit, chatID, messageID)
	key := chatID + "/" + messageID
	a.op = &editOp{
		chatID:    chatID,
		messageID: messageID,
		content:   content,
		at:        c.now(),
		latest: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.edits[key] == a.ID
		},
	}

	c.mu.Lock()
	prev, hadPrev := c.edits[key]
	c.edits[key] = a.ID
	c.mu.Unlock()

	got, err := c.begin(a)
	if err != nil {
		c.mu.Lock()
		if c.edits[key] == a.ID {
			if hadPrev {
				c.edits[key] = prev
			} else {
				delete(c.edits, key)
			}
		}
		c.mu.Unlock()
	}
	return got, err
}

// Delete deletes a confirmed message. The content is kept and flagged
// deleted.
func (c *Coordinator) Delete(chatID, messageID string) (*Action, error) {
	if messageID == "" {
		return nil, fmt.Errorf("delete: %w", ErrUnconfirmed)
	}
	a := newAction(uuid.NewString(), KindDelete, chatID, messageID)
	a.op = &deleteOp{chatID: chatID, messageID: messageID, at: c.now()}
	return c.begin(a)
}

// React adds or removes the local user's reaction on a message.
func (c *Coordinator) React(chatID, messageID, emoji string, add bool) (*Action, error) {
	if messageID == "" {
		return nil, fmt.Errorf("react: %w", ErrUnconfirmed)
	}
	if emoji == "" {
		return nil, errors.New("react: empty emoji")
	}
	a := newAction(uuid.NewString(), KindReact, chatID, messageID)
	a.op = &reactOp{chatID: chatID, messageID: messageID, emoji: emoji, add: add, self: c.selfID, now: c.now}
	return c.begin(a)
}

// MarkRead clears the chat's unread count.
func (c *Coordinator) MarkRead(chatID string) (*Action, error) {
	a := newAction(uuid.NewString(), KindMarkRead, chatID, "")
	a.op = &readOp{chatID: chatID, corr: a.ID, at: c.now()}
	return c.begin(a)
}

// CreateChat creates a chat. The chat is listed on the first page of every
// cached chat list whose filter admits it until the server assigns its id.
func (c *Coordinator) CreateChat(in fetch.NewChat) (*Action, error) {
	if in.Type == "" {
		in.Type = store.Direct
	}
	in.ClientID = uuid.NewString()
	a := newAction(in.ClientID, KindCreateChat, "", "")
	a.op = &createOp{in: in, self: c.selfID, at: c.now()}
	return c.begin(a)
}

// Retry reissues a failed action with the same correlation id.
func (c *Coordinator) Retry(id string) (*Action, error) {
	a, ok := c.Action(id)
	if !ok {
		return nil, fmt.Errorf("retry %s: %w", id, ErrUnknownAction)
	}
	if e, ok := a.op.(*editOp); ok && !e.latest() {
		return nil, fmt.Errorf("retry %s: %w", id, ErrSuperseded)
	}
	attempt := a.currentAttempt()
	if err := a.transition(attempt, Initiated, nil); err != nil {
		return nil, fmt.Errorf("retry %s: %w", id, err)
	}
	attempt++

	echoed := false
	_ = c.store.Txn(func(tx *store.Txn) error {
		echoed = a.op.mark(tx, store.Pending)
		return nil
	})
	if echoed {
		c.settle(a, attempt, Confirmed, nil)
		return a, nil
	}
	c.publish(EventPending, a)
	c.dispatch(a, attempt)
	return a, nil
}

// Discard drops a failed action and restores the state from before it.
// A failed send is removed from its chat.
func (c *Coordinator) Discard(id string) error {
	a, ok := c.Action(id)
	if !ok {
		return fmt.Errorf("discard %s: %w", id, ErrUnknownAction)
	}
	if err := a.transition(a.currentAttempt(), Discarded, a.Err()); err != nil {
		return fmt.Errorf("discard %s: %w", id, err)
	}
	_ = c.store.Txn(func(tx *store.Txn) error {
		a.op.revert(tx)
		return nil
	})
	c.forget(a)
	c.publish(EventDiscarded, a)
	return nil
}

// Action returns a tracked action. Confirmed and discarded actions are no
// longer tracked.
func (c *Coordinator) Action(id string) (*Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.actions[id]
	return a, ok
}

// Actions lists the tracked actions: those in flight and those failed.
func (c *Coordinator) Actions() []Notice {
	c.mu.Lock()
	list := make([]*Action, 0, len(c.actions))
	for _, a := range c.actions {
		list = append(list, a)
	}
	c.mu.Unlock()

	out := make([]Notice, 0, len(list))
	for _, a := range list {
		out = append(out, a.Notice())
	}
	return out
}

func (c *Coordinator) begin(a *Action) (*Action, error) {
	if err := c.store.Txn(a.op.apply); err != nil {
		return nil, fmt.Errorf("%s: %w", a.Kind, err)
	}
	c.mu.Lock()
	c.actions[a.ID] = a
	c.mu.Unlock()

	c.logger.Debug("action initiated",
		zap.String("correlation_id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("chat_id", a.ChatID))
	c.publish(EventPending, a)
	c.dispatch(a, a.currentAttempt())
	return a, nil
}

type outcome struct {
	result any
	err    error
}

// dispatch runs the mutation of one attempt. The attempt fails when the
// mutation errors or the action timeout elapses first.
func (c *Coordinator) dispatch(a *Action, attempt int) {
	c.mu.Lock()
	base := c.ctx
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(base, c.timeout)
		defer cancel()

		res := make(chan outcome, 1)
		go func() {
			r, err := a.op.mutate(ctx, c.mut)
			res <- outcome{result: r, err: err}
		}()

		select {
		case o := <-res:
			if o.err != nil {
				c.fail(a, attempt, o.err)
				return
			}
			c.confirm(a, attempt, o.result)
		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
			}
			c.fail(a, attempt, err)
		}
	}()
}

func (c *Coordinator) confirm(a *Action, attempt int, result any) {
	if a.currentAttempt() != attempt {
		return
	}
	if err := c.store.Txn(func(tx *store.Txn) error { return a.op.confirm(tx, result) }); err != nil {
		c.logger.Warn("failed to apply confirmation",
			zap.String("correlation_id", a.ID),
			zap.String("kind", string(a.Kind)),
			zap.Error(err))
	}
	c.settle(a, attempt, Confirmed, nil)
}

func (c *Coordinator) fail(a *Action, attempt int, cause error) {
	if a.currentAttempt() != attempt {
		return
	}
	echoed := false
	_ = c.store.Txn(func(tx *store.Txn) error {
		echoed = a.op.mark(tx, store.Failed)
		return nil
	})
	if echoed {
		c.settle(a, attempt, Confirmed, nil)
		return
	}
	c.logger.Warn("action failed",
		zap.String("correlation_id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("chat_id", a.ChatID),
		zap.Error(cause))
	c.settle(a, attempt, Failed, cause)
}

func (c *Coordinator) settle(a *Action, attempt int, to State, cause error) {
	if err := a.transition(attempt, to, cause); err != nil {
		c.logger.Debug("action outcome dropped", zap.String("correlation_id", a.ID), zap.Error(err))
		return
	}
	if to == Confirmed {
		c.forget(a)
		c.publish(EventConfirmed, a)
		return
	}
	c.publish(EventFailed, a)
}

func (c *Coordinator) forget(a *Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.actions, a.ID)
	key := a.ChatID + "/" + a.MessageID
	if c.edits[key] == a.ID {
		delete(c.edits, key)
	}
}

func (c *Coordinator) publish(kind string, a *Action) {
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent(kind, a.Notice()))
	}
}
