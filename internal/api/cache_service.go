package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/fetch"
	"github.com/matheus3301/chatsync/internal/index"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/room"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 200
)

// Typing sets reach the UI through room.typing, which carries only the
// active chat, so cache.typing/ is not streamed by default.
var defaultWatchPrefixes = []string{
	store.KindChatList.Topic(),
	store.KindChat.Topic(),
	store.KindMessages.Topic(),
	"outbox.", "room.", "link.",
}

// Reader serves cache reads, fetching what is missing or stale.
type Reader interface {
	Chats(ctx context.Context, filter store.ChatFilter, page int) (store.ChatPage, error)
	Chat(ctx context.Context, id string) (store.Chat, error)
	Messages(ctx context.Context, chatID string) (store.MessageList, error)
	Older(ctx context.Context, chatID string) (store.MessageList, error)
}

// Searcher searches the cached messages.
type Searcher interface {
	Search(ctx context.Context, query, chatID string, limit int) ([]index.Hit, error)
}

// Typist sends the local user's typing state to the backend.
type Typist interface {
	SendTyping(ctx context.Context, chatID string, typing bool) error
}

// Deps are the components the cache service fronts. Search and Typist may
// be nil, in which case their methods answer Unavailable.
type Deps struct {
	Session string
	SelfID  string
	Reader  Reader
	Outbox  *outbox.Coordinator
	Rooms   *room.Manager
	Search  Searcher
	Typist  Typist
	Machine *status.Machine
	Store   *store.Store
	Bus     *bus.Bus
	Logger  *zap.Logger
}

// CacheService implements the chatsync.v1.Cache gRPC service on top of the
// cache components.
type CacheService struct {
	d         Deps
	startedAt time.Time
}

// NewCacheService creates the service.
func NewCacheService(d Deps) *CacheService {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &CacheService{d: d, startedAt: time.Now()}
}

func (s *CacheService) ListChats(ctx context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	page, err := s.d.Reader.Chats(ctx, store.ChatFilter{Type: req.Type, Query: req.Query}, req.Page)
	if err != nil {
		return nil, s.fail("list chats", err)
	}
	return &ListChatsResponse{Page: page}, nil
}

func (s *CacheService) GetChat(ctx context.Context, req *GetChatRequest) (*GetChatResponse, error) {
	if req.ChatID == "" {
		return nil, errChatRequired
	}
	c, err := s.d.Reader.Chat(ctx, req.ChatID)
	if err != nil {
		return nil, s.fail("get chat", err)
	}
	return &GetChatResponse{Chat: c}, nil
}

func (s *CacheService) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	if req.ChatID == "" {
		return nil, errChatRequired
	}
	list, err := s.d.Reader.Messages(ctx, req.ChatID)
	if err != nil {
		return nil, s.fail("list messages", err)
	}
	return &ListMessagesResponse{Messages: list}, nil
}

func (s *CacheService) LoadOlder(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	if req.ChatID == "" {
		return nil, errChatRequired
	}
	list, err := s.d.Reader.Older(ctx, req.ChatID)
	if err != nil {
		return nil, s.fail("load older", err)
	}
	return &ListMessagesResponse{Messages: list}, nil
}

func (s *CacheService) Send(ctx context.Context, req *SendRequest) (*ActionResponse, error) {
	if req.ChatID == "" {
		return nil, errChatRequired
	}
	if req.Content == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "content required")
	}
	a, err := s.d.Outbox.Send(req.ChatID, fetch.NewMessage{Content: req.Content, Type: req.Type, ReplyTo: req.ReplyTo})
	return s.action(ctx, "send", a, err, req.Wait)
}

func (s *CacheService) Edit(ctx context.Context, req *EditRequest) (*ActionResponse, error) {
	if req.ChatID == "" {
		return nil, errChatRequired
	}
	a, err := s.d.Outbox.Edit(req.ChatID, req.MessageID, req.Content)
	return s.action(ctx, "edit", a, err, req.Wait)
}

func (s *CacheService) Delete(ctx context.Context, req *DeleteRequest) (*ActionResponse, error) {
	if req.ChatID == "" {
		return nil, errChatRequired
	}
	a, err := s.d.Outbox.Delete(req.ChatID, req.MessageID)
	return s.action(ctx, "delete", a, err, req.Wait)
}

func (s *CacheService) React(ctx context.Context, req *ReactRequest) (*ActionResponse, error) {
	if req.ChatID == "" {
		return nil, errChatRequired
	}
	if req.Emoji == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "emoji required")
	}
	a, err := s.d.Outbox.React(req.ChatID, req.MessageID, req.Emoji, req.Add)
	return s.action(ctx, "react", a, err, req.Wait)
}

func (s *CacheService) MarkRead(ctx context.Context, req *MarkReadRequest) (*ActionResponse, error) {
	if req.ChatID == "" {
		return nil, errChatRequired
	}
	a, err := s.d.Outbox.MarkRead(req.ChatID)
	return s.action(ctx, "mark read", a, err, req.Wait)
}

func (s *CacheService) CreateChat(ctx context.Context, req *CreateChatRequest) (*ActionResponse, error) {
	if len(req.Participants) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "participants required")
	}
	a, err := s.d.Outbox.CreateChat(fetch.NewChat{Type: req.Type, Title: req.Title, Participants: req.Participants})
	return s.action(ctx, "create chat", a, err, req.Wait)
}

func (s *CacheService) Retry(ctx context.Context, req *ActionRequest) (*ActionResponse, error) {
	a, err := s.d.Outbox.Retry(req.CorrelationID)
	return s.action(ctx, "retry", a, err, req.Wait)
}

func (s *CacheService) Discard(_ context.Context, req *ActionRequest) (*DiscardResponse, error) {
	if err := s.d.Outbox.Discard(req.CorrelationID); err != nil {
		return nil, s.fail("discard", err)
	}
	return &DiscardResponse{}, nil
}

func (s *CacheService) SetActive(_ context.Context, req *SetActiveRequest) (*SetActiveResponse, error) {
	s.d.Rooms.SetActive(req.ChatID)
	return &SetActiveResponse{ChatID: s.d.Rooms.Active(), Typing: s.d.Rooms.ActiveTyping()}, nil
}

func (s *CacheService) SetTyping(ctx context.Context, req *SetTypingRequest) (*SetTypingResponse, error) {
	if req.ChatID == "" {
		return nil, errChatRequired
	}
	if s.d.Typist == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "event stream not configured")
	}
	if err := s.d.Typist.SendTyping(ctx, req.ChatID, req.Typing); err != nil {
		return nil, s.fail("set typing", err)
	}
	return &SetTypingResponse{}, nil
}

func (s *CacheService) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if req.Query == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query required")
	}
	if s.d.Search == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "search index not available")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)
	hits, err := s.d.Search.Search(ctx, req.Query, req.ChatID, limit)
	if err != nil {
		return nil, s.fail("search", err)
	}
	return &SearchResponse{Hits: hits}, nil
}

func (s *CacheService) Status(_ context.Context, _ *StatusRequest) (*StatusResponse, error) {
	resp := &StatusResponse{
		Session:    s.d.Session,
		SelfID:     s.d.SelfID,
		ActiveChat: s.d.Rooms.Active(),
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
		Actions:    s.d.Outbox.Actions(),
	}
	if s.d.Machine != nil {
		resp.Link = s.d.Machine.Current()
	}
	if s.d.Store != nil {
		resp.CachedChats = len(s.d.Store.Keys(store.KindChat))
		resp.CachedLists = len(s.d.Store.Keys(store.KindChatList))
		resp.CachedThread = len(s.d.Store.Keys(store.KindMessages))
	}
	return resp, nil
}

// Watch streams bus events until the client goes away.
func (s *CacheService) Watch(req *WatchRequest, stream grpc.ServerStreamingServer[WatchEvent]) error {
	ctx := stream.Context()
	prefixes := req.Prefixes
	if len(prefixes) == 0 && len(req.Keys) == 0 {
		prefixes = defaultWatchPrefixes
	}

	events := make(chan bus.Event, 256)
	forward := func(ch <-chan bus.Event, unsub func()) {
		go func() {
			defer unsub()
			for {
				select {
				case evt := <-ch:
					select {
					case events <- evt:
					default:
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	for _, p := range prefixes {
		forward(s.d.Bus.Subscribe(p, 64))
	}
	for _, k := range req.Keys {
		forward(s.d.Bus.SubscribeKind(store.TopicPrefix+k, 64))
	}

	for {
		select {
		case evt := <-events:
			out, err := toWatchEvent(evt)
			if err != nil {
				s.d.Logger.Warn("skipping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func toWatchEvent(evt bus.Event) (*WatchEvent, error) {
	out := &WatchEvent{Kind: evt.Kind, Timestamp: evt.Timestamp}
	if k, ok := evt.Payload.(store.Key); ok {
		out.Key = k.String()
		return out, nil
	}
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		out.Payload = raw
	}
	return out, nil
}

// action answers an outbox call, optionally waiting for the action to settle.
func (s *CacheService) action(ctx context.Context, op string, a *outbox.Action, err error, wait bool) (*ActionResponse, error) {
	if err != nil {
		return nil, s.fail(op, err)
	}
	if wait {
		select {
		case <-a.Done():
		case <-ctx.Done():
			return nil, toStatus(ctx.Err())
		}
	}
	return &ActionResponse{Action: a.Notice()}, nil
}

func (s *CacheService) fail(op string, err error) error {
	st := toStatus(err)
	if grpcstatus.Code(st) == codes.Internal {
		s.d.Logger.Warn(op+" failed", zap.Error(err))
	} else {
		s.d.Logger.Debug(op+" failed", zap.Error(err))
	}
	return st
}

var errChatRequired = grpcstatus.Error(codes.InvalidArgument, "chat id required")
