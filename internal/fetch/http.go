package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

// HTTPClient talks to the REST backend with JSON bodies and a bearer token.
// It serves both reads (Client) and the mutations the outbox issues.
type HTTPClient struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewHTTPClient creates a client for the API rooted at baseURL.
func NewHTTPClient(baseURL, token string, timeout time.Duration) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", baseURL)
	}
	return &HTTPClient{base: u, token: token, http: &http.Client{Timeout: timeout}}, nil
}

type chatPageBody struct {
	Chats      []store.Chat     `json:"chats"`
	Pagination store.Pagination `json:"pagination"`
}

type errorBody struct {
	Error string `json:"error"`
}

// ListChats fetches one page of the filtered chat list.
func (c *HTTPClient) ListChats(ctx context.Context, f store.ChatFilter, page, limit int) (store.ChatPage, error) {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	if f.Query != "" {
		q.Set("q", f.Query)
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var body chatPageBody
	if err := c.do(ctx, "list chats", http.MethodGet, "/chats", q, nil, &body); err != nil {
		return store.ChatPage{}, err
	}
	return store.ChatPage{Chats: body.Chats, Pagination: body.Pagination}, nil
}

// GetChat fetches one chat.
func (c *HTTPClient) GetChat(ctx context.Context, id string) (store.Chat, error) {
	var chat store.Chat
	err := c.do(ctx, "get chat", http.MethodGet, "/chats/"+url.PathEscape(id), nil, nil, &chat)
	return chat, err
}

// ListMessages fetches one page of a chat's messages, newest page first.
// A non-empty before restricts the page to messages older than that id.
func (c *HTTPClient) ListMessages(ctx context.Context, chatID string, page, limit int, before string) ([]store.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	if before != "" {
		q.Set("before", before)
	}
	var msgs []store.Message
	err := c.do(ctx, "list messages", http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", q, nil, &msgs)
	return msgs, err
}

// SendMessage posts a new message.
func (c *HTTPClient) SendMessage(ctx context.Context, chatID string, in NewMessage) (store.Message, error) {
	var m store.Message
	err := c.do(ctx, "send message", http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/messages", nil, in, &m)
	return m, err
}

// EditMessage replaces a message's content.
func (c *HTTPClient) EditMessage(ctx context.Context, chatID, messageID, content string) (store.Message, error) {
	var m store.Message
	err := c.do(ctx, "edit message", http.MethodPatch, messagePath(chatID, messageID), nil, map[string]string{"content": content}, &m)
	return m, err
}

// DeleteMessage deletes a message.
func (c *HTTPClient) DeleteMessage(ctx context.Context, chatID, messageID string) (store.Message, error) {
	var m store.Message
	err := c.do(ctx, "delete message", http.MethodDelete, messagePath(chatID, messageID), nil, nil, &m)
	return m, err
}

// SetReaction adds or removes the local user's reaction.
func (c *HTTPClient) SetReaction(ctx context.Context, chatID, messageID, emoji string, add bool) (store.Message, error) {
	method := http.MethodPut
	if !add {
		method = http.MethodDelete
	}
	var m store.Message
	err := c.do(ctx, "set reaction", method, messagePath(chatID, messageID)+"/reactions/"+url.PathEscape(emoji), nil, nil, &m)
	return m, err
}

// MarkRead marks every message of a chat read.
func (c *HTTPClient) MarkRead(ctx context.Context, chatID string) (store.Chat, error) {
	var chat store.Chat
	err := c.do(ctx, "mark read", http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/read", nil, nil, &chat)
	return chat, err
}

// CreateChat creates a chat.
func (c *HTTPClient) CreateChat(ctx context.Context, in NewChat) (store.Chat, error) {
	var chat store.Chat
	err := c.do(ctx, "create chat", http.MethodPost, "/chats", nil, in, &chat)
	return chat, err
}

func messagePath(chatID, messageID string) string {
	return "/chats/" + url.PathEscape(chatID) + "/messages/" + url.PathEscape(messageID)
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, q url.Values, in, out any) error {
	u := *c.base
	u.RawPath = c.base.EscapedPath() + path
	decoded, err := url.PathUnescape(u.RawPath)
	if err != nil {
		return fmt.Errorf("%s: bad path: %w", op, err)
	}
	u.Path = decoded
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{Op: op, Code: resp.StatusCode, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
