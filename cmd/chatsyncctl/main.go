package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

var (
	faint  = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		if errors.Is(err, session.ErrInvalidName) {
			fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
			printUsage()
			os.Exit(2)
		}
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := api.Dial(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		cmdWatch(ctx, c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "chats":
		cmdChats(ctx, c, args[1:], *jsonFlag)
	case "messages":
		need(args, 2, "messages <chat-id> [older]")
		cmdMessages(ctx, c, args[1], len(args) > 2 && args[2] == "older", *jsonFlag)
	case "send":
		need(args, 3, "send <chat-id> <text>")
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "search":
		need(args, 2, "search <query> [chat-id]")
		chatID := ""
		if len(args) > 2 {
			chatID = args[2]
		}
		cmdSearch(ctx, c, args[1], chatID, *jsonFlag)
	case "active":
		chatID := ""
		if len(args) > 1 {
			chatID = args[1]
		}
		cmdActive(ctx, c, chatID, *jsonFlag)
	case "retry":
		need(args, 2, "retry <client-id>")
		cmdRetry(ctx, c, args[1], *jsonFlag)
	case "discard":
		need(args, 2, "discard <client-id>")
		if _, err := c.Discard(ctx, &api.ActionRequest{CorrelationID: args[1]}); err != nil {
			fail(err)
		}
		fmt.Println("discarded")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show link state and pending actions")
	fmt.Fprintln(os.Stderr, "  chats [query]              List chats")
	fmt.Fprintln(os.Stderr, "  messages <chat> [older]    Show a chat's messages, optionally loading older ones")
	fmt.Fprintln(os.Stderr, "  send <chat> <text>         Send a message and wait for confirmation")
	fmt.Fprintln(os.Stderr, "  search <query> [chat]      Search cached messages")
	fmt.Fprintln(os.Stderr, "  active [chat]              Set the chat in view (none when omitted)")
	fmt.Fprintln(os.Stderr, "  retry <client-id>          Retry a failed action")
	fmt.Fprintln(os.Stderr, "  discard <client-id>        Discard a failed action")
	fmt.Fprintln(os.Stderr, "  watch [prefix...]          Stream cache and action events")
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: chatsyncctl %s\n", usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *api.Client, jsonOut bool) {
	resp, err := c.Status(ctx, &api.StatusRequest{})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	link := string(resp.Link)
	if resp.Link == status.Live {
		link = green(link)
	} else {
		link = yellow(link)
	}
	fmt.Printf("Session: %s\n", resp.Session)
	fmt.Printf("User:    %s\n", resp.SelfID)
	fmt.Printf("Link:    %s\n", link)
	fmt.Printf("Active:  %s\n", orNone(resp.ActiveChat))
	fmt.Printf("Uptime:  %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("Cached:  %d chats, %d lists, %d threads\n", resp.CachedChats, resp.CachedLists, resp.CachedThread)
	for _, a := range resp.Actions {
		printAction(a)
	}
}

func cmdChats(ctx context.Context, c *api.Client, args []string, jsonOut bool) {
	resp, err := c.ListChats(ctx, &api.ListChatsRequest{Query: strings.Join(args, " ")})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp.Page)
		return
	}
	if len(resp.Page.Chats) == 0 {
		fmt.Println("No chats.")
		return
	}
	for _, chat := range resp.Page.Chats {
		unread := ""
		if chat.UnreadCount > 0 {
			unread = bold(fmt.Sprintf("(%d)", chat.UnreadCount))
		}
		preview := ""
		if chat.LastMessage != nil {
			preview = faint(truncate(chat.LastMessage.Content, 40))
		}
		fmt.Printf("%-24s %-24s %s %s\n", chat.ID, chatTitle(chat), unread, preview)
	}
	if resp.Page.Pagination.HasMore {
		fmt.Println(faint("more chats available"))
	}
}

func cmdMessages(ctx context.Context, c *api.Client, chatID string, older, jsonOut bool) {
	req := &api.ListMessagesRequest{ChatID: chatID}
	var resp *api.ListMessagesResponse
	var err error
	if older {
		resp, err = c.LoadOlder(ctx, req)
	} else {
		resp, err = c.ListMessages(ctx, req)
	}
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp.Messages)
		return
	}
	for _, m := range resp.Messages.Messages {
		content := m.Content
		if m.Deleted {
			content = faint("(deleted)")
		} else if m.Edited {
			content += faint(" (edited)")
		}
		mark := ""
		switch m.Status {
		case store.Pending:
			mark = yellow(" …")
		case store.Failed:
			mark = red(" ✗ " + m.CorrelationID)
		}
		fmt.Printf("%s %s %s%s%s\n", faint(m.CreatedAt.Local().Format("01-02 15:04")), cyan(m.SenderID+":"), content, reactions(m), mark)
	}
	if resp.Messages.HasMore {
		fmt.Println(faint("older messages available"))
	}
}

func cmdSend(ctx context.Context, c *api.Client, chatID, text string, jsonOut bool) {
	resp, err := c.Send(ctx, &api.SendRequest{ChatID: chatID, Content: text, Wait: true})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp.Action)
		return
	}
	printAction(resp.Action)
}

func cmdRetry(ctx context.Context, c *api.Client, id string, jsonOut bool) {
	resp, err := c.Retry(ctx, &api.ActionRequest{CorrelationID: id, Wait: true})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp.Action)
		return
	}
	printAction(resp.Action)
}

func cmdSearch(ctx context.Context, c *api.Client, query, chatID string, jsonOut bool) {
	resp, err := c.Search(ctx, &api.SearchRequest{Query: query, ChatID: chatID})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp.Hits)
		return
	}
	if len(resp.Hits) == 0 {
		fmt.Println("No matches in cached messages.")
		return
	}
	for _, h := range resp.Hits {
		fmt.Printf("%s %s %s\n", faint(h.ChatID), cyan(h.SenderID+":"), h.Snippet)
	}
}

func cmdActive(ctx context.Context, c *api.Client, chatID string, jsonOut bool) {
	resp, err := c.SetActive(ctx, &api.SetActiveRequest{ChatID: chatID})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Active: %s\n", orNone(resp.ChatID))
	for _, name := range resp.Typing {
		fmt.Printf("  %s is typing\n", name)
	}
}

func cmdWatch(ctx context.Context, c *api.Client, prefixes []string, jsonOut bool) {
	stream, err := c.Watch(ctx, &api.WatchRequest{Prefixes: prefixes})
	if err != nil {
		fail(err)
	}
	for {
		evt, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fail(err)
		}
		if jsonOut {
			outputJSON(evt)
			continue
		}
		detail := evt.Key
		if detail == "" {
			detail = string(evt.Payload)
		}
		fmt.Printf("%s %-24s %s\n", faint(evt.Timestamp.Local().Format("15:04:05.000")), bold(evt.Kind), detail)
	}
}

func printAction(a outbox.Notice) {
	state := string(a.State)
	switch a.State {
	case outbox.Confirmed:
		state = green(state)
	case outbox.Failed:
		state = red(state)
	default:
		state = yellow(state)
	}
	line := fmt.Sprintf("%s %-11s %s", state, a.Kind, a.CorrelationID)
	if a.Error != "" {
		line += " " + red(a.Error)
	}
	fmt.Println(line)
}

func reactions(m store.Message) string {
	if len(m.Reactions) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		parts = append(parts, fmt.Sprintf("%s%d", r.Emoji, r.Count))
	}
	return " " + faint("["+strings.Join(parts, " ")+"]")
}

func chatTitle(c store.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	names := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		names = append(names, p.Name)
	}
	return truncate(strings.Join(names, ", "), 24)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
