package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/fakeserver"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8088", "listen address")
	secret := flag.String("secret", "chatsync-fake", "token signing secret")
	users := flag.String("users", "me,ana,bo", "comma-separated users to seed and print tokens for")
	verbose := flag.Bool("v", false, "log every request")
	flag.Parse()

	var logger *zap.Logger
	if *verbose {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer func() { _ = logger.Sync() }()

	srv := fakeserver.New(fakeserver.Options{Secret: []byte(*secret), Logger: logger})
	ids := strings.Split(*users, ",")
	seed(srv, ids)

	for _, id := range ids {
		tok, err := srv.Token(id)
		if err != nil {
			logger.Fatal("issue token", zap.Error(err))
		}
		fmt.Printf("%-8s %s\n", id, tok)
	}

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("fake backend listening", zap.String("addr", *addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", zap.Error(err))
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.DropConnections()
	_ = httpSrv.Shutdown(ctx)
}

// seed creates a direct chat between the first user and each other user,
// and one group chat with everyone.
func seed(srv *fakeserver.Server, ids []string) {
	if len(ids) < 2 {
		return
	}
	now := time.Now().Add(-time.Hour)
	var chats []store.Chat
	var msgs []store.Message
	for i, other := range ids[1:] {
		id := fmt.Sprintf("dm-%s-%s", ids[0], other)
		at := now.Add(time.Duration(i) * time.Minute)
		chats = append(chats, store.Chat{
			ID:           id,
			Type:         store.Direct,
			Participants: []store.Participant{{UserID: ids[0], Name: ids[0]}, {UserID: other, Name: other}},
			UpdatedAt:    at,
			LastMessage:  &store.LastMessage{MessageID: id + "-1", Content: "hi " + ids[0], SenderID: other, Timestamp: at, Type: store.TextMessage},
			UnreadCount:  1,
		})
		msgs = append(msgs, store.Message{ID: id + "-1", ChatID: id, SenderID: other, Content: "hi " + ids[0], Type: store.TextMessage, CreatedAt: at, Status: store.Sent})
	}
	group := store.Chat{ID: "group-all", Type: store.Group, Title: "everyone", UpdatedAt: now}
	for _, id := range ids {
		group.Participants = append(group.Participants, store.Participant{UserID: id, Name: id})
	}
	chats = append(chats, group)
	srv.Seed(chats, msgs)
}
