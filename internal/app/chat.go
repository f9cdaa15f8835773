package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eigerco/cartridge/internal/channel"
	"github.com/eigerco/cartridge/internal/keys"
	"github.com/eigerco/cartridge/internal/sel"
	"github.com/eigerco/cartridge/internal/store"
	"github.com/eigerco/cartridge/internal/watch"
	"github.com/eigerco/cartridge/pkg/log"
)

var (
	chatPrefix  = keys.New("chat")
	chatsPrefix = keys.New("chats")
)

type chatMessage struct {
	Message string `json:"message"`
}

// appendChatLine stores line under a time-ordered key and trims the room to
// the retention limit in the same transaction.
func (s *Server) appendChatLine(line string) error {
	id, err := s.rt.IDs().Ordered()
	if err != nil {
		return fmt.Errorf("generate line id: %w", err)
	}
	return s.rt.Write(func(tx *store.WriteTx) error {
		if err := tx.Put(chatPrefix.Append(id), []byte(line)); err != nil {
			return err
		}
		_, err := store.TrimToSize(tx, chatPrefix, s.chatRetention)
		return err
	})
}

func chatLines(tx *store.ReadTx) ([]string, error) {
	it, err := tx.Iterator(chatPrefix)
	if err != nil {
		return nil, err
	}
	lines := []string{}
	for ; !it.Done(); it.Next() {
		lines = append(lines, string(it.Value()))
	}
	return lines, it.Err()
}

// chat joins the room for the lifetime of a websocket.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if !usernamePattern.MatchString(username) {
		inputError(w, "invalid_username")
		return
	}

	session, err := s.rt.Upgrade(w, r)
	if err != nil {
		log.App.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer session.Close() //nolint:errcheck

	s.joinChat(r.Context(), session, username)
}

// joinChat keeps username in the room until ctx is done or the peer goes
// away: every inbound message becomes a line and every change to the room
// re-renders it.
func (s *Server) joinChat(ctx context.Context, session *channel.Session, username string) {
	if err := s.appendChatLine(username + " has joined"); err != nil {
		log.App.Error().Err(err).Str("username", username).Msg("record chat join")
		return
	}
	defer func() {
		if err := s.appendChatLine(username + " has left"); err != nil {
			log.App.Error().Err(err).Str("username", username).Msg("record chat leave")
		}
	}()

	onMessage := func(_ context.Context, raw []byte) (sel.Result, error) {
		var msg chatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			msg.Message = string(raw)
		}
		if msg.Message == "" {
			return sel.Continue, nil
		}
		return sel.Continue, s.appendChatLine(username + ": " + msg.Message)
	}

	onRoomChange := func(ctx context.Context, _ watch.Event) (sel.Result, error) {
		lines, err := store.ReadValue(s.rt.Store(), chatLines)
		if err != nil {
			return sel.Stop, err
		}
		return sel.Continue, session.SendRendered(ctx, "chat-latest", map[string]any{"lines": lines})
	}

	err := s.rt.Select(ctx,
		s.rt.Messages(session, onMessage),
		s.rt.Watch(chatPrefix, onRoomChange),
	)
	endSelect(err)
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := store.ReadValue(s.rt.Store(), func(tx *store.ReadTx) ([]string, error) {
		return children(tx, chatsPrefix)
	})
	if err != nil {
		storeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, chats)
}

// helloTimeout bounds the wait for the first message of a stream.
const helloTimeout = 10 * time.Second

type chatHello struct {
	Username string `json:"username"`
}

// ServeStream joins the chat room over a QUIC stream. The first message
// names the user, as {"username": "..."}.
func (s *Server) ServeStream(ctx context.Context, session *channel.Session) {
	username, err := readHello(ctx, session)
	if err != nil {
		log.App.Warn().Err(err).Msg("stream hello")
		_ = session.SendJSON(ctx, map[string]string{"error": "invalid_hello"})
		return
	}
	s.joinChat(ctx, session, username)
}

func readHello(ctx context.Context, session *channel.Session) (string, error) {
	timer := time.NewTimer(helloTimeout)
	defer timer.Stop()

	raw, err := awaitHello(ctx, session, timer.C)
	if err != nil {
		return "", err
	}

	var hello chatHello
	if err := json.Unmarshal(raw, &hello); err != nil {
		return "", fmt.Errorf("decode hello: %w", err)
	}
	username := strings.TrimSpace(hello.Username)
	if !usernamePattern.MatchString(username) {
		return "", fmt.Errorf("invalid username %q", hello.Username)
	}
	return username, nil
}

func awaitHello(ctx context.Context, session *channel.Session, timeout <-chan time.Time) ([]byte, error) {
	for {
		if msg, ok := session.TryReceive(); ok {
			return msg, nil
		}
		select {
		case <-session.Ready():
		case <-session.Done():
			if msg, ok := session.TryReceive(); ok {
				return msg, nil
			}
			return nil, fmt.Errorf("stream closed before hello: %w", session.Err())
		case <-timeout:
			return nil, errors.New("no hello before timeout")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
