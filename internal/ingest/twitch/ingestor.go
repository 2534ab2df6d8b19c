// Package twitch connects to Twitch IRC and feeds normalized messages into
// the ingest lifecycle.
package twitch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	twitchirc "github.com/gempir/go-twitch-irc/v4"

	"chatfuse/internal/chat"
	"chatfuse/internal/ingest"
	"chatfuse/internal/logger"
)

// Config selects the channels to join. Empty Username connects anonymously,
// which is enough for reading chat.
type Config struct {
	Username string
	OAuth    string
	Channels []string
}

// New builds a Twitch ingestor driven by the shared reconnect runner.
func New(cfg Config, policy ingest.RetryPolicy, log logger.Logger) *ingest.Runner {
	tr := &transport{cfg: cfg, log: log}
	r := ingest.NewRunner(chat.PlatformTwitch, tr, policy, log)
	tr.emit = r.EmitMessage
	return r
}

// transport adapts the IRC client's callback style to the Runner's
// Dial/Receive contract. Connect blocks inside the library, so Dial waits
// for the OnConnect callback and Receive waits for Connect to return.
type transport struct {
	cfg  Config
	log  logger.Logger
	emit func(chat.Message)

	mu       sync.Mutex
	client   *twitchirc.Client
	connErr  chan error
	canceled *atomic.Bool
}

func (t *transport) Dial(ctx context.Context) error {
	var client *twitchirc.Client
	if t.cfg.Username == "" {
		client = twitchirc.NewAnonymousClient()
	} else {
		client = twitchirc.NewClient(t.cfg.Username, t.cfg.OAuth)
	}

	connected := make(chan struct{})
	connErr := make(chan error, 1)
	canceled := &atomic.Bool{}

	// Disconnect no-ops until the connection is active, so a dial canceled
	// mid-handshake marks itself abandoned and the OnConnect callback tears
	// the connection down whenever it does come up. The Once guards against
	// the library firing OnConnect again after an internal reconnect.
	var connectOnce sync.Once
	client.OnConnect(func() {
		if canceled.Load() {
			_ = client.Disconnect()
			return
		}
		connectOnce.Do(func() { close(connected) })
	})
	client.OnPrivateMessage(func(msg twitchirc.PrivateMessage) {
		t.emit(convert(msg))
	})
	client.Join(t.cfg.Channels...)

	go func() {
		connErr <- client.Connect()
	}()

	if err := awaitHandshake(ctx, connected, connErr, canceled, client.Disconnect); err != nil {
		return err
	}

	t.mu.Lock()
	t.client = client
	t.connErr = connErr
	t.canceled = canceled
	t.mu.Unlock()
	return nil
}

// awaitHandshake blocks until the connection is active, the client gives up,
// or ctx is canceled. On cancellation it must return without waiting for the
// client goroutine: Connect may be stuck in its internal reconnect loop and
// only exits once a live connection is disconnected.
func awaitHandshake(ctx context.Context, connected <-chan struct{}, connErr <-chan error, canceled *atomic.Bool, disconnect func() error) error {
	select {
	case <-connected:
		return nil
	case err := <-connErr:
		if err == nil {
			err = errors.New("twitch connection closed during handshake")
		}
		return err
	case <-ctx.Done():
		canceled.Store(true)
		_ = disconnect()
		return ctx.Err()
	}
}

func (t *transport) Receive(ctx context.Context) error {
	t.mu.Lock()
	client := t.client
	connErr := t.connErr
	canceled := t.canceled
	t.mu.Unlock()
	if client == nil {
		return errors.New("receive before dial")
	}

	select {
	case err := <-connErr:
		if err == nil || errors.Is(err, twitchirc.ErrClientDisconnected) {
			return errors.New("twitch connection closed")
		}
		return err
	case <-ctx.Done():
		canceled.Store(true)
		_ = client.Disconnect()
		return nil
	}
}

func (t *transport) Close() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client != nil {
		err := client.Disconnect()
		if err != nil && !errors.Is(err, twitchirc.ErrConnectionIsNotOpen) {
			return err
		}
	}
	return nil
}

func convert(msg twitchirc.PrivateMessage) chat.Message {
	return chat.Message{
		ID:          msg.ID,
		Platform:    chat.PlatformTwitch,
		Username:    strings.ToLower(msg.User.Name),
		DisplayName: msg.User.DisplayName,
		Text:        msg.Message,
		Timestamp:   msg.Time,
		IsModerator: msg.User.Badges["moderator"] > 0,
		IsOwner:     msg.User.Badges["broadcaster"] > 0,
		IsVerified:  msg.User.Badges["partner"] > 0,
	}
}
