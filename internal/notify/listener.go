// Package notify listens on a server's notifications hub and triggers
// a sync when the vault changes remotely. The hub speaks the SignalR
// JSON protocol: 0x1e-delimited JSON frames after a handshake.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/keywarden/keywarden/internal/bitwarden"
)

const (
	// Reconnect backoff bounds.
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// jitterDivisor controls how much of the delay is randomized, so
	// many clients do not reconnect in lockstep after a server restart.
	jitterDivisor = 4

	// pingInterval keeps the connection alive through idle proxies.
	pingInterval = 30 * time.Second

	recordSeparator = '\x1e'
)

// SignalR message types we care about.
const (
	msgTypeInvocation = 1
	msgTypePing       = 6
)

// Listener maintains a notifications connection for one account.
type Listener struct {
	account bitwarden.Account
	logger  *slog.Logger

	// onChange fires for every vault-affecting notification.
	onChange func(accountID string)

	// accessToken returns a fresh token for each connection attempt,
	// since a long-lived listener outlives any single access token.
	accessToken func(ctx context.Context) (string, error)
}

// NewListener builds a listener for one account.
func NewListener(account bitwarden.Account, logger *slog.Logger, accessToken func(ctx context.Context) (string, error), onChange func(accountID string)) *Listener {
	return &Listener{
		account:     account,
		logger:      logger.With("account", account.FormatUser()),
		onChange:    onChange,
		accessToken: accessToken,
	}
}

// Run connects and listens until ctx is cancelled, reconnecting with
// backoff on every failure.
func (l *Listener) Run(ctx context.Context) error {
	delay := reconnectMin

	for {
		start := time.Now()

		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.logger.Warn("notifications connection lost", "error", err)

		// A connection that held for a while earns a reset backoff.
		if time.Since(start) > reconnectMax {
			delay = reconnectMin
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(withJitter(delay)):
		}

		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

func withJitter(d time.Duration) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(d / jitterDivisor)))
	return d + jitter
}

// hubURL builds the websocket endpoint with the access token attached
// the way the official clients do.
func (l *Listener) hubURL(token string) string {
	base := l.account.Env.BuildNotificationsURL()

	ws := strings.Replace(base, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)

	return ws + "hub?access_token=" + url.QueryEscape(token)
}

func (l *Listener) listenOnce(ctx context.Context) error {
	token, err := l.accessToken(ctx)
	if err != nil {
		return fmt.Errorf("getting access token: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, l.hubURL(token), nil)
	if err != nil {
		return fmt.Errorf("dialing notifications hub: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := l.handshake(ctx, conn); err != nil {
		return err
	}

	l.logger.Info("notifications connected", "host", l.account.Host())

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()

	go l.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading notification frame: %w", err)
		}

		for _, frame := range splitFrames(data) {
			l.handleFrame(frame)
		}
	}
}

func (l *Listener) handshake(ctx context.Context, conn *websocket.Conn) error {
	msg := append([]byte(`{"protocol":"json","version":1}`), recordSeparator)
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("sending handshake: %w", err)
	}

	// The server answers the handshake with an empty object or an
	// error description.
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading handshake response: %w", err)
	}

	frames := splitFrames(data)
	if len(frames) == 0 {
		return errors.New("empty handshake response")
	}

	if msg := gjson.GetBytes(frames[0], "error"); msg.Exists() {
		return fmt.Errorf("handshake rejected: %s", msg.Str)
	}

	return nil
}

func (l *Listener) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ping := append([]byte(`{"type":6}`), recordSeparator)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
				return
			}
		}
	}
}

func splitFrames(data []byte) [][]byte {
	var frames [][]byte

	for _, part := range strings.Split(string(data), string(rune(recordSeparator))) {
		if part != "" {
			frames = append(frames, []byte(part))
		}
	}

	return frames
}

// vaultNotificationTypes are the hub message types that mean the vault
// content changed and a sync is due.
var vaultNotificationTypes = map[int64]bool{
	0:  true, // cipher update
	1:  true, // cipher create
	2:  true, // login delete
	7:  true, // folder create
	8:  true, // folder update
	9:  true, // folder delete
	4:  true, // ciphers sync
	5:  true, // vault sync
	12: true, // send create
	13: true, // send update
	14: true, // send delete
}

func (l *Listener) handleFrame(frame []byte) {
	if !gjson.ValidBytes(frame) {
		return
	}

	root := gjson.ParseBytes(frame)

	switch root.Get("type").Int() {
	case msgTypePing:
		return
	case msgTypeInvocation:
		// Invocation arguments carry the notification type.
		notificationType := root.Get("arguments.0.Type")
		if !notificationType.Exists() {
			notificationType = root.Get("arguments.0.type")
		}

		if vaultNotificationTypes[notificationType.Int()] {
			l.logger.Debug("vault change notification", "type", notificationType.Int())
			l.onChange(l.account.ID)
		}
	}
}
