package guilded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=gateway.go -destination=mock_wsconn_test.go -package=guilded -mock_names=wsConn=MockWSConn

// DefaultGatewayURL is the bot gateway endpoint.
const DefaultGatewayURL = "wss://www.guilded.gg/websocket/v1"

const (
	reconnectMin               = 1 * time.Second
	reconnectMax               = 60 * time.Second
	reconnectBackoffMultiplier = 2
	jitterDivisor              = 4

	// gatewayReadLimit bounds a single event frame.
	gatewayReadLimit = 1 << 20

	eventReactionCreated = "ChannelMessageReactionCreated"

	opEvent   = 0
	opWelcome = 1
	opResume  = 2
)

// wsConn is the subset of *websocket.Conn the gateway uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Reaction is a reaction added to a channel message.
type Reaction struct {
	ServerID  string
	ChannelID string
	MessageID string
	UserID    string
	EmoteID   int
}

// ReactionHandler receives reaction events. It is called from the
// gateway's read loop, one event at a time.
type ReactionHandler func(ctx context.Context, r Reaction)

// Gateway consumes bot gateway events over a websocket and delivers
// reaction events to a handler, reconnecting with backoff on failure.
type Gateway struct {
	url    string
	token  string
	logger *slog.Logger
	dial   func(ctx context.Context, lastMessageID string) (wsConn, error)

	// lastMessageID is sent on reconnect so the gateway replays missed
	// events. Only touched by the Run goroutine.
	lastMessageID string
}

// NewGateway creates a gateway consumer authenticated with the bot token.
func NewGateway(url, token string, logger *slog.Logger) *Gateway {
	if url == "" {
		url = DefaultGatewayURL
	}

	g := &Gateway{url: url, token: token, logger: logger}
	g.dial = g.dialWebsocket

	return g
}

func (g *Gateway) dialWebsocket(ctx context.Context, lastMessageID string) (wsConn, error) {
	header := http.Header{"Authorization": []string{"Bearer " + g.token}}
	if lastMessageID != "" {
		header.Set("guilded-last-message-id", lastMessageID)
	}

	conn, _, err := websocket.Dial(ctx, g.url, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	return conn, nil
}

// Run connects and reads events until ctx is cancelled. Connection loss
// triggers a reconnect with exponential backoff.
func (g *Gateway) Run(ctx context.Context, handler ReactionHandler) error {
	backoff := reconnectMin

	for {
		conn, err := g.dial(ctx, g.lastMessageID)
		if err == nil {
			g.logger.Info("gateway connected")
			backoff = reconnectMin

			err = g.listen(ctx, conn, handler)
			conn.Close(websocket.StatusNormalClosure, "")
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		g.logger.Warn("gateway connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: jitter has no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
	}
}

// listen reads frames from one connection until it fails.
func (g *Gateway) listen(ctx context.Context, conn wsConn, handler ReactionHandler) error {
	conn.SetReadLimit(gatewayReadLimit)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading gateway frame: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		if err := g.handleFrame(ctx, data, handler); err != nil {
			return err
		}
	}
}

var errGatewayResume = errors.New("gateway requested resume")

func (g *Gateway) handleFrame(ctx context.Context, data []byte, handler ReactionHandler) error {
	frame := gjson.ParseBytes(data)

	if id := frame.Get("s"); id.Exists() && id.String() != "" {
		g.lastMessageID = id.String()
	}

	switch frame.Get("op").Int() {
	case opWelcome:
		g.logger.Debug("gateway welcome",
			slog.String("bot_id", frame.Get("d.user.id").String()),
			slog.Int64("heartbeat_ms", frame.Get("d.heartbeatIntervalMs").Int()),
		)
	case opResume:
		// The server has no replay buffer for our last message id.
		g.lastMessageID = ""
		return errGatewayResume
	case opEvent:
		if frame.Get("t").String() != eventReactionCreated {
			return nil
		}

		d := frame.Get("d")
		r := Reaction{
			ServerID:  d.Get("serverId").String(),
			ChannelID: d.Get("reaction.channelId").String(),
			MessageID: d.Get("reaction.messageId").String(),
			UserID:    d.Get("reaction.createdBy").String(),
			EmoteID:   int(d.Get("reaction.emote.id").Int()),
		}

		if r.MessageID == "" || r.UserID == "" {
			g.logger.Debug("gateway reaction missing fields", slog.String("raw", d.Raw))
			return nil
		}

		handler(ctx, r)
	}

	return nil
}
