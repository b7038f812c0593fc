package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/message"
	"github.com/gatekit-chat/gatekit-server/internal/platform"
)

const (
	gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	// writeWait is the time allowed to write a frame to the gateway.
	writeWait = 10 * time.Second

	// maxMessageSize is the maximum size in bytes of a single inbound
	// gateway frame.
	maxMessageSize = 1 << 20

	// reconnectBase and reconnectMax bound the backoff between connection
	// attempts.
	reconnectBase = time.Second
	reconnectMax  = 2 * time.Minute
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// intents requested on identify: guild and DM messages with content, plus
// reaction events.
const intents = 1<<0 | 1<<9 | 1<<10 | 1<<12 | 1<<13 | 1<<15

// frame is one gateway payload in either direction.
type frame struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  int64           `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// gatewaySession owns one adapter's long-lived gateway connection: dial,
// hello/identify handshake, heartbeat loop, and the read loop that turns
// dispatch events into canonical inbound events. It reconnects with
// backoff until closed.
type gatewaySession struct {
	token string
	cfg   platform.Config
	sink  platform.InboundSink
	state    *atomic.Int32
	url      string
	log      zerolog.Logger

	// done is closed exactly once to stop the session for good.
	done      chan struct{}
	closeOnce sync.Once

	// writeMu serializes frame writes; heartbeats and identify race
	// otherwise.
	writeMu sync.Mutex
	conn    *websocket.Conn

	seq atomic.Int64
}

func newGatewaySession(token string, cfg platform.Config, sink platform.InboundSink, state *atomic.Int32, logger zerolog.Logger) *gatewaySession {
	return &gatewaySession{
		token: token,
		cfg:   cfg,
		sink:  sink,
		state:    state,
		url:      gatewayURL,
		log:      logger,
		done:     make(chan struct{}),
	}
}

// Close stops the session permanently. Safe to call from multiple
// goroutines; only the first call has any effect.
func (g *gatewaySession) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
		g.writeMu.Lock()
		if g.conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down")
			_ = g.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = g.conn.Close()
		}
		g.writeMu.Unlock()
	})
}

// Run connects and serves until the session is closed or ctx is
// cancelled, reconnecting with exponential backoff after failures.
func (g *gatewaySession) Run(ctx context.Context) {
	delay := reconnectBase
	for {
		select {
		case <-g.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := g.connectAndServe(ctx)
		if err == nil {
			return
		}
		g.state.Store(int32(platform.StateDegraded))
		g.log.Warn().Err(err).Dur("retry_in", delay).Msg("Discord gateway disconnected, reconnecting")

		select {
		case <-g.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, reconnectMax)
	}
}

// connectAndServe runs one full connection: dial, hello, identify, then
// the read loop. Returns nil only on deliberate shutdown.
func (g *gatewaySession) connectAndServe(ctx context.Context) error {
	g.state.Store(int32(platform.StateConnecting))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	g.writeMu.Lock()
	g.conn = conn
	g.writeMu.Unlock()
	defer func() { _ = conn.Close() }()

	// The first frame must be hello with the heartbeat interval.
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}
	heartbeatInterval := time.Duration(helloData.HeartbeatInterval) * time.Millisecond

	if err := g.writeFrame(identifyFrame(g.token)); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	// Heartbeat loop, stopped when this connection ends.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go g.heartbeatLoop(hbCtx, heartbeatInterval)

	// Allow slightly more than one heartbeat interval before timing out,
	// so a single missed ACK does not immediately sever the connection.
	for {
		_ = conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))
		var fr frame
		if err := conn.ReadJSON(&fr); err != nil {
			select {
			case <-g.done:
				return nil
			default:
				return fmt.Errorf("gateway read: %w", err)
			}
		}
		if fr.S != 0 {
			g.seq.Store(fr.S)
		}

		switch fr.Op {
		case opDispatch:
			g.handleDispatch(ctx, fr.T, fr.D)
		case opHeartbeat:
			_ = g.writeFrame(frame{Op: opHeartbeat, D: seqPayload(g.seq.Load())})
		case opHeartbeatACK:
			// Nothing to do; the read deadline reset above is the liveness
			// signal.
		case opReconnect, opInvalidSession:
			return fmt.Errorf("gateway requested reconnect (op %d)", fr.Op)
		}
	}
}

func (g *gatewaySession) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case <-ticker.C:
			if err := g.writeFrame(frame{Op: opHeartbeat, D: seqPayload(g.seq.Load())}); err != nil {
				return
			}
		}
	}
}

func (g *gatewaySession) writeFrame(fr frame) error {
	payload, err := json.Marshal(fr)
	if err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if g.conn == nil {
		return fmt.Errorf("gateway not connected")
	}
	_ = g.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return g.conn.WriteMessage(websocket.TextMessage, payload)
}

// dispatchMessage is the subset of a MESSAGE_CREATE payload the gateway
// stores.
type dispatchMessage struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"author"`
}

// dispatchReaction is the subset of a MESSAGE_REACTION_ADD/REMOVE payload
// the gateway stores.
type dispatchReaction struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Emoji     struct {
		Name string `json:"name"`
	} `json:"emoji"`
}

// handleDispatch turns one gateway dispatch into canonical inbound events
// and hands them to the sink. Parse failures are logged and dropped; a
// malformed event must not kill the connection.
func (g *gatewaySession) handleDispatch(ctx context.Context, eventType string, data json.RawMessage) {
	switch eventType {
	case "READY":
		g.state.Store(int32(platform.StateReady))
		g.log.Info().Msg("Discord gateway ready")
		return
	case "RESUMED":
		g.state.Store(int32(platform.StateReady))
		return
	}

	if g.sink == nil {
		return
	}

	var events []message.InboundEvent
	switch eventType {
	case "MESSAGE_CREATE":
		var m dispatchMessage
		if err := json.Unmarshal(data, &m); err != nil {
			g.log.Warn().Err(err).Msg("Failed to decode MESSAGE_CREATE")
			return
		}
		ts, _ := time.Parse(time.RFC3339, m.Timestamp)
		events = append(events, message.InboundEvent{
			Type:              message.InboundReceivedMessage,
			ProviderMessageID: m.ID,
			ProviderUserID:    m.Author.ID,
			ProviderUserName:  m.Author.Username,
			ChatID:            m.ChannelID,
			Text:              m.Content,
			FromMe:            m.Author.Bot,
			Timestamp:         ts,
			Raw:               data,
		})
	case "MESSAGE_REACTION_ADD", "MESSAGE_REACTION_REMOVE":
		var r dispatchReaction
		if err := json.Unmarshal(data, &r); err != nil {
			g.log.Warn().Err(err).Msg("Failed to decode reaction event")
			return
		}
		typ := message.InboundReactionAdded
		if eventType == "MESSAGE_REACTION_REMOVE" {
			typ = message.InboundReactionRemoved
		}
		events = append(events, message.InboundEvent{
			Type:              typ,
			ProviderMessageID: r.MessageID,
			ProviderUserID:    r.UserID,
			ChatID:            r.ChannelID,
			Emoji:             r.Emoji.Name,
			ReactionType:      "emoji",
			Timestamp:         time.Now(),
			Raw:               data,
		})
	default:
		return
	}

	if err := g.sink.Ingest(ctx, g.cfg, events); err != nil {
		g.log.Warn().Err(err).Msg("Failed to ingest gateway events")
	}
}

func identifyFrame(token string) frame {
	d, _ := json.Marshal(map[string]any{
		"token":   token,
		"intents": intents,
		"properties": map[string]string{
			"os":      "linux",
			"browser": "gatekit",
			"device":  "gatekit",
		},
	})
	return frame{Op: opIdentify, D: d}
}

func seqPayload(seq int64) json.RawMessage {
	if seq == 0 {
		return json.RawMessage("null")
	}
	d, _ := json.Marshal(seq)
	return d
}
