package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mayank-omega/crypto-data-engine/internal/broadcast"
	"github.com/mayank-omega/crypto-data-engine/internal/cache"
	applog "github.com/mayank-omega/crypto-data-engine/internal/logger"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	outboxSize     = 16
)

// clientMessage is a control message sent by a stream client.
type clientMessage struct {
	Action string `json:"action"` // subscribe, unsubscribe, ping
	Topic  string `json:"topic,omitempty"`
}

// streamMessage is every frame the server writes.
type streamMessage struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// canonicalTopic validates topic and rewrites it with a normalized symbol.
func canonicalTopic(topic string) (string, error) {
	kind, symbol, tf, err := models.ParseTopic(strings.TrimSpace(topic))
	if err != nil {
		return "", err
	}
	return models.Topic(kind, symbol, tf), nil
}

// topicType is the message type used for data frames on topic: its prefix,
// e.g. "ticker" or "ohlcv".
func topicType(topic string) string {
	prefix, _, _ := strings.Cut(topic, ":")
	return prefix
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var topics []string
	for _, raw := range splitCSV(r.URL.Query().Get("topics")) {
		topic, err := canonicalTopic(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		topics = append(topics, topic)
	}
	s.serveStream(w, r, topics)
}

func (s *Server) handleTickerStream(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, []string{models.Topic(models.KindTicker, chi.URLParam(r, "symbol"), "")})
}

func (s *Server) handleOrderBookStream(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, []string{models.Topic(models.KindOrderBook, chi.URLParam(r, "symbol"), "")})
}

func (s *Server) handleOHLCVStream(w http.ResponseWriter, r *http.Request) {
	tf, err := models.ParseTimeframe(chi.URLParam(r, "timeframe"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.serveStream(w, r, []string{models.Topic(models.KindCandle, chi.URLParam(r, "symbol"), tf)})
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	st := s.broadcaster.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_connections": st.Subscribers,
		"channels":          st.TopicCounts,
		"published":         st.Published,
		"dropped":           st.Dropped,
		"disconnected":      st.Disconnected,
		"policy":            st.Policy,
		"timestamp":         time.Now().UTC(),
	})
}

// serveStream subscribes before upgrading so capacity errors surface as
// plain HTTP responses.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, topics []string) {
	sub, err := s.broadcaster.Subscribe(topics...)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, broadcast.ErrTooManySubscribers) || errors.Is(err, broadcast.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx := applog.WithSubscriberID(r.Context(), sub.ID)
	sc := &streamConn{
		server: s,
		conn:   conn,
		sub:    sub,
		outbox: make(chan streamMessage, outboxSize),
		logger: s.logger.With("subscriber_id", sub.ID, "request_id", applog.GetRequestID(ctx)),
	}
	sc.logger.Info("stream opened", "topics", topics)
	sc.run(ctx, topics)
}

// streamConn bridges one websocket connection to one subscription. The
// reader goroutine handles control messages; the writer owns every write.
type streamConn struct {
	server *Server
	conn   *websocket.Conn
	sub    *broadcast.Subscription
	outbox chan streamMessage
	logger *slog.Logger

	closeOnce sync.Once
}

func (c *streamConn) run(ctx context.Context, topics []string) {
	defer c.close()

	for _, topic := range topics {
		if msg, ok := c.snapshot(ctx, topic); ok {
			if err := c.write(msg); err != nil {
				return
			}
		}
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		c.readLoop(ctx)
	}()
	c.writeLoop(readerDone)
}

// snapshot returns the cached latest record of topic, if any.
func (c *streamConn) snapshot(ctx context.Context, topic string) (streamMessage, bool) {
	rec, err := cache.GetRecord(ctx, c.server.cache, topic)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			c.logger.Warn("snapshot read failed", "topic", topic, "error", err)
		}
		return streamMessage{}, false
	}
	return streamMessage{Type: "snapshot", Topic: topic, Data: rec, Timestamp: time.Now().UTC()}, true
}

func (c *streamConn) writeLoop(readerDone <-chan struct{}) {
	ping := time.NewTicker(c.server.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-c.sub.Messages():
			if !ok {
				reason := "subscription closed"
				if err := c.sub.Err(); err != nil {
					reason = err.Error()
				}
				c.logger.Info("stream closed by broadcaster", "reason", reason)
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason),
					time.Now().Add(writeWait))
				return
			}
			if err := c.write(fromBroadcast(msg)); err != nil {
				return
			}
		case msg := <-c.outbox:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}

func fromBroadcast(msg broadcast.Message) streamMessage {
	out := streamMessage{Topic: msg.Topic, Timestamp: msg.Timestamp}
	if msg.Type == broadcast.MessageHeartbeat {
		out.Type = "heartbeat"
		return out
	}
	out.Type = topicType(msg.Topic)
	if msg.Record != nil {
		out.Data = msg.Record
	}
	return out
}

func (c *streamConn) write(msg streamMessage) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug("stream write failed", "error", err)
		return err
	}
	return nil
}

func (c *streamConn) readLoop(ctx context.Context) {
	pongWait := 2 * c.server.opts.PingInterval
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("stream read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(ctx, data)
	}
}

func (c *streamConn) handle(ctx context.Context, data []byte) {
	if strings.TrimSpace(string(data)) == "ping" {
		c.reply(streamMessage{Type: "pong"})
		return
	}

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(streamMessage{Type: "error", Message: "invalid message"})
		return
	}

	switch msg.Action {
	case "ping":
		c.reply(streamMessage{Type: "pong"})
	case "subscribe":
		topic, err := canonicalTopic(msg.Topic)
		if err != nil {
			c.reply(streamMessage{Type: "error", Message: err.Error()})
			return
		}
		if err := c.sub.Add(topic); err != nil {
			c.reply(streamMessage{Type: "error", Topic: topic, Message: err.Error()})
			return
		}
		c.reply(streamMessage{Type: "subscribed", Topic: topic})
		if snap, ok := c.snapshot(ctx, topic); ok {
			c.reply(snap)
		}
	case "unsubscribe":
		topic, err := canonicalTopic(msg.Topic)
		if err != nil {
			c.reply(streamMessage{Type: "error", Message: err.Error()})
			return
		}
		c.sub.Remove(topic)
		c.reply(streamMessage{Type: "unsubscribed", Topic: topic})
	default:
		c.reply(streamMessage{Type: "error", Message: "unknown action " + msg.Action})
	}
}

// reply queues a control response for the writer. Replies are dropped when
// the outbox is full.
func (c *streamConn) reply(msg streamMessage) {
	msg.Timestamp = time.Now().UTC()
	select {
	case c.outbox <- msg:
	default:
		c.logger.Debug("stream reply dropped", "type", msg.Type)
	}
}

func (c *streamConn) close() {
	c.closeOnce.Do(func() {
		c.sub.Close()
		_ = c.conn.Close()
		c.logger.Info("stream closed", "dropped", c.sub.Dropped())
	})
}
