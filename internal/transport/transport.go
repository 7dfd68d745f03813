// Package transport implements the Delta-Client Transport (C7): a
// long-lived WebSocket connection to the indexer, carrying subscription
// bookkeeping and per-block deltas to the synchronizer (spec.md §4.7).
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tycho/internal/model"
	"tycho/pkg/errs"
)

// clientFrame is the wire shape of every client→server command.
type clientFrame struct {
	Kind           string `json:"kind"`
	ExtractorID    string `json:"extractor_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// serverFrame is the wire shape of every server→client frame. Delta is
// left as raw JSON and decoded according to DeltaKind once the frame's
// Kind identifies it as block_changes.
type serverFrame struct {
	Kind           string          `json:"kind"`
	ExtractorID    string          `json:"extractor_id,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	DeltaKind      string          `json:"delta_kind,omitempty"`
	Delta          json.RawMessage `json:"delta,omitempty"`
}

const (
	frameSubscribe       = "subscribe"
	frameUnsubscribe     = "unsubscribe"
	frameNewSubscription = "new_subscription"
	frameSubscriptionEnd = "subscription_ended"
	frameBlockChanges    = "block_changes"

	deltaKindAccount = "account"
	deltaKindEntity  = "entity"
)

// wsConn is the narrow surface Conn needs from *websocket.Conn, kept
// small so tests can substitute a fake.
type wsConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dial opens a WebSocket connection to the indexer's subscription
// endpoint and wraps it in a Conn.
func Dial(ctx context.Context, url string, log *logrus.Entry) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "dial transport", err)
	}
	return NewConn(ws, log), nil
}

// Conn is one WebSocket session: outstanding subscribe requests keyed
// by the extractor id until the server assigns a subscription id, then
// keyed by that subscription id for the connection's remaining
// lifetime. Reconnecting after Run returns requires the caller to
// Subscribe again — subscriptions are never replayed across
// connections (spec.md §4.7).
type Conn struct {
	ws  wsConn
	log *logrus.Entry

	mu      sync.Mutex
	pending map[string]chan model.NormalisedMessage
	subs    map[string]chan model.NormalisedMessage
}

// NewConn wraps an already-established connection.
func NewConn(ws wsConn, log *logrus.Entry) *Conn {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Conn{
		ws:      ws,
		log:     log,
		pending: make(map[string]chan model.NormalisedMessage),
		subs:    make(map[string]chan model.NormalisedMessage),
	}
}

// Subscribe requests a new subscription for extractorID and returns the
// channel deltas will arrive on. The channel is usable immediately;
// the server's subscription id assignment is resolved internally by
// Run.
func (c *Conn) Subscribe(extractorID string) (<-chan model.NormalisedMessage, error) {
	ch := make(chan model.NormalisedMessage, 1)

	c.mu.Lock()
	c.pending[extractorID] = ch
	c.mu.Unlock()

	if err := c.ws.WriteJSON(clientFrame{Kind: frameSubscribe, ExtractorID: extractorID}); err != nil {
		c.mu.Lock()
		delete(c.pending, extractorID)
		c.mu.Unlock()
		return nil, errs.Wrap(errs.Upstream, "send subscribe", err)
	}
	return ch, nil
}

// Unsubscribe ends a previously confirmed subscription.
func (c *Conn) Unsubscribe(subscriptionID string) error {
	if err := c.ws.WriteJSON(clientFrame{Kind: frameUnsubscribe, SubscriptionID: subscriptionID}); err != nil {
		return errs.Wrap(errs.Upstream, "send unsubscribe", err)
	}
	return nil
}

// Run drives the read loop until the connection errors or closes,
// dispatching frames to their subscription channels. Callers that need
// to reconnect must build a new Conn and re-issue every Subscribe.
func (c *Conn) Run(ctx context.Context) error {
	defer c.closeAll()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		var frame serverFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return errs.Wrap(errs.Upstream, "read transport frame", err)
		}
		if err := c.handleFrame(ctx, frame); err != nil {
			c.log.WithError(err).Error("dropping malformed transport frame")
		}
	}
}

func (c *Conn) handleFrame(ctx context.Context, frame serverFrame) error {
	switch frame.Kind {
	case frameNewSubscription:
		c.mu.Lock()
		ch, ok := c.pending[frame.ExtractorID]
		if ok {
			delete(c.pending, frame.ExtractorID)
			c.subs[frame.SubscriptionID] = ch
		}
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("new_subscription for unknown extractor %q", frame.ExtractorID)
		}
		c.log.WithField("subscription", frame.SubscriptionID).Info("subscription confirmed")
		return nil

	case frameSubscriptionEnd:
		c.mu.Lock()
		ch, ok := c.subs[frame.SubscriptionID]
		delete(c.subs, frame.SubscriptionID)
		c.mu.Unlock()
		if ok {
			close(ch)
		}
		return nil

	case frameBlockChanges:
		msg, err := decodeDelta(frame.DeltaKind, frame.Delta)
		if err != nil {
			return err
		}
		c.mu.Lock()
		ch, ok := c.subs[frame.SubscriptionID]
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("block_changes for unknown subscription %q", frame.SubscriptionID)
		}
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil

	default:
		return fmt.Errorf("unrecognised frame kind %q", frame.Kind)
	}
}

func decodeDelta(kind string, raw json.RawMessage) (model.NormalisedMessage, error) {
	switch kind {
	case deltaKindAccount:
		var m model.BlockAccountChanges
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errs.Wrap(errs.Decode, "decode account delta", err)
		}
		return m, nil
	case deltaKindEntity:
		var m model.BlockEntityChangesResult
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errs.Wrap(errs.Decode, "decode entity delta", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unrecognised delta_kind %q", kind)
	}
}

func (c *Conn) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	_ = c.ws.Close()
}
