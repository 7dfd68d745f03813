package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"tycho/internal/model"
)

// clientFrame/serverFrame mirror internal/transport's wire shape
// exactly (spec.md §6 "Client websocket"): this package is the server
// side of that same protocol, so the JSON field names must match.
type clientFrame struct {
	Kind           string `json:"kind"`
	ExtractorID    string `json:"extractor_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

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

// wsConn is the minimal surface handleWebSocket needs, satisfied by
// *websocket.Conn and substitutable by a fake in tests.
type wsConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.serveConn(r.Context(), conn)
}

// serveConn drives one client connection's subscribe/unsubscribe
// commands and forwards every message the subscribed hub produces as
// a block_changes frame, until the client disconnects.
func (s *Server) serveConn(ctx context.Context, conn wsConn) {
	defer conn.Close()

	type subscription struct {
		id  uuid.UUID
		hub ExtractorHub
	}
	active := make(map[string]subscription) // keyed by subscription id

	out := make(chan serverFrame, 16)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case frame := <-out:
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		var cf clientFrame
		if err := conn.ReadJSON(&cf); err != nil {
			for subID, sub := range active {
				sub.hub.Unsubscribe(sub.id)
				delete(active, subID)
			}
			return
		}

		switch cf.Kind {
		case frameSubscribe:
			s.mu.RLock()
			hub, ok := s.hubs[cf.ExtractorID]
			s.mu.RUnlock()
			if !ok {
				continue
			}
			id, ch, err := hub.Subscribe(ctx)
			if err != nil {
				continue
			}
			subID := id.String()
			active[subID] = subscription{id: id, hub: hub}
			out <- serverFrame{Kind: frameNewSubscription, ExtractorID: cf.ExtractorID, SubscriptionID: subID}
			go forwardDeltas(ctx, subID, ch, out, done)

		case frameUnsubscribe:
			sub, ok := active[cf.SubscriptionID]
			if !ok {
				continue
			}
			sub.hub.Unsubscribe(sub.id)
			delete(active, cf.SubscriptionID)
			out <- serverFrame{Kind: frameSubscriptionEnd, SubscriptionID: cf.SubscriptionID}
		}
	}
}

func forwardDeltas(ctx context.Context, subID string, ch <-chan model.NormalisedMessage, out chan<- serverFrame, done <-chan struct{}) {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			frame, err := encodeDelta(subID, msg)
			if err != nil {
				continue
			}
			select {
			case out <- frame:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func encodeDelta(subID string, msg model.NormalisedMessage) (serverFrame, error) {
	var kind string
	switch msg.(type) {
	case model.BlockAccountChanges:
		kind = deltaKindAccount
	case model.BlockEntityChangesResult:
		kind = deltaKindEntity
	default:
		kind = deltaKindAccount
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return serverFrame{}, err
	}
	return serverFrame{Kind: frameBlockChanges, SubscriptionID: subID, DeltaKind: kind, Delta: raw}, nil
}
