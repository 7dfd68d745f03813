// Package stream implements the Upstream Stream Adapter (C1): a
// resumable, ordered source of per-block Forward/Undo items read off a
// long-lived gRPC stream. The upstream's own binary wire format is an
// explicit Non-goal (spec.md §1) — each frame carries an opaque JSON
// envelope inside a protobuf well-known BytesValue, so this package
// exercises real gRPC streaming and protobuf framing without
// reimplementing the substreams protocol itself.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"tycho/pkg/errs"
)

// blocksMethod is the fully qualified RPC this adapter streams from.
// The service itself is never defined in this repo (spec.md §1
// Non-goals); any upstream speaking the same framing satisfies it.
const blocksMethod = "/tycho.upstream.v1.Stream/Blocks"

// Kind discriminates an Item.
type Kind int

const (
	KindForward Kind = iota
	KindUndo
	KindErr
)

// Item is the sum type C1 emits: Forward carries a new block's raw
// payload and resume cursor; Undo signals a chain reorganisation back
// to LastValidBlock; Err surfaces a transport failure without
// attempting to reconnect (spec.md §4.1).
type Item struct {
	Kind Kind

	// Forward fields.
	Payload          []byte
	Cursor           string
	ClockBlockNumber uint64

	// Undo fields.
	LastValidBlockID     string
	LastValidBlockNumber  uint64
	LastValidCursor       string

	// Err field.
	Err error
}

type envelope struct {
	Kind                 string `json:"kind"`
	Payload              []byte `json:"payload,omitempty"`
	Cursor               string `json:"cursor,omitempty"`
	ClockBlockNumber     uint64 `json:"clock_block_number,omitempty"`
	LastValidBlockID     string `json:"last_valid_block_id,omitempty"`
	LastValidBlockNumber uint64 `json:"last_valid_block_number,omitempty"`
	LastValidCursor      string `json:"last_valid_cursor,omitempty"`
}

type request struct {
	PackageFile string `json:"package_file"`
	ModuleName  string `json:"module_name"`
	Cursor      string `json:"cursor,omitempty"`
	StartBlock  int64  `json:"start_block"`
	EndBlock    int64  `json:"end_block"`
}

// rawStream is the minimal surface this adapter needs from a gRPC
// client stream; satisfied by *grpc.ClientStream in production and by
// a fake in tests.
type rawStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
	CloseSend() error
}

// dialFunc opens the raw stream; overridable in tests.
type dialFunc func(ctx context.Context, endpoint, token string) (rawStream, error)

// Client opens Upstream Stream Adapter sessions.
type Client struct {
	dial dialFunc
}

// NewClient builds a Client that dials real gRPC endpoints over TLS,
// unless insecure is requested (useful for local/dev upstreams).
func NewClient(insecureTransport bool) *Client {
	return &Client{dial: func(ctx context.Context, endpoint, token string) (rawStream, error) {
		var creds credentials.TransportCredentials
		if insecureTransport {
			creds = insecure.NewCredentials()
		} else {
			creds = credentials.NewTLS(nil)
		}
		conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(creds))
		if err != nil {
			return nil, errs.Wrap(errs.Upstream, "dial upstream", err)
		}
		if token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
		}
		cs, err := conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "Blocks", ServerStreams: true}, blocksMethod)
		if err != nil {
			return nil, errs.Wrap(errs.Upstream, "open stream", err)
		}
		return cs, nil
	}}
}

// OpenConfig parameterises a streaming session, per spec.md §4.1's
// open(endpoint, token, package, module, cursor?, startBlock, endBlock).
type OpenConfig struct {
	Endpoint    string
	Token       string
	PackageFile string
	ModuleName  string
	Cursor      string
	StartBlock  int64
	EndBlock    int64
}

// Open starts a streaming session and returns a channel of Items in
// upstream delivery order. If Cursor is non-empty, the first Item is
// the first event strictly after that cursor (enforced upstream, not
// here). The adapter never reconnects; on stream end or transport
// error it emits a final KindErr Item and closes the channel.
func (c *Client) Open(ctx context.Context, cfg OpenConfig) (<-chan Item, error) {
	rs, err := c.dial(ctx, cfg.Endpoint, cfg.Token)
	if err != nil {
		return nil, err
	}

	reqBytes, err := json.Marshal(request{
		PackageFile: cfg.PackageFile,
		ModuleName:  cfg.ModuleName,
		Cursor:      cfg.Cursor,
		StartBlock:  cfg.StartBlock,
		EndBlock:    cfg.EndBlock,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "encode request envelope", err)
	}
	if err := rs.SendMsg(wrapperspb.Bytes(reqBytes)); err != nil {
		return nil, errs.Wrap(errs.Upstream, "send request envelope", err)
	}
	if err := rs.CloseSend(); err != nil {
		return nil, errs.Wrap(errs.Upstream, "close send", err)
	}

	out := make(chan Item)
	go c.pump(ctx, rs, out)
	return out, nil
}

func (c *Client) pump(ctx context.Context, rs rawStream, out chan<- Item) {
	defer close(out)
	for {
		var frame wrapperspb.BytesValue
		if err := rs.RecvMsg(&frame); err != nil {
			item := Item{Kind: KindErr}
			if err == io.EOF {
				item.Err = errs.New(errs.Upstream, "stream ended")
			} else if status.Code(err) == codes.Canceled {
				return // caller cancelled ctx; no error item needed
			} else {
				item.Err = errs.Wrap(errs.Upstream, "stream recv", err)
			}
			select {
			case out <- item:
			case <-ctx.Done():
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(frame.GetValue(), &env); err != nil {
			item := Item{Kind: KindErr, Err: errs.Wrap(errs.Decode, "decode envelope", err)}
			select {
			case out <- item:
			case <-ctx.Done():
			}
			return
		}

		item, ok := translate(env)
		if !ok {
			continue
		}
		select {
		case out <- item:
		case <-ctx.Done():
			return
		}
	}
}

func translate(env envelope) (Item, bool) {
	switch env.Kind {
	case "forward":
		return Item{
			Kind:             KindForward,
			Payload:          env.Payload,
			Cursor:           env.Cursor,
			ClockBlockNumber: env.ClockBlockNumber,
		}, true
	case "undo":
		return Item{
			Kind:                 KindUndo,
			LastValidBlockID:     env.LastValidBlockID,
			LastValidBlockNumber: env.LastValidBlockNumber,
			LastValidCursor:      env.LastValidCursor,
		}, true
	case "progress":
		return Item{}, false
	default:
		return Item{Kind: KindErr, Err: fmt.Errorf("unknown envelope kind %q", env.Kind)}, true
	}
}
