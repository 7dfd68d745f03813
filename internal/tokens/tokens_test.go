package tokens

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tycho/internal/model"
	"tycho/pkg/chain"
)

type fakeRPC struct {
	inFlight  int32
	maxSeen   int32
	delay     time.Duration
	failAddr  *chain.Address
}

func (f *fakeRPC) TokenMetadata(ctx context.Context, chn chain.Chain, addr chain.Address) (model.Token, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failAddr != nil && addr == *f.failAddr {
		return model.Token{}, errors.New("rpc unavailable")
	}
	return model.Token{Chain: chn, Address: addr, Symbol: "TOK", Decimals: 18}, nil
}

func addrAt(b byte) chain.Address {
	var a chain.Address
	a[19] = b
	return a
}

func TestGetTokensResolvesAll(t *testing.T) {
	rpc := &fakeRPC{delay: time.Millisecond}
	p := NewPreProcessor(rpc, 4)

	addrs := []chain.Address{addrAt(1), addrAt(2), addrAt(3), addrAt(4), addrAt(5)}
	got, err := p.GetTokens(context.Background(), chain.Ethereum, addrs)
	if err != nil {
		t.Fatalf("GetTokens: %v", err)
	}
	if len(got) != len(addrs) {
		t.Fatalf("want %d tokens, got %d", len(addrs), len(got))
	}
}

func TestGetTokensBoundsConcurrency(t *testing.T) {
	rpc := &fakeRPC{delay: 5 * time.Millisecond}
	p := NewPreProcessor(rpc, 2)

	addrs := make([]chain.Address, 20)
	for i := range addrs {
		addrs[i] = addrAt(byte(i + 1))
	}
	if _, err := p.GetTokens(context.Background(), chain.Ethereum, addrs); err != nil {
		t.Fatalf("GetTokens: %v", err)
	}
	if rpc.maxSeen > 2 {
		t.Fatalf("expected at most 2 in-flight calls, saw %d", rpc.maxSeen)
	}
}

func TestGetTokensPropagatesFirstError(t *testing.T) {
	bad := addrAt(9)
	rpc := &fakeRPC{failAddr: &bad}
	p := NewPreProcessor(rpc, 4)

	_, err := p.GetTokens(context.Background(), chain.Ethereum, []chain.Address{addrAt(1), bad})
	if err == nil {
		t.Fatalf("expected error when one resolution fails")
	}
}

func TestGetTokensEmptyInputNoOp(t *testing.T) {
	rpc := &fakeRPC{}
	p := NewPreProcessor(rpc, 4)
	got, err := p.GetTokens(context.Background(), chain.Ethereum, nil)
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil for empty input, got %v, %v", got, err)
	}
}
