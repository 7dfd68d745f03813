// Package tokens implements the Token Pre-Processor (C3): a pure
// resolver the Extractor treats as an oracle, never touching storage
// (spec.md §4.3).
package tokens

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"tycho/internal/model"
	"tycho/pkg/chain"
	"tycho/pkg/errs"
)

// RPCClient is the on-chain RPC surface a PreProcessor resolves tokens
// through; implementations typically wrap an ethclient.Client or a
// similar chain-specific RPC.
type RPCClient interface {
	TokenMetadata(ctx context.Context, chn chain.Chain, addr chain.Address) (model.Token, error)
}

// PreProcessor resolves a set of addresses into Token records, fanning
// out RPC calls bounded by a weighted semaphore so a large new-token
// batch cannot exhaust RPC connection limits.
type PreProcessor struct {
	rpc   RPCClient
	sem   *semaphore.Weighted
}

// NewPreProcessor bounds concurrent in-flight RPC calls to maxInFlight.
func NewPreProcessor(rpc RPCClient, maxInFlight int64) *PreProcessor {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &PreProcessor{rpc: rpc, sem: semaphore.NewWeighted(maxInFlight)}
}

// GetTokens resolves addrs concurrently and returns the resolved
// tokens in no particular order. It is side-effect-free with respect
// to storage: callers (the Extractor) decide what, if anything, to
// persist.
func (p *PreProcessor) GetTokens(ctx context.Context, chn chain.Chain, addrs []chain.Address) ([]model.Token, error) {
	if len(addrs) == 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		out     = make([]model.Token, 0, len(addrs))
		firstErr error
	)

	for _, addr := range addrs {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, errs.Wrap(errs.Upstream, "acquire token resolver slot", err)
		}
		wg.Add(1)
		go func(addr chain.Address) {
			defer p.sem.Release(1)
			defer wg.Done()

			tok, err := p.rpc.TokenMetadata(ctx, chn, addr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = errs.Wrap(errs.Upstream, "resolve token "+addr.Hex(), err)
				}
				return
			}
			out = append(out, tok)
		}(addr)
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
