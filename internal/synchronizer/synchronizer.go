// Package synchronizer implements the client-side Block Synchronizer
// (C6): alignment of N independent per-extractor feeds into one merged
// per-block FeedMessage (spec.md §4.6).
package synchronizer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tycho/internal/model"
)

// SyncStatus classifies one registered stream's state for the current
// tick.
type SyncStatus int

const (
	StatusReady SyncStatus = iota
	StatusDelayed
	StatusStale
	StatusEnded
)

func (s SyncStatus) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusDelayed:
		return "delayed"
	case StatusStale:
		return "stale"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// staleAfterMisses is spec.md §4.6 step 2's "missed two consecutive
// deadlines".
const staleAfterMisses = 2

// FilterKind discriminates a ComponentFilter's variant.
type FilterKind int

const (
	FilterIds FilterKind = iota
	FilterMinimumTVL
)

// ComponentFilter names which components a ProtocolStateSynchronizer
// is registered for: either a fixed set of ids, or everything above a
// TVL threshold (spec.md §4.6). The filter is only stored on the
// ProtocolStateSynchronizer; Tick forwards every message its stream
// delivers without filtering it.
type ComponentFilter struct {
	Kind       FilterKind
	Ids        []string
	MinimumTVL float64
}

// FilterByIds builds an Ids-variant ComponentFilter.
func FilterByIds(ids []string) ComponentFilter {
	return ComponentFilter{Kind: FilterIds, Ids: ids}
}

// FilterByMinimumTVL builds a MinimumTVL-variant ComponentFilter.
func FilterByMinimumTVL(tvl float64) ComponentFilter {
	return ComponentFilter{Kind: FilterMinimumTVL, MinimumTVL: tvl}
}

// StatusPayload pairs one stream's classification for this tick with
// the message it produced, if any.
type StatusPayload struct {
	Status  SyncStatus
	Payload model.NormalisedMessage
}

// FeedMessage is the merged output of one tick (spec.md §4.6 step 3).
type FeedMessage struct {
	Block       uint64
	ByExtractor map[model.ExtractorIdentity]StatusPayload
}

// ProtocolStateSynchronizer tracks one extractor's feed: the channel of
// incoming aggregated messages (fed by a C7 client connection or
// directly by a runner subscription), its component filter, and the
// miss-count bookkeeping that drives Stale classification.
type ProtocolStateSynchronizer struct {
	ID       model.ExtractorIdentity
	Filter   ComponentFilter
	messages <-chan model.NormalisedMessage

	misses int
	stale  bool
	ended  bool
}

// NewProtocolStateSynchronizer wires one registered stream.
func NewProtocolStateSynchronizer(id model.ExtractorIdentity, filter ComponentFilter, messages <-chan model.NormalisedMessage) *ProtocolStateSynchronizer {
	return &ProtocolStateSynchronizer{ID: id, Filter: filter, messages: messages}
}

// Synchronizer is the consumer-side alignment of every registered
// ProtocolStateSynchronizer onto one merged, per-block feed.
type Synchronizer struct {
	mu        sync.Mutex
	streams   map[model.ExtractorIdentity]*ProtocolStateSynchronizer
	blockTime time.Duration
	timeout   time.Duration
	log       *zap.Logger
}

// New builds a Synchronizer with the given per-tick deadline
// parameters (spec.md §4.6).
func New(blockTime, timeout time.Duration, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		streams:   make(map[model.ExtractorIdentity]*ProtocolStateSynchronizer),
		blockTime: blockTime,
		timeout:   timeout,
		log:       log,
	}
}

// Register adds a stream to future ticks.
func (s *Synchronizer) Register(ps *ProtocolStateSynchronizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[ps.ID] = ps
}

// Deregister removes a stream; it no longer appears in future
// FeedMessages.
func (s *Synchronizer) Deregister(id model.ExtractorIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, id)
}

// Tick runs spec.md §4.6's per-tick algorithm once: non-blocking
// recovery checks on Stale streams, a bounded concurrent wait on every
// other live stream, and a merged FeedMessage. A stream classified
// Stale is reported in the FeedMessage and logged; it does not make
// Tick return an error. Tick is not safe to call
// concurrently with itself — the per-stream miss counters assume a
// single in-flight tick at a time.
func (s *Synchronizer) Tick(ctx context.Context, blockNumber uint64) (FeedMessage, error) {
	s.mu.Lock()
	live := make([]*ProtocolStateSynchronizer, 0, len(s.streams))
	for _, ps := range s.streams {
		live = append(live, ps)
	}
	s.mu.Unlock()

	result := make(map[model.ExtractorIdentity]StatusPayload, len(live))
	var active []*ProtocolStateSynchronizer

	for _, ps := range live {
		if ps.ended {
			result[ps.ID] = StatusPayload{Status: StatusEnded}
			continue
		}
		if ps.stale {
			// A Stale stream self-recovers by producing a message
			// without blocking the tick on it (spec.md §4.6 step 4).
			select {
			case msg, ok := <-ps.messages:
				if !ok {
					ps.ended = true
					result[ps.ID] = StatusPayload{Status: StatusEnded}
					continue
				}
				ps.stale = false
				ps.misses = 0
				result[ps.ID] = StatusPayload{Status: StatusReady, Payload: msg}
			default:
				result[ps.ID] = StatusPayload{Status: StatusStale}
			}
			continue
		}
		active = append(active, ps)
	}

	tickCtx, cancel := context.WithTimeout(ctx, s.blockTime+s.timeout)
	defer cancel()

	var mu sync.Mutex
	var combined error
	g, gctx := errgroup.WithContext(tickCtx)
	for _, ps := range active {
		ps := ps
		g.Go(func() error {
			status, payload := ps.awaitNext(gctx)
			mu.Lock()
			result[ps.ID] = StatusPayload{Status: status, Payload: payload}
			if status == StatusStale {
				s.log.Warn("stream marked stale", zap.String("extractor", ps.ID.String()))
				combined = multierr.Append(combined, errStale{id: ps.ID})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // goroutines never return a non-nil error; errgroup is used purely for the bounded concurrent wait
	if combined != nil {
		s.log.Debug("tick finished with stale streams", zap.Error(combined))
	}

	return FeedMessage{Block: blockNumber, ByExtractor: result}, nil
}

// awaitNext waits up to ctx's deadline for the stream's next message,
// classifying the outcome per spec.md §4.6 step 2.
func (ps *ProtocolStateSynchronizer) awaitNext(ctx context.Context) (SyncStatus, model.NormalisedMessage) {
	select {
	case msg, ok := <-ps.messages:
		if !ok {
			ps.ended = true
			return StatusEnded, nil
		}
		ps.misses = 0
		return StatusReady, msg
	case <-ctx.Done():
		ps.misses++
		if ps.misses >= staleAfterMisses {
			ps.stale = true
			return StatusStale, nil
		}
		return StatusDelayed, nil
	}
}

type errStale struct{ id model.ExtractorIdentity }

func (e errStale) Error() string { return e.id.String() + ": stream marked stale" }
