// Package runner implements the Extractor Runner & Hub (C5): one task
// multiplexing a single extractor's decoded stream against a mutable
// set of subscribers, fanning out every emitted message in produced
// order (spec.md §4.5).
package runner

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"tycho/internal/model"
	"tycho/internal/stream"
	"tycho/pkg/errs"
)

// Extractor is the narrow surface Runner drives; satisfied by
// *extractor.VMExtractor and *extractor.NativeExtractor.
type Extractor interface {
	ID() model.ExtractorIdentity
	Cursor() model.Cursor
	HandleTickScopedData(ctx context.Context, raw []byte, cursor model.Cursor) (model.NormalisedMessage, error)
	HandleRevert(ctx context.Context, lastValidBlockID string, lastValidBlockNumber uint64, lastValidCursor model.Cursor) (model.NormalisedMessage, error)
}

// subscriberChanCapacity bounds each subscriber's channel. Sends never
// block: a send that finds the buffer still full removes that
// subscriber (see propagate), so a slow subscriber stalls neither the
// runner nor the other subscribers (spec.md §4.5 "Resource bounds").
const subscriberChanCapacity = 1

// control carries only Stop: Subscribe/Unsubscribe mutate the
// mutex-guarded subscription map directly (no task ownership needed
// for a plain map). Stop still needs to reach the single task driving
// Run so it can return out of the select loop.
type control struct{}

// Runner owns one extractor, one upstream stream, and the mutable
// subscription set. Run multiplexes the control and stream channels on
// a single goroutine until Stop, stream end, or a fatal extractor
// error.
type Runner struct {
	extractor Extractor
	items     <-chan stream.Item
	stop      chan control

	mu   sync.Mutex
	subs map[uuid.UUID]chan model.NormalisedMessage

	log *logrus.Entry
}

// New builds a Runner over an already-open stream; see
// Builder for the construction protocol that also opens
// the stream from the extractor's durable cursor.
func New(ex Extractor, items <-chan stream.Item, log *logrus.Entry) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{
		extractor: ex,
		items:     items,
		stop:      make(chan control),
		subs:      make(map[uuid.UUID]chan model.NormalisedMessage),
		log:       log.WithField("extractor", ex.ID().String()),
	}
}

// Handle is the clonable client surface returned alongside the running
// task: Subscribe and Stop, per spec.md §4.5.
type Handle struct {
	r *Runner
}

// Handle returns a Handle bound to this Runner.
func (r *Runner) Handle() Handle { return Handle{r: r} }

// Subscribe registers a new subscription and returns its id and
// receive channel.
func (h Handle) Subscribe(ctx context.Context) (uuid.UUID, <-chan model.NormalisedMessage, error) {
	ch := make(chan model.NormalisedMessage, subscriberChanCapacity)
	h.r.mu.Lock()
	id := uuid.New()
	h.r.subs[id] = ch
	h.r.mu.Unlock()
	h.r.log.WithField("subscriber", id).Info("new subscription")
	return id, ch, nil
}

// Unsubscribe removes a subscription; its channel is closed, and no
// further messages are sent to it.
func (h Handle) Unsubscribe(id uuid.UUID) {
	h.r.removeSubscriber(id)
}

// Stop requests the Runner's task terminate cleanly.
func (h Handle) Stop(ctx context.Context) error {
	select {
	case h.r.stop <- control{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the control/stream select loop until Stop, stream end, or
// a fatal error from the extractor (spec.md §4.5). The caller typically
// runs this in its own goroutine.
func (r *Runner) Run(ctx context.Context) error {
	defer r.closeAllSubscribers()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-r.stop:
			r.log.Warn("stop signal received, exiting")
			return nil

		case item, ok := <-r.items:
			if !ok {
				return errs.New(errs.Upstream, "stream closed")
			}
			msg, err := r.handleItem(ctx, item)
			if err != nil {
				r.log.WithError(err).Error("fatal error processing stream item")
				return err
			}
			if msg != nil {
				r.propagate(msg)
			}
		}
	}
}

func (r *Runner) handleItem(ctx context.Context, item stream.Item) (model.NormalisedMessage, error) {
	switch item.Kind {
	case stream.KindForward:
		r.log.WithField("block", item.ClockBlockNumber).Debug("new block data received")
		return r.extractor.HandleTickScopedData(ctx, item.Payload, model.Cursor(item.Cursor))
	case stream.KindUndo:
		r.log.WithField("block", item.LastValidBlockNumber).Warn("revert requested")
		return r.extractor.HandleRevert(ctx, item.LastValidBlockID, item.LastValidBlockNumber, model.Cursor(item.LastValidCursor))
	case stream.KindErr:
		return nil, item.Err
	default:
		return nil, nil
	}
}

// propagate fans the message out to every subscriber concurrently: one
// slow subscriber's channel send must not delay the others (spec.md
// §4.5). Sends that fail (channel full or receiver gone) mark that
// subscriber for removal after the round.
func (r *Runner) propagate(msg model.NormalisedMessage) {
	r.mu.Lock()
	targets := make(map[uuid.UUID]chan model.NormalisedMessage, len(r.subs))
	for id, ch := range r.subs {
		targets[id] = ch
	}
	r.mu.Unlock()

	var wg conc.WaitGroup
	var failedMu sync.Mutex
	var failed []uuid.UUID

	for id, ch := range targets {
		id, ch := id, ch
		wg.Go(func() {
			select {
			case ch <- msg:
			default:
				failedMu.Lock()
				failed = append(failed, id)
				failedMu.Unlock()
			}
		})
	}
	wg.Wait()

	for _, id := range failed {
		r.log.WithField("subscriber", id).Warn("subscriber send failed, removing")
		r.removeSubscriber(id)
	}
}

func (r *Runner) removeSubscriber(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subs[id]; ok {
		close(ch)
		delete(r.subs, id)
	}
}

func (r *Runner) closeAllSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
}
