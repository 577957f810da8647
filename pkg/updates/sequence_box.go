package updates

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// sequenceBox applies updates in sequence order. Contiguous updates are
// applied immediately, updates that would leave a hole are buffered and the
// gap timer is armed; whoever owns the box watches the timer and recovers
// the hole with a difference request.
type sequenceBox struct {
	name    string
	state   int
	pending []update
	apply   func(ctx context.Context, state int, updates []update) error
	log     *zap.Logger

	gapTimer *time.Timer
	armed    bool
}

func newSequenceBox(name string, state int, apply func(ctx context.Context, state int, updates []update) error, log *zap.Logger) *sequenceBox {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	return &sequenceBox{
		name:     name,
		state:    state,
		apply:    apply,
		log:      log.Named(name),
		gapTimer: timer,
	}
}

func (b *sequenceBox) State() int { return b.state }

// SetState re-anchors the box, dropping any buffered updates. Used after a
// difference recovery has replayed the hole (and everything buffered after
// it) from the server.
func (b *sequenceBox) SetState(state int, reason string) {
	b.log.Debug("Set state", zap.Int("state", state), zap.String("reason", reason))
	b.state = state
	b.pending = nil
	b.disarmTimer()
}

func (b *sequenceBox) Handle(ctx context.Context, u update) error {
	if u.end() <= b.state {
		b.log.Debug("Dropping duplicate update",
			zap.Int("state", b.state), zap.Int("update_start", u.start()), zap.Int("update_end", u.end()))
		return nil
	}

	if u.start() > b.state {
		b.pending = append(b.pending, u)
		sort.SliceStable(b.pending, func(i, j int) bool {
			return b.pending[i].start() < b.pending[j].start()
		})
		if !b.armed {
			b.log.Debug("Gap detected",
				zap.Int("state", b.state), zap.Int("update_start", u.start()))
			b.gapTimer.Reset(gapTimeout)
			b.armed = true
		}
		return nil
	}

	if err := b.apply(ctx, u.State, []update{u}); err != nil {
		return err
	}
	// The apply callback may have recovered a difference and re-anchored
	// past this update, never move backwards.
	if u.State > b.state {
		b.state = u.State
	}
	return b.drainPending(ctx)
}

// drainPending applies buffered updates that became contiguous after the
// state advanced. Re-reads b.pending on every step because apply callbacks
// may call SetState and clear the buffer under us.
func (b *sequenceBox) drainPending(ctx context.Context) error {
	for len(b.pending) > 0 {
		u := b.pending[0]
		switch {
		case u.end() <= b.state:
			b.pending = b.pending[1:]
		case u.start() > b.state:
			// Still a hole, keep waiting for the gap timer.
			return nil
		default:
			b.pending = b.pending[1:]
			if err := b.apply(ctx, u.State, []update{u}); err != nil {
				return err
			}
			if u.State > b.state {
				b.state = u.State
			}
		}
	}
	b.disarmTimer()
	return nil
}

func (b *sequenceBox) disarmTimer() {
	if !b.armed {
		return
	}
	if !b.gapTimer.Stop() {
		select {
		case <-b.gapTimer.C:
		default:
		}
	}
	b.armed = false
}
