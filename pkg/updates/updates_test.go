package updates

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testUserID = 7777

// collectHandler records every update delivered downstream.
type collectHandler struct {
	mu      sync.Mutex
	updates []tg.UpdateClass
}

func (h *collectHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch env := u.(type) {
	case *tg.Updates:
		h.updates = append(h.updates, env.Updates...)
	case *tg.UpdatesCombined:
		h.updates = append(h.updates, env.Updates...)
	}
	return nil
}

func (h *collectHandler) snapshot() []tg.UpdateClass {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]tg.UpdateClass(nil), h.updates...)
}

// scriptInvoker answers raw RPC calls from a test-provided function, using
// the same encode/decode round trip the real transport would.
type scriptInvoker struct {
	handle func(body bin.Encoder) (bin.Encoder, error)
}

func (i scriptInvoker) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	res, err := i.handle(input)
	if err != nil {
		return err
	}
	buf := new(bin.Buffer)
	if err := res.Encode(buf); err != nil {
		return err
	}
	return output.Decode(buf)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func newUserMessage(id int, text string) *tg.Message {
	return &tg.Message{
		ID:      id,
		PeerID:  &tg.PeerUser{UserID: 999},
		Message: text,
		Date:    id,
	}
}

// A pts update that jumps past the stored state must trigger exactly one
// difference fetch, and the difference replay must be delivered in order
// with the buffered triggering update deduplicated.
func TestManager_PtsGapRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := newMemStorage()
	require.NoError(t, storage.SetState(ctx, testUserID, State{Pts: 100, Qts: 0, Date: 5, Seq: 1}))

	var (
		mu        sync.Mutex
		diffCalls int
	)
	invoker := scriptInvoker{handle: func(body bin.Encoder) (bin.Encoder, error) {
		switch body.(type) {
		case *tg.UpdatesGetDifferenceRequest:
			mu.Lock()
			diffCalls++
			call := diffCalls
			mu.Unlock()
			if call == 1 {
				// Startup catch-up, nothing happened while offline.
				return &tg.UpdatesDifferenceEmpty{Date: 5, Seq: 1}, nil
			}
			return &tg.UpdatesDifference{
				NewMessages: []tg.MessageClass{
					newUserMessage(101, "one"),
					newUserMessage(102, "two"),
					newUserMessage(103, "three"),
				},
				State: tg.UpdatesState{Pts: 103, Qts: 0, Date: 6, Seq: 1},
			}, nil
		default:
			return nil, errors.Errorf("unexpected request %T", body)
		}
	}}

	handler := &collectHandler{}
	m := New(Config{Handler: handler, Storage: storage})

	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, tg.NewClient(invoker), testUserID, AuthOptions{})
	}()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return diffCalls >= 1
	})

	require.NoError(t, m.Handle(ctx, &tg.UpdatesCombined{
		Updates: []tg.UpdateClass{&tg.UpdateNewMessage{
			Message:  newUserMessage(103, "three"),
			Pts:      103,
			PtsCount: 1,
		}},
		Date: 6,
	}))

	waitFor(t, func() bool { return len(handler.snapshot()) >= 3 })
	updates := handler.snapshot()
	require.Len(t, updates, 3, "buffered triggering update must not be delivered twice")
	for i, want := range []int{101, 102, 103} {
		msg := updates[i].(*tg.UpdateNewMessage).Message.(*tg.Message)
		assert.Equal(t, want, msg.ID)
	}

	state, found, err := storage.GetState(ctx, testUserID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 103, state.Pts)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

// Contiguous and duplicate updates go through without any difference call,
// and the stored pts only ever moves forward.
func TestManager_PtsDuplicateAndOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := newMemStorage()
	require.NoError(t, storage.SetState(ctx, testUserID, State{Pts: 100, Date: 5, Seq: 1}))

	invoker := scriptInvoker{handle: func(body bin.Encoder) (bin.Encoder, error) {
		switch body.(type) {
		case *tg.UpdatesGetDifferenceRequest:
			return &tg.UpdatesDifferenceEmpty{Date: 5, Seq: 1}, nil
		default:
			return nil, errors.Errorf("unexpected request %T", body)
		}
	}}

	handler := &collectHandler{}
	m := New(Config{Handler: handler, Storage: storage})

	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- m.Run(ctx, tg.NewClient(invoker), testUserID, AuthOptions{
			OnStart: func(context.Context) { close(started) },
		})
	}()
	<-started

	push := func(pts int) {
		require.NoError(t, m.Handle(ctx, &tg.UpdatesCombined{
			Updates: []tg.UpdateClass{&tg.UpdateNewMessage{
				Message:  newUserMessage(pts, "msg"),
				Pts:      pts,
				PtsCount: 1,
			}},
			Date: 5,
		}))
	}
	push(101)
	push(102)
	push(101) // replay, must be dropped
	push(102) // replay, must be dropped

	waitFor(t, func() bool { return len(handler.snapshot()) >= 2 })
	time.Sleep(100 * time.Millisecond)
	require.Len(t, handler.snapshot(), 2)

	state, _, err := storage.GetState(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, 102, state.Pts)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

// A gap in a channel's own pts sequence is recovered with
// updates.getChannelDifference and committed per channel.
func TestManager_ChannelGapRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const channelID = 100
	storage := newMemStorage()
	require.NoError(t, storage.SetState(ctx, testUserID, State{Pts: 50, Date: 5, Seq: 1}))
	hasher := newMemAccessHasher()
	require.NoError(t, hasher.SetChannelAccessHash(ctx, testUserID, channelID, 555))

	newChannelMessage := func(id int) *tg.Message {
		return &tg.Message{
			ID:     id,
			PeerID: &tg.PeerChannel{ChannelID: channelID},
			Date:   id,
		}
	}

	invoker := scriptInvoker{handle: func(body bin.Encoder) (bin.Encoder, error) {
		switch req := body.(type) {
		case *tg.UpdatesGetDifferenceRequest:
			return &tg.UpdatesDifferenceEmpty{Date: 5, Seq: 1}, nil
		case *tg.UpdatesGetChannelDifferenceRequest:
			return &tg.UpdatesChannelDifference{
				Final: true,
				Pts:   5,
				NewMessages: []tg.MessageClass{
					newChannelMessage(3),
					newChannelMessage(4),
					newChannelMessage(5),
				},
			}, nil
		default:
			return nil, errors.Errorf("unexpected request %T", req)
		}
	}}

	handler := &collectHandler{}
	m := New(Config{Handler: handler, Storage: storage, AccessHasher: hasher})

	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- m.Run(ctx, tg.NewClient(invoker), testUserID, AuthOptions{
			OnStart: func(context.Context) { close(started) },
		})
	}()
	<-started

	// First message for an unknown channel initializes its local pts to
	// pts-pts_count and applies immediately.
	require.NoError(t, m.Handle(ctx, &tg.Updates{
		Updates: []tg.UpdateClass{&tg.UpdateNewChannelMessage{
			Message:  newChannelMessage(2),
			Pts:      2,
			PtsCount: 1,
		}},
		Date: 5,
	}))
	waitFor(t, func() bool { return len(handler.snapshot()) >= 1 })

	// Jumping to pts 5 leaves a hole at 3-4, recovered via channel difference.
	require.NoError(t, m.Handle(ctx, &tg.Updates{
		Updates: []tg.UpdateClass{&tg.UpdateNewChannelMessage{
			Message:  newChannelMessage(5),
			Pts:      5,
			PtsCount: 1,
		}},
		Date: 6,
	}))

	waitFor(t, func() bool { return len(handler.snapshot()) >= 4 })
	waitFor(t, func() bool {
		pts, found, err := storage.GetChannelPts(ctx, testUserID, channelID)
		return err == nil && found && pts == 5
	})

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

// Until Run is called, the manager forwards envelopes unmodified so the same
// object can back a login client's plain dispatcher.
func TestManager_PassthroughBeforeRun(t *testing.T) {
	handler := &collectHandler{}
	m := New(Config{Handler: handler})

	require.NoError(t, m.Handle(context.Background(), &tg.Updates{
		Updates: []tg.UpdateClass{&tg.UpdateLoginToken{}},
	}))
	require.Len(t, handler.snapshot(), 1)
	assert.IsType(t, &tg.UpdateLoginToken{}, handler.snapshot()[0])
}

func TestSequenceBox(t *testing.T) {
	var applied []int
	box := newSequenceBox("pts", 100, func(ctx context.Context, state int, updates []update) error {
		applied = append(applied, state)
		return nil
	}, zap.NewNop())

	ctx := context.Background()
	// Duplicate: end <= state.
	require.NoError(t, box.Handle(ctx, update{State: 100, Count: 1}))
	assert.Empty(t, applied)

	// Gap: buffered, not applied.
	require.NoError(t, box.Handle(ctx, update{State: 103, Count: 1}))
	assert.Empty(t, applied)
	assert.True(t, box.armed)

	// Filling the hole drains the buffer in order.
	require.NoError(t, box.Handle(ctx, update{State: 102, Count: 1}))
	require.NoError(t, box.Handle(ctx, update{State: 101, Count: 1}))
	assert.Equal(t, []int{101, 102, 103}, applied)
	assert.Equal(t, 103, box.State())
	assert.False(t, box.armed, "gap timer must be disarmed once the buffer drains")

	// State never regresses.
	require.NoError(t, box.Handle(ctx, update{State: 102, Count: 1}))
	assert.Equal(t, 103, box.State())
}
