package updates

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type stateConfig struct {
	client           *tg.Client
	selfID           int64
	storage          StateStorage
	hasher           AccessHasher
	handler          telegram.UpdateHandler
	onChannelTooLong func(channelID int64) error
	log              *zap.Logger
	tracer           trace.Tracer
	diffLimit        int
	forget           bool
}

// internalState is the sequence state of one authorized user. All fields are
// owned by the Run goroutine; channel states run their own loops and only
// touch the shared storage/hasher/handler, never the maps here.
type internalState struct {
	client           *tg.Client
	storage          StateStorage
	hasher           AccessHasher
	handler          telegram.UpdateHandler
	onChannelTooLong func(channelID int64) error
	selfID           int64
	diffLimit        int
	log              *zap.Logger
	tracer           trace.Tracer

	pts, qts, seq *sequenceBox
	date          int

	channels         map[int64]*channelState
	restoredChannels map[int64]int
	caughtUp         bool

	externalQueue chan tg.UpdatesClass
	idleTimer     *time.Timer

	runCtx context.Context
	wg     sync.WaitGroup
	errCh  chan error
}

func newInternalState(ctx context.Context, cfg stateConfig) (*internalState, error) {
	state, found, err := cfg.storage.GetState(ctx, cfg.selfID)
	if err != nil {
		return nil, errors.Wrap(err, "load state")
	}

	// A row of all zeros is a freshly seeded login that has never been
	// anchored on a server state, treat it like a missing row.
	if !found || state == (State{}) || cfg.forget {
		found = false
		remote, err := cfg.client.UpdatesGetState(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "get remote state")
		}
		state = State{}.fromRemote(remote)
		if err := cfg.storage.SetState(ctx, cfg.selfID, state); err != nil {
			return nil, errors.Wrap(err, "save remote state")
		}
	}

	s := &internalState{
		client:           cfg.client,
		storage:          cfg.storage,
		hasher:           cfg.hasher,
		handler:          cfg.handler,
		onChannelTooLong: cfg.onChannelTooLong,
		selfID:           cfg.selfID,
		diffLimit:        cfg.diffLimit,
		log:              cfg.log,
		tracer:           cfg.tracer,

		date: state.Date,

		channels:         map[int64]*channelState{},
		restoredChannels: map[int64]int{},
		caughtUp:         !found || cfg.forget,

		externalQueue: make(chan tg.UpdatesClass, 100),
		errCh:         make(chan error, 1),
	}
	s.pts = newSequenceBox("pts", state.Pts, s.applyPts, cfg.log)
	s.qts = newSequenceBox("qts", state.Qts, s.applyQts, cfg.log)
	s.seq = newSequenceBox("seq", state.Seq, s.applySeq, cfg.log)

	if found && !cfg.forget {
		if err := cfg.storage.ForEachChannels(ctx, cfg.selfID, func(ctx context.Context, channelID int64, pts int) error {
			s.restoredChannels[channelID] = pts
			return nil
		}); err != nil {
			return nil, errors.Wrap(err, "load channel states")
		}
	}

	return s, nil
}

// Push hands an updates envelope to the run loop.
func (s *internalState) Push(ctx context.Context, u tg.UpdatesClass) error {
	select {
	case s.externalQueue <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *internalState) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = runCtx

	err := s.run(runCtx)

	// Tear down channel loops before collecting their errors, otherwise a
	// handler failure in the main loop would leave them running forever.
	cancel()
	s.wg.Wait()
	for {
		select {
		case chErr := <-s.errCh:
			err = multierr.Append(err, chErr)
		default:
			return err
		}
	}
}

func (s *internalState) run(ctx context.Context) error {
	s.idleTimer = time.NewTimer(idleTimeout)
	defer s.idleTimer.Stop()

	for channelID, pts := range s.restoredChannels {
		accessHash, found, err := s.hasher.GetChannelAccessHash(ctx, s.selfID, channelID)
		if err != nil {
			return errors.Wrap(err, "restore channel access hash")
		}
		if !found {
			s.log.Warn("No access hash for restored channel, skipping recovery",
				zap.Int64("channel_id", channelID))
			continue
		}
		st := s.createChannelState(channelID, accessHash, pts)
		if err := st.Recover(ctx); err != nil {
			return err
		}
	}

	if !s.caughtUp {
		if err := s.getDifference(ctx); err != nil {
			return errors.Wrap(err, "catch up")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.errCh:
			return err
		case u := <-s.externalQueue:
			if err := s.handleUpdates(ctx, u); err != nil {
				return err
			}
		case <-s.pts.gapTimer.C:
			s.log.Debug("Pts gap timeout", zap.Int("pts", s.pts.State()))
			if err := s.getDifference(ctx); err != nil {
				return err
			}
		case <-s.qts.gapTimer.C:
			s.log.Debug("Qts gap timeout", zap.Int("qts", s.qts.State()))
			if err := s.getDifference(ctx); err != nil {
				return err
			}
		case <-s.seq.gapTimer.C:
			s.log.Debug("Seq gap timeout", zap.Int("seq", s.seq.State()))
			if err := s.getDifference(ctx); err != nil {
				return err
			}
		case <-s.idleTimer.C:
			s.log.Debug("Idle timeout, fetching difference")
			if err := s.getDifference(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *internalState) resetIdle() {
	if s.idleTimer == nil {
		return
	}
	if !s.idleTimer.Stop() {
		select {
		case <-s.idleTimer.C:
		default:
		}
	}
	s.idleTimer.Reset(idleTimeout)
}

func (s *internalState) handleUpdates(ctx context.Context, u tg.UpdatesClass) error {
	ctx, span := s.tracer.Start(ctx, "internalState.handleUpdates")
	defer span.End()
	s.resetIdle()

	switch u := u.(type) {
	case *tg.Updates:
		return s.handleSeq(ctx, &tg.UpdatesCombined{
			Updates:  u.Updates,
			Users:    u.Users,
			Chats:    u.Chats,
			Date:     u.Date,
			Seq:      u.Seq,
			SeqStart: u.Seq,
		})
	case *tg.UpdatesCombined:
		return s.handleSeq(ctx, u)
	case *tg.UpdateShort:
		return s.handleSeq(ctx, &tg.UpdatesCombined{
			Updates: []tg.UpdateClass{u.Update},
			Date:    u.Date,
		})
	case *tg.UpdateShortMessage:
		return s.handleUpdates(ctx, s.convertShortMessage(u))
	case *tg.UpdateShortChatMessage:
		return s.handleUpdates(ctx, s.convertShortChatMessage(u))
	case *tg.UpdateShortSentMessage:
		// The sent-message echo has no message body to replay, the
		// difference is the only way to hydrate it.
		return s.getDifference(ctx)
	case *tg.UpdatesTooLong:
		return s.getDifference(ctx)
	default:
		return errors.Errorf("unexpected updates type %T", u)
	}
}

func (s *internalState) handleSeq(ctx context.Context, comb *tg.UpdatesCombined) error {
	if comb.Seq == 0 {
		ptsChanged, err := s.applyCombined(ctx, comb)
		if err != nil {
			return err
		}
		if ptsChanged {
			return s.getDifference(ctx)
		}
		return nil
	}

	return s.seq.Handle(ctx, update{
		Value: comb,
		State: comb.Seq,
		Count: comb.Seq - comb.SeqStart + 1,
	})
}

func (s *internalState) handlePts(ctx context.Context, pts, ptsCount int, u tg.UpdateClass, ents entities) error {
	return s.pts.Handle(ctx, update{
		Value:    u,
		State:    pts,
		Count:    ptsCount,
		Entities: ents,
	})
}

func (s *internalState) handleQts(ctx context.Context, qts int, u tg.UpdateClass, ents entities) error {
	return s.qts.Handle(ctx, update{
		Value:    u,
		State:    qts,
		Count:    1,
		Entities: ents,
	})
}

func (s *internalState) handleChannel(ctx context.Context, channelID int64, date, pts, ptsCount int, cu channelUpdate) error {
	st, err := s.getOrCreateChannelState(ctx, channelID, date, pts-ptsCount, cu.entities)
	if err != nil {
		s.log.Warn("Dropping channel update",
			zap.Int64("channel_id", channelID), zap.Error(err))
		return nil
	}
	return st.Push(ctx, cu)
}

// getOrCreateChannelState materializes the in-memory sequence state for a
// channel the first time an update for it is seen. The access hash comes from
// the hasher, from the entities bundled with the triggering envelope, or as a
// last resort from a difference fetch (dropping the update instead would lose
// the only signal that the channel exists).
func (s *internalState) getOrCreateChannelState(ctx context.Context, channelID int64, date, fallbackPts int, ents entities) (*channelState, error) {
	if st, ok := s.channels[channelID]; ok {
		return st, nil
	}

	localPts, found, err := s.storage.GetChannelPts(ctx, s.selfID, channelID)
	if err != nil {
		return nil, errors.Wrap(err, "get channel pts")
	}
	if !found {
		if fallbackPts < 0 {
			fallbackPts = 0
		}
		localPts = fallbackPts
		if err := s.storage.SetChannelPts(ctx, s.selfID, channelID, localPts); err != nil {
			return nil, errors.Wrap(err, "init channel pts")
		}
	}

	accessHash, found, err := s.hasher.GetChannelAccessHash(ctx, s.selfID, channelID)
	if err != nil {
		return nil, errors.Wrap(err, "get channel access hash")
	}
	if !found {
		accessHash, found = accessHashFromEntities(channelID, ents)
		if found {
			if err := s.hasher.SetChannelAccessHash(ctx, s.selfID, channelID, accessHash); err != nil {
				return nil, errors.Wrap(err, "save channel access hash")
			}
		}
	}
	if !found {
		accessHash, found = s.restoreChannelAccessHash(ctx, channelID, date)
		if !found {
			return nil, errors.New("unable to recover access hash")
		}
	}

	return s.createChannelState(channelID, accessHash, localPts), nil
}

func (s *internalState) createChannelState(channelID, accessHash int64, initialPts int) *channelState {
	st := newChannelState(channelStateConfig{
		channelID:  channelID,
		accessHash: accessHash,
		initialPts: initialPts,
		selfID:     s.selfID,
		diffLimit:  s.diffLimit,
		client:     s.client,
		storage:    s.storage,
		hasher:     s.hasher,
		handler:    s.handler,
		onTooLong:  s.onChannelTooLong,
		log:        s.log.Named("channel").With(zap.Int64("channel_id", channelID)),
		tracer:     s.tracer,
	})
	s.channels[channelID] = st

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := st.Run(s.runCtx); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case s.errCh <- errors.Wrapf(err, "channel %d state", channelID):
			default:
			}
		}
	}()
	return st
}

func accessHashFromEntities(channelID int64, ents entities) (int64, bool) {
	for _, c := range ents.Chats {
		switch c := c.(type) {
		case *tg.Channel:
			if c.ID == channelID && !c.Min {
				return c.GetAccessHash()
			}
		case *tg.ChannelForbidden:
			if c.ID == channelID {
				return c.AccessHash, true
			}
		}
	}
	return 0, false
}

func (s *internalState) getDifference(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "internalState.getDifference")
	defer span.End()
	s.resetIdle()

	for {
		diff, err := s.client.UpdatesGetDifference(ctx, &tg.UpdatesGetDifferenceRequest{
			Pts:  s.pts.State(),
			Qts:  s.qts.State(),
			Date: s.date,
		})
		if err != nil {
			return errors.Wrap(err, "get difference")
		}

		switch diff := diff.(type) {
		case *tg.UpdatesDifference:
			if err := s.applyDifference(ctx, diff.NewMessages, diff.NewEncryptedMessages, diff.OtherUpdates, diff.Users, diff.Chats); err != nil {
				return err
			}
			return s.commitState(ctx, State{}.fromRemote(&diff.State))
		case *tg.UpdatesDifferenceSlice:
			if err := s.applyDifference(ctx, diff.NewMessages, diff.NewEncryptedMessages, diff.OtherUpdates, diff.Users, diff.Chats); err != nil {
				return err
			}
			if err := s.commitState(ctx, State{}.fromRemote(&diff.IntermediateState)); err != nil {
				return err
			}
		case *tg.UpdatesDifferenceEmpty:
			if err := s.storage.SetDateSeq(ctx, s.selfID, diff.Date, diff.Seq); err != nil {
				return errors.Wrap(err, "set date and seq")
			}
			s.date = diff.Date
			s.seq.SetState(diff.Seq, "difference empty")
			return nil
		case *tg.UpdatesDifferenceTooLong:
			// Local pts is too old to replay from, re-anchor and let the
			// bridge layer resync chat history on demand.
			if err := s.storage.SetPts(ctx, s.selfID, diff.Pts); err != nil {
				return errors.Wrap(err, "set pts")
			}
			s.pts.SetState(diff.Pts, "difference too long")
			return nil
		default:
			return errors.Errorf("unexpected difference type %T", diff)
		}
	}
}

// applyDifference emits the contents of one difference response. Channel pts
// updates inside other_updates are routed to their channel's own sequence,
// everything else is delivered as a single ordered batch. Nothing here
// advances the persisted state, the caller commits only after emission
// succeeds.
func (s *internalState) applyDifference(
	ctx context.Context,
	msgs []tg.MessageClass,
	encMsgs []tg.EncryptedMessageClass,
	others []tg.UpdateClass,
	users []tg.UserClass,
	chats []tg.ChatClass,
) error {
	s.saveChannelHashes(ctx, chats)
	s.saveUserHashes(ctx, users)
	ents := entities{Users: users, Chats: chats}

	converted := make([]tg.UpdateClass, 0, len(msgs)+len(encMsgs)+len(others))
	for _, msg := range msgs {
		converted = append(converted, &tg.UpdateNewMessage{Message: msg})
	}
	for _, msg := range encMsgs {
		converted = append(converted, &tg.UpdateNewEncryptedMessage{Message: msg})
	}

	sortUpdatesByPts(others)
	for _, u := range others {
		if tooLong, ok := u.(*tg.UpdateChannelTooLong); ok {
			if err := s.handleChannel(ctx, tooLong.ChannelID, s.date, 0, 0, channelUpdate{
				update:   tooLong,
				entities: ents,
				span:     trace.SpanContextFromContext(ctx),
			}); err != nil {
				return err
			}
			continue
		}

		if channelID, pts, ptsCount, ok, err := isChannelPtsUpdate(u); ok {
			if err != nil {
				s.log.Debug("Invalid channel update in difference", zap.Error(err))
				continue
			}
			if err := s.handleChannel(ctx, channelID, s.date, pts, ptsCount, channelUpdate{
				update:   u,
				entities: ents,
				span:     trace.SpanContextFromContext(ctx),
			}); err != nil {
				return err
			}
			continue
		}

		converted = append(converted, u)
	}

	if len(converted) == 0 {
		return nil
	}
	return s.handler.Handle(ctx, &tg.Updates{
		Updates: converted,
		Users:   users,
		Chats:   chats,
	})
}

func (s *internalState) commitState(ctx context.Context, state State) error {
	// SetState is reserved for (re-)anchoring a fresh login, it resets the
	// per-channel state. A difference commit only moves the four counters.
	if err := s.storage.SetPts(ctx, s.selfID, state.Pts); err != nil {
		return errors.Wrap(err, "commit pts")
	}
	if err := s.storage.SetQts(ctx, s.selfID, state.Qts); err != nil {
		return errors.Wrap(err, "commit qts")
	}
	if err := s.storage.SetDateSeq(ctx, s.selfID, state.Date, state.Seq); err != nil {
		return errors.Wrap(err, "commit date and seq")
	}
	s.pts.SetState(state.Pts, "difference")
	s.qts.SetState(state.Qts, "difference")
	s.seq.SetState(state.Seq, "difference")
	s.date = state.Date
	return nil
}
