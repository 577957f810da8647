package updates

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// channelUpdate is one update addressed to a channel's own pts sequence,
// along with the entities and trace context of the envelope that carried it.
type channelUpdate struct {
	update   tg.UpdateClass
	entities entities
	span     trace.SpanContext
}

type channelStateConfig struct {
	channelID  int64
	accessHash int64
	initialPts int
	selfID     int64
	diffLimit  int
	client     *tg.Client
	storage    StateStorage
	hasher     AccessHasher
	handler    telegram.UpdateHandler
	onTooLong  func(channelID int64) error
	log        *zap.Logger
	tracer     trace.Tracer
}

// channelState tracks the pts sequence of a single channel. It runs its own
// loop so a difference fetch for one slow channel never stalls the main
// sequence or other channels.
type channelState struct {
	channelID  int64
	accessHash int64
	selfID     int64
	diffLimit  int
	client     *tg.Client
	storage    StateStorage
	hasher     AccessHasher
	handler    telegram.UpdateHandler
	onTooLong  func(channelID int64) error
	log        *zap.Logger
	tracer     trace.Tracer

	pts       *sequenceBox
	queue     chan channelUpdate
	idleTimer *time.Timer
}

func newChannelState(cfg channelStateConfig) *channelState {
	s := &channelState{
		channelID:  cfg.channelID,
		accessHash: cfg.accessHash,
		selfID:     cfg.selfID,
		diffLimit:  cfg.diffLimit,
		client:     cfg.client,
		storage:    cfg.storage,
		hasher:     cfg.hasher,
		handler:    cfg.handler,
		onTooLong:  cfg.onTooLong,
		log:        cfg.log,
		tracer:     cfg.tracer,
		queue:      make(chan channelUpdate, 100),
	}
	s.pts = newSequenceBox("channel_pts", cfg.initialPts, s.applyPts, cfg.log)
	return s
}

// Push hands an update to the channel's loop.
func (s *channelState) Push(ctx context.Context, u channelUpdate) error {
	select {
	case s.queue <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover queues a difference fetch from the locally stored pts, replaying
// whatever was missed while this channel had no running state.
func (s *channelState) Recover(ctx context.Context) error {
	return s.Push(ctx, channelUpdate{
		update: &tg.UpdateChannelTooLong{ChannelID: s.channelID},
	})
}

func (s *channelState) Run(ctx context.Context) error {
	s.idleTimer = time.NewTimer(idleTimeout)
	defer s.idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-s.queue:
			s.resetIdle()
			if err := s.handle(ctx, u); err != nil {
				return err
			}
		case <-s.pts.gapTimer.C:
			s.log.Debug("Pts gap timeout", zap.Int("pts", s.pts.State()))
			if err := s.getChannelDifference(ctx); err != nil {
				return err
			}
		case <-s.idleTimer.C:
			s.log.Debug("Idle timeout, fetching channel difference")
			if err := s.getChannelDifference(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *channelState) resetIdle() {
	if !s.idleTimer.Stop() {
		select {
		case <-s.idleTimer.C:
		default:
		}
	}
	s.idleTimer.Reset(idleTimeout)
}

func (s *channelState) handle(ctx context.Context, u channelUpdate) error {
	ctx = trace.ContextWithSpanContext(ctx, u.span)
	ctx, span := s.tracer.Start(ctx, "channelState.handle")
	defer span.End()

	if _, ok := u.update.(*tg.UpdateChannelTooLong); ok {
		return s.getChannelDifference(ctx)
	}

	_, pts, ptsCount, ok, err := isChannelPtsUpdate(u.update)
	if !ok || err != nil {
		s.log.Debug("Dropping non-sequenced channel update", zap.Error(err))
		return nil
	}
	return s.pts.Handle(ctx, update{
		Value:    u.update,
		State:    pts,
		Count:    ptsCount,
		Entities: u.entities,
	})
}

func (s *channelState) applyPts(ctx context.Context, state int, updates []update) error {
	ctx, span := s.tracer.Start(ctx, "channelState.applyPts")
	defer span.End()

	var (
		converted []tg.UpdateClass
		ents      entities
	)
	for _, u := range updates {
		converted = append(converted, u.Value.(tg.UpdateClass))
		ents.Merge(u.Entities)
	}

	if err := s.handler.Handle(ctx, &tg.Updates{
		Updates: converted,
		Users:   ents.Users,
		Chats:   ents.Chats,
	}); err != nil {
		return err
	}

	return s.storage.SetChannelPts(ctx, s.selfID, s.channelID, state)
}

func (s *channelState) getChannelDifference(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "channelState.getChannelDifference")
	defer span.End()
	s.resetIdle()

	for {
		diff, err := s.client.UpdatesGetChannelDifference(ctx, &tg.UpdatesGetChannelDifferenceRequest{
			Channel: &tg.InputChannel{
				ChannelID:  s.channelID,
				AccessHash: s.accessHash,
			},
			Filter: &tg.ChannelMessagesFilterEmpty{},
			Pts:    s.pts.State(),
			Limit:  s.diffLimit,
		})
		if err != nil {
			return errors.Wrap(err, "get channel difference")
		}

		switch diff := diff.(type) {
		case *tg.UpdatesChannelDifference:
			if err := s.applyDifference(ctx, diff.NewMessages, diff.OtherUpdates, diff.Users, diff.Chats); err != nil {
				return err
			}
			if err := s.storage.SetChannelPts(ctx, s.selfID, s.channelID, diff.Pts); err != nil {
				return errors.Wrap(err, "commit channel pts")
			}
			s.pts.SetState(diff.Pts, "channel difference")
			if !diff.Final {
				continue
			}
			return nil
		case *tg.UpdatesChannelDifferenceEmpty:
			if err := s.storage.SetChannelPts(ctx, s.selfID, s.channelID, diff.Pts); err != nil {
				return errors.Wrap(err, "commit channel pts")
			}
			s.pts.SetState(diff.Pts, "channel difference empty")
			return nil
		case *tg.UpdatesChannelDifferenceTooLong:
			// Too far behind to replay update by update. Tell the bridge
			// layer to resync the chat, then re-anchor on the dialog pts.
			if s.onTooLong != nil {
				if err := s.onTooLong(s.channelID); err != nil {
					s.log.Error("Channel too long callback failed", zap.Error(err))
				}
			}
			saveAccessHashes(ctx, s.log, s.hasher, s.selfID, diff.Users, diff.Chats)
			if dialog, ok := diff.Dialog.(*tg.Dialog); ok {
				if pts, ok := dialog.GetPts(); ok {
					if err := s.storage.SetChannelPts(ctx, s.selfID, s.channelID, pts); err != nil {
						return errors.Wrap(err, "commit channel pts")
					}
					s.pts.SetState(pts, "channel difference too long")
				}
			}
			return nil
		default:
			return errors.Errorf("unexpected channel difference type %T", diff)
		}
	}
}

func (s *channelState) applyDifference(
	ctx context.Context,
	msgs []tg.MessageClass,
	others []tg.UpdateClass,
	users []tg.UserClass,
	chats []tg.ChatClass,
) error {
	saveAccessHashes(ctx, s.log, s.hasher, s.selfID, users, chats)

	converted := make([]tg.UpdateClass, 0, len(msgs)+len(others))
	for _, msg := range msgs {
		converted = append(converted, &tg.UpdateNewChannelMessage{Message: msg})
	}
	converted = append(converted, others...)

	if len(converted) == 0 {
		return nil
	}
	return s.handler.Handle(ctx, &tg.Updates{
		Updates: converted,
		Users:   users,
		Chats:   chats,
	})
}

// saveAccessHashes records every non-min access hash in a difference
// response. Shared by channel states, which must not touch the main state's
// channel map from their own goroutines.
func saveAccessHashes(ctx context.Context, log *zap.Logger, hasher AccessHasher, selfID int64, users []tg.UserClass, chats []tg.ChatClass) {
	for _, c := range chats {
		switch c := c.(type) {
		case *tg.Channel:
			if c.Min {
				continue
			}
			if hash, ok := c.GetAccessHash(); ok {
				if err := hasher.SetChannelAccessHash(ctx, selfID, c.ID, hash); err != nil {
					log.Error("SetChannelAccessHash error", zap.Error(err))
				}
			}
		case *tg.ChannelForbidden:
			if err := hasher.SetChannelAccessHash(ctx, selfID, c.ID, c.AccessHash); err != nil {
				log.Error("SetChannelAccessHash error", zap.Error(err))
			}
		}
	}
	for _, u := range users {
		user, ok := u.(*tg.User)
		if !ok || user.Min {
			continue
		}
		if hash, ok := user.GetAccessHash(); ok {
			if err := hasher.SetUserAccessHash(ctx, selfID, user.ID, hash); err != nil {
				log.Error("SetUserAccessHash error", zap.Error(err))
			}
		}
	}
}
