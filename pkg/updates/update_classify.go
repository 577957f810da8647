package updates

import (
	"sort"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// isPtsUpdate reports whether the update belongs to the common pts sequence
// and returns its (pts, pts_count) pair.
func isPtsUpdate(u tg.UpdateClass) (pts, ptsCount int, ok bool) {
	switch u := u.(type) {
	case *tg.UpdateNewMessage:
		return u.Pts, u.PtsCount, true
	case *tg.UpdateDeleteMessages:
		return u.Pts, u.PtsCount, true
	case *tg.UpdateReadHistoryInbox:
		return u.Pts, u.PtsCount, true
	case *tg.UpdateReadHistoryOutbox:
		return u.Pts, u.PtsCount, true
	case *tg.UpdateWebPage:
		return u.Pts, u.PtsCount, true
	case *tg.UpdateReadMessagesContents:
		return u.Pts, u.PtsCount, true
	case *tg.UpdateEditMessage:
		return u.Pts, u.PtsCount, true
	case *tg.UpdateFolderPeers:
		return u.Pts, u.PtsCount, true
	case *tg.UpdatePinnedMessages:
		return u.Pts, u.PtsCount, true
	}
	return 0, 0, false
}

// isChannelPtsUpdate reports whether the update belongs to some channel's
// own pts sequence and returns the channel ID alongside (pts, pts_count).
// For message-bearing updates the channel ID lives inside the message peer,
// which may be absent on a MessageEmpty, hence the error return.
func isChannelPtsUpdate(u tg.UpdateClass) (channelID int64, pts, ptsCount int, ok bool, err error) {
	switch u := u.(type) {
	case *tg.UpdateNewChannelMessage:
		channelID, err = channelIDFromMessage(u.Message)
		return channelID, u.Pts, u.PtsCount, true, err
	case *tg.UpdateEditChannelMessage:
		channelID, err = channelIDFromMessage(u.Message)
		return channelID, u.Pts, u.PtsCount, true, err
	case *tg.UpdateDeleteChannelMessages:
		return u.ChannelID, u.Pts, u.PtsCount, true, nil
	case *tg.UpdateChannelWebPage:
		return u.ChannelID, u.Pts, u.PtsCount, true, nil
	case *tg.UpdatePinnedChannelMessages:
		return u.ChannelID, u.Pts, u.PtsCount, true, nil
	}
	return 0, 0, 0, false, nil
}

// isQtsUpdate reports whether the update belongs to the qts sequence.
func isQtsUpdate(u tg.UpdateClass) (qts int, ok bool) {
	switch u := u.(type) {
	case *tg.UpdateNewEncryptedMessage:
		return u.Qts, true
	case *tg.UpdateMessagePollVote:
		return u.Qts, true
	case *tg.UpdateChatParticipant:
		return u.Qts, true
	case *tg.UpdateChannelParticipant:
		return u.Qts, true
	case *tg.UpdateBotStopped:
		return u.Qts, true
	case *tg.UpdateBotChatInviteRequester:
		return u.Qts, true
	}
	return 0, false
}

func channelIDFromMessage(msg tg.MessageClass) (int64, error) {
	var peer tg.PeerClass
	switch msg := msg.(type) {
	case *tg.Message:
		peer = msg.PeerID
	case *tg.MessageService:
		peer = msg.PeerID
	case *tg.MessageEmpty:
		p, ok := msg.GetPeerID()
		if !ok {
			return 0, errors.New("empty message has no peer")
		}
		peer = p
	default:
		return 0, errors.Errorf("unexpected message type %T", msg)
	}

	channel, ok := peer.(*tg.PeerChannel)
	if !ok {
		return 0, errors.Errorf("channel message peer is %T", peer)
	}
	return channel.ChannelID, nil
}

// sortUpdatesByPts orders pts-bearing updates before dispatch so that the
// sequence boxes see a combined envelope's contents in ascending order.
// Non-pts updates keep their relative positions.
func sortUpdatesByPts(updates []tg.UpdateClass) {
	sort.SliceStable(updates, func(i, j int) bool {
		iPts, _, iOk := isPtsUpdate(updates[i])
		jPts, _, jOk := isPtsUpdate(updates[j])
		if !iOk || !jOk {
			return false
		}
		return iPts < jPts
	})
}

// convertShortMessage expands an UpdateShortMessage (a DM without entity
// payload) into the combined form the rest of the pipeline understands.
func (s *internalState) convertShortMessage(u *tg.UpdateShortMessage) tg.UpdatesClass {
	fromID := u.UserID
	if u.Out {
		fromID = s.selfID
	}
	msg := &tg.Message{
		Out:         u.Out,
		Mentioned:   u.Mentioned,
		MediaUnread: u.MediaUnread,
		Silent:      u.Silent,
		ID:          u.ID,
		PeerID:      &tg.PeerUser{UserID: u.UserID},
		Message:     u.Message,
		Date:        u.Date,
	}
	msg.SetFromID(&tg.PeerUser{UserID: fromID})
	if fwd, ok := u.GetFwdFrom(); ok {
		msg.SetFwdFrom(fwd)
	}
	if viaBotID, ok := u.GetViaBotID(); ok {
		msg.SetViaBotID(viaBotID)
	}
	if replyTo, ok := u.GetReplyTo(); ok {
		msg.SetReplyTo(replyTo)
	}
	if ents, ok := u.GetEntities(); ok {
		msg.SetEntities(ents)
	}
	if ttl, ok := u.GetTTLPeriod(); ok {
		msg.SetTTLPeriod(ttl)
	}

	return &tg.UpdatesCombined{
		Updates: []tg.UpdateClass{&tg.UpdateNewMessage{
			Message:  msg,
			Pts:      u.Pts,
			PtsCount: u.PtsCount,
		}},
		Date: u.Date,
	}
}

// convertShortChatMessage is convertShortMessage for basic-group messages.
func (s *internalState) convertShortChatMessage(u *tg.UpdateShortChatMessage) tg.UpdatesClass {
	msg := &tg.Message{
		Out:         u.Out,
		Mentioned:   u.Mentioned,
		MediaUnread: u.MediaUnread,
		Silent:      u.Silent,
		ID:          u.ID,
		PeerID:      &tg.PeerChat{ChatID: u.ChatID},
		Message:     u.Message,
		Date:        u.Date,
	}
	msg.SetFromID(&tg.PeerUser{UserID: u.FromID})
	if fwd, ok := u.GetFwdFrom(); ok {
		msg.SetFwdFrom(fwd)
	}
	if viaBotID, ok := u.GetViaBotID(); ok {
		msg.SetViaBotID(viaBotID)
	}
	if replyTo, ok := u.GetReplyTo(); ok {
		msg.SetReplyTo(replyTo)
	}
	if ents, ok := u.GetEntities(); ok {
		msg.SetEntities(ents)
	}
	if ttl, ok := u.GetTTLPeriod(); ok {
		msg.SetTTLPeriod(ttl)
	}

	return &tg.UpdatesCombined{
		Updates: []tg.UpdateClass{&tg.UpdateNewMessage{
			Message:  msg,
			Pts:      u.Pts,
			PtsCount: u.PtsCount,
		}},
		Date: u.Date,
	}
}
