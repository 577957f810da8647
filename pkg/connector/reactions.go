// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2025 Sumner Evans
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/gotd/td/tg"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/bridgev2/simplevent"

	"go.mau.fi/telegrambridge/pkg/connector/emojis"
	"go.mau.fi/telegrambridge/pkg/connector/ids"
)

// computeReactionsList resolves the full set of reactions on a message,
// fetching the complete reaction-sender list from Telegram when the message
// object only carries aggregate counts. The isFull flag reports whether the
// returned list actually accounts for every reaction, which callers pass
// through to bridgev2 as ReactionSyncUser.HasAllReactions.
func (t *TelegramClient) computeReactionsList(ctx context.Context, peer tg.PeerClass, msgID int, msgReactions tg.MessageReactions) (reactions []tg.MessagePeerReaction, isFull bool, customEmojis map[networkid.EmojiID]emojis.EmojiInfo, err error) {
	log := zerolog.Ctx(ctx).With().Str("fn", "computeReactionsList").Logger()
	var totalCount int
	for _, r := range msgReactions.Results {
		totalCount += r.Count
	}

	reactionsList := msgReactions.RecentReactions
	if totalCount > 0 && len(reactionsList) == 0 && !msgReactions.CanSeeList {
		// We don't know who reacted in a channel, so we can't bridge it properly either
		log.Warn().Msg("Can't see reaction list in channel")
		return
	}

	if len(reactionsList) < totalCount {
		reactionsList, err = t.fetchMissingReactionSenders(ctx, peer, msgID, msgReactions.Results)
		if err != nil {
			return nil, false, nil, err
		}
	}

	customEmojiIDs, err := collectCustomEmojiReactionIDs(reactionsList)
	if err != nil {
		return nil, false, nil, err
	}

	customEmojis, err = t.transferEmojisToMatrix(ctx, customEmojiIDs)
	return reactionsList, len(reactionsList) == totalCount, customEmojis, err
}

// fetchMissingReactionSenders fills in the per-sender reaction list when the
// message only reported aggregate counts. Direct chats can derive the
// senders locally from the two-party count; everything else requires an API
// round trip to list reactions explicitly.
func (t *TelegramClient) fetchMissingReactionSenders(ctx context.Context, peer tg.PeerClass, msgID int, counts []tg.ReactionCount) ([]tg.MessagePeerReaction, error) {
	if user, ok := peer.(*tg.PeerUser); ok {
		return expandDMReactionCounts(counts, user.UserID, t.telegramUserID), nil
	}

	inputPeer, err := t.inputPeerForPortalID(ctx, t.makePortalKeyFromPeer(peer).ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get input peer: %w", err)
	}
	reactions, err := APICallWithUpdates(ctx, t, func() (*tg.MessagesMessageReactionsList, error) {
		return t.client.API().MessagesGetMessageReactionsList(ctx, &tg.MessagesGetMessageReactionsListRequest{
			Peer: inputPeer, ID: msgID, Limit: 100,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get reactions list: %w", err)
	}
	return reactions.Reactions, nil
}

// collectCustomEmojiReactionIDs pulls out the document IDs of custom-emoji
// reactions so they can be fetched and bridged as Matrix custom emoji.
func collectCustomEmojiReactionIDs(reactionsList []tg.MessagePeerReaction) ([]int64, error) {
	var customEmojiIDs []int64
	for _, reaction := range reactionsList {
		if e, ok := reaction.Reaction.(*tg.ReactionCustomEmoji); ok {
			customEmojiIDs = append(customEmojiIDs, e.DocumentID)
		} else if reaction.Reaction.TypeID() != tg.ReactionEmojiTypeID {
			return nil, fmt.Errorf("unsupported reaction type %T", reaction.Reaction)
		}
	}
	return customEmojiIDs, nil
}

// computeEmojiAndID turns a single Telegram reaction value into the emoji ID
// and display string bridgev2 expects, looking up custom emoji by document
// ID when the reaction isn't a plain unicode emoticon.
func computeEmojiAndID(reaction tg.ReactionClass, customEmojis map[networkid.EmojiID]emojis.EmojiInfo) (emojiID networkid.EmojiID, emoji string, err error) {
	if r, ok := reaction.(*tg.ReactionCustomEmoji); ok {
		emojiID = ids.MakeEmojiIDFromDocumentID(r.DocumentID)
		emoji = customEmojis[emojiID].Emoji
		if emoji == "" {
			emoji = string(customEmojis[emojiID].EmojiURI)
		}
	} else if r, ok := reaction.(*tg.ReactionEmoji); ok {
		emojiID = ids.MakeEmojiIDFromEmoticon(r.Emoticon)
		emoji = r.Emoticon
	} else {
		return "", "", fmt.Errorf("invalid reaction type %T", reaction)
	}
	return
}

func (t *TelegramClient) handleTelegramReactions(ctx context.Context, msg *tg.Message) {
	log := zerolog.Ctx(ctx).With().
		Str("handler", "handle_telegram_reactions").
		Int("message_id", msg.ID).
		Logger()

	reactionsList, isFull, customEmojis, err := t.computeReactionsList(ctx, msg.PeerID, msg.ID, msg.Reactions)
	if err != nil {
		log.Err(err).Msg("failed to compute reactions list")
		return
	}

	users, err := t.buildReactionSyncUsers(ctx, log, reactionsList, isFull, customEmojis)
	if err != nil {
		log.Err(err).Msg("failed to build reaction sync users")
		return
	}

	t.main.Bridge.QueueRemoteEvent(t.userLogin, &simplevent.ReactionSync{
		EventMeta: simplevent.EventMeta{
			Type: bridgev2.RemoteEventReactionSync,
			LogContext: func(c zerolog.Context) zerolog.Context {
				return c.Int("message_id", msg.ID)
			},
			PortalKey: t.makePortalKeyFromPeer(msg.PeerID),
		},
		TargetMessage: ids.GetMessageIDFromMessage(msg),
		Reactions:     &bridgev2.ReactionSyncData{Users: users, HasAllUsers: isFull},
	})
}

// buildReactionSyncUsers groups a flat reaction list by sender into the
// per-user shape bridgev2.ReactionSyncData wants, looking up each sender's
// reaction limit (premium users get more simultaneous reactions) along the
// way. A missing reaction limit falls back to 1 rather than failing the
// whole sync.
func (t *TelegramClient) buildReactionSyncUsers(ctx context.Context, log zerolog.Logger, reactionsList []tg.MessagePeerReaction, isFull bool, customEmojis map[networkid.EmojiID]emojis.EmojiInfo) (map[networkid.UserID]*bridgev2.ReactionSyncUser, error) {
	users := map[networkid.UserID]*bridgev2.ReactionSyncUser{}
	for _, reaction := range reactionsList {
		peer, ok := reaction.PeerID.(*tg.PeerUser)
		if !ok {
			return nil, fmt.Errorf("unknown peer type %T", reaction.PeerID)
		}
		userID := ids.MakeUserID(peer.UserID)
		if _, ok := users[userID]; !ok {
			reactionLimit, err := t.getReactionLimit(ctx, userID)
			if err != nil {
				reactionLimit = 1
				log.Err(err).Int64("id", peer.UserID).Msg("failed to get reaction limit")
			}
			users[userID] = &bridgev2.ReactionSyncUser{HasAllReactions: isFull, MaxCount: reactionLimit}
		}

		emojiID, emoji, err := computeEmojiAndID(reaction.Reaction, customEmojis)
		if err != nil {
			return nil, fmt.Errorf("failed to compute emoji and ID: %w", err)
		}

		users[userID].Reactions = append(users[userID].Reactions, &bridgev2.BackfillReaction{
			Timestamp: time.Unix(int64(reaction.Date), 0),
			Sender:    t.senderForUserID(peer.UserID),
			EmojiID:   emojiID,
			Emoji:     emoji,
		})
	}
	return users, nil
}

// expandDMReactionCounts reconstructs individual MessagePeerReaction entries
// from aggregate reaction counts in a direct chat, where the only two
// possible reactors are the local user and the other party. A count of 2
// means both parties reacted; a chosen order above zero means the local user
// reacted (Telegram orders the local user's own reaction in the count).
func expandDMReactionCounts(res []tg.ReactionCount, theirUserID, myUserID int64) (reactions []tg.MessagePeerReaction) {
	for _, item := range res {
		if item.Count == 2 || item.ChosenOrder > 0 {
			reactions = append(reactions, tg.MessagePeerReaction{
				Reaction: item.Reaction,
				PeerID:   &tg.PeerUser{UserID: myUserID},
			})
		}

		if item.Count == 2 || item.ChosenOrder == 0 {
			reactions = append(reactions, tg.MessagePeerReaction{
				Reaction: item.Reaction,
				PeerID:   &tg.PeerUser{UserID: theirUserID},
			})
		}
	}
	return
}

func (t *TelegramClient) getReactionLimit(ctx context.Context, sender networkid.UserID) (limit int, err error) {
	config, err := t.getAppConfigCached(ctx)
	if err != nil {
		return 0, err
	}

	ghost, err := t.main.Bridge.GetGhostByID(ctx, sender)
	if err != nil {
		return 0, err
	}

	key, fallback := "reactions_user_max_default", 1
	if ghost.Metadata.(*GhostMetadata).IsPremium {
		key, fallback = "reactions_user_max_premium", 3
	}
	if maxReactions, ok := config[key].(float64); ok {
		return int(maxReactions), nil
	}
	return fallback, nil
}

func (t *TelegramClient) pollForReactions(ctx context.Context, portalKey networkid.PortalKey, inputPeer tg.InputPeerClass) error {
	log := zerolog.Ctx(ctx).With().
		Stringer("portal_key", portalKey).
		Str("action", "poll_for_reactions").
		Logger()

	log.Debug().Msg("Polling reactions for recent messages")

	messageIDs, err := t.recentMessageIDsInPortal(ctx, portalKey, 20)
	if err != nil {
		return err
	}

	updates, err := APICallWithUpdates(ctx, t, func() (*tg.Updates, error) {
		u, err := t.client.API().MessagesGetMessagesReactions(ctx, &tg.MessagesGetMessagesReactionsRequest{
			Peer: inputPeer,
			ID:   messageIDs,
		})
		if err != nil {
			return nil, err
		}
		if updates, ok := u.(*tg.Updates); ok {
			return updates, nil
		}
		return nil, fmt.Errorf("unexpected updates type %T", u)
	})
	if err != nil {
		return fmt.Errorf("failed to get messages reactions: %w", err)
	}

	for _, update := range updates.Updates {
		reaction, ok := update.(*tg.UpdateMessageReactions)
		if !ok {
			log.Warn().Type("update_type", update).Msg("Unexpected update type in get reactions response")
			continue
		}
		if err := t.applyPolledReaction(ctx, log, portalKey, reaction); err != nil {
			return err
		}
	}
	return nil
}

// recentMessageIDsInPortal loads the bare Telegram message IDs of the last n
// messages bridged into a portal, for use as the ID list in a bulk reactions
// fetch.
func (t *TelegramClient) recentMessageIDsInPortal(ctx context.Context, portalKey networkid.PortalKey, n int) ([]int, error) {
	messages, err := t.main.Bridge.DB.Message.GetLastNInPortal(ctx, portalKey, n)
	if err != nil {
		return nil, err
	}
	messageIDs := make([]int, len(messages))
	for i, msg := range messages {
		_, messageIDs[i], err = ids.ParseMessageID(msg.ID)
		if err != nil {
			return nil, err
		}
	}
	return messageIDs, nil
}

// applyPolledReaction resolves one UpdateMessageReactions entry from a
// polled batch against the locally bridged message and queues the resulting
// reaction sync event.
func (t *TelegramClient) applyPolledReaction(ctx context.Context, log zerolog.Logger, portalKey networkid.PortalKey, reaction *tg.UpdateMessageReactions) error {
	dbMsg, err := t.main.Bridge.DB.Message.GetFirstPartByID(ctx, t.loginID, ids.MakeMessageID(portalKey, reaction.MsgID))
	if err != nil {
		return fmt.Errorf("failed to get message from database: %w", err)
	} else if dbMsg == nil {
		return fmt.Errorf("message %d not found in database", reaction.MsgID)
	}

	reactionsList, isFull, customEmojis, err := t.computeReactionsList(ctx, reaction.Peer, reaction.MsgID, reaction.Reactions)
	if err != nil {
		return fmt.Errorf("failed to compute reactions list: %w", err)
	}

	users, err := t.buildReactionSyncUsers(ctx, log, reactionsList, isFull, customEmojis)
	if err != nil {
		return fmt.Errorf("failed to build reaction sync users: %w", err)
	}

	t.main.Bridge.QueueRemoteEvent(t.userLogin, &simplevent.ReactionSync{
		EventMeta: simplevent.EventMeta{
			Type: bridgev2.RemoteEventReactionSync,
			LogContext: func(c zerolog.Context) zerolog.Context {
				return c.Int("message_id", reaction.MsgID)
			},
			PortalKey: dbMsg.Room,
		},
		TargetMessage: dbMsg.ID,
		Reactions:     &bridgev2.ReactionSyncData{Users: users, HasAllUsers: isFull},
	})
	return nil
}
