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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exmime"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"go.mau.fi/telegrambridge/pkg/connector/ids"
	"go.mau.fi/telegrambridge/pkg/connector/media"
	"go.mau.fi/telegrambridge/pkg/connector/telegramfmt"
	"go.mau.fi/telegrambridge/pkg/connector/util"
	"go.mau.fi/telegrambridge/pkg/connector/waveform"
)

// spoilable is implemented by the Telegram media variants that carry a
// per-message spoiler flag (MSC3725 content warning candidates).
type spoilable interface {
	GetSpoiler() bool
}

// selfDestructing is implemented by media variants that can expire after
// being viewed (view-once photos/videos and voice/video notes).
type selfDestructing interface {
	GetTTLSeconds() (value int, ok bool)
}

const notSupportedNotice = "This message is not supported on your version of Mautrix-Telegram. Please check https://github.com/mautrix/telegram or ask your bridge administrator about possible updates."

// mediaHashID returns the bytes that identify a piece of media for the
// purposes of the per-message content hash used to detect idempotent edits.
// Only kinds that are actually transferred carry an identity worth hashing;
// everything else resolves to nil and contributes nothing to the hash.
func mediaHashID(ctx context.Context, m tg.MessageMediaClass) []byte {
	if m == nil {
		return nil
	}
	switch typed := m.(type) {
	case *tg.MessageMediaDocument:
		return binary.BigEndian.AppendUint64(nil, uint64(typed.Document.GetID()))
	case *tg.MessageMediaPhoto:
		return binary.BigEndian.AppendUint64(nil, uint64(typed.Photo.GetID()))
	default:
		zerolog.Ctx(ctx).Error().Type("media_type", m).Msg("Attempted to get hash for unsupported media type ID")
		return nil
	}
}

func unsupportedNotice(body string, extra map[string]any) *bridgev2.ConvertedMessagePart {
	if extra == nil {
		extra = map[string]any{}
	}
	extra["fi.mau.telegram.unsupported"] = true
	return &bridgev2.ConvertedMessagePart{
		Type: event.EventMessage,
		Content: &event.MessageEventContent{
			MsgType: event.MsgNotice,
			Body:    body,
		},
		Extra: extra,
	}
}

// mediaToMatrix dispatches on the tag of the message's media (if any) and
// returns the converted part, a disappearing-message override if the media
// carries its own TTL, and the bytes used to seed the content hash.
func (c *TelegramClient) mediaToMatrix(ctx context.Context, portal *bridgev2.Portal, intent bridgev2.MatrixAPI, msg *tg.Message) (*bridgev2.ConvertedMessagePart, *database.DisappearingSetting, []byte, error) {
	msgMedia, hasMedia := msg.GetMedia()
	if !hasMedia {
		return nil, nil, nil, nil
	}

	switch msgMedia.TypeID() {
	case tg.MessageMediaWebPageTypeID:
		// Link previews are folded into the text part by convertToMatrix.
		return nil, nil, nil, nil
	case tg.MessageMediaPhotoTypeID, tg.MessageMediaDocumentTypeID:
		part, disappear, err := c.uploadMessageMedia(ctx, portal, intent, msg.ID, msgMedia)
		return part, disappear, mediaHashID(ctx, msgMedia), err
	case tg.MessageMediaContactTypeID:
		return c.sharedContactToMatrix(msgMedia), nil, nil, nil
	case tg.MessageMediaGeoTypeID, tg.MessageMediaGeoLiveTypeID, tg.MessageMediaVenueTypeID:
		part, err := locationToMatrix(msgMedia)
		return part, nil, nil, err
	case tg.MessageMediaPollTypeID:
		return pollToMatrix(msgMedia), nil, nil, nil
	case tg.MessageMediaDiceTypeID:
		return diceRollToMatrix(msgMedia), nil, nil, nil
	case tg.MessageMediaGameTypeID:
		return gameToMatrix(msgMedia), nil, nil, nil
	case tg.MessageMediaUnsupportedTypeID:
		return unsupportedNotice(notSupportedNotice, nil), nil, nil, nil
	case tg.MessageMediaStoryTypeID, tg.MessageMediaInvoiceTypeID, tg.MessageMediaGiveawayTypeID, tg.MessageMediaGiveawayResultsTypeID:
		// TODO: support these properly
		body := fmt.Sprintf("%s are not yet supported. Open Telegram to view.", msgMedia.TypeName())
		return unsupportedNotice(body, map[string]any{"fi.mau.telegram.type_id": msgMedia.TypeID()}), nil, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported media type %T", msgMedia)
	}
}

// fetchSingleMessage re-requests one message by ID, routing through
// channels.getMessages when the portal is a channel (which needs the
// channel's access hash) and messages.getMessages otherwise.
func (c *TelegramClient) fetchSingleMessage(ctx context.Context, portal *bridgev2.Portal, msgID int) (*tg.Message, error) {
	peerType, chatID, err := ids.ParsePortalID(portal.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse portal ID: %w", err)
	}

	var resp tg.MessagesMessagesClass
	inputMsgs := []tg.InputMessageClass{&tg.InputMessageID{ID: msgID}}
	if peerType == ids.PeerTypeChannel {
		accessHash, err := c.ScopedStore.GetAccessHash(ctx, ids.PeerTypeChannel, chatID)
		if err != nil {
			return nil, fmt.Errorf("failed to get channel access hash: %w", err)
		}
		resp, err = c.client.API().ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: chatID, AccessHash: accessHash},
			ID:      inputMsgs,
		})
		if err != nil {
			return nil, err
		}
	} else {
		resp, err = c.client.API().MessagesGetMessages(ctx, inputMsgs)
		if err != nil {
			return nil, err
		}
	}

	modified, ok := resp.(tg.ModifiedMessagesMessages)
	if !ok {
		return nil, fmt.Errorf("unsupported messages type %T", resp)
	}
	msgs := modified.GetMessages()
	if len(msgs) != 1 {
		return nil, fmt.Errorf("wrong number of messages retrieved %d", len(msgs))
	}
	refetched, ok := msgs[0].(*tg.Message)
	if !ok {
		return nil, fmt.Errorf("message was of the wrong type %s", msgs[0].TypeName())
	} else if refetched.ID != msgID {
		return nil, fmt.Errorf("no media found with ID %d", msgID)
	}
	return refetched, nil
}

// convertToMatrixWithRefetch wraps convertToMatrix with a single retry: if
// the media's file reference has expired, the message is re-fetched from
// Telegram (which returns a fresh reference) and conversion is retried once.
func (c *TelegramClient) convertToMatrixWithRefetch(ctx context.Context, portal *bridgev2.Portal, intent bridgev2.MatrixAPI, msg *tg.Message) (cm *bridgev2.ConvertedMessage, err error) {
	cm, err = c.convertToMatrix(ctx, portal, intent, msg)
	if !tgerr.Is(err, tg.ErrFileReferenceExpired) {
		return cm, err
	}

	log := zerolog.Ctx(ctx).With().Bool("message_refetch", true).Logger()
	ctx = log.WithContext(ctx)
	log.Warn().Err(err).Msg("Refetching message to convert media")

	refetched, err := c.fetchSingleMessage(ctx, portal, msg.ID)
	if err != nil {
		return nil, err
	}
	return c.convertToMatrix(ctx, portal, intent, refetched)
}

// resolveMessageSender computes the Beeper per-message profile override used
// for messages in broadcast channels, where the visible
// sender differs from the Matrix ghost that would normally post the event.
func (c *TelegramClient) resolveMessageSender(ctx context.Context, portal *bridgev2.Portal, msg *tg.Message) (*event.BeeperPerMessageProfile, error) {
	peerType, _, err := ids.ParsePortalID(portal.ID)
	if err != nil {
		return nil, err
	}
	if peerType != ids.PeerTypeChannel || portal.Metadata.(*PortalMetadata).IsSuperGroup {
		return nil, nil
	}

	var sender *networkid.UserID
	if msg.Out {
		sender = &c.userID
	} else if fromID, ok := msg.GetFromID(); ok {
		sender = ptr.Ptr(c.getPeerSender(fromID).Sender)
	}
	if sender == nil {
		return nil, nil
	}
	profile, err := portal.PerMessageProfileForSender(ctx, *sender)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// resolveDisappearTimer picks the disappearing-message setting for a message
// that didn't already get one from its media's own TTL: either the message's
// own ttl_period, or the portal-wide default TTL.
func resolveDisappearTimer(msg *tg.Message, portal *bridgev2.Portal) *database.DisappearingSetting {
	if ttl, ok := msg.GetTTLPeriod(); ok {
		return &database.DisappearingSetting{Type: database.DisappearingTypeAfterSend, Timer: time.Duration(ttl) * time.Second}
	}
	if meta := portal.Metadata.(*PortalMetadata); meta.MessagesTTL > 0 {
		return &database.DisappearingSetting{Type: database.DisappearingTypeAfterSend, Timer: time.Duration(meta.MessagesTTL) * time.Second}
	}
	return nil
}

func replyReference(portal *bridgev2.Portal, replyTo tg.MessageReplyHeaderClass) *networkid.MessageOptionalPartID {
	header, ok := replyTo.(*tg.MessageReplyHeader)
	if !ok {
		return nil
	}
	ref := &networkid.MessageOptionalPartID{}
	if peerID, present := header.GetReplyToPeerID(); present {
		ref.MessageID = ids.MakeMessageID(peerID, header.ReplyToMsgID)
	} else {
		ref.MessageID = ids.MakeMessageID(portal.PortalKey, header.ReplyToMsgID)
	}
	return ref
}

func (c *TelegramClient) convertToMatrix(ctx context.Context, portal *bridgev2.Portal, intent bridgev2.MatrixAPI, msg *tg.Message) (cm *bridgev2.ConvertedMessage, err error) {
	log := zerolog.Ctx(ctx).With().Str("conversion_direction", "to_matrix").Logger()
	ctx = log.WithContext(ctx)

	if c.client == nil {
		return nil, fmt.Errorf("telegram client is nil, we are likely logged out")
	}

	perMessageProfile, err := c.resolveMessageSender(ctx, portal, msg)
	if err != nil {
		return nil, err
	}

	cm = &bridgev2.ConvertedMessage{}
	digest := sha256.New()
	if len(msg.Message) > 0 {
		digest.Write([]byte(msg.Message))

		content, err := c.renderFormattedText(ctx, msg.Message, msg.Entities)
		if err != nil {
			return nil, err
		}
		if msgMedia, ok := msg.GetMedia(); ok && msgMedia.TypeID() == tg.MessageMediaWebPageTypeID {
			previewCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			preview, err := c.webpageToBeeperLinkPreview(previewCtx, portal, intent, msg, msgMedia)
			cancel()
			if err != nil {
				log.Err(err).Msg("error converting webpage to link preview")
			} else if preview != nil {
				digest.Write([]byte(preview.MatchedURL))
				content.BeeperLinkPreviews = append(content.BeeperLinkPreviews, preview)
			}
		}

		cm.Parts = []*bridgev2.ConvertedMessagePart{{Type: event.EventMessage, Content: content}}
	}

	var contentURI id.ContentURIString
	mediaPart, disappearingSetting, mediaDigest, err := c.mediaToMatrix(ctx, portal, intent, msg)
	if err != nil {
		return nil, err
	} else if mediaPart != nil {
		digest.Write(mediaDigest)
		cm.Parts = append(cm.Parts, mediaPart)
		cm.MergeCaption()

		contentURI = mediaPart.Content.URL
		if contentURI == "" && mediaPart.Content.File != nil {
			contentURI = mediaPart.Content.File.URL
		}
		if disappearingSetting != nil {
			cm.Disappear = *disappearingSetting
		}
	}
	cm.Parts[0].Content.BeeperPerMessageProfile = perMessageProfile
	cm.Parts[0].DBMetadata = &MessageMetadata{
		ContentHash: digest.Sum(nil),
		ContentURI:  contentURI,
	}

	if replyTo, ok := msg.GetReplyTo(); ok {
		if ref := replyReference(portal, replyTo); ref != nil {
			cm.ReplyTo = ref
		} else {
			log.Warn().Type("reply_to", replyTo).Msg("unhandled reply to type")
		}
	}

	if disappearingSetting == nil {
		if fallback := resolveDisappearTimer(msg, portal); fallback != nil {
			cm.Disappear = *fallback
		}
	}

	return
}

// collectCustomEmojiIDs pulls the document IDs of every custom-emoji entity
// referenced by a formatted message so they can be transferred in bulk.
func collectCustomEmojiIDs(entities []tg.MessageEntityClass) []int64 {
	var ids []int64
	for _, entity := range entities {
		if custom, ok := entity.(*tg.MessageEntityCustomEmoji); ok {
			ids = append(ids, custom.DocumentID)
		}
	}
	return ids
}

func (t *TelegramClient) renderFormattedText(ctx context.Context, message string, entities []tg.MessageEntityClass) (*event.MessageEventContent, error) {
	if len(entities) == 0 {
		return &event.MessageEventContent{MsgType: event.MsgText, Body: message}, nil
	}
	customEmojis, err := t.transferEmojisToMatrix(ctx, collectCustomEmojiIDs(entities))
	if err != nil {
		return nil, err
	}
	return telegramfmt.Parse(ctx, message, entities, t.telegramFmtParams.WithCustomEmojis(customEmojis))
}

func (c *TelegramClient) webpageToBeeperLinkPreview(ctx context.Context, portal *bridgev2.Portal, intent bridgev2.MatrixAPI, msg *tg.Message, msgMedia tg.MessageMediaClass) (*event.BeeperLinkPreview, error) {
	webpage, ok := msgMedia.(*tg.MessageMediaWebPage).Webpage.(*tg.WebPage)
	if !ok {
		return nil, nil
	}
	preview := &event.BeeperLinkPreview{
		MatchedURL: webpage.URL,
		LinkPreview: event.LinkPreview{
			Title:        webpage.Title,
			CanonicalURL: webpage.URL,
			Description:  webpage.Description,
		},
	}

	photo, ok := webpage.GetPhoto()
	if !ok || photo.TypeID() != tg.PhotoTypeID {
		return preview, nil
	}

	transferer := media.NewTransferer(c.client.API()).WithPhoto(photo)
	var fileInfo *event.FileInfo
	var err error
	if c.main.useDirectMedia {
		preview.ImageURL, fileInfo, err = transferer.DirectDownloadURL(ctx, c.telegramUserID, portal, msg.ID, true, 0)
	} else {
		preview.ImageURL, preview.ImageEncryption, fileInfo, err = transferer.Transfer(ctx, c.main.Store, intent)
	}
	if err != nil {
		return nil, err
	}
	preview.ImageSize = event.IntOrString(fileInfo.Size)
	preview.ImageWidth = event.IntOrString(fileInfo.Width)
	preview.ImageHeight = event.IntOrString(fileInfo.Height)
	return preview, nil
}

// restrictedMediaNotice builds the notice shown in place of a view-once or
// disappearing attachment when the bridge administrator has disabled
// re-uploading that kind of ephemeral content.
func restrictedMediaNotice(kind string) *bridgev2.ConvertedMessagePart {
	return &bridgev2.ConvertedMessagePart{
		Type: event.EventMessage,
		Content: &event.MessageEventContent{
			MsgType: event.MsgNotice,
			Body:    fmt.Sprintf("You received a %s. For added privacy, you can only open it on the Telegram app.", kind),
		},
	}
}

// planSelfDestruct inspects TTL-bearing media and decides whether the part
// should be replaced with a restricted-media notice, or converted normally
// with a disappearing-message setting attached.
func (c *TelegramClient) planSelfDestruct(msgMedia tg.MessageMediaClass) (setting *database.DisappearingSetting, blocked *bridgev2.ConvertedMessagePart) {
	destructing, ok := msgMedia.(selfDestructing)
	if !ok {
		return nil, nil
	}
	ttl, ok := destructing.GetTTLSeconds()
	if !ok {
		return nil, nil
	}

	kind := "photo"
	if msgMedia.TypeID() == tg.MessageMediaDocumentTypeID {
		kind = "file"
	}

	const viewOnceSentinel = 2147483647
	if ttl == viewOnceSentinel {
		if c.main.Config.DisableViewOnce {
			return nil, restrictedMediaNotice("view once " + kind)
		}
		ttl = 15 // view-once messages get a short fallback TTL instead
	}
	if c.main.Config.DisableDisappearing {
		return nil, restrictedMediaNotice("disappearing " + kind)
	}
	return &database.DisappearingSetting{Type: database.DisappearingTypeAfterRead, Timer: time.Duration(ttl) * time.Second}, nil
}

// documentFields accumulates everything learned by walking a document's
// attribute list before the transfer itself is kicked off.
type documentFields struct {
	transferer *media.Transferer
	isSticker  bool
	isVideo    bool
	isVideoGif bool
	extraInfo  map[string]any
}

func (c *TelegramClient) inspectDocumentAttributes(document *tg.Document, transferer *media.Transferer, content *event.MessageEventContent) *documentFields {
	fields := &documentFields{transferer: transferer, extraInfo: map[string]any{}}
	for _, rawAttr := range document.GetAttributes() {
		switch attr := rawAttr.(type) {
		case *tg.DocumentAttributeFilename:
			if content.Body == "" {
				content.Body = attr.GetFileName()
			} else {
				content.FileName = attr.GetFileName()
			}
		case *tg.DocumentAttributeVideo:
			fields.isVideo = true
			content.MsgType = event.MsgVideo
			fields.transferer = fields.transferer.WithVideo(attr)
			if attr.RoundMessage {
				fields.extraInfo["fi.mau.telegram.round_message"] = attr.RoundMessage
			}
			fields.extraInfo["duration"] = int(attr.Duration * 1000)
		case *tg.DocumentAttributeAudio:
			if content.MsgType != event.MsgVideo {
				content.MsgType = event.MsgAudio
				fields.extraInfo["duration"] = int(attr.Duration * 1000)
			}
			content.MSC1767Audio = &event.MSC1767Audio{Duration: attr.Duration * 1000}
			if wf, ok := attr.GetWaveform(); ok {
				for _, v := range waveform.Decode(wf) {
					content.MSC1767Audio.Waveform = append(content.MSC1767Audio.Waveform, int(v)<<5)
				}
			}
			if attr.Voice {
				content.MSC3245Voice = &event.MSC3245Voice{}
			}
		case *tg.DocumentAttributeImageSize:
			fields.transferer = fields.transferer.WithImageSize(attr)
		case *tg.DocumentAttributeSticker:
			fields.isSticker = true
			if content.Body == "" {
				content.Body = attr.Alt
			} else {
				content.FileName = content.Body
				content.Body = attr.Alt
			}
			stickerInfo := map[string]any{"alt": attr.Alt, "id": document.ID}
			if setID, ok := attr.Stickerset.(*tg.InputStickerSetID); ok {
				stickerInfo["pack"] = map[string]any{"id": setID.ID, "access_hash": setID.AccessHash}
			} else if shortName, ok := attr.Stickerset.(*tg.InputStickerSetShortName); ok {
				stickerInfo["pack"] = map[string]any{"short_name": shortName.ShortName}
			}
			fields.extraInfo["fi.mau.telegram.sticker"] = stickerInfo
			fields.transferer = fields.transferer.WithStickerConfig(c.main.Config.AnimatedSticker)
		case *tg.DocumentAttributeAnimated:
			fields.isVideoGif = true
			fields.extraInfo["fi.mau.telegram.gif"] = true
		}
	}
	return fields
}

func markAsLoopingVideo(extraInfo map[string]any) {
	extraInfo["fi.mau.gif"] = true
	extraInfo["fi.mau.loop"] = true
	extraInfo["fi.mau.autoplay"] = true
	extraInfo["fi.mau.hide_controls"] = true
	extraInfo["fi.mau.no_audio"] = true
}

// transferThumbnail uploads (or direct-links) a document's embedded
// thumbnail and returns a transferer ready to attach it to the outer media.
func (c *TelegramClient) transferThumbnail(ctx context.Context, portal *bridgev2.Portal, intent bridgev2.MatrixAPI, msgID int, document *tg.Document, transferer *media.Transferer) (*media.Transferer, error) {
	thumbTransferer := media.NewTransferer(c.client.API()).WithRoomID(portal.MXID).WithDocument(document, true)

	var url id.ContentURIString
	var file *event.EncryptedFileInfo
	var info *event.FileInfo
	var err error
	if c.main.useDirectMedia {
		url, info, err = thumbTransferer.DirectDownloadURL(ctx, c.telegramUserID, portal, msgID, true, document.ID)
		if err != nil {
			zerolog.Ctx(ctx).Err(err).Msg("error getting direct download URL for thumbnail")
		}
	}
	if url == "" {
		url, file, info, err = thumbTransferer.Transfer(ctx, c.main.Store, intent)
		if err != nil {
			return nil, fmt.Errorf("error transferring thumbnail: %w", err)
		}
	}
	return transferer.WithThumbnail(url, file, info), nil
}

func attachSpoilerWarning(msgMedia tg.MessageMediaClass, extra map[string]any) {
	s, ok := msgMedia.(spoilable)
	if !ok || !s.GetSpoiler() {
		return
	}
	// See: https://github.com/matrix-org/matrix-spec-proposals/pull/3725
	extra["town.robin.msc3725.content_warning"] = map[string]any{"type": "town.robin.msc3725.spoiler"}
	info, ok := extra["info"].(map[string]any)
	if !ok {
		info = map[string]any{}
		extra["info"] = info
	}
	info["fi.mau.telegram.spoiler"] = true
}

// uploadMessageMedia handles the two media kinds that require pushing bytes
// through the transfer pipeline (§4.C): photos and documents (which cover
// video, audio, stickers, and animated GIFs via their attribute lists).
func (c *TelegramClient) uploadMessageMedia(ctx context.Context, portal *bridgev2.Portal, intent bridgev2.MatrixAPI, msgID int, msgMedia tg.MessageMediaClass) (*bridgev2.ConvertedMessagePart, *database.DisappearingSetting, error) {
	log := zerolog.Ctx(ctx).With().
		Str("conversion_direction", "to_matrix").
		Str("portal_id", string(portal.ID)).
		Int("msg_id", msgID).
		Logger()

	disappearingSetting, blocked := c.planSelfDestruct(msgMedia)
	if blocked != nil {
		return blocked, nil, nil
	}

	eventType := event.EventMessage
	content := event.MessageEventContent{}
	var telegramMediaID int64
	var mediaTransferer *media.ReadyTransferer
	fields := &documentFields{extraInfo: map[string]any{}}
	transferer := media.NewTransferer(c.client.API()).WithRoomID(portal.MXID)

	switch typed := msgMedia.(type) {
	case *tg.MessageMediaPhoto:
		content.MsgType = event.MsgImage
		if disappearingSetting != nil {
			content.Body = "disappearing_image"
		} else {
			content.Body = "image"
		}
		telegramMediaID = typed.Photo.GetID()
		mediaTransferer = transferer.WithPhoto(typed.Photo)
	case *tg.MessageMediaDocument:
		document, ok := typed.Document.(*tg.Document)
		if !ok {
			return nil, nil, fmt.Errorf("unrecognized document type %T", typed.Document)
		}
		telegramMediaID = document.GetID()
		content.MsgType = event.MsgFile

		fields = c.inspectDocumentAttributes(document, transferer, &content)
		transferer = fields.transferer

		if content.FileName == "" {
			if content.Body != "" {
				content.FileName = content.Body
			} else {
				content.Body = "file"
			}
		}

		if fields.isSticker {
			content.FileName = "" // never render a caption for stickers
			if c.main.Config.AnimatedSticker.Target == "webm" || (fields.isVideo && !c.main.Config.AnimatedSticker.ConvertFromWebm) {
				fields.isVideoGif = true
				fields.extraInfo["fi.mau.telegram.animated_sticker"] = true
				transferer.WithMIMEType("video/webm")
			} else {
				eventType = event.EventSticker
				content.MsgType = ""
			}
		}
		if fields.isVideoGif {
			markAsLoopingVideo(fields.extraInfo)
		}

		if _, ok := document.GetThumbs(); ok && eventType != event.EventSticker {
			var err error
			transferer, err = c.transferThumbnail(ctx, portal, intent, msgID, document, transferer)
			if err != nil {
				return nil, nil, err
			}
		}

		mediaTransferer = transferer.WithFilename(content.Body).WithDocument(typed.Document, false)
	default:
		return nil, nil, fmt.Errorf("unhandled media type %T", msgMedia)
	}

	var err error
	if c.main.useDirectMedia && (!fields.isSticker || c.main.Config.AnimatedSticker.Target == "disable") {
		content.URL, content.Info, err = mediaTransferer.DirectDownloadURL(ctx, c.telegramUserID, portal, msgID, false, telegramMediaID)
		if err != nil {
			log.Err(err).Msg("error getting direct download URL for media")
		}
	}
	if content.URL == "" {
		content.URL, content.File, content.Info, err = mediaTransferer.Transfer(ctx, c.main.Store, intent)
		if err != nil {
			return nil, nil, fmt.Errorf("error transferring media: %w", err)
		}
		if msgMedia.TypeID() == tg.MessageMediaPhotoTypeID {
			content.Body += exmime.ExtensionFromMimetype(content.Info.MimeType)
		}
	}

	extra := map[string]any{}
	if len(fields.extraInfo) > 0 {
		extra["info"] = fields.extraInfo
	}
	attachSpoilerWarning(msgMedia, extra)

	return &bridgev2.ConvertedMessagePart{Type: eventType, Content: &content, Extra: extra}, disappearingSetting, nil
}

func (c *TelegramClient) sharedContactToMatrix(msgMedia tg.MessageMediaClass) *bridgev2.ConvertedMessagePart {
	contact := msgMedia.(*tg.MessageMediaContact)
	name := util.FormatFullName(contact.FirstName, contact.LastName, false, contact.UserID)
	phone := fmt.Sprintf("+%s", strings.TrimPrefix(contact.PhoneNumber, "+"))

	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    fmt.Sprintf("Shared contact info for %s: %s", name, phone),
	}
	if contact.UserID > 0 {
		ghostURI := c.main.Bridge.Matrix.GhostIntent(ids.MakeUserID(contact.UserID)).GetMXID().URI().MatrixToURL()
		content.Format = event.FormatHTML
		content.FormattedBody = fmt.Sprintf(`Shared contact info for <a href="%s">%s</a>: %s`, ghostURI, html.EscapeString(name), html.EscapeString(phone))
	}

	return &bridgev2.ConvertedMessagePart{
		Type:    event.EventMessage,
		Content: &content,
		Extra: map[string]any{
			"fi.mau.telegram.contact": map[string]any{
				"user_id":      contact.UserID,
				"first_name":   contact.FirstName,
				"last_name":    contact.LastName,
				"phone_number": contact.PhoneNumber,
				"vcard":        contact.Vcard,
			},
		},
	}
}

type hasGeo interface {
	GetGeo() tg.GeoPointClass
}

func compassCoordinate(point *tg.GeoPoint) (body string) {
	longHemisphere, latHemisphere := "W", "S"
	if point.Long > 0 {
		longHemisphere = "E"
	}
	if point.Lat > 0 {
		latHemisphere = "N"
	}
	return fmt.Sprintf("%.4f° %s, %.4f° %s", point.Lat, latHemisphere, point.Long, longHemisphere)
}

func locationToMatrix(msgMedia tg.MessageMediaClass) (*bridgev2.ConvertedMessagePart, error) {
	withGeo, ok := msgMedia.(hasGeo)
	if !ok || withGeo.GetGeo().TypeID() != tg.GeoPointTypeID {
		return nil, fmt.Errorf("location didn't have geo or geo is wrong type")
	}
	point := withGeo.GetGeo().(*tg.GeoPoint)

	geoURI := GeoURIFromLatLong(point.Lat, point.Long).URI()
	body := compassCoordinate(point)
	mapsURL := fmt.Sprintf("https://maps.google.com/?q=%f,%f", point.Lat, point.Long)

	extra := map[string]any{}
	var label string
	switch {
	case msgMedia.TypeID() == tg.MessageMediaGeoLiveTypeID:
		label = "Live Location (see your Telegram client for live updates)"
	default:
		if venue, ok := msgMedia.(*tg.MessageMediaVenue); ok {
			label = venue.Title
			body = fmt.Sprintf("%s (%s)", venue.Address, body)
			extra["fi.mau.telegram.venue_id"] = venue.VenueID
		} else {
			label = "Location"
		}
	}
	extra["org.matrix.msc3488.location"] = map[string]any{"uri": geoURI, "description": label}

	return &bridgev2.ConvertedMessagePart{
		Type: event.EventMessage,
		Content: &event.MessageEventContent{
			MsgType:       event.MsgLocation,
			GeoURI:        geoURI,
			Body:          fmt.Sprintf("%s: %s\n%s", label, body, mapsURL),
			Format:        event.FormatHTML,
			FormattedBody: fmt.Sprintf(`%s: <a href="%s">%s</a>`, label, mapsURL, body),
		},
		Extra: extra,
	}, nil
}

func pollToMatrix(msgMedia tg.MessageMediaClass) *bridgev2.ConvertedMessagePart {
	// TODO (PLAT-25224) make this richer in the future once megabridge has support for polls
	poll := msgMedia.(*tg.MessageMediaPoll)

	var plainOptions []string
	var htmlOptions strings.Builder
	for i, option := range poll.Poll.Answers {
		plainOptions = append(plainOptions, fmt.Sprintf("%d. %s", i+1, option.Text.Text))
		htmlOptions.WriteString(fmt.Sprintf("<li>%s</li>", option.Text.Text))
	}

	return &bridgev2.ConvertedMessagePart{
		Type: event.EventMessage,
		Content: &event.MessageEventContent{
			MsgType:       event.MsgText,
			Body:          fmt.Sprintf("Poll: %s\n%s\nOpen the Telegram app to vote.", poll.Poll.Question.Text, strings.Join(plainOptions, "\n")),
			Format:        event.FormatHTML,
			FormattedBody: fmt.Sprintf(`<strong>Poll</strong>: %s<ol>%s</ol>Open the Telegram app to vote.`, poll.Poll.Question.Text, htmlOptions.String()),
		},
	}
}

// slotMachineReels renders the three-symbol combination behind a slot
// machine dice roll (values 1-64, one per combination of three reels).
func slotMachineReels(value int) string {
	reels := [4]string{"🍫", "🍒", "🍋", "7️⃣"}
	n := value - 1
	return fmt.Sprintf("%s %s %s", reels[n%4], reels[n/4%4], reels[n/16])
}

var bowlingOutcomes = map[int]string{
	1: "miss",
	2: "1 pin down",
	3: "3 pins down, split",
	4: "4 pins down, split",
	5: "5 pins down",
	6: "strike 🎉",
}

var footballOutcomes = map[int]string{
	1: "miss",
	2: "hit the woodwork",
	3: "goal",
	4: "goal",
	5: "goal 🎉",
}

func diceRollToMatrix(msgMedia tg.MessageMediaClass) *bridgev2.ConvertedMessagePart {
	roll := msgMedia.(*tg.MessageMediaDice)

	var label, result string
	switch roll.Emoticon {
	case "🎯":
		label = "Dart throw"
	case "🎲":
		label = "Dice roll"
	case "🏀":
		label = "Basketball throw"
	case "🎰":
		label = "Slot machine"
		result = slotMachineReels(roll.Value)
	case "🎳":
		label = "Bowling"
		result = bowlingOutcomes[roll.Value]
	case "⚽":
		label = "Football kick"
		result = footballOutcomes[roll.Value]
	}

	var text strings.Builder
	text.WriteString(roll.Emoticon)
	if label != "" {
		text.WriteString(" ")
		text.WriteString(label)
	}
	text.WriteString(" result: ")
	if result != "" {
		text.WriteString(result)
		fmt.Fprintf(&text, " (%d)", roll.Value)
	} else {
		fmt.Fprintf(&text, "%d", roll.Value)
	}

	return &bridgev2.ConvertedMessagePart{
		Type: event.EventMessage,
		Content: &event.MessageEventContent{
			MsgType:       event.MsgText,
			Body:          text.String(),
			Format:        event.FormatHTML,
			FormattedBody: fmt.Sprintf("<h4>%s</h4>", text.String()),
		},
		Extra: map[string]any{
			"fi.mau.telegram.dice": map[string]any{
				"emoticon": roll.Emoticon,
				"value":    roll.Value,
			},
		},
	}
}

func gameToMatrix(msgMedia tg.MessageMediaClass) *bridgev2.ConvertedMessagePart {
	// TODO (PLAT-25562) provide a richer experience for the game
	game := msgMedia.(*tg.MessageMediaGame)
	return &bridgev2.ConvertedMessagePart{
		Type: event.EventMessage,
		Content: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    fmt.Sprintf("Game: %s. Open the Telegram app to play.", game.Game.Title),
		},
	}
}

// directMediaAvatar builds an avatar that resolves lazily through the
// direct-media redemption path instead of being uploaded eagerly.
func (c *TelegramClient) directMediaAvatar(ctx context.Context, peerType ids.PeerType, peerID, photoID int64) (*bridgev2.Avatar, error) {
	avatar := &bridgev2.Avatar{ID: ids.MakeAvatarID(photoID)}
	mediaID, err := ids.DirectMediaInfo{
		PeerType: peerType,
		PeerID:   peerID,
		UserID:   c.telegramUserID,
		ID:       photoID,
	}.AsMediaID()
	if err != nil {
		return nil, err
	}
	if avatar.MXC, err = c.main.Bridge.Matrix.GenerateContentURI(ctx, mediaID); err != nil {
		return nil, err
	}
	avatar.Hash = ids.HashMediaID(mediaID)
	return avatar, nil
}

func (c *TelegramClient) convertUserProfilePhoto(ctx context.Context, userID int64, photo *tg.UserProfilePhoto) (*bridgev2.Avatar, error) {
	if c.main.useDirectMedia {
		return c.directMediaAvatar(ctx, ids.PeerTypeUser, userID, photo.PhotoID)
	}
	avatar := &bridgev2.Avatar{ID: ids.MakeAvatarID(photo.PhotoID)}
	avatar.Get = func(ctx context.Context) ([]byte, error) {
		transferer, err := media.NewTransferer(c.client.API()).WithUserPhoto(ctx, c.ScopedStore, userID, photo.PhotoID)
		if err != nil {
			return nil, err
		}
		return transferer.DownloadBytes(ctx)
	}
	return avatar, nil
}

func (c *TelegramClient) convertChatPhoto(ctx context.Context, channelID, accessHash int64, chatPhoto *tg.ChatPhoto) (*bridgev2.Avatar, error) {
	if c.main.useDirectMedia {
		return c.directMediaAvatar(ctx, ids.PeerTypeChannel, channelID, chatPhoto.PhotoID)
	}
	avatar := &bridgev2.Avatar{ID: ids.MakeAvatarID(chatPhoto.PhotoID)}
	avatar.Get = func(ctx context.Context) ([]byte, error) {
		return media.NewTransferer(c.client.API()).WithChannelPhoto(channelID, accessHash, chatPhoto.PhotoID).DownloadBytes(ctx)
	}
	return avatar, nil
}

func (c *TelegramClient) convertPhoto(ctx context.Context, peerType ids.PeerType, peerID int64, photoClass tg.PhotoClass) (*bridgev2.Avatar, error) {
	photo, ok := photoClass.(*tg.Photo)
	if !ok {
		return nil, fmt.Errorf("not a photo: %T", photoClass)
	}
	if c.main.useDirectMedia {
		return c.directMediaAvatar(ctx, peerType, peerID, photo.GetID())
	}
	avatar := &bridgev2.Avatar{ID: ids.MakeAvatarID(photo.GetID())}
	avatar.Get = func(ctx context.Context) ([]byte, error) {
		return media.NewTransferer(c.client.API()).WithPhoto(photo).DownloadBytes(ctx)
	}
	return avatar, nil
}
