// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2024 Sumner Evans
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

package matrixfmt

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/event"

	"github.com/gotd/td/tg"

	"go.mau.fi/telegrambridge/pkg/connector/ids"
	"go.mau.fi/telegrambridge/pkg/connector/telegramfmt"
)

// plainStyleEntities builds the Telegram entity for style types that only
// need an offset and length; styles with extra payload (Pre's language,
// TextURL's URL) are handled separately in toTelegramEntity.
var plainStyleEntities = map[telegramfmt.StyleType]func(offset, length int) tg.MessageEntityClass{
	telegramfmt.StyleBold:           func(o, l int) tg.MessageEntityClass { return &tg.MessageEntityBold{Offset: o, Length: l} },
	telegramfmt.StyleItalic:         func(o, l int) tg.MessageEntityClass { return &tg.MessageEntityItalic{Offset: o, Length: l} },
	telegramfmt.StyleUnderline:      func(o, l int) tg.MessageEntityClass { return &tg.MessageEntityUnderline{Offset: o, Length: l} },
	telegramfmt.StyleStrikethrough:  func(o, l int) tg.MessageEntityClass { return &tg.MessageEntityStrike{Offset: o, Length: l} },
	telegramfmt.StyleBlockquote:     func(o, l int) tg.MessageEntityClass { return &tg.MessageEntityBlockquote{Offset: o, Length: l} },
	telegramfmt.StyleCode:           func(o, l int) tg.MessageEntityClass { return &tg.MessageEntityCode{Offset: o, Length: l} },
	telegramfmt.StyleEmail:          func(o, l int) tg.MessageEntityClass { return &tg.MessageEntityEmail{Offset: o, Length: l} },
	telegramfmt.StyleURL:            func(o, l int) tg.MessageEntityClass { return &tg.MessageEntityURL{Offset: o, Length: l} },
	telegramfmt.StyleBotCommand:     func(o, l int) tg.MessageEntityClass { return &tg.MessageEntityBotCommand{Offset: o, Length: l} },
	telegramfmt.StyleHashtag:        func(o, l int) tg.MessageEntityClass { return &tg.MessageEntityHashtag{Offset: o, Length: l} },
	telegramfmt.StyleCashtag:        func(o, l int) tg.MessageEntityClass { return &tg.MessageEntityCashtag{Offset: o, Length: l} },
	telegramfmt.StylePhone:          func(o, l int) tg.MessageEntityClass { return &tg.MessageEntityPhone{Offset: o, Length: l} },
	telegramfmt.StyleSpoiler:        func(o, l int) tg.MessageEntityClass { return &tg.MessageEntitySpoiler{Offset: o, Length: l} },
	telegramfmt.StyleBankCard:       func(o, l int) tg.MessageEntityClass { return &tg.MessageEntityBankCard{Offset: o, Length: l} },
}

// mentionToTelegramEntity renders a resolved Matrix mention back into the
// entity Telegram expects: a plain @username mention if one is known, or an
// explicit MentionName pointing at the ghost's access hash otherwise.
func mentionToTelegramEntity(br telegramfmt.BodyRange, m telegramfmt.Mention) tg.MessageEntityClass {
	if m.Username != "" {
		return &tg.MessageEntityMention{Offset: br.Start, Length: br.Length}
	}
	peerType, userID, _ := ids.ParseUserID(m.UserID)
	if peerType != ids.PeerTypeUser {
		panic(fmt.Errorf("unexpected peer type in mention %T", peerType))
	}
	return &tg.InputMessageEntityMentionName{
		Offset: br.Start,
		Length: br.Length,
		UserID: &tg.InputUser{UserID: userID, AccessHash: m.AccessHash},
	}
}

func toTelegramEntity(br telegramfmt.BodyRange) tg.MessageEntityClass {
	switch val := br.Value.(type) {
	case telegramfmt.Mention:
		return mentionToTelegramEntity(br, val)
	case telegramfmt.Style:
		if build, ok := plainStyleEntities[val.Type]; ok {
			return build(br.Start, br.Length)
		}
		switch val.Type {
		case telegramfmt.StylePre:
			return &tg.MessageEntityPre{Offset: br.Start, Length: br.Length, Language: val.Language}
		case telegramfmt.StyleTextURL:
			return &tg.MessageEntityTextURL{Offset: br.Start, Length: br.Length, URL: val.URL}
		default:
			panic("unsupported style type")
		}
	default:
		panic("unknown body range value")
	}
}

func Parse(ctx context.Context, parser *HTMLParser, content *event.MessageEventContent) (string, []tg.MessageEntityClass) {
	if content.MsgType.IsMedia() && (content.FileName == "" || content.FileName == content.Body) {
		// The body is the filename.
		return "", nil
	}

	if content.Format != event.FormatHTML {
		return content.Body, nil
	}
	parseCtx := NewContext(ctx)
	parseCtx.AllowedMentions = content.Mentions
	parsed := parser.Parse(content.FormattedBody, parseCtx)
	if parsed == nil {
		return "", nil
	}
	var entities []tg.MessageEntityClass
	if len(parsed.Entities) > 0 {
		entities = make([]tg.MessageEntityClass, len(parsed.Entities))
		for i, ent := range parsed.Entities {
			entities[i] = toTelegramEntity(ent)
		}
	}
	return parsed.String.String(), entities
}
