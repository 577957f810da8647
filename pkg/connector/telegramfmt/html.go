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

package telegramfmt

import (
	"fmt"
	"strings"
	"unicode/utf16"
)

// highlightColor is the font color applied to entities that Telegram clients
// render as highlighted but don't otherwise style (bot commands, hashtags,
// cashtags, phone numbers).
const highlightColor = "#3771bb"

func (m Mention) Format(message string) string {
	name := m.Name
	if m.Username != "" {
		name = "@" + m.Username
	}
	return fmt.Sprintf(`<a href="%s">%s</a>`, m.MXID.URI().MatrixToURL(), name)
}

// linkToURL renders an <a> tag pointing at target, unless target is already
// a matrix.to link, in which case it's returned bare so clients recognize it
// as a pill instead of a generic link.
func linkToURL(target, message string) string {
	if strings.HasPrefix(target, "https://matrix.to/#") {
		return target
	}
	return fmt.Sprintf(`<a href='%s'>%s</a>`, target, message)
}

func (s Style) Format(message string) string {
	switch s.Type {
	case StyleBold:
		return fmt.Sprintf("<strong>%s</strong>", message)
	case StyleItalic:
		return fmt.Sprintf("<em>%s</em>", message)
	case StyleSpoiler:
		return fmt.Sprintf("<span data-mx-spoiler>%s</span>", message)
	case StyleStrikethrough:
		return fmt.Sprintf("<del>%s</del>", message)
	case StyleCode:
		if strings.ContainsRune(message, '\n') {
			// Inline text before/after a multiline code span has nowhere to
			// go, so the whole thing becomes a block instead.
			return fmt.Sprintf("<pre><code>%s</code></pre>", message)
		}
		return fmt.Sprintf("<code>%s</code>", message)
	case StyleUnderline:
		return fmt.Sprintf("<u>%s</u>", message)
	case StyleBlockquote:
		return fmt.Sprintf("<blockquote>%s</blockquote>", message)
	case StylePre:
		if s.Language != "" {
			return fmt.Sprintf("<pre><code class='language-%s'>%s</code></pre>", s.Language, message)
		}
		return fmt.Sprintf("<pre><code>%s</code></pre>", message)
	case StyleEmail:
		return fmt.Sprintf(`<a href='mailto:%s'>%s</a>`, message, message)
	case StyleTextURL, StyleURL:
		return linkToURL(s.URL, message)
	case StyleCustomEmoji:
		if s.Emoji != "" {
			return s.Emoji
		}
		return fmt.Sprintf(
			`<img data-mx-emoticon data-mau-animated-emoji src="%s" height="32" width="32" alt="%s" title="%s"/>`,
			s.EmojiURI, message, message,
		)
	case StyleBotCommand, StyleHashtag, StyleCashtag, StylePhone:
		return fmt.Sprintf("<font color='%s'>%s</font>", highlightColor, message)
	default:
		return message
	}
}

type UTF16String []uint16

// NewUTF16String re-encodes s the way Telegram indexes formatting entities:
// by UTF-16 code unit rather than by byte or rune.
func NewUTF16String(s string) UTF16String {
	return utf16.Encode([]rune(s))
}

func (u UTF16String) String() string {
	return string(utf16.Decode(u))
}

// Format walks the tree depth-first, converting the plain-text slice covered
// by each node's range into HTML and wrapping it with that node's style
// before moving on to its sibling range.
func (lrt *LinkedRangeTree) Format(message UTF16String, ctx formatContext) string {
	if lrt == nil || lrt.Node == nil {
		return ctx.TextToHTML(message.String())
	}
	before := message[:lrt.Node.Start].String()
	inner := message[lrt.Node.Start:lrt.Node.End()]
	after := message[lrt.Node.End():]

	childCtx := ctx
	if lrt.Node.Value.IsCode() {
		childCtx.IsInCodeblock = true
	}
	styled := lrt.Node.Value.Format(lrt.Child.Format(inner, childCtx))

	return ctx.TextToHTML(before) + styled + lrt.Sibling.Format(after, ctx)
}
