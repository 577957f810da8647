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

package ids_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/bridgev2/networkid"

	"go.mau.fi/telegrambridge/pkg/connector/ids"
)

func TestPeerTypeByteRoundTrip(t *testing.T) {
	for _, pt := range []ids.PeerType{ids.PeerTypeUser, ids.PeerTypeChat, ids.PeerTypeChannel} {
		b := pt.AsByte()
		parsed, err := ids.PeerTypeFromByte(b)
		require.NoError(t, err)
		assert.Equal(t, pt, parsed)
	}
}

func TestPeerTypeFromByteUnknown(t *testing.T) {
	_, err := ids.PeerTypeFromByte(0xFF)
	assert.Error(t, err)
}

func TestPortalIDRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		pt       ids.PeerType
		chatID   int64
		receiver networkid.UserLoginID
	}{
		{"user scoped", ids.PeerTypeUser, 1234, "7777"},
		{"chat scoped", ids.PeerTypeChat, -5678, "7777"},
		{"channel global", ids.PeerTypeChannel, 9999, "7777"},
		{"negative channel id", ids.PeerTypeChannel, -42, "7777"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := tt.pt.InternalAsPortalKey(tt.chatID, tt.receiver)
			pt, id, err := ids.ParsePortalID(key.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.pt, pt)
			assert.Equal(t, tt.chatID, id)
			if tt.pt == ids.PeerTypeChannel {
				assert.Empty(t, key.Receiver)
			} else {
				assert.Equal(t, tt.receiver, key.Receiver)
			}
		})
	}
}

func TestMessageIDRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		chatID    any
		messageID int
		wantChan  int64
	}{
		{"no channel", int64(0), 42, 0},
		{"with channel", int64(100), 42, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var networkID networkid.MessageID
			if tt.wantChan != 0 {
				networkID = ids.MakeMessageID(tt.wantChan, tt.messageID)
			} else {
				networkID = ids.MakeMessageID(nil, tt.messageID)
			}
			channelID, messageID, err := ids.ParseMessageID(networkID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantChan, channelID)
			assert.Equal(t, tt.messageID, messageID)
		})
	}
}

func TestParseMessageIDAmbiguous(t *testing.T) {
	_, _, err := ids.ParseMessageID("1.2.3")
	assert.Error(t, err)
}

func TestParseMessageIDInvalid(t *testing.T) {
	_, _, err := ids.ParseMessageID("not-a-number")
	assert.Error(t, err)
}

func TestEmojiIDRoundTrip(t *testing.T) {
	docID := ids.MakeEmojiIDFromDocumentID(123456)
	parsedDoc, parsedEmoji, err := ids.ParseEmojiID(docID)
	require.NoError(t, err)
	assert.Equal(t, int64(123456), parsedDoc)
	assert.Empty(t, parsedEmoji)

	unicodeID := ids.MakeEmojiIDFromEmoticon("\U0001F44D")
	parsedDoc, parsedEmoji, err = ids.ParseEmojiID(unicodeID)
	require.NoError(t, err)
	assert.Zero(t, parsedDoc)
	assert.Equal(t, "\U0001F44D", parsedEmoji)
}

func TestUserIDRoundTrip(t *testing.T) {
	userID := ids.MakeUserID(7777)
	pt, id, err := ids.ParseUserID(userID)
	require.NoError(t, err)
	assert.Equal(t, ids.PeerTypeUser, pt)
	assert.Equal(t, int64(7777), id)

	channelUserID := ids.MakeChannelUserID(8888)
	pt, id, err = ids.ParseUserID(channelUserID)
	require.NoError(t, err)
	assert.Equal(t, ids.PeerTypeChannel, pt)
	assert.Equal(t, int64(8888), id)
}
