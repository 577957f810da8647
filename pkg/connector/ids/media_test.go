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

package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/bridgev2/networkid"
)

func TestDirectMediaInfoRoundTrip(t *testing.T) {
	for _, info := range []DirectMediaInfo{
		{PeerType: PeerTypeUser, PeerID: 12345, UserID: 7777, MessageID: 42, ID: 987654321},
		{PeerType: PeerTypeChat, PeerID: -100, UserID: 1, MessageID: 1, ID: 0, Thumbnail: true},
		{PeerType: PeerTypeChannel, PeerID: 1 << 40, UserID: -1, MessageID: 1 << 30, ID: -(1 << 50)},
	} {
		mediaID, err := info.AsMediaID()
		require.NoError(t, err)
		parsed, err := ParseDirectMediaInfo(mediaID)
		require.NoError(t, err)
		assert.Equal(t, info, parsed)
	}
}

func TestParseDirectMediaInfoInvalid(t *testing.T) {
	_, err := ParseDirectMediaInfo(networkid.MediaID{})
	assert.Error(t, err)

	_, err = ParseDirectMediaInfo(networkid.MediaID{99})
	assert.Error(t, err, "unknown version byte must be rejected")
}
