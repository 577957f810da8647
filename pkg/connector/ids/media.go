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
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"maunium.net/go/mautrix/bridgev2/networkid"
)

// DirectMediaInfo is the information that is encoded in the media ID when
// using direct media.
//
// The format of the media ID is as follows (each character represents a single
// byte, |'s added for clarity):
//
// v|p|cccccccc|rrrrrrrr|mmmmmmmm|MMMMMMMM|T
//
// v (int8) = binary encoding format version. Should be 0.
// p (byte) = the peer type of the Telegram chat ID
// cccccccc (int64) = the Telegram peer ID (big endian)
// rrrrrrrr (int64) = the Telegram user ID (big endian)
// mmmmmmmm (int64) = the Telegram message ID (big endian)
// MMMMMMMM (int64) = the Telegram photo/file/document ID (big endian)
// T (byte) = 0 or 1 depending on whether it's a thumbnail
type DirectMediaInfo struct {
	// Type of PeerID
	PeerType PeerType

	// Peer ID, may be channel, chat or user
	PeerID int64

	// Telegram user ID of the client that downloads this media
	UserID int64

	// Telegram message ID if related to a message
	MessageID int64

	// Telegram photo/file/document ID, depends on PeerType
	ID int64

	// Is this a thumbnail?
	Thumbnail bool
}

const directMediaIDVersion = 0

// AsMediaID serializes m into the fixed-layout binary media ID described in
// DirectMediaInfo's doc comment.
func (m DirectMediaInfo) AsMediaID() (networkid.MediaID, error) {
	buf := &bytes.Buffer{}
	fields := []any{
		byte(directMediaIDVersion),
		m.PeerType.AsByte(),
		m.PeerID,
		m.UserID,
		m.MessageID,
		m.ID,
		m.Thumbnail,
	}
	for _, field := range fields {
		if err := binary.Write(buf, binary.BigEndian, field); err != nil {
			return nil, err
		}
	}
	return networkid.MediaID(buf.Bytes()), nil
}

// ParseDirectMediaInfo reverses AsMediaID, rejecting media IDs encoded with
// an unsupported version byte.
func ParseDirectMediaInfo(mediaID networkid.MediaID) (info DirectMediaInfo, err error) {
	if len(mediaID) == 0 {
		return info, fmt.Errorf("empty media ID")
	}
	buf := bytes.NewBuffer(mediaID)

	var version byte
	if err = binary.Read(buf, binary.BigEndian, &version); err != nil {
		return info, err
	} else if version != directMediaIDVersion {
		return info, fmt.Errorf("invalid version %d", version)
	}

	var peerType byte
	if err = binary.Read(buf, binary.BigEndian, &peerType); err != nil {
		return info, fmt.Errorf("failed to read peer type: %w", err)
	}
	if info.PeerType, err = PeerTypeFromByte(peerType); err != nil {
		return info, fmt.Errorf("failed to convert peer type: %w", err)
	}
	orderedFields := []struct {
		name string
		dst  any
	}{
		{"peer id", &info.PeerID},
		{"user id", &info.UserID},
		{"message id", &info.MessageID},
		{"media id", &info.ID},
	}
	for _, field := range orderedFields {
		if err = binary.Read(buf, binary.BigEndian, field.dst); err != nil {
			return info, fmt.Errorf("failed to read %s: %w", field.name, err)
		}
	}
	if err = binary.Read(buf, binary.BigEndian, &info.Thumbnail); err != nil {
		return info, fmt.Errorf("failed to read thumbnail flag: %w", err)
	}

	return info, nil
}

// HashMediaID returns a fixed-size digest of an opaque media ID, suitable
// for use as a cache key or comparison without exposing the raw ID.
func HashMediaID(mediaID networkid.MediaID) [32]byte {
	return sha256.Sum256(mediaID)
}
