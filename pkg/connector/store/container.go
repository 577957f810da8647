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

package store

import (
	"context"

	"go.mau.fi/util/dbutil"

	"go.mau.fi/telegrambridge/pkg/connector/store/upgrades"
)

// Container owns the database tables this connector keeps outside the
// bridge framework's own schema: per-channel pts, access hashes,
// username/phone lookups, and the telegram_file media cache. The MTProto
// auth key itself is not stored here; it rides along in the framework's
// per-login metadata column (see UserLoginSession in metadata.go) so a
// login's session and its bridge-level row stay in the same transaction.
type Container struct {
	*dbutil.Database

	TelegramFile *TelegramFileQuery
}

func NewStore(db *dbutil.Database, log dbutil.DatabaseLogger) *Container {
	scoped := db.Child("telegram_version", upgrades.Table, log)
	return &Container{
		Database: scoped,

		TelegramFile: &TelegramFileQuery{dbutil.MakeQueryHelper(scoped, newTelegramFile)},
	}
}

func (c *Container) Upgrade(ctx context.Context) error {
	return c.Database.Upgrade(ctx)
}

// GetScopedStore returns the view of the store restricted to operations
// for a single Telegram user ID. Every method on the returned value
// asserts that inner user-ID arguments match telegramUserID; a mismatch
// is a programmer error and panics rather than returning one more error
// value callers would have to check.
func (c *Container) GetScopedStore(telegramUserID int64) *ScopedStore {
	return &ScopedStore{c.Database, telegramUserID}
}
