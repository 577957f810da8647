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

package connector

import (
	"context"
	"fmt"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"

	"go.mau.fi/telegrambridge/pkg/connector/ids"
	"go.mau.fi/telegrambridge/pkg/connector/util"
	"go.mau.fi/telegrambridge/pkg/updates"
)

const (
	LoginFlowIDPhone = "phone"
	LoginFlowIDQR    = "qr"
)

const LoginStepIDComplete = "fi.mau.telegram.login.complete"

func (tg *TelegramConnector) GetLoginFlows() []bridgev2.LoginFlow {
	return []bridgev2.LoginFlow{
		{
			Name:        "QR Code",
			Description: "Login by scanning a QR code with the Telegram app",
			ID:          LoginFlowIDQR,
		},
		{
			Name:        "Phone Number",
			Description: "Login using your Telegram phone number",
			ID:          LoginFlowIDPhone,
		},
	}
}

func (tg *TelegramConnector) CreateLogin(ctx context.Context, user *bridgev2.User, flowID string) (bridgev2.LoginProcess, error) {
	switch flowID {
	case LoginFlowIDPhone:
		return &PhoneLogin{user: user, main: tg}, nil
	case LoginFlowIDQR:
		return &QRLogin{user: user, main: tg}, nil
	default:
		return nil, fmt.Errorf("unknown flow ID %s", flowID)
	}
}

// runTelegramClient runs client.Run in the background, signaling
// initialized once the connection is established and resolving done with
// whatever error Run eventually returns (including nil on a clean stop).
func runTelegramClient(ctx context.Context, client *telegram.Client, initialized *exsync.Event, done *Future[error], run func(ctx context.Context) error) {
	go func() {
		err := client.Run(ctx, func(ctx context.Context) error {
			initialized.Set()
			return run(ctx)
		})
		done.Set(err)
	}()
}

// finalizeLogin persists the session obtained by either the phone or QR
// login flow as a new bridgev2.UserLogin, connects the resulting client,
// and kicks off an initial chat sync in the background.
func finalizeLogin(ctx context.Context, user *bridgev2.User, authorization *tg.AuthAuthorization, meta UserLoginMetadata) (*bridgev2.LoginStep, error) {
	userLoginID := ids.MakeUserLoginID(authorization.User.GetID())
	ul, err := user.NewLogin(ctx, &database.UserLogin{
		ID:       userLoginID,
		Metadata: &meta,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to save new login: %w", err)
	}
	client := ul.Client.(*TelegramClient)
	// Seed the sequence state row so the gap manager has something to
	// anchor on; an all-zero row makes it fetch the server's current state
	// on first run instead of trying to recover from pts 0.
	if err = client.ScopedStore.SetState(ctx, client.telegramUserID, updates.State{}); err != nil {
		return nil, fmt.Errorf("failed to initialize update state: %w", err)
	}
	ul.Client.Connect(ul.Log.WithContext(context.Background()))
	self, err := client.client.Self(ctx)
	if err != nil {
		return nil, err
	}
	go func() {
		log := ul.Log.With().Str("component", "login_sync_chats").Logger()
		if err := client.SyncChats(log.WithContext(context.Background())); err != nil {
			log.Err(err).Msg("Failed to sync chats")
		}
	}()
	return &bridgev2.LoginStep{
		Type:         bridgev2.LoginStepTypeComplete,
		StepID:       LoginStepIDComplete,
		Instructions: fmt.Sprintf("Successfully logged in as %d / +%s (%s)", self.ID, self.Phone, util.FormatFullName(self.FirstName, self.LastName, self.Deleted, self.ID)),
		CompleteParams: &bridgev2.LoginCompleteParams{
			UserLoginID: ul.ID,
			UserLogin:   ul,
		},
	}, nil
}
