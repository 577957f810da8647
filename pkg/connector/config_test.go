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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExampleConfig(t *testing.T) {
	var cfg TelegramConfig
	require.NoError(t, yaml.Unmarshal([]byte(ExampleConfig), &cfg))

	assert.Equal(t, "webp", cfg.AnimatedSticker.Target)
	assert.Equal(t, 256, cfg.AnimatedSticker.Args.Width)
	assert.Equal(t, 256, cfg.AnimatedSticker.Args.Height)
	assert.Equal(t, 30, cfg.AnimatedSticker.Args.FPS)
	assert.Equal(t, 10000, cfg.MemberList.NormalizedMaxInitialSync())
	assert.Equal(t, 60, cfg.Ping.IntervalSeconds)
	assert.Equal(t, 10, cfg.Ping.TimeoutSeconds)
	assert.Equal(t, 16000000, cfg.ImageAsFilePixels)
	assert.True(t, cfg.ShouldBridge(1000000), "negative max_member_count must allow any chat")
}

func TestMemberListConfig_NormalizedMaxInitialSync(t *testing.T) {
	assert.Equal(t, 10000, MemberListConfig{MaxInitialSync: -1}.NormalizedMaxInitialSync())
	assert.Equal(t, 50, MemberListConfig{MaxInitialSync: 50}.NormalizedMaxInitialSync())
}
