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

package media

import (
	"bytes"
	"context"
	"image"
	"image/png"

	"github.com/rs/zerolog"
	"go.mau.fi/webp"
	"golang.org/x/image/draw"
)

// convertStaticWebp re-encodes a static webp sticker as PNG, scaling it down
// to the configured sticker dimensions if it is larger. Conversion failures
// fall back to the original bytes, same as the animated path.
func (c AnimatedStickerConfig) convertStaticWebp(ctx context.Context, data []byte) ([]byte, string, int, int) {
	img, err := webp.Decode(bytes.NewReader(data))
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to decode webp sticker, using original bytes")
		return data, "image/webp", 0, 0
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if c.Args.Width > 0 && c.Args.Height > 0 && (width > c.Args.Width || height > c.Args.Height) {
		scale := min(float64(c.Args.Width)/float64(width), float64(c.Args.Height)/float64(height))
		width, height = int(float64(width)*scale), int(float64(height)*scale)
		scaled := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, bounds, draw.Over, nil)
		img = scaled
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to encode sticker as png, using original bytes")
		return data, "image/webp", 0, 0
	}
	return buf.Bytes(), "image/png", width, height
}
