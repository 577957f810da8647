package mtcrypto

import (
	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
)

// EncryptedMessage is the outer MTProto encrypted message envelope:
// auth_key_id, msg_key, and the AES-IGE encrypted payload.
type EncryptedMessage struct {
	AuthKeyID [8]byte
	MsgKey    bin.Int128

	EncryptedData []byte
}

// DecodeWithoutCopy decodes the envelope from b, aliasing the encrypted
// payload into b's remaining buffer instead of copying it. The buffer must
// outlive the message.
func (e *EncryptedMessage) DecodeWithoutCopy(b *bin.Buffer) error {
	if err := b.ConsumeN(e.AuthKeyID[:], 8); err != nil {
		return errors.Wrap(err, "auth_key_id")
	}
	if err := b.ConsumeN(e.MsgKey[:], 16); err != nil {
		return errors.Wrap(err, "msg_key")
	}
	if len(b.Buf)%16 != 0 {
		return errors.New("invalid encrypted data padding")
	}
	e.EncryptedData = b.Buf
	return nil
}
