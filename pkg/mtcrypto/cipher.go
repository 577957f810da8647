package mtcrypto

import (
	"crypto/aes"
	"crypto/sha256"
	"io"

	"github.com/go-faster/errors"
	"github.com/gotd/ige"
	"github.com/gotd/td/bin"
)

// MTProto 2.0 key derivation uses a different auth-key offset depending on
// which side encrypted the message (x = 0 for client, x = 8 for server).
const (
	clientOffset = 0
	serverOffset = 8
)

// Cipher decrypts MTProto 2.0 envelopes addressed to one side of the
// connection. The rand source is kept for symmetry with encryption; the
// bridge only ever decrypts (push notification payloads come encrypted
// from the server with the login's auth key).
type Cipher struct {
	rand          io.Reader
	decryptOffset int
}

// NewClientCipher creates a cipher for the client side, decrypting
// messages encrypted by the server.
func NewClientCipher(rand io.Reader) Cipher {
	return Cipher{rand: rand, decryptOffset: serverOffset}
}

// NewServerCipher creates a cipher for the server side, decrypting
// messages encrypted by a client.
func NewServerCipher(rand io.Reader) Cipher {
	return Cipher{rand: rand, decryptOffset: clientOffset}
}

// messageKey computes msg_key for a padded plaintext:
// SHA256(substr(auth_key, 88+x, 32) + plaintext)[8:24].
func messageKey(authKey Key, plaintext []byte, x int) (r bin.Int128) {
	h := sha256.New()
	h.Write(authKey[88+x : 88+x+32])
	h.Write(plaintext)
	copy(r[:], h.Sum(nil)[8:24])
	return r
}

// messageKeys derives the AES-256-IGE key and IV from the auth key and
// msg_key per the MTProto 2.0 KDF.
func messageKeys(authKey Key, msgKey bin.Int128, x int) (key, iv [32]byte) {
	a := sha256.New()
	a.Write(msgKey[:])
	a.Write(authKey[x : x+36])
	sumA := a.Sum(nil)

	b := sha256.New()
	b.Write(authKey[40+x : 40+x+36])
	b.Write(msgKey[:])
	sumB := b.Sum(nil)

	copy(key[:8], sumA[:8])
	copy(key[8:24], sumB[8:24])
	copy(key[24:], sumA[24:32])

	copy(iv[:8], sumB[:8])
	copy(iv[8:24], sumA[8:24])
	copy(iv[24:], sumB[24:32])
	return key, iv
}

// DecryptRaw decrypts the envelope and returns the padded plaintext after
// verifying both the key fingerprint and the msg_key over the result.
func (c Cipher) DecryptRaw(k AuthKey, encrypted *EncryptedMessage) ([]byte, error) {
	if k.ID != encrypted.AuthKeyID {
		return nil, errors.New("unknown auth_key_id")
	}
	if len(encrypted.EncryptedData) == 0 || len(encrypted.EncryptedData)%16 != 0 {
		return nil, errors.New("invalid encrypted data padding")
	}

	key, iv := messageKeys(k.Value, encrypted.MsgKey, c.decryptOffset)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	plaintext := make([]byte, len(encrypted.EncryptedData))
	ige.NewIGEDecrypter(block, iv[:]).CryptBlocks(plaintext, encrypted.EncryptedData)

	if messageKey(k.Value, plaintext, c.decryptOffset) != encrypted.MsgKey {
		return nil, errors.New("msg_key mismatch")
	}
	return plaintext, nil
}
