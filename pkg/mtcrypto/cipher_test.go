package mtcrypto

import (
	"crypto/aes"
	"crypto/rand"
	"testing"

	"github.com/gotd/ige"
	"github.com/gotd/td/bin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) Key {
	t.Helper()
	var k Key
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return k
}

// encryptAsServer builds an envelope the way the server side would, so the
// client cipher has something real to decrypt.
func encryptAsServer(t *testing.T, k AuthKey, plaintext []byte) *EncryptedMessage {
	t.Helper()
	require.Zero(t, len(plaintext)%16, "plaintext must be padded to the block size")
	msgKey := messageKey(k.Value, plaintext, serverOffset)
	key, iv := messageKeys(k.Value, msgKey, serverOffset)
	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)
	encrypted := make([]byte, len(plaintext))
	ige.NewIGEEncrypter(block, iv[:]).CryptBlocks(encrypted, plaintext)
	return &EncryptedMessage{
		AuthKeyID:     k.ID,
		MsgKey:        msgKey,
		EncryptedData: encrypted,
	}
}

func TestClientCipherDecryptRaw(t *testing.T) {
	k := testKey(t).WithID()
	plaintext := []byte(`{"loc_key":"MESSAGE_TEXT","loc_args":["a","b"]}` + "\x00")
	plaintext = append(plaintext, make([]byte, 16-len(plaintext)%16)...)

	em := encryptAsServer(t, k, plaintext)
	c := NewClientCipher(rand.Reader)

	decrypted, err := c.DecryptRaw(k, em)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestClientCipherDecryptRawWrongKey(t *testing.T) {
	k := testKey(t).WithID()
	plaintext := make([]byte, 64)
	em := encryptAsServer(t, k, plaintext)
	c := NewClientCipher(rand.Reader)

	other := testKey(t).WithID()
	_, err := c.DecryptRaw(other, em)
	require.ErrorContains(t, err, "auth_key_id")

	// Matching fingerprint but corrupted ciphertext must fail the msg_key
	// check instead of returning garbage.
	em.EncryptedData[0] ^= 0xff
	_, err = c.DecryptRaw(k, em)
	require.ErrorContains(t, err, "msg_key")
}

func TestEncryptedMessageDecode(t *testing.T) {
	k := testKey(t).WithID()
	em := encryptAsServer(t, k, make([]byte, 32))

	var buf bin.Buffer
	buf.Put(em.AuthKeyID[:])
	buf.Put(em.MsgKey[:])
	buf.Put(em.EncryptedData)

	var decoded EncryptedMessage
	require.NoError(t, decoded.DecodeWithoutCopy(&bin.Buffer{Buf: buf.Buf}))
	assert.Equal(t, em.AuthKeyID, decoded.AuthKeyID)
	assert.Equal(t, em.MsgKey, decoded.MsgKey)
	assert.Equal(t, em.EncryptedData, decoded.EncryptedData)

	require.Error(t, new(EncryptedMessage).DecodeWithoutCopy(&bin.Buffer{Buf: []byte{1, 2, 3}}))
}

func TestKeyID(t *testing.T) {
	var k Key
	for i := range k {
		k[i] = byte(i)
	}
	assert.Equal(t, k.ID(), k.WithID().ID)
	assert.NotEqual(t, k.ID(), testKey(t).ID())
}
