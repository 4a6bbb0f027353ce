package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"testing"

	apitypes "github.com/relaymesh/apiagent/pkg/types"

	"github.com/stretchr/testify/assert"
)

func TestHex2Bytes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []byte
	}{
		{"with 0x prefix", "0xdeadbeef", []byte{0xde, 0xad, 0xbe, 0xef}},
		{"bare hex", "deadbeef", []byte{0xde, 0xad, 0xbe, 0xef}},
		{"odd length padded", "0xabc", []byte{0x0a, 0xbc}},
		{"invalid hex returns nil", "0xzz", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Hex2Bytes(tt.input))
		})
	}
}

func TestDecrypt_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatal(err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		t.Fatal(err)
	}

	plaintext := "deadbeefcafe"
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	got, err := Decrypt(key, hex.EncodeToString(sealed))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, plaintext, got)
}

func TestDecrypt_TruncatedCiphertextFails(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}

	_, err := Decrypt(key, "00")
	if err == nil {
		t.Fatal("expected error for truncated ciphertext")
	}
}

func TestExtractGasCost(t *testing.T) {
	receipt := &apitypes.Receipt{
		GasUsed:           "0x5208",      // 21000
		EffectiveGasPrice: "0x3b9aca00", // 1 gwei
	}

	cost, err := ExtractGasCost(receipt)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "21000000000000", cost.String())
}
