package claim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRedemptionCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code, err := NewRedemptionCode()
		require.NoError(t, err)
		require.Len(t, code, 26) // 16 bytes in unpadded base32
		require.False(t, seen[code])
		seen[code] = true
	}
}

func TestHashRedemptionCodeStable(t *testing.T) {
	code, err := NewRedemptionCode()
	require.NoError(t, err)

	require.Equal(t, HashRedemptionCode(code), HashRedemptionCode(code))
	require.Len(t, HashRedemptionCode(code), 64)

	other, err := NewRedemptionCode()
	require.NoError(t, err)
	require.NotEqual(t, HashRedemptionCode(code), HashRedemptionCode(other))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveCodeKey("test-secret")

	code, err := NewRedemptionCode()
	require.NoError(t, err)

	enc, err := EncryptRedemptionCode(code, key)
	require.NoError(t, err)
	require.NotContains(t, string(enc), code)

	plain, err := DecryptRedemptionCode(enc, key)
	require.NoError(t, err)
	require.Equal(t, code, plain)

	// A different key must not decrypt.
	_, err = DecryptRedemptionCode(enc, DeriveCodeKey("other-secret"))
	require.Error(t, err)

	// Tampered ciphertext fails authentication.
	enc[len(enc)-1] ^= 0xff
	_, err = DecryptRedemptionCode(enc, key)
	require.Error(t, err)
}
