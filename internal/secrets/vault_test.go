package secrets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	v, err := NewVault(key)
	require.NoError(t, err)

	in := map[string]string{"githubtok": "abc123", "dockerauth": "user:pass"}
	sealed, err := v.Encrypt(in)
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "abc123")

	out, err := v.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecryptWrongKey(t *testing.T) {
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	v1, _ := NewVault(k1)
	v2, _ := NewVault(k2)

	sealed, err := v1.Encrypt(map[string]string{"a": "b"})
	require.NoError(t, err)

	_, err = v2.Decrypt(sealed)
	require.Error(t, err)
}

func TestNewVaultRejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "zz", "abcd"} {
		if _, err := NewVault(key); err == nil {
			t.Errorf("NewVault(%q) should fail", key)
		}
	}
}

func TestValidateShape(t *testing.T) {
	got, err := Validate(map[string]any{"tok": "x"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"tok": "x"}, got)

	_, err = Validate(map[string]any{"tok": 42})
	require.Error(t, err)

	_, err = Validate(map[string]any{"tok": map[string]any{"nested": "no"}})
	require.Error(t, err)
}
