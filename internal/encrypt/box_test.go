package encrypt_test

import (
	"testing"

	"github.com/habitat-network/skyfeed/internal/encrypt"
	"github.com/stretchr/testify/require"
)

func testBox(t *testing.T) *encrypt.Box {
	box, err := encrypt.NewBox(encrypt.TestKey)
	require.NoError(t, err)
	return box
}

func TestBox_RoundTrip(t *testing.T) {
	type tokens struct {
		Access  string
		Refresh string
		Key     []byte
	}
	box := testBox(t)
	original := tokens{Access: "access", Refresh: "refresh", Key: []byte{1, 2, 3}}

	sealed, err := box.Seal(original)
	require.NoError(t, err)
	require.NotEmpty(t, sealed)

	var opened tokens
	require.NoError(t, box.Open(sealed, &opened))
	require.Equal(t, original, opened)
}

func TestNewBox_InvalidKeySize(t *testing.T) {
	for _, size := range []int{0, 16, 64} {
		_, err := encrypt.NewBox(make([]byte, size))
		require.Error(t, err)
		require.Contains(t, err.Error(), "encryption key must be exactly 32 bytes")
	}
}

func TestBox_WrongKey(t *testing.T) {
	sealed, err := testBox(t).Seal("secret")
	require.NoError(t, err)

	other, err := encrypt.NewBox([]byte("another-session-key-0123456789ab"))
	require.NoError(t, err)

	var out string
	err = other.Open(sealed, &out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "authentication failed")
}

func TestBox_CorruptedInput(t *testing.T) {
	box := testBox(t)
	sealed, err := box.Seal("test")
	require.NoError(t, err)

	var out string
	require.Error(t, box.Open("not-valid-base64!@#$", &out))
	require.Error(t, box.Open(sealed[:10], &out))
	require.Error(t, box.Open(sealed[:len(sealed)-5]+"XXXXX", &out))
}

func TestBox_UniqueNonces(t *testing.T) {
	box := testBox(t)
	a, err := box.Seal("same")
	require.NoError(t, err)
	b, err := box.Seal("same")
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	require.NoError(t, box.Open(a, nil))
}

func TestParseKey(t *testing.T) {
	key, err := encrypt.GenerateKey()
	require.NoError(t, err)

	parsed, err := encrypt.ParseKey(key)
	require.NoError(t, err)
	require.Len(t, parsed, encrypt.KeySize)

	_, err = encrypt.ParseKey("c2hvcnQ=")
	require.Error(t, err)
}
