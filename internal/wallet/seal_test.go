package wallet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundtrip(t *testing.T) {
	sealed, err := SealWithPassword("hunter2", []byte("secret material"))
	require.NoError(t, err)

	plain, err := OpenWithPassword("hunter2", sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("secret material"), plain)
}

func TestOpenWrongPassword(t *testing.T) {
	sealed, err := SealWithPassword("hunter2", []byte("secret material"))
	require.NoError(t, err)

	_, err = OpenWithPassword("hunter3", sealed)
	require.Error(t, err)
}

func TestOpenTruncatedBlob(t *testing.T) {
	_, err := OpenWithPassword("hunter2", []byte{0x01, 0x02})
	require.Error(t, err)
}

func TestSealIsSaltedPerCall(t *testing.T) {
	a, err := SealWithPassword("pw", []byte("x"))
	require.NoError(t, err)
	b, err := SealWithPassword("pw", []byte("x"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
