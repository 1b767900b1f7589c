package keyvaluedb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckKeyAndValue(t *testing.T) {
	var nilPtr *int
	v := 1

	require.ErrorIs(t, CheckKeyAndValue(nil, &v), ErrInvalidKey)
	require.ErrorIs(t, CheckKeyAndValue([]byte{}, &v), ErrInvalidKey)
	require.ErrorIs(t, CheckKeyAndValue([]byte{1}, nil), ErrValueIsNil)
	require.ErrorIs(t, CheckKeyAndValue([]byte{1}, nilPtr), ErrValueIsNil)
	require.NoError(t, CheckKeyAndValue([]byte{1}, &v))
	require.NoError(t, CheckKeyAndValue([]byte{1}, "value"))
}
