package sirix

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNameDictionaryInternAndResolve(t *testing.T) {
	back := NewMemBack(0)
	d, err := newNameDictionary(back, NewConfig())
	require.NoError(t, err)

	k1, err := d.Intern("alpha")
	require.NoError(t, err)
	require.NotEqual(t, NilNameKey, k1)

	k2, err := d.Intern("beta")
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)

	again, err := d.Intern("alpha")
	require.NoError(t, err)
	require.Equal(t, k1, again)

	s, ok, err := d.Get(k1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alpha", s)

	empty, err := d.Intern("")
	require.NoError(t, err)
	require.Equal(t, NilNameKey, empty)

	_, ok, err = d.Get(NameKey(9999))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, d.Close())

	// A dictionary reopened on the same backing store resolves the same
	// keys.
	d2, err := newNameDictionary(back, NewConfig())
	require.NoError(t, err)
	defer d2.Close()

	s, ok, err = d2.Get(k2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "beta", s)

	again, err = d2.Intern("alpha")
	require.NoError(t, err)
	require.Equal(t, k1, again)
}
