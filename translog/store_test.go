package translog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type memBack struct {
	d []byte
}

func (b *memBack) Access(off, l int64, f func(p []byte)) {
	f(b.d[off : off+l])
}

func (b *memBack) Size() int64 { return int64(len(b.d)) }

func (b *memBack) Truncate(size int64) error {
	if int64(len(b.d)) >= size {
		b.d = b.d[:size]
		return nil
	}
	c := make([]byte, size)
	copy(c, b.d)
	b.d = c
	return nil
}

func (b *memBack) Sync() error { return nil }

func TestStorePutGet(t *testing.T) {
	back := &memBack{}
	s, err := Open(back, 0, 0, 0, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("22")))

	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	v, err = s.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("22"), v)
}

func TestStoreOverwrite(t *testing.T) {
	back := &memBack{}
	s, err := Open(back, 0, 0, 0, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put([]byte("k"), []byte("v1")))
	require.NoError(t, s.Put([]byte("k"), []byte("v2-longer")))

	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2-longer"), v)
}

func TestStoreDelete(t *testing.T) {
	back := &memBack{}
	s, err := Open(back, 0, 0, 0, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	require.NoError(t, s.Delete([]byte("k")))

	_, err = s.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreDeleteMissingIsNoop(t *testing.T) {
	back := &memBack{}
	s, err := Open(back, 0, 0, 0, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Delete([]byte("nope")))
}

func TestStoreClear(t *testing.T) {
	back := &memBack{}
	s, err := Open(back, 0, 0, 0, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	require.NoError(t, s.Clear())

	_, err = s.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int64(0), back.Size())
}

func TestStoreReplay(t *testing.T) {
	back := &memBack{}
	s, err := Open(back, 0, 0, 0, nil)
	require.NoError(t, err)

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))
	require.NoError(t, s.Delete([]byte("a")))
	require.NoError(t, s.Close())

	s2, err := Open(back, 0, 0, 0, nil)
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)

	v, err := s2.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func TestStoreSyncThresholds(t *testing.T) {
	back := &memBack{}
	s, err := Open(back, 8, 0, 0, nil)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put([]byte{byte(i)}, []byte("value")))
	}
}
