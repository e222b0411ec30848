package keyValStore

import (
	"io"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *KeyValStore {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	kv, err := NewKeyValStore(StoreConfig{
		Paths:  []string{t.TempDir()},
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(kv.Close)
	return kv
}

func TestReadWriteDelete(t *testing.T) {
	kv := newTestStore(t)

	require.NoError(t, kv.Write([]byte("k"), []byte("v")))

	got, err := kv.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	ok, err := kv.Has([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, kv.Delete([]byte("k")))
	_, err = kv.Read([]byte("k"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPrefixOperations(t *testing.T) {
	kv := newTestStore(t)

	require.NoError(t, kv.Write([]byte("a:1"), []byte("one")))
	require.NoError(t, kv.Write([]byte("a:2"), []byte("two")))
	require.NoError(t, kv.Write([]byte("b:1"), []byte("other")))

	items, err := kv.GetItemsWithPrefix([]byte("a:"))
	require.NoError(t, err)
	assert.Len(t, items, 2)

	keys, err := kv.KeysWithPrefix([]byte("a:"))
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, kv.DeletePrefix([]byte("a:")))
	keys, err = kv.KeysWithPrefix([]byte("a:"))
	require.NoError(t, err)
	assert.Empty(t, keys)

	got, err := kv.Read([]byte("b:1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("other"), got)
}

func TestUpdateIsAtomic(t *testing.T) {
	kv := newTestStore(t)

	err := kv.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte("x"), []byte("1")); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, err = kv.Read([]byte("x"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMissingPathFailsConfigCheck(t *testing.T) {
	_, err := NewKeyValStore(StoreConfig{Paths: []string{"/does/not/exist"}})
	assert.Error(t, err)
}
