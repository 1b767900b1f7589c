package boltdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bftnet/bftnet/keyvaluedb"
)

type testValue struct {
	_     struct{} `cbor:",toarray"`
	Name  string
	Round uint64
}

func initBoltDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "bolt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func isEmpty(t *testing.T, db keyvaluedb.KeyValueDB) bool {
	t.Helper()
	empty, err := db.Empty()
	require.NoError(t, err)
	return empty
}

func TestBoltDB_InvalidPath(t *testing.T) {
	// provide a file that is not a DB file
	db, err := New(t.TempDir())
	require.Error(t, err)
	require.Nil(t, db)
}

func TestBoltDB_ReadWriteDelete(t *testing.T) {
	db := initBoltDB(t)
	require.NotEmpty(t, db.Path())
	require.True(t, isEmpty(t, db))

	var v testValue
	found, err := db.Read([]byte("key"), &v)
	require.NoError(t, err)
	require.False(t, found)

	in := testValue{Name: "block", Round: 7}
	require.NoError(t, db.Write([]byte("key"), &in))
	require.False(t, isEmpty(t, db))
	found, err = db.Read([]byte("key"), &v)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, in, v)

	require.NoError(t, db.Delete([]byte("key")))
	found, err = db.Read([]byte("key"), &v)
	require.NoError(t, err)
	require.False(t, found)
	require.True(t, isEmpty(t, db))
}

func TestBoltDB_InvalidInput(t *testing.T) {
	db := initBoltDB(t)
	var v *testValue

	_, err := db.Read(nil, &testValue{})
	require.ErrorIs(t, err, keyvaluedb.ErrInvalidKey)
	_, err = db.Read([]byte("key"), v)
	require.ErrorIs(t, err, keyvaluedb.ErrValueIsNil)
	require.ErrorIs(t, db.Write(nil, "value"), keyvaluedb.ErrInvalidKey)
	require.ErrorIs(t, db.Write([]byte("key"), v), keyvaluedb.ErrValueIsNil)
	require.ErrorIs(t, db.Delete(nil), keyvaluedb.ErrInvalidKey)

	require.Error(t, db.Write([]byte("key"), make(chan int)))
}

func TestBoltDB_DecodeError(t *testing.T) {
	db := initBoltDB(t)
	require.NoError(t, db.Write([]byte("key"), "not a struct"))
	var v testValue
	found, err := db.Read([]byte("key"), &v)
	require.True(t, found)
	require.ErrorContains(t, err, "bolt db read failed")
}

func TestBoltDB_Persistence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bolt.db")
	db, err := New(file)
	require.NoError(t, err)
	require.NoError(t, db.Write([]byte("key"), &testValue{Name: "foo", Round: 1}))
	require.NoError(t, db.Close())

	db, err = New(file)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	var v testValue
	found, err := db.Read([]byte("key"), &v)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "foo", v.Name)
}
