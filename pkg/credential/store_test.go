package credential

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/securevault/pkg/crypto"
	"github.com/forest6511/securevault/pkg/kdf"
)

func testDeriver(t *testing.T) *kdf.Deriver {
	t.Helper()
	d, err := kdf.New(crypto.Params{Memory: 1024, Time: 1, Threads: 1})
	require.NoError(t, err)
	return d
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	bs, err := OpenBolt(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })
	return map[string]Store{
		"bolt":   bs,
		"memory": NewMemoryStore(),
	}
}

func TestLoadNotInitialized(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := Load(s)
			assert.ErrorIs(t, err, ErrNotInitialized)

			ok, err := Initialized(s)
			require.NoError(t, err)
			assert.False(t, ok)

			// a salt alone is not a credential
			require.NoError(t, s.PutString(KeySalt, "AAAA"))
			_, err = Load(s)
			assert.ErrorIs(t, err, ErrNotInitialized)
		})
	}
}

func TestSaveLoad(t *testing.T) {
	d := testDeriver(t)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			cred, err := d.NewCredential("Abc123!@")
			require.NoError(t, err)
			require.NoError(t, Save(s, cred))

			got, err := Load(s)
			require.NoError(t, err)
			assert.Equal(t, cred.Salt, got.Salt)
			assert.Equal(t, cred.PasswordHash, got.PasswordHash)
			assert.True(t, d.Verify("Abc123!@", got))

			ok, err := Initialized(s)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestPutCredentialOverwritesPair(t *testing.T) {
	d := testDeriver(t)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first, err := d.NewCredential("Abc123!@")
			require.NoError(t, err)
			second, err := d.NewCredential("Xyz789#$")
			require.NoError(t, err)

			require.NoError(t, Save(s, first))
			require.NoError(t, Save(s, second))

			got, err := Load(s)
			require.NoError(t, err)
			assert.False(t, d.Verify("Abc123!@", got))
			assert.True(t, d.Verify("Xyz789#$", got))
		})
	}
}

func TestLoadCorrupt(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.PutCredential("not base64!", "also not"))
	_, err := Load(s)
	require.Error(t, err)
	assert.ErrorIs(t, err, kdf.ErrInvalidEncoding)
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	d := testDeriver(t)

	s, err := OpenBolt(path)
	require.NoError(t, err)
	cred, err := d.NewCredential("Abc123!@")
	require.NoError(t, err)
	require.NoError(t, Save(s, cred))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := Load(s)
	require.NoError(t, err)
	assert.True(t, d.Verify("Abc123!@", got))
}

func TestClosedStore(t *testing.T) {
	bs, err := OpenBolt(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	require.NoError(t, bs.Close())
	_, _, err = bs.GetString(KeySalt)
	assert.ErrorIs(t, err, ErrClosed)

	ms := NewMemoryStore()
	require.NoError(t, ms.Close())
	assert.ErrorIs(t, ms.PutCredential("a", "b"), ErrClosed)
}

func TestMemoryStoreFailWrites(t *testing.T) {
	boom := errors.New("disk full")
	s := NewMemoryStore()
	s.FailWrites = boom
	assert.ErrorIs(t, s.PutCredential("a", "b"), boom)
	_, ok, err := s.GetString(KeySalt)
	require.NoError(t, err)
	assert.False(t, ok)
}
