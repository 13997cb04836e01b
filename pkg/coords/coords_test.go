package coords

import (
	stderrors "errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hosterr "github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	v, err := s.Read(SlotG28)
	require.NoError(t, err)
	assert.Equal(t, Vector{}, v, "unwritten slot reads as zero")

	require.NoError(t, s.Write(SlotG54+1, Vector{10.5, -3}))
	require.NoError(t, s.Write(SlotG54+1, Vector{12, 4.25}))
	v, err = s.Read(SlotG54 + 1)
	require.NoError(t, err)
	assert.Equal(t, Vector{12, 4.25}, v)

	assert.ErrorIs(t, s.Write(NSlots, Vector{}), ErrSlot)
	_, err = s.Read(-1)
	assert.ErrorIs(t, err, ErrSlot)

	require.NoError(t, s.Reset())
	v, err = s.Read(SlotG54 + 1)
	require.NoError(t, err)
	assert.Equal(t, Vector{}, v)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "coords.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coords.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Write(SlotG30, Vector{1, 2}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Read(SlotG30)
	require.NoError(t, err)
	assert.Equal(t, Vector{1, 2}, v)
}

func TestSQLiteChecksumMismatch(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "coords.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write(3, Vector{5, 5}))
	_, err = s.db.Exec("UPDATE coord_data SET x = 6 WHERE slot = 3")
	require.NoError(t, err)

	_, err = s.Read(3)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrCorrupt))
	assert.True(t, hosterr.Is(err, hosterr.ErrStoreCorrupt))
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, uint8(0), Checksum(Vector{}))
	assert.NotEqual(t, Checksum(Vector{1, 2}), Checksum(Vector{2, 1}))
}

func TestOpenSelectsStore(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	_, ok := s.(*Memory)
	assert.True(t, ok)
}
