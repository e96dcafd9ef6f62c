package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerd/fingerd/biometric"
)

func testPrint(finger biometric.Finger, username string) *biometric.Print {
	return &biometric.Print{
		Driver:     "virtdrv",
		DeviceID:   "dev-1",
		Finger:     finger,
		Username:   username,
		EnrollDate: time.Now(),
		Data:       []byte("template-" + finger.String()),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	p := testPrint(biometric.RightIndex, "alice")
	require.NoError(t, s.Save(p))

	got, err := s.Load("virtdrv", "dev-1", biometric.RightIndex, "alice")
	require.NoError(t, err)
	assert.Equal(t, p.Data, got.Data)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, biometric.RightIndex, got.Finger)
}

func TestLoadMissing(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Load("virtdrv", "dev-1", biometric.LeftThumb, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Save(testPrint(biometric.RightIndex, "alice")))

	require.NoError(t, s.Delete("virtdrv", "dev-1", biometric.RightIndex, "alice"))
	_, err := s.Load("virtdrv", "dev-1", biometric.RightIndex, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting what is already gone is not an error.
	require.NoError(t, s.Delete("virtdrv", "dev-1", biometric.RightIndex, "alice"))
}

func TestDiscoverPrints(t *testing.T) {
	s := New(t.TempDir())

	fingers, err := s.DiscoverPrints("virtdrv", "dev-1", "alice")
	require.NoError(t, err)
	assert.Empty(t, fingers, "fresh store has nothing")

	require.NoError(t, s.Save(testPrint(biometric.RightIndex, "alice")))
	require.NoError(t, s.Save(testPrint(biometric.LeftThumb, "alice")))
	require.NoError(t, s.Save(testPrint(biometric.RightThumb, "bob")))

	fingers, err = s.DiscoverPrints("virtdrv", "dev-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []biometric.Finger{biometric.LeftThumb, biometric.RightIndex}, fingers)
}

func TestDiscoverUsers(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Save(testPrint(biometric.RightIndex, "alice")))
	require.NoError(t, s.Save(testPrint(biometric.RightIndex, "bob")))

	users, err := s.DiscoverUsers()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)
}
