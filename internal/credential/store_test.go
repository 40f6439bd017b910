package credential

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadArrayShape(t *testing.T) {
	path := writeFile(t, `[
		{"refreshToken":"rt-a","authMethod":"social","priority":1},
		{"refreshToken":"rt-b","authMethod":"social","priority":0}
	]`)

	s, err := Load(path)
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 2)
	// priority 0 sorts before priority 1 (I4).
	assert.Equal(t, "rt-b", list[0].RefreshToken)
	assert.Equal(t, "rt-a", list[1].RefreshToken)
	assert.NotEmpty(t, list[0].RefreshTokenHash)
	assert.True(t, s.IsArrayShape())
}

func TestLoadObjectShape(t *testing.T) {
	path := writeFile(t, `{"refreshToken":"rt-only","authMethod":"idc"}`)
	s, err := Load(path)
	require.NoError(t, err)
	assert.False(t, s.IsArrayShape())
	assert.Len(t, s.List(), 1)
}

func TestSaveRoundTripsShape(t *testing.T) {
	path := writeFile(t, `[{"refreshToken":"rt-a","priority":0}]`)
	s, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, s.SetPriority(1, 5))
	require.NoError(t, s.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, reloaded.IsArrayShape())
	assert.Equal(t, 5, reloaded.List()[0].Priority)
}

func TestSaveNoopWhenClean(t *testing.T) {
	path := writeFile(t, `[{"refreshToken":"rt-a","priority":0}]`)
	s, err := Load(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	before := info.ModTime()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Save())

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before, info.ModTime())
}

func TestAddRejectsDuplicate(t *testing.T) {
	path := writeFile(t, `[{"refreshToken":"rt-a","priority":0}]`)
	s, err := Load(path)
	require.NoError(t, err)

	_, err = s.Add(&Credential{RefreshToken: "rt-a"})
	assert.ErrorIs(t, err, ErrDuplicate)

	added, err := s.Add(&Credential{RefreshToken: "rt-b"})
	require.NoError(t, err)
	assert.NotZero(t, added.ID)
	assert.Len(t, s.List(), 2)
}

func TestDeleteRequiresDisabled(t *testing.T) {
	path := writeFile(t, `[{"refreshToken":"rt-a","priority":0}]`)
	s, err := Load(path)
	require.NoError(t, err)

	err = s.Delete(1)
	assert.ErrorIs(t, err, ErrStillEnabled)

	require.NoError(t, s.SetDisabled(1, true))
	require.NoError(t, s.Delete(1))
	assert.Empty(t, s.List())
}

func TestRecordSuccessResetsFailure(t *testing.T) {
	path := writeFile(t, `[{"refreshToken":"rt-a","priority":0}]`)
	s, err := Load(path)
	require.NoError(t, err)

	for range 9 {
		s.RecordFailure(1, 10)
	}
	c, _ := s.Get(1)
	assert.Equal(t, 9, c.FailureCount)
	assert.False(t, c.Disabled)

	s.RecordSuccess(1, time.Now)
	c, _ = s.Get(1)
	assert.Zero(t, c.FailureCount)
	assert.Equal(t, 1, c.SuccessCount)
}

func TestRecordFailureAutoDisables(t *testing.T) {
	path := writeFile(t, `[{"refreshToken":"rt-a","priority":0}]`)
	s, err := Load(path)
	require.NoError(t, err)

	var disabledNow bool
	for range 10 {
		disabledNow = s.RecordFailure(1, 10)
	}
	assert.True(t, disabledNow)
	c, _ := s.Get(1)
	assert.True(t, c.Disabled)
}

func TestNextSkipsDisabledAndExcluded(t *testing.T) {
	path := writeFile(t, `[
		{"refreshToken":"rt-a","priority":0},
		{"refreshToken":"rt-b","priority":1},
		{"refreshToken":"rt-c","priority":2}
	]`)
	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.SetDisabled(1, true))

	c, err := s.Next(map[int]bool{2: true}, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, c.ID)

	_, err = s.Next(map[int]bool{2: true, 3: true}, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetPriorityRejectsNegative(t *testing.T) {
	path := writeFile(t, `[{"refreshToken":"rt-a","priority":0}]`)
	s, err := Load(path)
	require.NoError(t, err)
	assert.ErrorIs(t, s.SetPriority(1, -1), ErrInvalidPriority)
}
