package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	c := Encode("snapshots", "2026-03-14")
	assert.NotContains(t, c, "2026")

	key, err := Decode("snapshots", c)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", key)
}

func TestDecode_Empty(t *testing.T) {
	key, err := Decode("snapshots", "")
	assert.NoError(t, err)
	assert.Empty(t, key)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode("snapshots", "not-base64!!!")
	assert.ErrorIs(t, err, ErrInvalidCursor)

	// no separator
	_, err = Decode("snapshots", "bm9waXBl")
	assert.ErrorIs(t, err, ErrInvalidCursor)

	// issued for another listing
	_, err = Decode("snapshots", Encode("sessions", "cfs_1"))
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestComputePage(t *testing.T) {
	days := []string{"2026-03-04", "2026-03-03", "2026-03-02", "2026-03-01"}
	id := func(s string) string { return s }

	page, next := ComputePage("snapshots", days, 3, id)
	assert.Equal(t, days[:3], page)
	key, err := Decode("snapshots", next)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", key)

	page, next = ComputePage("snapshots", days[:3], 3, id)
	assert.Len(t, page, 3)
	assert.Empty(t, next)

	page, next = ComputePage("snapshots", days[:1], 3, id)
	assert.Len(t, page, 1)
	assert.Empty(t, next)
}
