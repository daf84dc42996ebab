package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowStartsEmpty(t *testing.T) {
	c := Now()
	assert.Equal(t, Version, c.Version)
	assert.Empty(t, c.Objects)
	assert.WithinDuration(t, time.Now(), c.Timestamp, time.Minute)
}

func TestUpdateObjectCursorBumpsTimestamp(t *testing.T) {
	seed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := FromTimestamp(seed)
	assert.Equal(t, seed, c.Since("companies"))

	id := "rec_9"
	last := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c.UpdateObjectCursor(ObjectCursor{Object: "companies", LastSync: last, LastRecordID: &id, LastBatchCount: 12})

	assert.True(t, c.Timestamp.After(seed))
	oc, ok := c.GetObjectCursor("companies")
	require.True(t, ok)
	assert.Equal(t, last, oc.LastSync)
	assert.Equal(t, "rec_9", *oc.LastRecordID)
	assert.Equal(t, last, c.Since("companies"))
	assert.Equal(t, seed, c.Since("people"))
}

func TestRoundTrip(t *testing.T) {
	c := FromTimestamp(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	id := "001xx"
	c.UpdateObjectCursor(ObjectCursor{Object: "Account", LastSync: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), LastRecordID: &id, LastBatchCount: 3})
	c.UpdateObjectCursor(ObjectCursor{Object: "companies", LastSync: time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)})

	text, err := c.Marshal()
	require.NoError(t, err)
	back, err := Unmarshal(text)
	require.NoError(t, err)

	assert.Equal(t, c.Version, back.Version)
	assert.True(t, c.Timestamp.Equal(back.Timestamp))
	assert.True(t, c.Seed.Equal(back.Seed))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), back.Since("people"))
	require.Len(t, back.Objects, 2)
	for name, oc := range c.Objects {
		got := back.Objects[name]
		assert.Equal(t, oc.Object, got.Object)
		assert.True(t, oc.LastSync.Equal(got.LastSync))
		assert.Equal(t, oc.LastRecordID, got.LastRecordID)
		assert.Equal(t, oc.LastBatchCount, got.LastBatchCount)
	}
}

func TestSinceKeepsSeedAfterUpdates(t *testing.T) {
	seed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := FromTimestamp(seed)
	c.UpdateObjectCursor(ObjectCursor{Object: "companies", LastSync: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)})
	c.UpdateObjectCursor(ObjectCursor{Object: "Account", LastSync: time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)})

	assert.Equal(t, seed, c.Seed)
	assert.Equal(t, seed, c.Since("people"))
	assert.Equal(t, seed, c.Clone().Since("people"))

	c.Reset("companies")
	assert.Equal(t, seed, c.Since("companies"))
	assert.Equal(t, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC), c.Since("Account"))
}

func TestUnmarshalWithoutSeedUsesTimestamp(t *testing.T) {
	c, err := Unmarshal(`{"timestamp":"2024-05-01T00:00:00Z","objects":{},"version":1}`)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), c.Since("companies"))
}

func TestUnmarshalRejectsUnknownVersion(t *testing.T) {
	_, err := Unmarshal(`{"timestamp":"2024-01-01T00:00:00Z","objects":{},"version":2}`)
	assert.Error(t, err)
	_, err = Unmarshal(`not json`)
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	c := Now()
	id := "a"
	c.UpdateObjectCursor(ObjectCursor{Object: "people", LastRecordID: &id})
	cp := c.Clone()
	cp.UpdateObjectCursor(ObjectCursor{Object: "deals"})
	*cp.Objects["people"].LastRecordID = "b"

	assert.Len(t, c.Objects, 1)
	assert.Equal(t, "a", *c.Objects["people"].LastRecordID)
}
