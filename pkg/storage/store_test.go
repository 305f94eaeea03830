package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, name string, s Store) {
	t.Run(name+"/insert and get", func(t *testing.T) {
		c := s.Collection("t_basic_" + name)
		doc, err := NewDocument("a", map[string]string{"v": "1"})
		require.NoError(t, err)

		stored, err := c.Insert(doc)
		require.NoError(t, err)
		assert.NotEmpty(t, stored.Rev)

		got, err := c.Get("a")
		require.NoError(t, err)
		assert.Equal(t, stored.Rev, got.Rev)
		assert.JSONEq(t, `{"v":"1"}`, string(got.Data))

		_, err = c.Get("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run(name+"/optimistic locking", func(t *testing.T) {
		c := s.Collection("t_lock_" + name)
		doc, _ := NewDocument("a", map[string]string{"v": "1"})
		first, err := c.Insert(doc)
		require.NoError(t, err)

		// writer with the current revision succeeds
		first.Data = []byte(`{"v":"2"}`)
		second, err := c.Update(first)
		require.NoError(t, err)
		assert.NotEqual(t, first.Rev, second.Rev)

		// writer still holding the old revision fails
		stale := &Document{Key: "a", Rev: first.Rev, Data: []byte(`{"v":"3"}`)}
		_, err = c.Update(stale)
		assert.ErrorIs(t, err, ErrStaleRevision)

		// update of a missing document reports not found
		gone := &Document{Key: "missing", Rev: "whatever", Data: []byte(`{}`)}
		_, err = c.Update(gone)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run(name+"/save falls back to insert", func(t *testing.T) {
		c := s.Collection("t_save_" + name)
		doc := &Document{Key: "a", Rev: "stale-rev-of-deleted", Data: []byte(`{}`)}
		stored, err := Save(c, doc)
		require.NoError(t, err)
		assert.NotEmpty(t, stored.Rev)
	})

	t.Run(name+"/keys all delete truncate", func(t *testing.T) {
		c := s.Collection("t_bulk_" + name)
		docs := []*Document{
			{Key: "b", Data: []byte(`{"n":2}`)},
			{Key: "a", Data: []byte(`{"n":1}`)},
			{Key: "c", Data: []byte(`{"n":3}`)},
		}
		require.NoError(t, c.InsertMany(docs, true))

		keys, err := c.Keys()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, keys)

		all, err := c.All()
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a", all[0].Key)

		// insert many without overwrite keeps existing values
		require.NoError(t, c.InsertMany([]*Document{{Key: "a", Data: []byte(`{"n":9}`)}}, false))
		got, err := c.Get("a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(got.Data))

		require.NoError(t, c.Delete("b"))
		require.NoError(t, c.Delete("b")) // deleting twice is a no-op
		keys, _ = c.Keys()
		assert.Equal(t, []string{"a", "c"}, keys)

		require.NoError(t, c.Truncate())
		keys, _ = c.Keys()
		assert.Empty(t, keys)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, "memory", NewMemoryStore())
}

func TestBoltStore(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	testStore(t, "bolt", s)
}

func TestEqualJSON(t *testing.T) {
	assert.True(t, EqualJSON([]byte(`{"a": 1}`), []byte(`{"a":1}`)))
	assert.False(t, EqualJSON([]byte(`{"a":1}`), []byte(`{"a":2}`)))
}
