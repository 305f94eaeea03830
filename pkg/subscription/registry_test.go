package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcputter/resoto/pkg/storage"
)

func newRegistry(t *testing.T) (*Registry, storage.Store) {
	store := storage.NewMemoryStore()
	r, err := NewRegistry(store)
	require.NoError(t, err)
	return r, store
}

func TestAddAndGetSubscription(t *testing.T) {
	r, _ := newRegistry(t)

	sub, err := r.AddSubscription("sub_1", "collect", true, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ID)
	require.Contains(t, sub.Subscriptions, "collect")
	assert.True(t, sub.Subscriptions["collect"].WaitForCompletion)

	// a message type appears at most once per subscriber
	sub, err = r.AddSubscription("sub_1", "collect", false, time.Minute)
	require.NoError(t, err)
	assert.Len(t, sub.Subscriptions, 1)
	assert.False(t, sub.Subscriptions["collect"].WaitForCompletion)
}

func TestSubscribersForOrdering(t *testing.T) {
	r, _ := newRegistry(t)

	for _, id := range []string{"sub_c", "sub_a", "sub_b"} {
		_, err := r.AddSubscription(id, "collect", true, time.Minute)
		require.NoError(t, err)
	}
	_, err := r.AddSubscription("sub_d", "cleanup", true, time.Minute)
	require.NoError(t, err)

	subs := r.SubscribersFor("collect")
	require.Len(t, subs, 3)
	assert.Equal(t, "sub_a", subs[0].ID)
	assert.Equal(t, "sub_b", subs[1].ID)
	assert.Equal(t, "sub_c", subs[2].ID)

	assert.Empty(t, r.SubscribersFor("unknown"))
}

func TestRemoveSubscription(t *testing.T) {
	r, _ := newRegistry(t)

	_, err := r.AddSubscription("sub_1", "collect", true, time.Minute)
	require.NoError(t, err)
	_, err = r.AddSubscription("sub_1", "cleanup", true, time.Minute)
	require.NoError(t, err)

	sub, err := r.RemoveSubscription("sub_1", "collect")
	require.NoError(t, err)
	assert.NotContains(t, sub.Subscriptions, "collect")

	// dropping the last subscription evicts the subscriber
	sub, err = r.RemoveSubscription("sub_1", "cleanup")
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.Nil(t, r.Get("sub_1"))
}

func TestPersistenceAcrossRestart(t *testing.T) {
	r, store := newRegistry(t)
	_, err := r.AddSubscription("sub_1", "collect", true, time.Minute)
	require.NoError(t, err)

	restarted, err := NewRegistry(store)
	require.NoError(t, err)
	sub := restarted.Get("sub_1")
	require.NotNil(t, sub)
	assert.Contains(t, sub.Subscriptions, "collect")
	assert.NotEmpty(t, sub.Revision())
}

func TestUpdateReplacesSubscriptions(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.AddSubscription("sub_1", "collect", true, time.Minute)
	require.NoError(t, err)

	sub, err := r.Update("sub_1", []Subscription{
		{MessageType: "cleanup", WaitForCompletion: true, Timeout: time.Minute},
	})
	require.NoError(t, err)
	assert.NotContains(t, sub.Subscriptions, "collect")
	assert.Contains(t, sub.Subscriptions, "cleanup")
}
