package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcputter/resoto/pkg/bus"
	"github.com/jcputter/resoto/pkg/storage"
	"github.com/jcputter/resoto/pkg/workq"
)

func newConfigEnv(t *testing.T) (*Service, *workq.Queue, *bus.Bus, *bus.Subscription) {
	t.Helper()
	store := storage.NewMemoryStore()
	queue := workq.NewQueue()
	b := bus.NewBus()
	service := NewService(store, queue, b)
	msgs := b.Subscribe("test_observer", nil)
	t.Cleanup(msgs.Close)
	return service, queue, b, msgs
}

func expectEvent(t *testing.T, msgs *bus.Subscription, messageType string) *bus.Event {
	t.Helper()
	select {
	case msg := <-msgs.C:
		ev, ok := msg.(*bus.Event)
		require.True(t, ok)
		require.Equal(t, messageType, ev.MessageType)
		return ev
	case <-time.After(time.Second):
		t.Fatalf("event %s did not arrive", messageType)
		return nil
	}
}

func TestPutGetDeleteConfig(t *testing.T) {
	service, _, _, msgs := newConfigEnv(t)
	ctx := context.Background()

	stored, err := service.PutConfig(ctx, &Entity{ID: "collector", Config: bus.Json{"accounts": []interface{}{"a"}}}, true)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Revision)
	ev := expectEvent(t, msgs, bus.MessageConfigUpdated)
	assert.Equal(t, "collector", ev.Data["id"])
	assert.Equal(t, stored.Revision, ev.Data["revision"])

	got, err := service.GetConfig("collector")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stored.Revision, got.Revision)

	ids, err := service.ListConfigIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"collector"}, ids)

	require.NoError(t, service.DeleteConfig("collector"))
	expectEvent(t, msgs, bus.MessageConfigDeleted)
	got, err = service.GetConfig("collector")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutUnchangedConfigIsNoop(t *testing.T) {
	service, _, _, msgs := newConfigEnv(t)
	ctx := context.Background()

	first, err := service.PutConfig(ctx, &Entity{ID: "c", Config: bus.Json{"a": 1}}, true)
	require.NoError(t, err)
	expectEvent(t, msgs, bus.MessageConfigUpdated)

	second, err := service.PutConfig(ctx, &Entity{ID: "c", Config: bus.Json{"a": 1}}, true)
	require.NoError(t, err)
	assert.Equal(t, first.Revision, second.Revision)
	select {
	case msg := <-msgs.C:
		t.Fatalf("no event expected, got %s", msg.Type())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPutStaleRevisionFails(t *testing.T) {
	service, _, _, _ := newConfigEnv(t)
	ctx := context.Background()

	first, err := service.PutConfig(ctx, &Entity{ID: "c", Config: bus.Json{"a": 1}}, true)
	require.NoError(t, err)
	_, err = service.PutConfig(ctx, &Entity{ID: "c", Config: bus.Json{"a": 2}, Revision: first.Revision}, true)
	require.NoError(t, err)

	// the first revision is stale now
	_, err = service.PutConfig(ctx, &Entity{ID: "c", Config: bus.Json{"a": 3}, Revision: first.Revision}, true)
	assert.ErrorIs(t, err, storage.ErrStaleRevision)
}

func TestModelCoercion(t *testing.T) {
	service, _, _, _ := newConfigEnv(t)
	ctx := context.Background()

	_, err := service.UpdateConfigsModel([]Kind{
		ComplexKind{KindName: "section", Properties: []Property{
			{Name: "timeout", Kind: "duration", Description: "How long to wait"},
			{Name: "enabled", Kind: "boolean"},
		}},
	})
	require.NoError(t, err)

	// coercion rewrites the duration into canonical form
	stored, err := service.PutConfig(ctx, &Entity{ID: "c", Config: bus.Json{
		"section": map[string]interface{}{"timeout": "90s", "enabled": true},
	}}, true)
	require.NoError(t, err)
	section := stored.Config["section"].(map[string]interface{})
	assert.Equal(t, "1m30s", section["timeout"])

	// an invalid value names the offending section
	_, err = service.PutConfig(ctx, &Entity{ID: "c", Config: bus.Json{
		"section": map[string]interface{}{"timeout": "not a duration"},
	}}, true)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Reason, "section")
}

func TestPatchConfigDeepMerges(t *testing.T) {
	service, _, _, _ := newConfigEnv(t)
	ctx := context.Background()

	_, err := service.PutConfig(ctx, &Entity{ID: "c", Config: bus.Json{
		"api": map[string]interface{}{"port": 8900, "hosts": []interface{}{"localhost"}},
	}}, true)
	require.NoError(t, err)

	patched, err := service.PatchConfig(ctx, &Entity{ID: "c", Config: bus.Json{
		"api": map[string]interface{}{"port": 9000},
		"cli": map[string]interface{}{"default_graph": "resoto"},
	}})
	require.NoError(t, err)

	api := patched.Config["api"].(map[string]interface{})
	assert.Equal(t, 9000, api["port"])
	assert.Equal(t, []interface{}{"localhost"}, api["hosts"])
	assert.Contains(t, patched.Config, "cli")
}

func TestExternalValidationRejectsPut(t *testing.T) {
	service, queue, _, msgs := newConfigEnv(t)
	ctx := context.Background()

	_, err := service.PutValidation(&Validation{ID: "guarded", ExternalValidation: true})
	require.NoError(t, err)

	// a worker that rejects every change
	handle, err := queue.Attach("validator", []workq.Description{{Name: workq.TaskValidateConfig}})
	require.NoError(t, err)
	defer handle.Detach()
	go func() {
		for task := range handle.C {
			_ = queue.Error("validator", task.ID, "bad value")
		}
	}()

	_, err = service.PutConfig(ctx, &Entity{ID: "guarded", Config: bus.Json{"a": 1}}, true)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Reason, "bad value")

	// nothing stored, no update event
	got, err := service.GetConfig("guarded")
	require.NoError(t, err)
	assert.Nil(t, got)
	select {
	case msg := <-msgs.C:
		t.Fatalf("no event expected, got %s", msg.Type())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExternalValidationAcceptsPut(t *testing.T) {
	service, queue, _, _ := newConfigEnv(t)
	ctx := context.Background()

	_, err := service.PutValidation(&Validation{ID: "guarded", ExternalValidation: true})
	require.NoError(t, err)

	handle, err := queue.Attach("validator", []workq.Description{{Name: workq.TaskValidateConfig}})
	require.NoError(t, err)
	defer handle.Detach()
	go func() {
		for task := range handle.C {
			_ = queue.Acknowledge("validator", task.ID, nil)
		}
	}()

	stored, err := service.PutConfig(ctx, &Entity{ID: "guarded", Config: bus.Json{"a": 1}}, true)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Revision)
}

func TestConfigYAML(t *testing.T) {
	service, _, _, _ := newConfigEnv(t)
	ctx := context.Background()

	_, err := service.UpdateConfigsModel([]Kind{
		ComplexKind{KindName: "section", Properties: []Property{
			{Name: "port", Kind: "int32", Description: "The port to use"},
			{Name: "host", Kind: "string"},
		}},
	})
	require.NoError(t, err)

	stored, err := service.PutConfig(ctx, &Entity{ID: "c", Config: bus.Json{
		"section": map[string]interface{}{"port": 8900, "host": "localhost"},
		"plain":   "value",
	}}, true)
	require.NoError(t, err)

	out, err := service.ConfigYAML("c", false)
	require.NoError(t, err)
	assert.Contains(t, out, "section:")
	assert.Contains(t, out, "# The port to use")
	assert.Contains(t, out, "port: 8900")
	assert.Contains(t, out, "plain: value")
	assert.NotContains(t, out, "_revision")

	// schema order puts port before host
	assert.Less(t, strings.Index(out, "port:"), strings.Index(out, "host:"))

	withRev, err := service.ConfigYAML("c", true)
	require.NoError(t, err)
	assert.Contains(t, withRev, `_revision: "`+stored.Revision+`"`)

	missing, err := service.ConfigYAML("missing", true)
	require.NoError(t, err)
	assert.Empty(t, missing)
}
