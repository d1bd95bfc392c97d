package outbox

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/model"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()

	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	log := logger.NewLogger(&config.Config{LogLevel: "error", LogFormat: "console"})
	o := New(db, log)

	require.NoError(t, o.EnsureSchema(context.Background()))

	return o
}

func sampleMessage(id, channel string) model.Message {
	return model.Message{
		Id:        id,
		Channel:   channel,
		Priority:  model.PriorityNormal,
		TypeTag:   "test",
		Payload:   []byte("payload-" + id),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func Test_Outbox_StoreAndGetPending(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	require.NoError(t, o.Store(ctx, sampleMessage("m1", "ghost:events")))
	require.NoError(t, o.Store(ctx, sampleMessage("m2", "ghost:events")))

	pending, err := o.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "m1", pending[0].Id)
}

func Test_Outbox_GetPending_RespectsBatchSize(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, o.Store(ctx, sampleMessage(string(rune('a'+i)), "ghost:events")))
	}

	pending, err := o.GetPending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func Test_Outbox_MarkProcessed_ExcludesFromPending(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	require.NoError(t, o.Store(ctx, sampleMessage("m1", "ghost:events")))
	require.NoError(t, o.MarkProcessed(ctx, "m1"))

	pending, err := o.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func Test_Outbox_GetByChannelPattern(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	require.NoError(t, o.Store(ctx, sampleMessage("m1", "ghost:metrics:proc-1")))
	require.NoError(t, o.Store(ctx, sampleMessage("m2", "ghost:events")))

	matches, err := o.GetByChannelPattern(ctx, "ghost:metrics:*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "m1", matches[0].Id)
}

func Test_Outbox_CleanupExpired(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	expired := sampleMessage("m1", "ghost:events")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, o.Store(ctx, expired))
	require.NoError(t, o.Store(ctx, sampleMessage("m2", "ghost:events")))

	n, err := o.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := o.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m2", pending[0].Id)
}

func Test_Outbox_Store_IsIdempotent(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	msg := sampleMessage("dup", "ghost:events")
	require.NoError(t, o.Store(ctx, msg))
	require.NoError(t, o.Store(ctx, msg))

	pending, err := o.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
