//go:build integration

package changelog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/avaast/appview/internal/watcher"
)

// setupPostgresContainer starts a real PostgreSQL container for the Change Log
// integration tests.
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "appview",
			"POSTGRES_PASSWORD": "appview",
			"POSTGRES_DB":       "appview",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=appview password=appview dbname=appview sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}

	return dsn, cleanup
}

func TestLogAppendAndQueryAgainstRealPostgres(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	log, err := Open(dsn)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, log.Append(ctx, watcher.Event{
		Op:          watcher.OpCreate,
		Collection:  "chat.pirate.avast.message",
		RecordKey:   "msg1",
		AuthorityID: "did:web:crew",
		Body:        []byte(`{"text":"ahoy"}`),
	}))
	require.NoError(t, log.Append(ctx, watcher.Event{
		Op:          watcher.OpUpdate,
		Collection:  "chat.pirate.avast.message",
		RecordKey:   "msg1",
		AuthorityID: "did:web:crew",
		Body:        []byte(`{"text":"avast"}`),
	}))
	require.NoError(t, log.Append(ctx, watcher.Event{
		Op:          watcher.OpCreate,
		Collection:  "chat.pirate.avast.user",
		RecordKey:   "u1",
		AuthorityID: "did:web:crew",
		Body:        []byte(`{"displayName":"Blackbeard"}`),
	}))

	entries, err := log.Query(ctx, Filter{Collection: "chat.pirate.avast.message", AuthorityID: "did:web:crew"})
	require.NoError(t, err)
	require.Len(t, entries, 2, "only the message collection's two entries should match")

	// Query orders by createdAt DESC, so the update comes first.
	assert.Equal(t, "update", entries[0].EventType)
	assert.Equal(t, "create", entries[1].EventType)

	updates, err := log.Query(ctx, Filter{Collection: "chat.pirate.avast.message", EventType: "update"})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "msg1", updates[0].RecordKey)
}

func TestLogPruneRemovesOldEntries(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	log, err := Open(dsn)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, log.Append(ctx, watcher.Event{
		Op:          watcher.OpCreate,
		Collection:  "chat.pirate.avast.message",
		RecordKey:   "msg1",
		AuthorityID: "did:web:crew",
		Body:        []byte(`{"text":"ahoy"}`),
	}))

	pruned, err := log.Prune(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	entries, err := log.Query(ctx, Filter{Collection: "chat.pirate.avast.message"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
