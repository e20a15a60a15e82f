//go:build integration

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--port", "4222", "--http_port", "8222", "--js"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
		),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestKVStore_JetStream(t *testing.T) {
	url := startNATS(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.Mode = ModeNATS
	cfg.NATSURL = url

	store, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer store.Close()

	data, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, store.Save(ctx, []byte(`{"topics":["room.a"]}`)))

	// A second client sees the same bucket.
	other, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer other.Close()

	data, err = other.Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"topics":["room.a"]}`, string(data))
}
