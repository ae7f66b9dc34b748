package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/uhn-gateway/internal/model"
	"github.com/fisaks/uhn-gateway/internal/retryqueue"
)

func TestStartWiresEveryComponentAndStopReturns(t *testing.T) {
	dir := t.TempDir()

	gw, err := New(Options{
		ConfigDir:        dir,
		ObsQueueCapacity: 10,
		RetryQueueOpt:    retryqueue.Options{Capacity: 10},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, gw.Start(ctx))

	assert.NotNil(t, gw.Store)
	assert.NotNil(t, gw.ObsQ)
	assert.NotNil(t, gw.RetryQ)
	assert.NotNil(t, gw.Net)
	assert.NotNil(t, gw.Mem)
	assert.NotNil(t, gw.RTU)
	assert.NotNil(t, gw.TCP)
	assert.NotNil(t, gw.MQTT)
	assert.NotNil(t, gw.HTTP)
	assert.NotNil(t, gw.Cmd)

	// A command routed through C8 should reach C1 and be visible again
	// immediately (spec §4.9's cross-component wiring), proving the
	// processor was actually registered against this gateway's store
	// rather than a disconnected one.
	payload, err := json.Marshal(map[string]any{
		"name":              "pump-1",
		"protocol":          "tcp",
		"ip_address":        "10.0.0.5",
		"port":              502,
		"slave_unit_id":     1,
		"refresh_period_ms": 1000,
		"timeout_ms":        500,
		"retry_count":       2,
	})
	require.NoError(t, err)

	resp := gw.Cmd.Execute(ctx, model.CommandEnvelope{
		Op:      "create",
		Type:    "device",
		Payload: payload,
	})
	assert.Equal(t, "ok", resp.Status)

	ids, err := gw.Store.ListDevices()
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	stopped := make(chan struct{})
	go func() {
		gw.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return within 5s")
	}
}
