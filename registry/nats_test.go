package registry

import (
	"context"
	"testing"
	"time"

	"castellan/core"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSTransport(t *testing.T) {
	conn, err := nats.Connect(nats.DefaultURL, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skip("NATS server not available, skipping test")
	}
	defer conn.Close()

	stub := &stubInstance{id: "nats-1"}
	stop, err := ServeNATS(conn, "nats-1", stub)
	require.NoError(t, err)
	defer stop()

	r, _ := newTestRegistry(t, Config{PollHealth: true}, NewNATSTransport(conn), nil)
	ctx := context.Background()
	require.NoError(t, r.RegisterInstance(ctx, &core.PipelineInstance{ID: "nats-1", Address: "nats://nats-1", Capacity: 10}))

	r.RunHealthChecks(ctx)
	inst, err := r.GetInstance("nats-1")
	require.NoError(t, err)
	assert.Equal(t, core.HealthHealthy, inst.Status)

	resp := r.SendCommand(ctx, "nats-1", core.InstanceCommand{Type: core.CommandDrain})
	assert.True(t, resp.Success, resp.Error)

	claim, err := r.Claim(ctx, "nats-1", &core.QueuedEvent{Event: core.NewLogEvent("test", "login")})
	require.NoError(t, err)
	assert.True(t, claim.Accepted)
}

func TestNATSSubjects(t *testing.T) {
	assert.Equal(t, "castellan.commands.inst-7", subject(DefaultCommandSubject, "inst-7"))
	assert.Equal(t, "castellan.claims.inst-7", subject(DefaultClaimSubject, "inst-7"))
}
