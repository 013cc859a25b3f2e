package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"castellan/core"

	"github.com/nats-io/nats.go"
)

// Default NATS subject prefixes. The instance id is appended.
const (
	DefaultCommandSubject = "castellan.commands"
	DefaultClaimSubject   = "castellan.claims"
	DefaultHealthSubject  = "castellan.health"
)

// NATSTransport sends control traffic as NATS request/reply on
// castellan.commands.<id>, castellan.claims.<id> and castellan.health.<id>.
type NATSTransport struct {
	conn *nats.Conn
}

// NewNATSTransport wraps an established connection. The caller owns conn.
func NewNATSTransport(conn *nats.Conn) *NATSTransport {
	return &NATSTransport{conn: conn}
}

func subject(prefix, id string) string {
	return prefix + "." + id
}

func (t *NATSTransport) request(ctx context.Context, subj string, body, out interface{}) error {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	msg, err := t.conn.RequestWithContext(ctx, subj, data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrInstanceUnreachable, subj, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("invalid reply on %s: %w", subj, err)
	}
	return nil
}

// SendCommand requests on castellan.commands.<id>
func (t *NATSTransport) SendCommand(ctx context.Context, inst *core.PipelineInstance, cmd core.InstanceCommand) (core.CommandResponse, error) {
	var resp core.CommandResponse
	err := t.request(ctx, subject(DefaultCommandSubject, inst.ID), cmd, &resp)
	return resp, err
}

// Claim requests on castellan.claims.<id>
func (t *NATSTransport) Claim(ctx context.Context, inst *core.PipelineInstance, req core.ClaimRequest) (core.ClaimResponse, error) {
	var resp core.ClaimResponse
	err := t.request(ctx, subject(DefaultClaimSubject, inst.ID), req, &resp)
	return resp, err
}

// CheckHealth requests on castellan.health.<id>
func (t *NATSTransport) CheckHealth(ctx context.Context, inst *core.PipelineInstance) (core.HealthCheckResult, error) {
	var result core.HealthCheckResult
	err := t.request(ctx, subject(DefaultHealthSubject, inst.ID), nil, &result)
	return result, err
}

var _ CommandTransport = (*NATSTransport)(nil)

// ServeNATS answers transport requests for one instance until the returned
// stop function is called.
func ServeNATS(conn *nats.Conn, instanceID string, h InstanceHandler) (stop func() error, err error) {
	var subs []*nats.Subscription
	stop = func() error {
		var first error
		for _, s := range subs {
			if err := s.Unsubscribe(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	reply := func(m *nats.Msg, v interface{}) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		_ = m.Respond(data)
	}

	handlers := map[string]nats.MsgHandler{
		subject(DefaultCommandSubject, instanceID): func(m *nats.Msg) {
			var cmd core.InstanceCommand
			if err := json.Unmarshal(m.Data, &cmd); err != nil {
				reply(m, core.CommandResponse{InstanceID: instanceID, Error: "invalid command: " + err.Error()})
				return
			}
			reply(m, h.HandleCommand(context.Background(), cmd))
		},
		subject(DefaultClaimSubject, instanceID): func(m *nats.Msg) {
			var req core.ClaimRequest
			if err := json.Unmarshal(m.Data, &req); err != nil {
				reply(m, core.ClaimResponse{InstanceID: instanceID, Error: "invalid claim: " + err.Error()})
				return
			}
			reply(m, h.HandleClaim(context.Background(), req))
		},
		subject(DefaultHealthSubject, instanceID): func(m *nats.Msg) {
			reply(m, h.Health(context.Background()))
		},
	}

	for subj, handler := range handlers {
		s, err := conn.Subscribe(subj, handler)
		if err != nil {
			_ = stop()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subj, err)
		}
		subs = append(subs, s)
	}
	if err := conn.Flush(); err != nil {
		_ = stop()
		return nil, fmt.Errorf("failed to flush subscriptions: %w", err)
	}
	return stop, nil
}
