package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/ajitpratap0/snowpool"

// Attribute keys from the OTel database client semantic conventions.
const (
	attrKeyPoolName = "db.client.connection.pool.name"
	attrKeyState    = "db.client.connection.state"
)

// ConnectionState is the value of the db.client.connection.state attribute.
type ConnectionState string

const (
	StateIdle ConnectionState = "idle"
	StateUsed ConnectionState = "used"
)

// ConnectionCount wraps the db.client.connection.count up-down counter.
type ConnectionCount struct {
	counter metric.Int64UpDownCounter
}

// NewConnectionCount creates the instrument on m.
func NewConnectionCount(m metric.Meter) (ConnectionCount, error) {
	counter, err := m.Int64UpDownCounter(
		"db.client.connection.count",
		metric.WithDescription("The number of connections that are currently in state described by the state attribute."),
		metric.WithUnit("{connection}"),
	)
	return ConnectionCount{counter: counter}, err
}

// Add records a connection count change for the given pool and state.
func (c ConnectionCount) Add(ctx context.Context, delta int64, poolName string, state ConnectionState) {
	if c.counter == nil || delta == 0 {
		return
	}
	c.counter.Add(ctx, delta, metric.WithAttributes(
		attribute.String(attrKeyPoolName, poolName),
		attribute.String(attrKeyState, string(state)),
	))
}
