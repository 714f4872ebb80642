package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/evalfarm/pkg/logging"
)

func quietManager() *Manager {
	return New(time.Second, logging.NewLogger(logging.FATAL, false))
}

func TestShutdownRunsHooksInReverse(t *testing.T) {
	m := quietManager()
	var order []string
	m.Register("store", func(ctx context.Context) error {
		order = append(order, "store")
		return nil
	})
	m.Register("server", func(ctx context.Context) error {
		order = append(order, "server")
		return nil
	})

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"server", "store"}, order)

	select {
	case <-m.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestShutdownJoinsErrors(t *testing.T) {
	m := quietManager()
	boom := errors.New("boom")
	m.Register("bad", func(ctx context.Context) error { return boom })
	m.Register("good", func(ctx context.Context) error { return nil })

	err := m.Shutdown()
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "bad")
}

func TestContextCancelledByTrigger(t *testing.T) {
	m := quietManager()
	ctx, cancel := m.Context(context.Background())
	defer cancel()

	m.Trigger()
	m.Trigger()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context should be cancelled after trigger")
	}
}

type closer struct{ closed bool }

func (c *closer) Close() error {
	c.closed = true
	return nil
}

func TestCloseResource(t *testing.T) {
	c := &closer{}
	require.NoError(t, CloseResource(c)(context.Background()))
	assert.True(t, c.closed)
}
