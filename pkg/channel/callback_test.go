package channel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

func TestMultiCallbackAddRemove(t *testing.T) {
	var mc MultiCallback
	var calls []string

	removeA := mc.Add(func(m *wire.Msg) bool {
		calls = append(calls, "a:"+m.ID)
		return false
	})
	mc.Add(func(m *wire.Msg) bool {
		calls = append(calls, "b:"+m.ID)
		return true
	})

	assert.True(t, mc.Dispatch(&wire.Msg{ID: "1"}))
	removeA()
	assert.True(t, mc.Dispatch(&wire.Msg{ID: "2"}))
	assert.Equal(t, []string{"a:1", "b:1", "b:2"}, calls)
	assert.Equal(t, 1, mc.Len())
}

func TestRegisterClosedChannel(t *testing.T) {
	done := make(chan struct{})
	reg := NewRegister(done, nil)
	slot := reg.Expect("t")
	close(done)

	_, err := reg.Wait(context.Background(), "t", slot)
	assert.ErrorIs(t, err, perr.ErrChannelClosed)
	assert.Zero(t, reg.Pending())
}

func TestRegisterTransactionID(t *testing.T) {
	reg := NewRegister(nil, nil)
	slot := reg.Expect("qs-1")
	require.True(t, reg.Dispatch(&wire.Msg{Type: wire.QSelect, TransactionID: "qs-1"}))
	m, err := reg.Wait(context.Background(), "qs-1", slot)
	require.NoError(t, err)
	assert.Equal(t, wire.QSelect, m.Type)
}

func TestCounter(t *testing.T) {
	c := NewCounter("up")
	assert.Equal(t, "up-0", c.Next())
	assert.Equal(t, "up-1", c.Next())
	assert.NotEmpty(t, NewCounter("").Next())
}
