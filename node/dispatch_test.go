package node

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchUnderflowIsNotAFault(t *testing.T) {
	handled, fault := dispatch(&fakeConn{id: 1}, eventData, func(Conn) (bool, error) {
		return false, fmt.Errorf("parse: %w", ErrUnderflow)
	})
	assert.False(t, handled)
	assert.Nil(t, fault)
}

func TestDispatchError(t *testing.T) {
	boom := errors.New("boom")
	_, fault := dispatch(&fakeConn{id: 7}, eventConnect, func(Conn) (bool, error) {
		return false, boom
	})
	require.NotNil(t, fault)
	assert.Equal(t, uint64(7), fault.ConnID)
	assert.Equal(t, eventConnect, fault.Event)
	assert.ErrorIs(t, fault, boom)
	assert.Nil(t, fault.Panic)
}

func TestDispatchRecoversPanic(t *testing.T) {
	handled, fault := dispatch(&fakeConn{id: 3}, eventData, func(Conn) (bool, error) {
		panic("kaboom")
	})
	assert.False(t, handled)
	require.NotNil(t, fault)
	assert.Equal(t, "kaboom", fault.Panic)
	assert.Contains(t, fault.Error(), "panicked: kaboom")
}

func TestDispatchHandled(t *testing.T) {
	handled, fault := dispatch(&fakeConn{}, eventIdleTimeout, func(Conn) (bool, error) {
		return true, nil
	})
	assert.True(t, handled)
	assert.Nil(t, fault)
}
