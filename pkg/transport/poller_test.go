package transport_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fmq-go/fmq/pkg/transport"
	"github.com/fmq-go/fmq/pkg/transport/mocks"
)

func newItem(t *testing.T, kind transport.Kind, typ transport.SocketType, ready func() transport.Readiness) *mocks.MockPollable {
	m := mocks.NewMockPollable(t)
	m.EXPECT().Kind().Return(kind).Maybe()
	m.EXPECT().Type().Return(typ).Maybe()
	m.EXPECT().Readiness().RunAndReturn(ready).Maybe()
	m.EXPECT().Notify(mock.Anything).Return().Maybe()
	m.EXPECT().StopNotify(mock.Anything).Return().Maybe()
	return m
}

func idle() transport.Readiness { return transport.Readiness{} }

func TestPollZeroDoesNotBlock(t *testing.T) {
	p, err := transport.NewPoller(nil,
		newItem(t, transport.KindSocket, transport.Pull, idle),
		newItem(t, transport.KindSocket, transport.Sub, idle),
	)
	require.NoError(t, err)
	defer p.Close()

	fastest := time.Hour
	for i := 0; i < 20; i++ {
		start := time.Now()
		ready, err := p.Poll(0)
		elapsed := time.Since(start)
		require.NoError(t, err)
		assert.Empty(t, ready)
		if elapsed < fastest {
			fastest = elapsed
		}
	}
	assert.Less(t, fastest, time.Millisecond)
}

func TestPollRegistrationOrder(t *testing.T) {
	in := func() transport.Readiness { return transport.Readiness{In: true} }
	p, err := transport.NewPoller(nil,
		newItem(t, transport.KindSocket, transport.Pull, in),
		newItem(t, transport.KindSocket, transport.Pull, idle),
		newItem(t, transport.KindSocket, transport.Pair, func() transport.Readiness {
			return transport.Readiness{In: true, Out: true}
		}),
		// Readable state on a send-only pattern is not interesting.
		newItem(t, transport.KindSocket, transport.Push, in),
	)
	require.NoError(t, err)

	ready, err := p.Poll(-1)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, 0, ready[0].Index)
	assert.Equal(t, 2, ready[1].Index)

	assert.True(t, p.CheckInput(0))
	assert.False(t, p.CheckInput(1))
	assert.True(t, p.CheckOutput(2))
	assert.False(t, p.CheckInput(3))
	assert.False(t, p.CheckInput(7))
}

func TestPollWakesOnNotify(t *testing.T) {
	var ready atomic.Bool
	var wake chan<- struct{}
	registered := make(chan struct{})

	m := mocks.NewMockPollable(t)
	m.EXPECT().Kind().Return(transport.KindSocket).Maybe()
	m.EXPECT().Type().Return(transport.Pull).Maybe()
	m.EXPECT().Readiness().RunAndReturn(func() transport.Readiness {
		return transport.Readiness{In: ready.Load()}
	}).Maybe()
	m.EXPECT().Notify(mock.Anything).Run(func(ch chan<- struct{}) {
		wake = ch
		close(registered)
	}).Return().Once()

	p, err := transport.NewPoller(nil, m)
	require.NoError(t, err)
	<-registered

	go func() {
		time.Sleep(20 * time.Millisecond)
		ready.Store(true)
		wake <- struct{}{}
	}()

	got, err := p.Poll(2000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].In)
}

func TestPollTimeout(t *testing.T) {
	p, err := transport.NewPoller(nil, newItem(t, transport.KindSocket, transport.Pull, idle))
	require.NoError(t, err)

	start := time.Now()
	ready, err := p.Poll(30)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPollInterrupt(t *testing.T) {
	shared := transport.NewInterrupter()
	p, err := transport.NewPoller(shared, newItem(t, transport.KindSocket, transport.Pull, idle))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Poll(-1)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	p.Interrupt()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, transport.ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("Poll(-1) not woken by Interrupt")
	}

	shared.Interrupt()
	_, err = p.Poll(-1)
	assert.ErrorIs(t, err, transport.ErrInterrupted)
	shared.Resume()
	_, err = p.Poll(0)
	assert.NoError(t, err)
}

func TestResumeClearsPendingInterrupt(t *testing.T) {
	shared := transport.NewInterrupter()
	p, err := transport.NewPoller(shared, newItem(t, transport.KindSocket, transport.Pull, idle))
	require.NoError(t, err)
	defer p.Close()

	// Interrupt with no Poll running, then resume the factory.
	p.Interrupt()
	shared.Interrupt()
	shared.Resume()

	ready, err := p.Poll(20)
	require.NoError(t, err, "stale interrupt survived Resume")
	assert.Empty(t, ready)

	// Without a Resume the pending interrupt still reaches the next Poll.
	p.Interrupt()
	_, err = p.Poll(-1)
	assert.ErrorIs(t, err, transport.ErrInterrupted)
}

func TestNewPollerRejectsMixedKinds(t *testing.T) {
	_, err := transport.NewPoller(nil,
		newItem(t, transport.KindSocket, transport.Pull, idle),
		newItem(t, transport.KindShmem, transport.Pull, idle),
	)
	assert.ErrorIs(t, err, transport.ErrInvalidChannelSet)

	_, err = transport.NewPoller(nil)
	assert.ErrorIs(t, err, transport.ErrInvalidChannelSet)
}
