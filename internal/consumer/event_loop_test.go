package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/douxiyou/vita-monit/internal/broker"
	"github.com/douxiyou/vita-monit/internal/registry"
)

var _ broker.EventHandler = (*EventLoop)(nil)

type recordingProcessor struct {
	mu    sync.Mutex
	calls []string
}

func (p *recordingProcessor) add(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, s)
}

func (p *recordingProcessor) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *recordingProcessor) HandleConnect(clientID string) { p.add("connect " + clientID) }

func (p *recordingProcessor) HandlePublish(clientID, topic string, payload []byte) {
	if string(payload) == "panic" {
		panic("malformed")
	}
	p.add("publish " + clientID + " " + string(payload))
}

func (p *recordingProcessor) HandleDisconnect(clientID string) { p.add("disconnect " + clientID) }

func TestEventLoop_ProcessesInOrder(t *testing.T) {
	p := &recordingProcessor{}
	loop := NewEventLoop(p, 16, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	loop.OnConnect("dev")
	loop.OnPublish("dev", "uplink", []byte("a"))
	loop.OnPublish("dev", "uplink", []byte("b"))
	loop.OnDisconnect("dev")

	require.Eventually(t, func() bool { return len(p.snapshot()) == 4 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"connect dev", "publish dev a", "publish dev b", "disconnect dev"}, p.snapshot())
}

func TestEventLoop_RecoversFromPanic(t *testing.T) {
	p := &recordingProcessor{}
	loop := NewEventLoop(p, 16, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	loop.OnPublish("dev", "uplink", []byte("panic"))
	loop.OnPublish("dev", "uplink", []byte("after"))

	require.Eventually(t, func() bool { return len(p.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"publish dev after"}, p.snapshot())
}

func TestEventLoop_CopiesPayload(t *testing.T) {
	p := &recordingProcessor{}
	loop := NewEventLoop(p, 16, nil, zap.NewNop())

	buf := []byte("x")
	loop.OnPublish("dev", "uplink", buf)
	buf[0] = 'y'

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	require.Eventually(t, func() bool { return len(p.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "publish dev x", p.snapshot()[0])
}

func TestEventLoop_DropsAfterStop(t *testing.T) {
	p := &recordingProcessor{}
	loop := NewEventLoop(p, 1, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			loop.OnConnect("dev")
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked after the loop stopped")
	}
}

func TestEventLoop_DrivesBridge(t *testing.T) {
	f := newBridgeFixture(t)
	loop := NewEventLoop(f.bridge, 16, f.metrics, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	loop.OnConnect(testClientID)
	loop.OnPublish(testClientID, "uplink", healthFrame(60, true))
	loop.OnDisconnect(testClientID)

	require.Eventually(t, func() bool {
		rec, ok := f.registry.Get("a1:b2:c3:d4:e5:f6")
		return ok && rec.Status == registry.StatusOffline
	}, time.Second, 10*time.Millisecond)

	rec, _ := f.registry.Get("a1:b2:c3:d4:e5:f6")
	assert.Equal(t, 72, rec.LastHealth.HeartRate)
}
