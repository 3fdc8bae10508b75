package eventloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSocket struct {
	polls atomic.Int64
}

func (s *countingSocket) Poll() {
	s.polls.Add(1)
}

type panickingSocket struct{}

func (panickingSocket) Poll() {
	panic("boom")
}

func TestLoop_StartStop_NonBlocking(t *testing.T) {
	l := New()
	sock := &countingSocket{}
	l.Manager().Attach(sock)

	l.Start(false, 5*time.Millisecond)
	require.Eventually(t, func() bool { return l.Running() }, 100*time.Millisecond, time.Millisecond)
	require.Eventually(t, func() bool { return sock.polls.Load() > 0 }, 200*time.Millisecond, time.Millisecond)

	l.Stop()
	assert.False(t, l.Running())
}

func TestLoop_Start_IdempotentWhenAlreadyRunning(t *testing.T) {
	l := New()
	l.Start(false, 5*time.Millisecond)
	defer l.Stop()

	require.Eventually(t, func() bool { return l.Running() }, 100*time.Millisecond, time.Millisecond)

	// second Start must be a no-op, not a second worker goroutine racing the first
	l.Start(false, 5*time.Millisecond)
	assert.True(t, l.Running())
}

func TestLoop_Stop_OnNonRunningLoopIsNoop(t *testing.T) {
	l := New()
	assert.False(t, l.Running())
	l.Stop()
	assert.False(t, l.Running())
}

func TestLoop_Stop_ReturnsPromptlyAfterBoundary(t *testing.T) {
	l := New()
	l.Start(false, time.Millisecond)

	start := time.Now()
	l.Stop()
	elapsed := time.Since(start)

	assert.False(t, l.Running())
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestLoop_DetachStopsFurtherPolling(t *testing.T) {
	l := New()
	sock := &countingSocket{}
	id := l.Manager().Attach(sock)

	l.Start(false, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sock.polls.Load() > 0 }, 200*time.Millisecond, time.Millisecond)

	l.Manager().Detach(id)
	count := sock.polls.Load()
	time.Sleep(20 * time.Millisecond)
	l.Stop()

	// allow one in-flight poll to land after detach, but it must not keep growing
	assert.LessOrEqual(t, sock.polls.Load(), count+1)
}

func TestLoop_PanickingSocketDoesNotStopTheLoop(t *testing.T) {
	l := New()
	l.Manager().Attach(panickingSocket{})
	good := &countingSocket{}
	l.Manager().Attach(good)

	l.Start(false, 5*time.Millisecond)
	defer l.Stop()

	require.Eventually(t, func() bool { return good.polls.Load() > 1 }, 200*time.Millisecond, time.Millisecond)
	assert.True(t, l.Running())
}

func TestLoop_Invoke_RunsSeriallyAndBlocksUntilDone(t *testing.T) {
	l := New()
	l.Start(false, 5*time.Millisecond)
	defer l.Stop()

	var mu sync.Mutex
	order := make([]int, 0, 3)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Invoke(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, 3)
}

func TestLoop_InvokeAsync_EventuallyRuns(t *testing.T) {
	l := New()
	l.Start(false, 5*time.Millisecond)
	defer l.Stop()

	done := make(chan struct{})
	l.InvokeAsync(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("InvokeAsync job never ran")
	}
}

func TestLoop_BlockingStart_ReturnsAfterStop(t *testing.T) {
	l := New()
	returned := make(chan struct{})

	go func() {
		l.Start(true, 5*time.Millisecond)
		close(returned)
	}()

	require.Eventually(t, func() bool { return l.Running() }, 100*time.Millisecond, time.Millisecond)
	l.Stop()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("blocking Start did not return after Stop")
	}
}
