package signal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"r2r-test-station/internal/types"
)

func TestWaitAny_ReturnsSetFlagWithoutClearing(t *testing.T) {
	b := NewBus()
	b.Set(TransportReady)

	for i := 0; i < 3; i++ {
		f, ok := b.WaitAny(10*time.Millisecond, DoneTester, TransportReady)
		require.True(t, ok)
		assert.Equal(t, TransportReady, f)
	}
	assert.True(t, b.IsSet(TransportReady))
}

func TestWaitAny_ArgumentOrderWins(t *testing.T) {
	b := NewBus()
	b.Set(TransportReady)
	b.Set(DoneTester)

	f, ok := b.WaitAny(0, DoneTester, TransportReady)
	require.True(t, ok)
	assert.Equal(t, DoneTester, f)
}

func TestWaitAny_Timeout(t *testing.T) {
	b := NewBus()

	start := time.Now()
	f, ok := b.WaitAny(30*time.Millisecond, TransportReady)
	assert.False(t, ok)
	assert.Equal(t, Flag(""), f)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitAny_ZeroTimeoutPolls(t *testing.T) {
	b := NewBus()
	_, ok := b.WaitAny(0, TransportReady)
	assert.False(t, ok)
}

func TestWaitAny_WakesOnSet(t *testing.T) {
	b := NewBus()

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Set(PrintTick)
	}()

	f, ok := b.WaitAny(time.Second, DonePrinter, PrintTick)
	require.True(t, ok)
	assert.Equal(t, PrintTick, f)
}

func TestWaitAny_IgnoresUnrelatedFlags(t *testing.T) {
	b := NewBus()

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Set(ScanTick)
	}()

	_, ok := b.WaitAny(50*time.Millisecond, PrintTick)
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	b := NewBus()
	b.Set(AdvancePass)
	b.Clear(AdvancePass)
	assert.False(t, b.IsSet(AdvancePass))
}

func TestWaitAny_ManyWaiters(t *testing.T) {
	b := NewBus()
	var wg sync.WaitGroup
	results := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := b.WaitAny(time.Second, TransportStart)
			results <- ok
		}()
	}
	time.Sleep(10 * time.Millisecond)
	b.Set(TransportStart)
	wg.Wait()
	close(results)

	for ok := range results {
		assert.True(t, ok)
	}
}

func TestWorkerFlags(t *testing.T) {
	assert.Equal(t, Flag("up:printer"), Up(types.WorkerPrinter))
	assert.Equal(t, Flag("exited:printer"), Exited(types.WorkerPrinter))
	assert.NotEqual(t, Up(types.WorkerTester), Up(types.WorkerValidator))
}

func TestStats(t *testing.T) {
	b := NewBus()
	ch := b.AddChannel(PrintQueue, 3)
	b.Set(TransportReady)
	b.Set(TransportReady)
	require.True(t, ch.Push(types.Expectation{Location: 1}, 0))

	s := b.Stats()
	assert.Equal(t, uint64(2), s.FlagSets[TransportReady])
	assert.Equal(t, uint64(1), s.Channels[PrintQueue].Pushed)
	assert.Equal(t, 1, s.Channels[PrintQueue].Depth)
	assert.Equal(t, 3, s.Channels[PrintQueue].Capacity)
	assert.Same(t, ch, b.Channel(PrintQueue))
	assert.Nil(t, b.Channel(ScanQueue))
}
