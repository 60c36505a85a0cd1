package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestBufferFIFO(t *testing.T) {
	t.Parallel()

	b := NewBuffer(8)
	for _, txt := range []string{"a", "b", "c"} {
		if err := b.Push(Message{Channel: "C1", Text: txt}); err != nil {
			t.Fatalf("Push(%s): %v", txt, err)
		}
	}
	if first := b.Drain(1); len(first) != 1 || first[0].Text != "a" {
		t.Fatalf("Drain(1)=%+v want a", first)
	}
	rest := b.Drain(0)
	if len(rest) != 2 || rest[0].Text != "b" || rest[1].Text != "c" {
		t.Fatalf("Drain=%+v", rest)
	}
	if got := b.Drain(0); got != nil {
		t.Fatalf("Drain on empty buffer=%+v", got)
	}
	if b.Pending() != 3 {
		t.Fatalf("Pending=%d want 3 (draining does not reset it)", b.Pending())
	}
}

func TestBufferDrainLimit(t *testing.T) {
	t.Parallel()

	b := NewBuffer(8)
	for i := 0; i < 5; i++ {
		_ = b.Push(Message{Text: string(rune('a' + i))})
	}
	if got := b.Drain(2); len(got) != 2 || got[1].Text != "b" {
		t.Fatalf("Drain(2)=%+v", got)
	}
	if b.Len() != 3 {
		t.Fatalf("Len=%d want 3", b.Len())
	}
}

func TestBufferBounds(t *testing.T) {
	t.Parallel()

	b := NewBuffer(1)
	if err := b.Push(Message{Text: "a"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := b.Push(Message{Text: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v want ErrQueueFull", err)
	}
	if b.Pending() != 1 {
		t.Fatalf("rejected push must not count, pending=%d", b.Pending())
	}

	b.Close()
	if got := b.Drain(0); len(got) != 1 {
		t.Fatalf("closed buffer must still drain, got %+v", got)
	}
	if err := b.Push(Message{Text: "c"}); !errors.Is(err, ErrBufferClosed) {
		t.Fatalf("err=%v want ErrBufferClosed", err)
	}
}

func TestBufferReadySignal(t *testing.T) {
	t.Parallel()

	b := NewBuffer(4)
	_ = b.Push(Message{Text: "a"})
	_ = b.Push(Message{Text: "b"})
	select {
	case <-b.Ready():
	default:
		t.Fatalf("Ready should be signalled after a push")
	}
	select {
	case <-b.Ready():
		t.Fatalf("Ready signals should coalesce")
	default:
	}
}

func TestPendingNoLostIncrements(t *testing.T) {
	t.Parallel()

	const producers, perProducer = 4, 500
	b := NewBuffer(producers * perProducer)

	var (
		wg      sync.WaitGroup
		flushed int64
		stop    = make(chan struct{})
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				flushed += b.TakePending()
			}
		}
	}()

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := b.Push(Message{Text: "x"}); err != nil {
					t.Errorf("Push: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-done

	total := flushed + b.TakePending()
	if total != producers*perProducer {
		t.Fatalf("flushed total=%d want %d", total, producers*perProducer)
	}
	if b.Pending() != 0 {
		t.Fatalf("Pending after final flush=%d want 0", b.Pending())
	}
}

func gaugeValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var m dto.Metric
	if err := (<-ch).Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestGaugesFollowBufferState(t *testing.T) {
	t.Parallel()

	b := NewBuffer(8)
	cs := b.Collectors()
	queue, pending := cs[0], cs[1]

	for _, txt := range []string{"a", "b", "c"} {
		_ = b.Push(Message{Text: txt})
	}
	_ = b.Drain(1)
	if got := gaugeValue(t, queue); got != 2 {
		t.Fatalf("queue_length=%v want 2", got)
	}
	if got := gaugeValue(t, pending); got != 3 {
		t.Fatalf("pending=%v want 3", got)
	}

	b.TakePending()
	if got := gaugeValue(t, pending); got != 0 {
		t.Fatalf("pending after flush=%v want 0", got)
	}
	_ = b.Push(Message{Text: "d"})
	if got := gaugeValue(t, pending); got != float64(b.Pending()) {
		t.Fatalf("pending=%v counter=%d", got, b.Pending())
	}
}
