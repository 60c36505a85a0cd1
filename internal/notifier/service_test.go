package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cardrelay/internal/eventbus"
	"cardrelay/internal/relay"
	"cardrelay/internal/storage"
	kit "cardrelay/internal/transport"
	logx "cardrelay/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []kit.ChatTarget
	text []string
	fail map[int64]bool
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[to.ChatID] {
		return kit.MessageRef{}, errors.New("forbidden: bot was blocked by the user")
	}
	f.sent = append(f.sent, to)
	f.text = append(f.text, text)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.sent)}, nil
}

func newTestService(t *testing.T, cfg Config, out Sender, st storage.Store) (*Service, *relay.Buffer) {
	t.Helper()
	if cfg.SendRatePerSec == 0 {
		cfg.SendRatePerSec = 1000
	}
	buf := relay.NewBuffer(100)
	return New(cfg, buf, out, logx.Nop(), nil, st), buf
}

func push(t *testing.T, buf *relay.Buffer, channel, action, text string) {
	t.Helper()
	if err := buf.Push(relay.Message{Channel: channel, ActionID: action, Text: text}); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func TestDrainSendsInOrder(t *testing.T) {
	t.Parallel()

	out := &fakeSender{}
	s, buf := newTestService(t, Config{}, out, nil)
	push(t, buf, "100", "a1", "one")
	push(t, buf, "200:7", "a1", "two")
	push(t, buf, "100", "a2", "three")

	res := s.Drain(context.Background())
	if res.Popped != 3 || res.Sent != 3 {
		t.Fatalf("result=%+v", res)
	}
	if out.text[0] != "one" || out.text[1] != "two" || out.text[2] != "three" {
		t.Fatalf("text=%v", out.text)
	}
	if out.sent[1] != (kit.ChatTarget{ChatID: 200, ThreadID: 7}) {
		t.Fatalf("target=%+v", out.sent[1])
	}
	if buf.Len() != 0 {
		t.Fatalf("buffer not empty: %d", buf.Len())
	}
	if len(s.Snapshot()) != 3 {
		t.Fatalf("history=%d", len(s.Snapshot()))
	}
}

func TestDrainRespectsBatchSize(t *testing.T) {
	t.Parallel()

	out := &fakeSender{}
	s, buf := newTestService(t, Config{BatchSize: 2}, out, nil)
	for _, a := range []string{"a1", "a2", "a3"} {
		push(t, buf, "1", a, a)
	}
	if res := s.Drain(context.Background()); res.Sent != 2 {
		t.Fatalf("first drain=%+v", res)
	}
	if res := s.Drain(context.Background()); res.Sent != 1 {
		t.Fatalf("second drain=%+v", res)
	}
}

func TestDrainDropsFailuresAndContinues(t *testing.T) {
	t.Parallel()

	out := &fakeSender{fail: map[int64]bool{13: true}}
	bus := eventbus.New()
	dropped, unsub := bus.Subscribe(eventbus.RelayDropped, 8)
	defer unsub()

	buf := relay.NewBuffer(10)
	s := New(Config{SendRatePerSec: 1000}, buf, out, logx.Nop(), bus, nil)
	push(t, buf, "13", "a1", "blocked")
	push(t, buf, "not-a-chat", "a2", "bad")
	push(t, buf, "14", "a3", "ok")

	res := s.Drain(context.Background())
	if res.Sent != 1 || res.Dropped != 2 {
		t.Fatalf("result=%+v", res)
	}
	if len(out.text) != 1 || out.text[0] != "ok" {
		t.Fatalf("sent=%v", out.text)
	}
	for i := 0; i < 2; i++ {
		select {
		case e := <-dropped:
			if e.Data.(DeliveryEvent).Error == "" {
				t.Fatalf("event without error: %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing relay.dropped event %d", i)
		}
	}
}

func TestDrainDedupsSameMovePerChannel(t *testing.T) {
	t.Parallel()

	out := &fakeSender{}
	s, buf := newTestService(t, Config{DedupWindow: time.Minute}, out, nil)
	push(t, buf, "1", "a1", "moved")
	push(t, buf, "1", "a1", "moved")
	push(t, buf, "2", "a1", "moved")

	res := s.Drain(context.Background())
	if res.Sent != 2 || res.Deduped != 1 {
		t.Fatalf("result=%+v", res)
	}

	// A later window lets the same key through again.
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	push(t, buf, "1", "a1", "moved")
	if res := s.Drain(context.Background()); res.Sent != 1 {
		t.Fatalf("after window=%+v", res)
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	cfg := Config{DedupWindow: time.Hour, PersistDedup: true}

	out := &fakeSender{}
	first, buf := newTestService(t, cfg, out, st)
	push(t, buf, "1", "a1", "moved")
	if res := first.Drain(context.Background()); res.Sent != 1 {
		t.Fatalf("first=%+v", res)
	}

	second, buf2 := newTestService(t, cfg, out, st)
	push(t, buf2, "1", "a1", "moved")
	if res := second.Drain(context.Background()); res.Deduped != 1 || res.Sent != 0 {
		t.Fatalf("second=%+v", res)
	}
}

func TestStartStopPersistWriter(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	s, buf := newTestService(t, Config{DedupWindow: time.Hour, PersistDedup: true}, &fakeSender{}, st)
	s.Start(context.Background())
	if s.Supervisor() == nil {
		t.Fatalf("persist writer not started")
	}
	push(t, buf, "1", "a1", "moved")
	s.Drain(context.Background())

	key := dedupKey(relay.Message{Channel: "1", ActionID: "a1"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := st.GetDedup(context.Background(), key); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dedup key never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestDrainCanceledCountsRemainingAsDropped(t *testing.T) {
	t.Parallel()

	s, buf := newTestService(t, Config{}, &fakeSender{}, nil)
	push(t, buf, "1", "a1", "x")
	push(t, buf, "1", "a2", "y")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := s.Drain(ctx)
	if res.Popped != 2 || res.Dropped != 2 || res.Sent != 0 {
		t.Fatalf("result=%+v", res)
	}
}
