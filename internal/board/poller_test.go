package board

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	logx "cardrelay/pkg/logx"
)

type fakeCards struct {
	cards    map[string]Card
	members  map[string]Member
	creators map[string]Member
	calls    []string
}

func (f *fakeCards) Card(_ context.Context, id string) (Card, error) {
	f.calls = append(f.calls, "card:"+id)
	c, ok := f.cards[id]
	if !ok {
		return Card{}, &HTTPError{Status: http.StatusNotFound, URL: "/cards/" + id}
	}
	return c, nil
}

func (f *fakeCards) Member(_ context.Context, id string) (Member, error) {
	f.calls = append(f.calls, "member:"+id)
	m, ok := f.members[id]
	if !ok {
		return Member{}, ErrSchema
	}
	return m, nil
}

func (f *fakeCards) CardCreator(_ context.Context, id string) (Member, error) {
	f.calls = append(f.calls, "creator:"+id)
	m, ok := f.creators[id]
	if !ok {
		return Member{}, ErrSchema
	}
	return m, nil
}

func TestEnrichDedupsCreatorByID(t *testing.T) {
	t.Parallel()

	src := &fakeCards{
		cards: map[string]Card{"c1": {ID: "c1", Name: "Card1", IDMembers: []string{"m1", "m2"}}},
		members: map[string]Member{
			"m1": {ID: "m1", FullName: "Alice Smith"},
			"m2": {ID: "m2", FullName: "Bob Jones"},
		},
		creators: map[string]Member{"c1": {ID: "m1", FullName: "Alice Smith"}},
	}
	got, err := NewEnricher(src).Enrich(context.Background(), MoveEvent{ActionID: "a1", CardID: "c1"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if len(got.Members) != 2 {
		t.Fatalf("members=%+v want 2 (creator already assigned)", got.Members)
	}
	want := []string{"card:c1", "member:m1", "member:m2", "creator:c1"}
	if len(src.calls) != len(want) {
		t.Fatalf("calls=%v want %v", src.calls, want)
	}
	for i := range want {
		if src.calls[i] != want[i] {
			t.Fatalf("calls=%v want %v", src.calls, want)
		}
	}
}

func TestEnrichKeepsNameCollisions(t *testing.T) {
	t.Parallel()

	src := &fakeCards{
		cards:    map[string]Card{"c1": {ID: "c1", Name: "Card1", IDMembers: []string{"m1"}}},
		members:  map[string]Member{"m1": {ID: "m1", FullName: "Sam Lee"}},
		creators: map[string]Member{"c1": {ID: "m7", FullName: "Sam Lee"}},
	}
	got, err := NewEnricher(src).Enrich(context.Background(), MoveEvent{ActionID: "a1", CardID: "c1"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if len(got.Members) != 2 || got.Members[1].ID != "m7" {
		t.Fatalf("members=%+v want both Sam Lees", got.Members)
	}
}

func TestEnrichCreatorOnly(t *testing.T) {
	t.Parallel()

	src := &fakeCards{
		cards:    map[string]Card{"c1": {ID: "c1", Name: "Card1"}},
		creators: map[string]Member{"c1": {ID: "m1", FullName: "Alice Smith"}},
	}
	got, err := NewEnricher(src).Enrich(context.Background(), MoveEvent{ActionID: "a1", CardID: "c1", CardTitle: "stale"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if got.CardTitle != "Card1" || len(got.Members) != 1 || got.Creator == nil || got.Creator.ID != "m1" {
		t.Fatalf("enriched=%+v", got)
	}
}

func TestEnrichFailsOnMissingMember(t *testing.T) {
	t.Parallel()

	src := &fakeCards{
		cards: map[string]Card{"c1": {ID: "c1", IDMembers: []string{"gone"}}},
	}
	if _, err := NewEnricher(src).Enrich(context.Background(), MoveEvent{CardID: "c1"}); !errors.Is(err, ErrSchema) {
		t.Fatalf("err=%v want ErrSchema", err)
	}
}

// ---- poller ----

type scriptedSource struct {
	mu     sync.Mutex
	calls  []time.Time
	errs   []error
	result []Action
}

func (s *scriptedSource) Actions(_ context.Context, since time.Time, _ ...string) ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, since)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return s.result, nil
}

type passEnricher struct{ fail map[string]bool }

func (p passEnricher) Enrich(_ context.Context, ev MoveEvent) (EnrichedMove, error) {
	if p.fail[ev.CardID] {
		return EnrichedMove{}, ErrSchema
	}
	return EnrichedMove{MoveEvent: ev}, nil
}

type recordSink struct{ got []EnrichedMove }

func (r *recordSink) HandleMove(_ context.Context, ev EnrichedMove) error {
	r.got = append(r.got, ev)
	return nil
}

func moveAction(id, card string, at time.Time) Action {
	return Action{
		ID:   id,
		Type: TypeUpdateCard,
		Date: at,
		Data: ActionData{
			Card:       &CardRef{ID: card, Name: card},
			ListBefore: &ListRef{Name: "Todo"},
			ListAfter:  &ListRef{Name: "Doing"},
		},
	}
}

func newTestPoller(src ActionSource, enr MoveEnricher, sink Sink) *Poller {
	return NewPoller(src, enr, sink, nil, logx.Nop(), PollerConfig{
		Interval:    time.Millisecond,
		BackoffBase: time.Millisecond,
		BackoffMax:  4 * time.Millisecond,
	})
}

func TestPollOnceProcessesOldestFirstAndFilters(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	src := &scriptedSource{result: []Action{
		moveAction("a3", "c3", t0.Add(3*time.Second)),
		{ID: "a2", Type: TypeUpdateCard, Date: t0.Add(2 * time.Second), Data: ActionData{Card: &CardRef{ID: "c2"}}},
		moveAction("a1", "c1", t0.Add(time.Second)),
	}}
	sink := &recordSink{}
	p := newTestPoller(src, passEnricher{}, sink)

	res, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if res.Fetched != 3 || res.Filtered != 1 || res.Delivered != 2 {
		t.Fatalf("result=%+v", res)
	}
	if len(sink.got) != 2 || sink.got[0].ActionID != "a1" || sink.got[1].ActionID != "a3" {
		t.Fatalf("order=%+v want a1 then a3", sink.got)
	}
}

func TestPollOnceSkipsFailedEnrichment(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	src := &scriptedSource{result: []Action{
		moveAction("a2", "c2", t0.Add(2*time.Second)),
		moveAction("a1", "bad", t0.Add(time.Second)),
	}}
	sink := &recordSink{}
	p := newTestPoller(src, passEnricher{fail: map[string]bool{"bad": true}}, sink)

	res, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if res.Skipped != 1 || len(sink.got) != 1 || sink.got[0].ActionID != "a2" {
		t.Fatalf("result=%+v got=%+v", res, sink.got)
	}
}

func TestPollOnceRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{errs: []error{
		errors.New("connection refused"),
		&HTTPError{Status: http.StatusServiceUnavailable},
	}}
	p := newTestPoller(src, passEnricher{}, &recordSink{})

	if _, err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(src.calls) != 3 {
		t.Fatalf("calls=%d want 3", len(src.calls))
	}
	if st := p.Status(); st.LastError != "" || st.Cycles != 1 {
		t.Fatalf("status=%+v", st)
	}
}

func TestRunStopsOnConfigError(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{errs: []error{&HTTPError{Status: http.StatusUnauthorized}}}
	p := newTestPoller(src, passEnricher{}, &recordSink{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Run(ctx)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("Run err=%v want ErrConfig", err)
	}
	if p.Status().State != "stopped" {
		t.Fatalf("state=%s", p.Status().State)
	}
}

func TestWatermarkIsMonotonic(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := []time.Time{base.Add(10 * time.Second), base.Add(5 * time.Second), base.Add(20 * time.Second)}

	src := &scriptedSource{}
	p := newTestPoller(src, passEnricher{}, &recordSink{})
	i := 0
	p.now = func() time.Time {
		t := clock[i]
		if i < len(clock)-1 {
			i++
		}
		return t
	}

	var marks []time.Time
	for n := 0; n < 3; n++ {
		if _, err := p.PollOnce(context.Background()); err != nil {
			t.Fatalf("PollOnce: %v", err)
		}
		marks = append(marks, p.Watermark())
	}
	for n := 1; n < len(marks); n++ {
		if marks[n].Before(marks[n-1]) {
			t.Fatalf("watermark went backwards: %v", marks)
		}
	}
	if !marks[2].Equal(base.Add(20 * time.Second)) {
		t.Fatalf("final watermark=%v", marks[2])
	}
	// Each fetch uses the previous watermark as its lower bound.
	if !src.calls[1].Equal(marks[0]) || !src.calls[2].Equal(marks[1]) {
		t.Fatalf("since values=%v marks=%v", src.calls, marks)
	}
}

func TestRunStartsFromNow(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	src := &scriptedSource{}
	p := newTestPoller(src, passEnricher{}, &recordSink{})
	p.now = func() time.Time { return start }

	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err=%v", err)
	}
	if len(src.calls) != 1 || !src.calls[0].Equal(start) {
		t.Fatalf("first since=%v want %v", src.calls, start)
	}
}
