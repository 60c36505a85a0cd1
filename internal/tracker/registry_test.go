package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"cardrelay/internal/eventbus"
	"cardrelay/internal/storage"
	logx "cardrelay/pkg/logx"
)

func newRegistries(t *testing.T) map[string]*Registry {
	t.Helper()
	sq, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "reg.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]*Registry{
		"memory": New(storage.NewMemory(), logx.Nop(), nil),
		"sqlite": New(sq, logx.Nop(), nil),
	}
}

func subscribers(t *testing.T, r *Registry, key string) []string {
	t.Helper()
	ids, err := r.GetSubscribers(context.Background(), key)
	if err != nil {
		t.Fatalf("GetSubscribers(%s): %v", key, err)
	}
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var (
	alice = Target{Key: "Alice Smith", Name: "Alice Smith"}
	bob   = Target{Key: "Bob Jones", Name: "Bob Jones"}
)

func TestRetargetFirstTrack(t *testing.T) {
	for name, r := range newRegistries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			prev, err := r.Retarget(ctx, "U1", "C1", alice)
			if err != nil {
				t.Fatalf("Retarget: %v", err)
			}
			if !prev.IsZero() {
				t.Fatalf("prev=%+v want zero", prev)
			}

			got, ok, err := r.GetTarget(ctx, "U1")
			if err != nil || !ok || got != alice {
				t.Fatalf("GetTarget=%+v ok=%v err=%v", got, ok, err)
			}
			if ch, ok := r.ResolveChannel(ctx, "U1"); !ok || ch != "C1" {
				t.Fatalf("ResolveChannel=%q ok=%v", ch, ok)
			}
			if s := subscribers(t, r, "Alice Smith"); !equal(s, []string{"U1"}) {
				t.Fatalf("subscribers=%v want [U1]", s)
			}
		})
	}
}

func TestRetargetMovesSoleTracker(t *testing.T) {
	for name, r := range newRegistries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := r.Retarget(ctx, "U1", "C1", alice); err != nil {
				t.Fatalf("Retarget alice: %v", err)
			}
			prev, err := r.Retarget(ctx, "U1", "C1", bob)
			if err != nil {
				t.Fatalf("Retarget bob: %v", err)
			}
			if prev != alice {
				t.Fatalf("prev=%+v want alice", prev)
			}

			if _, err := r.store.FindSubscription(ctx, "Alice Smith"); !errors.Is(err, storage.ErrNotFound) {
				t.Fatalf("alice subscription should be deleted, err=%v", err)
			}
			if s := subscribers(t, r, "Alice Smith"); len(s) != 0 {
				t.Fatalf("alice subscribers=%v want empty", s)
			}
			if s := subscribers(t, r, "Bob Jones"); !equal(s, []string{"U1"}) {
				t.Fatalf("bob subscribers=%v want [U1]", s)
			}
			if got, _, _ := r.GetTarget(ctx, "U1"); got != bob {
				t.Fatalf("GetTarget=%+v want bob", got)
			}
		})
	}
}

func TestRetargetKeepsOtherTrackers(t *testing.T) {
	for name, r := range newRegistries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = r.Retarget(ctx, "U1", "C1", alice)
			_, _ = r.Retarget(ctx, "U2", "C2", alice)
			if _, err := r.Retarget(ctx, "U1", "C1", bob); err != nil {
				t.Fatalf("Retarget: %v", err)
			}

			if s := subscribers(t, r, "Alice Smith"); !equal(s, []string{"U2"}) {
				t.Fatalf("alice subscribers=%v want [U2]", s)
			}
			if s := subscribers(t, r, "Bob Jones"); !equal(s, []string{"U1"}) {
				t.Fatalf("bob subscribers=%v want [U1]", s)
			}
		})
	}
}

func TestRetargetIsIdempotent(t *testing.T) {
	for name, r := range newRegistries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 2; i++ {
				if _, err := r.Retarget(ctx, "U1", "C1", alice); err != nil {
					t.Fatalf("Retarget #%d: %v", i, err)
				}
			}

			trackers, err := r.store.ListTrackers(ctx)
			if err != nil {
				t.Fatalf("ListTrackers: %v", err)
			}
			if len(trackers) != 1 {
				t.Fatalf("trackers=%+v want exactly one", trackers)
			}
			if s := subscribers(t, r, "Alice Smith"); !equal(s, []string{"U1"}) {
				t.Fatalf("subscribers=%v want [U1] exactly once", s)
			}
		})
	}
}

func TestRetargetRejectsEmptyTarget(t *testing.T) {
	t.Parallel()

	r := New(storage.NewMemory(), logx.Nop(), nil)
	if _, err := r.Retarget(context.Background(), "U1", "C1", Target{Key: "  "}); !errors.Is(err, ErrEmptyTarget) {
		t.Fatalf("err=%v want ErrEmptyTarget", err)
	}
}

func TestRetargetPublishesAndAudits(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(eventbus.TrackerRetargeted, 4)
	defer unsub()

	r := New(mem, logx.Nop(), bus)
	ctx := context.Background()
	_, _ = r.Retarget(ctx, "U1", "C1", alice)
	_, _ = r.Retarget(ctx, "U1", "C1", bob)

	if len(ch) != 2 {
		t.Fatalf("events=%d want 2", len(ch))
	}
	<-ch
	ev := (<-ch).Data.(Retargeted)
	if ev.From != alice || ev.To != bob {
		t.Fatalf("event=%+v", ev)
	}

	audit := mem.Audit()
	if len(audit) != 2 || audit[1].From != "Alice Smith" || audit[1].To != "Bob Jones" {
		t.Fatalf("audit=%+v", audit)
	}
}

func TestResolveChannelSkipsDanglingTracker(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	r := New(mem, logx.Nop(), nil)
	ctx := context.Background()
	_, _ = r.Retarget(ctx, "U1", "C1", alice)

	// Simulate an out-of-band delete.
	if _, err := mem.FindAndDeleteTracker(ctx, "U1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ch, ok := r.ResolveChannel(ctx, "U1"); ok || ch != "" {
		t.Fatalf("ResolveChannel=%q ok=%v want unresolved", ch, ok)
	}
}

// failingStore fails SaveSubscription for one target, emulating a crash
// between the detach and attach halves of Retarget.
type failingStore struct {
	*storage.Memory
	failTarget string
}

func (f *failingStore) SaveSubscription(ctx context.Context, s storage.Subscription) error {
	if s.Target == f.failTarget {
		return errors.New("connection reset")
	}
	return f.Memory.SaveSubscription(ctx, s)
}

func TestReconcileRepairsPartialRetarget(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	fs := &failingStore{Memory: mem, failTarget: "Bob Jones"}
	r := New(fs, logx.Nop(), nil)
	ctx := context.Background()

	_, _ = r.Retarget(ctx, "U1", "C1", alice)
	_, _ = r.Retarget(ctx, "U2", "C2", alice)
	if _, err := r.Retarget(ctx, "U1", "C1", bob); err == nil {
		t.Fatalf("expected retarget to fail on attach")
	}

	// The gap: the tracker moved but the new subscription lacks it.
	if got, _, _ := r.GetTarget(ctx, "U1"); got != bob {
		t.Fatalf("GetTarget=%+v want bob", got)
	}
	if s := subscribers(t, r, "Bob Jones"); len(s) != 0 {
		t.Fatalf("bob subscribers=%v want empty before reconcile", s)
	}

	fs.failTarget = ""
	// Leave a stale entry behind as well.
	_ = mem.SaveSubscription(ctx, storage.Subscription{Target: "Alice Smith", Trackers: []string{"U2", "U9"}})

	rep, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Added != 1 || rep.Removed != 1 {
		t.Fatalf("report=%+v want added=1 removed=1", rep)
	}
	if s := subscribers(t, r, "Bob Jones"); !equal(s, []string{"U1"}) {
		t.Fatalf("bob subscribers=%v want [U1]", s)
	}
	if s := subscribers(t, r, "Alice Smith"); !equal(s, []string{"U2"}) {
		t.Fatalf("alice subscribers=%v want [U2]", s)
	}

	rep, err = r.Reconcile(ctx)
	if err != nil || rep.Changed() {
		t.Fatalf("second reconcile report=%+v err=%v want clean", rep, err)
	}
}

func TestReconcileDeletesOrphanSubscription(t *testing.T) {
	for name, r := range newRegistries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = r.store.SaveSubscription(ctx, storage.Subscription{Target: "ghost", Trackers: []string{"U7"}})

			rep, err := r.Reconcile(ctx)
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if rep.Deleted != 1 {
				t.Fatalf("report=%+v want deleted=1", rep)
			}
			if s := subscribers(t, r, "ghost"); len(s) != 0 {
				t.Fatalf("ghost subscribers=%v", s)
			}
		})
	}
}

func TestReconcileFlagsForeignJoinKeys(t *testing.T) {
	for name, r := range newRegistries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			// Two trackers on a name key, one on an id key, with ids active.
			_, _ = r.Retarget(ctx, "U1", "C1", Target{Key: "Jane Doe", Name: "Jane Doe"})
			_, _ = r.Retarget(ctx, "U2", "C2", Target{Key: "Jane Doe", Name: "Jane Doe"})
			_, _ = r.Retarget(ctx, "U3", "C3", Target{Key: "id-m1", Name: "Sam Lee"})
			r.SetKeyCheck(func(key string) bool { return len(key) > 3 && key[:3] == "id-" })

			rep, err := r.Reconcile(ctx)
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if rep.Mismatched != 1 || len(rep.MismatchedKeys) != 1 || rep.MismatchedKeys[0] != "Jane Doe" {
				t.Fatalf("report=%+v want one mismatched target", rep)
			}
			if rep.Changed() {
				t.Fatalf("mismatched keys must not be rewritten: %+v", rep)
			}
			if s := subscribers(t, r, "Jane Doe"); len(s) != 2 {
				t.Fatalf("subscribers=%v", s)
			}

			r.SetKeyCheck(nil)
			if rep, _ := r.Reconcile(ctx); rep.Mismatched != 0 {
				t.Fatalf("check disabled, report=%+v", rep)
			}
		})
	}
}
