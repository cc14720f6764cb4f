package store

import (
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/alertflow/pkg/types"
)

func result(id string, ch types.ChannelType, status types.DeliveryStatus) types.DeliveryResult {
	return types.DeliveryResult{
		EventID:  id,
		Severity: types.SeverityCritical,
		Channel:  ch,
		Endpoint: "ops@example.com",
		Status:   status,
	}
}

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestPut_LaterResultReplaces(t *testing.T) {
	st := New(5 * time.Minute)
	st.Put(result("e1", types.ChannelEmail, types.StatusRetrying))
	st.Put(result("e1", types.ChannelEmail, types.StatusDelivered))

	got := st.List(Filter{})
	if len(got) != 1 {
		t.Fatalf("List: got %d entries, want 1", len(got))
	}
	if got[0].Status != types.StatusDelivered {
		t.Errorf("Status: got %s, want Delivered", got[0].Status)
	}
}

func TestPut_DistinctChannelsKept(t *testing.T) {
	st := New(5 * time.Minute)
	st.Put(result("e1", types.ChannelEmail, types.StatusDelivered))
	st.Put(result("e1", types.ChannelWebhook, types.StatusDeadLettered))

	if n := st.Count(); n != 2 {
		t.Errorf("Count: got %d, want 2", n)
	}
}

func TestList_FilterAndOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := New(time.Hour)

	st.now = fixedClock(base)
	st.Put(result("old", types.ChannelEmail, types.StatusDelivered))
	st.now = fixedClock(base.Add(time.Minute))
	st.Put(result("new", types.ChannelEmail, types.StatusDelivered))
	st.Put(result("dead", types.ChannelSMS, types.StatusDeadLettered))

	got := st.List(Filter{Status: types.StatusDelivered})
	if len(got) != 2 || got[0].EventID != "new" || got[1].EventID != "old" {
		t.Errorf("List(Delivered): got %+v, want [new old]", got)
	}
	if got := st.List(Filter{Limit: 1}); len(got) != 1 {
		t.Errorf("List(Limit 1): got %d entries", len(got))
	}
	if got := st.List(Filter{EventID: "dead"}); len(got) != 1 || got[0].Channel != types.ChannelSMS {
		t.Errorf("List(EventID): got %+v", got)
	}
	if got := st.List(Filter{Severity: types.SeverityInfo}); len(got) != 0 {
		t.Errorf("List(info): got %d entries, want 0", len(got))
	}

	counts := st.Counts()
	if counts[types.StatusDelivered] != 2 || counts[types.StatusDeadLettered] != 1 {
		t.Errorf("Counts: got %v", counts)
	}
}

func TestList_ExcludesStale(t *testing.T) {
	base := time.Now()
	st := New(5 * time.Minute)

	st.now = fixedClock(base.Add(-10 * time.Minute))
	st.Put(result("stale", types.ChannelEmail, types.StatusDelivered))
	st.now = fixedClock(base)
	st.Put(result("fresh", types.ChannelEmail, types.StatusDelivered))

	got := st.List(Filter{})
	if len(got) != 1 || got[0].EventID != "fresh" {
		t.Errorf("List: got %+v, want only fresh", got)
	}
	// Stale entries remain until evicted.
	if n := st.Count(); n != 2 {
		t.Errorf("Count: got %d, want 2", n)
	}
}

func TestEvict(t *testing.T) {
	base := time.Now()
	st := New(5 * time.Minute)

	st.now = fixedClock(base.Add(-6 * time.Minute))
	st.Put(result("a", types.ChannelEmail, types.StatusDelivered))
	st.now = fixedClock(base)
	st.Put(result("b", types.ChannelEmail, types.StatusDelivered))

	if n := st.Evict(base); n != 1 {
		t.Errorf("Evict: removed %d, want 1", n)
	}
	if n := st.Count(); n != 1 {
		t.Errorf("Count after evict: got %d, want 1", n)
	}
}

func TestConcurrentPutList(t *testing.T) {
	st := New(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			st.Put(result(string(rune('a'+i)), types.ChannelQueue, types.StatusDelivered))
		}(i)
		go func() {
			defer wg.Done()
			_ = st.List(Filter{})
		}()
	}
	wg.Wait()
	if n := st.Count(); n != 20 {
		t.Errorf("Count: got %d, want 20", n)
	}
}
