package dedup

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestKey_StableAcrossDimensionOrder(t *testing.T) {
	a := types.AlertEvent{Source: types.SourceMetricAlarm, MetricName: "CPU", State: types.StateAlarm,
		Dimensions: types.Dimensions{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}, ID: "x", Timestamp: time.Unix(1, 0)}
	b := a
	b.Dimensions = types.Dimensions{{Name: "b", Value: "2"}, {Name: "a", Value: "1"}}
	b.ID = "y"
	b.Timestamp = time.Unix(99, 0)
	if Key(a) != Key(b) {
		t.Error("Key differs for reordered dimensions")
	}
	if len(Key(a)) != 64 {
		t.Errorf("Key length: got %d, want 64 hex chars", len(Key(a)))
	}
}

func TestMemory_Window(t *testing.T) {
	base := time.Now()
	m := NewMemory(time.Minute)
	m.now = fixedClock(base)
	ctx := context.Background()

	if ok, _ := m.Claim(ctx, "k"); !ok {
		t.Fatal("first Claim: got false")
	}
	if ok, _ := m.Claim(ctx, "k"); ok {
		t.Fatal("second Claim in window: got true")
	}
	if ok, _ := m.Claim(ctx, "other"); !ok {
		t.Fatal("other key: got false")
	}

	m.now = fixedClock(base.Add(time.Minute))
	if ok, _ := m.Claim(ctx, "k"); !ok {
		t.Fatal("Claim after window: got false")
	}
}

func TestMemory_Evict(t *testing.T) {
	base := time.Now()
	m := NewMemory(time.Minute)
	m.now = fixedClock(base)
	m.Claim(context.Background(), "a") //nolint:errcheck
	m.now = fixedClock(base.Add(30 * time.Second))
	m.Claim(context.Background(), "b") //nolint:errcheck

	if n := m.Evict(base.Add(time.Minute)); n != 1 {
		t.Errorf("Evict: removed %d, want 1", n)
	}
	if m.Len() != 1 {
		t.Errorf("Len: got %d, want 1", m.Len())
	}
}

func TestMemory_ConcurrentClaimsOneWinner(t *testing.T) {
	m := NewMemory(time.Minute)
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Claim(context.Background(), "same"); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("winners: got %d, want 1", wins)
	}
}

// TestRedis_Claim runs against a real server when ALERTFLOW_TEST_REDIS is set.
func TestRedis_Claim(t *testing.T) {
	addr := os.Getenv("ALERTFLOW_TEST_REDIS")
	if addr == "" {
		t.Skip("ALERTFLOW_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	r := NewRedis(client, "alertflow:test:"+uuid.NewString()+":", time.Minute)
	ctx := context.Background()
	if ok, err := r.Claim(ctx, "k"); err != nil || !ok {
		t.Fatalf("first Claim: ok=%v err=%v", ok, err)
	}
	if ok, err := r.Claim(ctx, "k"); err != nil || ok {
		t.Fatalf("second Claim: ok=%v err=%v", ok, err)
	}
}
