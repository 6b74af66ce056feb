package checkpoint

import (
	"sync"
	"testing"
	"time"
)

func TestNextID_Monotonic(t *testing.T) {
	now := time.Unix(1700000000, 0)
	first := NextID("", now)
	if len(first) != idWidth {
		t.Fatalf("expected width %d, got %q", idWidth, first)
	}
	second := NextID(first, now)
	if second <= first {
		t.Fatalf("expected %q > %q", second, first)
	}
	third := NextID(second, now.Add(-time.Hour))
	if third <= second {
		t.Fatalf("clock skew must not reorder ids: %q <= %q", third, second)
	}
	later := NextID(third, now.Add(time.Second))
	if later <= third {
		t.Fatalf("expected %q > %q", later, third)
	}
}

func TestNextID_ForeignLatest(t *testing.T) {
	id := NextID("zzz", time.Unix(1, 0))
	if id <= "zzz" {
		t.Fatalf("expected id after foreign latest, got %q", id)
	}
}

func TestNormalizeWrites(t *testing.T) {
	in := []PendingWrite{
		{TaskID: "a", Index: 1, Value: []byte(`"a1"`)},
		{TaskID: "a", Index: 0, Value: []byte(`"a0"`)},
		{TaskID: "b", Index: 0, Value: []byte(`"b0"`)},
		{TaskID: "a", Index: 0, Value: []byte(`"a0-retry"`)},
	}
	out := NormalizeWrites(in)
	got := []string{}
	for _, w := range out {
		got = append(got, string(w.Value))
	}
	want := []string{`"b0"`, `"a0-retry"`, `"a1"`}
	if len(got) != len(want) {
		t.Fatalf("unexpected writes: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected writes: %v", got)
		}
	}
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	var (
		k       KeyedMutex
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected 50, got %d", counter)
	}
	if len(k.locks) != 0 {
		t.Fatalf("expected lock entries released, got %d", len(k.locks))
	}
}
