package records

import (
	"sync"
	"testing"
	"time"

	"flow-alerts/internal/summary"
)

func recordAt(minute int) summary.Record {
	start := time.Date(2024, 3, 15, 13, minute, 0, 0, time.UTC)
	return summary.Record{PeriodStart: start, PeriodEnd: start.Add(time.Minute), CallVolume: int64(minute)}
}

func TestStoreNewestFirst(t *testing.T) {
	s := NewStore(0)
	for i := 0; i < 5; i++ {
		s.Add(recordAt(i))
	}

	got := s.Snapshot()
	if len(got) != 5 {
		t.Fatalf("期望 5 条记录, 实际 %d", len(got))
	}
	for i, rec := range got {
		if rec.CallVolume != int64(4-i) {
			t.Fatalf("index %d: want volume %d, got %d", i, 4-i, rec.CallVolume)
		}
	}

	latest, ok := s.Latest()
	if !ok || latest.CallVolume != 4 {
		t.Fatalf("latest should be the last inserted record")
	}
}

func TestStoreResetAndEpoch(t *testing.T) {
	s := NewStore(0)
	s.Add(recordAt(1))
	before := s.Epoch()
	s.Reset()

	if s.Len() != 0 {
		t.Fatalf("reset 后应为空")
	}
	if s.Epoch() != before+1 {
		t.Fatalf("epoch should advance on reset")
	}
	if _, ok := s.Latest(); ok {
		t.Fatal("empty store has no latest record")
	}
}

func TestStoreLimit(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 10; i++ {
		s.Add(recordAt(i))
	}
	got := s.Snapshot()
	if len(got) != 3 || got[0].CallVolume != 9 || got[2].CallVolume != 7 {
		t.Fatalf("limit should keep the newest three, got %+v", got)
	}
}

func TestStoreConcurrentReaders(t *testing.T) {
	s := NewStore(0)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Add(recordAt(i % 60))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			snap := s.Snapshot()
			for _, rec := range snap {
				if rec.PeriodEnd.Sub(rec.PeriodStart) != time.Minute {
					t.Errorf("observed partial record %+v", rec)
					return
				}
			}
		}
	}()
	wg.Wait()

	if s.Len() != 200 {
		t.Fatalf("want 200 records, got %d", s.Len())
	}
}

func TestStoreAddDoesNotCopyOnEveryInsert(t *testing.T) {
	s := NewStore(0)
	for i := 0; i < 10000; i++ {
		s.Add(recordAt(i % 60))
	}
	rec := recordAt(1)
	allocs := testing.AllocsPerRun(1000, func() { s.Add(rec) })
	if allocs > 0.5 {
		t.Fatalf("每次插入平均分配 %.2f 次, 期望摊销为常数", allocs)
	}
	if s.Len() != 11001 {
		t.Fatalf("len = %d, want 11001", s.Len())
	}
}

func TestStoreLimitAcrossCompaction(t *testing.T) {
	s := NewStore(1)
	for i := 0; i < 5; i++ {
		s.Add(recordAt(i))
		if s.Len() != 1 {
			t.Fatalf("after %d inserts len = %d, want 1", i+1, s.Len())
		}
		if latest, _ := s.Latest(); latest.CallVolume != int64(i) {
			t.Fatalf("latest = %d, want %d", latest.CallVolume, i)
		}
	}
	if got := s.Snapshot(); len(got) != 1 || got[0].CallVolume != 4 {
		t.Fatalf("snapshot = %+v", got)
	}
}
