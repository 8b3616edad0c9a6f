package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type record struct {
	Event string `json:"event"`
	TabID string `json:"tabId"`
}

func readLines(t *testing.T, path string) []record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("os.Open() error = %v", err)
	}
	defer f.Close()
	var out []record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		out = append(out, r)
	}
	return out
}

func TestWriteFlushesOnClose(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	w := Open(dir, 16, WithClock(func() time.Time { return day }))

	want := []record{{"navigated", "T1"}, {"enriched", "T1"}, {"removed", "T1"}}
	for _, r := range want {
		if err := w.Write(r); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got := readLines(t, filepath.Join(dir, "2026-03-14", "context.jsonl"))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("journal mismatch (-want +got):\n%s", diff)
	}
	if err := w.Write(record{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write() after Close = %v; want ErrClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() = %v; want nil", err)
	}
}

func TestDatePartitioning(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	now := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	w := Open(dir, 4, WithClock(clock), WithName("tabs"))
	if err := w.Write(record{"navigated", "T1"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	// Wait for the first record to land before moving the clock.
	path := filepath.Join(dir, "2026-03-14", "tabs.jsonl")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first record never written")
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if err := w.Write(record{"navigated", "T2"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := readLines(t, path); len(got) != 1 || got[0].TabID != "T1" {
		t.Fatalf("first day = %+v; want T1 only", got)
	}
	if got := readLines(t, filepath.Join(dir, "2026-03-15", "tabs.jsonl")); len(got) != 1 || got[0].TabID != "T2" {
		t.Fatalf("second day = %+v; want T2 only", got)
	}
}

func TestUnencodableRecordSkipped(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	w := Open(dir, 4, WithClock(func() time.Time { return day }))
	if err := w.Write(map[string]any{"bad": make(chan int)}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Write(record{"navigated", "T9"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	w.Close()
	got := readLines(t, filepath.Join(dir, "2026-01-02", "context.jsonl"))
	if len(got) != 1 || got[0].TabID != "T9" {
		t.Fatalf("journal = %+v; want only T9", got)
	}
}
