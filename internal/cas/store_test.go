package cas

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/opensandbox/pipagent/pkg/types"
)

func newStore(t *testing.T, tier Tier) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{Tier: tier})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func codes(results []PinResult, n int) []types.PinResultCode {
	out := make([]types.PinResultCode, n)
	for _, r := range results {
		out[r.Index] = r.Code
	}
	return out
}

func TestPinPutRepin(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()
	src := writeFile(t, t.TempDir(), "a.txt", "0123456789")
	h := types.HashBytes([]byte("0123456789"))

	got := codes(s.Pin(ctx, []types.ContentHash{h}), 1)
	if got[0] != types.PinContentNotFound {
		t.Fatalf("expected content not found before put, got %s", got[0])
	}

	info, err := s.PutFile(ctx, h, src, PutOptions{Verify: true})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Length != 10 || !info.KnownLength {
		t.Errorf("expected known length 10, got %+v", info)
	}

	got = codes(s.Pin(ctx, []types.ContentHash{h}), 1)
	if got[0] != types.PinSuccess {
		t.Fatalf("expected success after put, got %s", got[0])
	}
	if n, _ := s.PinCount(h); n != 1 {
		t.Errorf("expected 1 pin, got %d", n)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("copying put should leave the source in place: %v", err)
	}
}

func TestPinResultsKeyedByIndex(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()
	dir := t.TempDir()
	present := types.HashBytes([]byte("present"))
	if _, err := s.PutFile(ctx, present, writeFile(t, dir, "p", "present"), PutOptions{Verify: true}); err != nil {
		t.Fatal(err)
	}
	missing := types.HashBytes([]byte("missing"))

	hashes := []types.ContentHash{missing, present, missing, present}
	results := s.Pin(ctx, hashes)
	if len(results) != len(hashes) {
		t.Fatalf("expected %d results, got %d", len(hashes), len(results))
	}
	want := []types.PinResultCode{types.PinContentNotFound, types.PinSuccess, types.PinContentNotFound, types.PinSuccess}
	got := codes(results, len(hashes))
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestPutFileHashMismatch(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()
	src := writeFile(t, t.TempDir(), "x", "actual bytes")
	declared := types.HashBytes([]byte("other bytes"))

	_, err := s.PutFile(ctx, declared, src, PutOptions{Verify: true, Move: true})
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
	if s.Contains(declared) {
		t.Error("mismatched content must not be committed")
	}
	if st, _ := s.Stats(); st.Blobs != 0 {
		t.Errorf("expected no blobs, got %d", st.Blobs)
	}
}

func TestPutFileMoveDedup(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()
	dir := t.TempDir()
	h := types.HashBytes([]byte("same"))

	for i, name := range []string{"one", "two"} {
		src := writeFile(t, dir, name, "same")
		if _, err := s.PutFile(ctx, h, src, PutOptions{Verify: true, Move: true}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
		if _, err := os.Stat(src); !os.IsNotExist(err) {
			t.Errorf("put %d: expected staged file to be consumed", i)
		}
	}
	st, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Blobs != 1 || st.Puts != 2 {
		t.Errorf("expected 1 blob and 2 puts, got %+v", st)
	}
}

func TestPlaceFileIdempotent(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()
	info, err := s.PutFileHashing(ctx, writeFile(t, t.TempDir(), "in", "payload"))
	if err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "nested", "dir", "out")
	for i := 0; i < 2; i++ {
		if err := s.PlaceFile(ctx, info.Hash, dst, 0444); err != nil {
			t.Fatalf("place %d: %v", i, err)
		}
		got, err := os.ReadFile(dst)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "payload" {
			t.Errorf("place %d: expected payload, got %q", i, got)
		}
	}

	err = s.PlaceFile(ctx, types.HashBytes([]byte("nope")), dst, 0444)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentPutAndPin(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()
	dir := t.TempDir()
	h := types.HashBytes([]byte("shared"))

	var srcs []string
	for i := 0; i < 8; i++ {
		srcs = append(srcs, writeFile(t, dir, "f"+string(rune('a'+i)), "shared"))
	}

	var wg sync.WaitGroup
	for _, src := range srcs {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.PutFile(ctx, h, src, PutOptions{Verify: true, Move: true}); err != nil {
				t.Errorf("put: %v", err)
			}
			s.Pin(ctx, []types.ContentHash{h})
		}()
	}
	wg.Wait()

	rc, size, err := s.Open(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if size != 6 || string(data) != "shared" {
		t.Errorf("expected shared/6, got %q/%d", data, size)
	}
}

type memTier struct {
	mu    sync.Mutex
	blobs map[types.ContentHash][]byte
}

func (m *memTier) Has(_ context.Context, h types.ContentHash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[h]
	return ok, nil
}

func (m *memTier) Upload(_ context.Context, h types.ContentHash, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[h] = data
	return nil
}

func (m *memTier) Download(_ context.Context, h types.ContentHash, dst string) error {
	m.mu.Lock()
	data := m.blobs[h]
	m.mu.Unlock()
	return os.WriteFile(dst, data, 0644)
}

func TestTierReplicationAndHydration(t *testing.T) {
	tier := &memTier{blobs: make(map[types.ContentHash][]byte)}
	ctx := context.Background()

	first := newStore(t, tier)
	info, err := first.PutFileHashing(ctx, writeFile(t, t.TempDir(), "x", "replicated"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tier.blobs[info.Hash], []byte("replicated")) {
		t.Fatal("expected blob to be replicated to the tier")
	}

	second := newStore(t, tier)
	got := codes(second.Pin(ctx, []types.ContentHash{info.Hash}), 1)
	if got[0] != types.PinSuccess {
		t.Fatalf("expected hydration from tier, got %s", got[0])
	}
	if !second.Contains(info.Hash) {
		t.Error("expected hydrated blob to be local")
	}
}
