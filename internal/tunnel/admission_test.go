package tunnel

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
)

type fakeStore struct {
	counts map[string]int64
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{counts: make(map[string]int64)}
}

func (f *fakeStore) Increment(_ context.Context, key string, _ int) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	return f.counts[key], nil
}

func TestRateLimiter_AdmitsUnderLimit(t *testing.T) {
	rl := NewRateLimiter(newFakeStore(), nil, 3, 60, zerolog.Nop())
	for i := 0; i < 3; i++ {
		if err := rl.Admit(context.Background(), "1.2.3.4"); err != nil {
			t.Fatalf("Admit() call %d: %v", i, err)
		}
	}
}

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	rl := NewRateLimiter(newFakeStore(), nil, 2, 60, zerolog.Nop())
	for i := 0; i < 2; i++ {
		if err := rl.Admit(context.Background(), "1.2.3.4"); err != nil {
			t.Fatalf("Admit() call %d: %v", i, err)
		}
	}
	if err := rl.Admit(context.Background(), "1.2.3.4"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Admit() over limit = %v, want ErrRateLimited", err)
	}
}

func TestRateLimiter_FailsOpenWithoutFallback(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("store unavailable")
	rl := NewRateLimiter(store, nil, 1, 60, zerolog.Nop())

	if err := rl.Admit(context.Background(), "1.2.3.4"); err != nil {
		t.Errorf("Admit() with failing store and no fallback = %v, want nil (fail-open)", err)
	}
}

func TestRateLimiter_UsesFallbackOnPrimaryError(t *testing.T) {
	primary := newFakeStore()
	primary.err = errors.New("store unavailable")
	fallback := newFakeStore()
	rl := NewRateLimiter(primary, fallback, 1, 60, zerolog.Nop())

	if err := rl.Admit(context.Background(), "1.2.3.4"); err != nil {
		t.Fatalf("first Admit() via fallback: %v", err)
	}
	if err := rl.Admit(context.Background(), "1.2.3.4"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second Admit() via fallback = %v, want ErrRateLimited (limit=1)", err)
	}
}

func TestRateLimiter_NilStoreAlwaysAdmits(t *testing.T) {
	rl := NewRateLimiter(nil, nil, 1, 60, zerolog.Nop())
	if err := rl.Admit(context.Background(), "1.2.3.4"); err != nil {
		t.Errorf("Admit() with nil store = %v, want nil", err)
	}
}

func TestRateLimiter_SanitizeHeaders_PassesEverythingVerbatim(t *testing.T) {
	rl := NewRateLimiter(nil, nil, 1, 60, zerolog.Nop())
	h := http.Header{}
	h.Set("Cookie", "session=abc")
	h.Set("Authorization", "Bearer xyz")
	h.Set("X-Custom", "value")

	out := rl.SanitizeHeaders(h)
	for _, want := range []string{"Cookie", "Authorization", "X-Custom"} {
		if _, ok := out[want]; !ok {
			t.Errorf("SanitizeHeaders() dropped %q, want headers relayed verbatim per spec.md §4.G", want)
		}
	}
}
