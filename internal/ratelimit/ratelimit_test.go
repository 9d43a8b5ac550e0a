package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(limits map[Class]Limit) (*Limiter, *time.Time) {
	l := New(limits)
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowUpToMax(t *testing.T) {
	l, _ := newTestLimiter(map[Class]Limit{
		ClassUpload: {Window: time.Minute, Max: 3},
	})

	for i := 0; i < 3; i++ {
		if res := l.Allow("u1", ClassUpload); !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	res := l.Allow("u1", ClassUpload)
	if res.Allowed {
		t.Fatal("4th request should be rejected")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry-after %v", res.RetryAfter)
	}
}

func TestWindowReset(t *testing.T) {
	l, now := newTestLimiter(map[Class]Limit{
		ClassUpload: {Window: time.Minute, Max: 1},
	})

	if !l.Allow("u1", ClassUpload).Allowed {
		t.Fatal("first request allowed")
	}
	if l.Allow("u1", ClassUpload).Allowed {
		t.Fatal("second request within window rejected")
	}

	*now = now.Add(time.Minute)
	if !l.Allow("u1", ClassUpload).Allowed {
		t.Fatal("request after window elapse should be allowed")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[Class]Limit{
		ClassDeletion: {Window: time.Minute, Max: 1},
	})

	if !l.Allow("u1", ClassDeletion).Allowed {
		t.Fatal("u1 allowed")
	}
	if !l.Allow("u2", ClassDeletion).Allowed {
		t.Fatal("u2 must have its own budget")
	}
	if l.Allow("u1", ClassDeletion).Allowed {
		t.Fatal("u1 exhausted")
	}
}

func TestClassesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[Class]Limit{
		ClassUpload:   {Window: time.Minute, Max: 1},
		ClassDeletion: {Window: time.Minute, Max: 1},
	})

	if !l.Allow("u1", ClassUpload).Allowed {
		t.Fatal("upload allowed")
	}
	if !l.Allow("u1", ClassDeletion).Allowed {
		t.Fatal("deletion budget is separate from upload")
	}
}

func TestUnknownClassAlwaysAllowed(t *testing.T) {
	l, _ := newTestLimiter(map[Class]Limit{})
	for i := 0; i < 100; i++ {
		if !l.Allow("u1", Class("mystery")).Allowed {
			t.Fatal("unknown class must not be limited")
		}
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TEST_RATE_LIMIT_FILEOPERATION", "2:1000")
	limits := DefaultLimits()
	l := limits[ClassFileOperation]
	if l.Max != 2 {
		t.Fatalf("expected max override 2, got %d", l.Max)
	}
	if l.Window != time.Second {
		t.Fatalf("expected 1s window override, got %v", l.Window)
	}
}

func TestEnvOverrideMaxOnly(t *testing.T) {
	t.Setenv("TEST_RATE_LIMIT_UPLOAD", "7")
	limits := DefaultLimits()
	l := limits[ClassUpload]
	if l.Max != 7 {
		t.Fatalf("expected max 7, got %d", l.Max)
	}
	if l.Window != 15*time.Minute {
		t.Fatalf("window should keep default, got %v", l.Window)
	}
}

func TestPrune(t *testing.T) {
	l, now := newTestLimiter(map[Class]Limit{
		ClassUpload: {Window: time.Minute, Max: 5},
	})
	l.Allow("u1", ClassUpload)
	l.Allow("u2", ClassUpload)

	*now = now.Add(2 * time.Minute)
	if removed := l.Prune(); removed != 2 {
		t.Fatalf("expected 2 pruned buckets, got %d", removed)
	}
}
