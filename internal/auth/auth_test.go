package auth

import (
	"fmt"
	"testing"
	"time"
)

func TestValidateToken(t *testing.T) {
	g := NewGate("secret")
	if !g.Enabled() {
		t.Error("Enabled should be true with a configured token")
	}
	if !g.ValidateToken("secret") {
		t.Error("correct token rejected")
	}
	if g.ValidateToken("wrong") {
		t.Error("wrong token accepted")
	}
	if g.ValidateToken("") {
		t.Error("empty token accepted")
	}
}

func TestValidateToken_Disabled(t *testing.T) {
	g := NewGate("")
	if g.Enabled() {
		t.Error("Enabled should be false with no token")
	}
	if !g.ValidateToken("anything") || !g.ValidateToken("") {
		t.Error("no-auth mode must accept every token")
	}
}

func TestAllow_SlidingWindow(t *testing.T) {
	g := NewGate("")
	now := time.Unix(1000, 0)
	g.nowFunc = func() time.Time { return now }

	// 3 requests per second: the 4th within the window must be rejected.
	for i := 0; i < 3; i++ {
		if !g.Allow("10.0.0.1", 3, time.Second) {
			t.Fatalf("request %d rejected inside limit", i+1)
		}
	}
	if g.Allow("10.0.0.1", 3, time.Second) {
		t.Fatal("4th request inside the window was allowed")
	}

	// A different identifier is unaffected.
	if !g.Allow("10.0.0.2", 3, time.Second) {
		t.Error("independent identifier rejected")
	}

	// After the window elapses the identifier is accepted again.
	now = now.Add(1100 * time.Millisecond)
	if !g.Allow("10.0.0.1", 3, time.Second) {
		t.Error("request after window elapsed was rejected")
	}
}

func TestAllow_ZeroConfigMeansUnlimited(t *testing.T) {
	g := NewGate("")
	for i := 0; i < 100; i++ {
		if !g.Allow("x", 0, 0) {
			t.Fatal("Allow with zero limits should always pass")
		}
	}
}

func TestSweep(t *testing.T) {
	g := NewGate("")
	now := time.Unix(1000, 0)
	g.nowFunc = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		g.Allow(fmt.Sprintf("id-%d", i), 10, time.Minute)
	}

	now = now.Add(10 * time.Minute)
	g.Allow("fresh", 10, time.Minute)

	if removed := g.Sweep(5 * time.Minute); removed != 5 {
		t.Fatalf("Sweep removed %d identifiers, want 5", removed)
	}

	// The fresh identifier must survive and keep its window.
	if removed := g.Sweep(5 * time.Minute); removed != 0 {
		t.Fatalf("second Sweep removed %d, want 0", removed)
	}
}
