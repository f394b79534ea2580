package governor

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/mobo/internal/database"
	"github.com/nugget/mobo/internal/ratelimit"
)

func testGovernor(t *testing.T, cfg Config) *Governor {
	t.Helper()
	db, err := database.Open(database.DriverPureGo, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	g, err := New(db, cfg, nil, nil)
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	return g
}

func TestAdmit_FirstInteraction(t *testing.T) {
	g := testGovernor(t, Config{MaxConsecutive: 3, Cooldown: time.Minute})

	a := g.Admit(context.Background(), "bot-b", "C2", true)
	if !a.Allowed || a.CurrentCount != 0 {
		t.Errorf("Admit() = %+v, want allowed with count 0", a)
	}

	c, err := g.Counter(context.Background(), "bot-b", "C2")
	if err != nil {
		t.Fatalf("Counter(): %v", err)
	}
	if c == nil || c.Count != 1 || !c.Active {
		t.Errorf("Counter() = %+v, want count 1 active", c)
	}
}

func TestAdmit_BotCeiling(t *testing.T) {
	g := testGovernor(t, Config{MaxConsecutive: 3, Cooldown: time.Minute})
	ctx := context.Background()

	for i := range 3 {
		a := g.Admit(ctx, "bot-b", "C2", true)
		if !a.Allowed {
			t.Fatalf("message %d: Admit() denied: %s", i+1, a.Reason)
		}
		if a.CurrentCount != i {
			t.Errorf("message %d: CurrentCount = %d, want %d", i+1, a.CurrentCount, i)
		}
	}

	a := g.Admit(ctx, "bot-b", "C2", true)
	if a.Allowed {
		t.Fatalf("4th message admitted, want suppressed")
	}
	if a.CurrentCount != 3 {
		t.Errorf("4th message CurrentCount = %d, want 3", a.CurrentCount)
	}
	if a.Reason == "" {
		t.Error("suppression should carry a reason")
	}
}

func TestAdmit_DenialDoesNotExtendCooldown(t *testing.T) {
	g := testGovernor(t, Config{MaxConsecutive: 1, Cooldown: time.Minute})
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := start
	g.now = func() time.Time { return now }

	if a := g.Admit(ctx, "bot", "C", true); !a.Allowed {
		t.Fatalf("first Admit() denied")
	}
	now = now.Add(30 * time.Second)
	if a := g.Admit(ctx, "bot", "C", true); a.Allowed {
		t.Fatalf("second Admit() allowed within cooldown")
	}

	c, err := g.Counter(ctx, "bot", "C")
	if err != nil {
		t.Fatalf("Counter(): %v", err)
	}
	if !c.LastSeenAt.Equal(start) {
		t.Errorf("LastSeenAt = %v, want %v", c.LastSeenAt, start)
	}

	now = start.Add(time.Minute)
	if a := g.Admit(ctx, "bot", "C", true); !a.Allowed || a.CurrentCount != 0 {
		t.Errorf("Admit() after cooldown = %+v, want allowed with count 0", a)
	}
}

func TestAdmit_HumanResetsChannel(t *testing.T) {
	g := testGovernor(t, Config{MaxConsecutive: 2, Cooldown: time.Hour})
	ctx := context.Background()

	for range 2 {
		g.Admit(ctx, "bot-a", "C1", true)
		g.Admit(ctx, "bot-b", "C1", true)
		g.Admit(ctx, "bot-a", "C9", true)
	}
	if a := g.Admit(ctx, "bot-a", "C1", true); a.Allowed {
		t.Fatal("bot-a should be suppressed before the human speaks")
	}

	human := g.Admit(ctx, "alice", "C1", false)
	if !human.Allowed {
		t.Fatalf("human message denied: %+v", human)
	}

	for _, bot := range []string{"bot-a", "bot-b"} {
		a := g.Admit(ctx, bot, "C1", true)
		if !a.Allowed || a.CurrentCount != 0 {
			t.Errorf("%s after human message: Admit() = %+v, want allowed with count 0", bot, a)
		}
	}

	// Other channels keep their counters.
	if a := g.Admit(ctx, "bot-a", "C9", true); a.Allowed {
		t.Errorf("bot-a in C9 should still be suppressed, got %+v", a)
	}
}

func TestAdmit_CooldownReset(t *testing.T) {
	cooldown := time.Minute
	g := testGovernor(t, Config{MaxConsecutive: 3, Cooldown: cooldown})
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := g.record(ctx, "bot-b", "C2", 3, now.Add(-cooldown-time.Second)); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	g.now = func() time.Time { return now }

	a := g.Admit(ctx, "bot-b", "C2", true)
	if !a.Allowed || a.CurrentCount != 0 {
		t.Fatalf("Admit() = %+v, want allowed with count 0", a)
	}

	c, err := g.Counter(ctx, "bot-b", "C2")
	if err != nil {
		t.Fatalf("Counter(): %v", err)
	}
	if c.Count != 1 {
		t.Errorf("Count after reset = %d, want 1", c.Count)
	}
}

func TestAdmit_UnlimitedWhenCeilingZero(t *testing.T) {
	g := testGovernor(t, Config{MaxConsecutive: 0, Cooldown: time.Minute})
	ctx := context.Background()
	for i := range 50 {
		if a := g.Admit(ctx, "bot", "C", true); !a.Allowed {
			t.Fatalf("message %d denied with ceiling disabled", i+1)
		}
	}
}

func TestAdmit_NoCooldownNeverResetsByTime(t *testing.T) {
	g := testGovernor(t, Config{MaxConsecutive: 1})
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	g.Admit(ctx, "bot", "C", true)
	now = now.Add(30 * 24 * time.Hour)
	if a := g.Admit(ctx, "bot", "C", true); a.Allowed {
		t.Errorf("Admit() = %+v, want suppressed with no cooldown", a)
	}
}

func TestAdmit_HourlyCeiling(t *testing.T) {
	db, err := database.Open(database.DriverPureGo, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	limiter, err := ratelimit.New(db, nil)
	if err != nil {
		t.Fatalf("ratelimit.New(): %v", err)
	}
	g, err := New(db, Config{MaxConsecutive: 10, Cooldown: time.Minute, MaxPerHour: 2}, limiter, nil)
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	ctx := context.Background()

	for i := range 2 {
		if a := g.Admit(ctx, "bot", "C", true); !a.Allowed {
			t.Fatalf("message %d denied: %s", i+1, a.Reason)
		}
	}
	a := g.Admit(ctx, "bot", "C", true)
	if a.Allowed {
		t.Fatal("3rd message admitted past hourly ceiling")
	}

	// The hourly ceiling is scoped per channel.
	if a := g.Admit(ctx, "bot", "other", true); !a.Allowed {
		t.Errorf("other channel denied: %s", a.Reason)
	}
}

func TestAdmit_FailsOpen(t *testing.T) {
	g := testGovernor(t, Config{MaxConsecutive: 1, Cooldown: time.Hour})
	ctx := context.Background()

	g.Admit(ctx, "bot", "C", true)
	g.db.Close()

	a := g.Admit(ctx, "bot", "C", true)
	if !a.Allowed {
		t.Errorf("Admit() with broken store = %+v, want allowed", a)
	}
	if h := g.Admit(ctx, "alice", "C", false); !h.Allowed {
		t.Errorf("human Admit() with broken store = %+v, want allowed", h)
	}
}

func TestSweep(t *testing.T) {
	g := testGovernor(t, Config{MaxConsecutive: 3, Cooldown: time.Minute})
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	if err := g.record(ctx, "old", "C", 2, now.Add(-8*24*time.Hour)); err != nil {
		t.Fatalf("seed old: %v", err)
	}
	if err := g.record(ctx, "fresh", "C", 2, now.Add(-time.Hour)); err != nil {
		t.Fatalf("seed fresh: %v", err)
	}

	n, err := g.Sweep(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("Sweep(): %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep() removed %d, want 1", n)
	}
	if c, _ := g.Counter(ctx, "old", "C"); c != nil {
		t.Errorf("old counter survived sweep: %+v", c)
	}
	if c, _ := g.Counter(ctx, "fresh", "C"); c == nil {
		t.Error("fresh counter was swept")
	}
}

func TestSweep_KeepsActiveWithoutCooldown(t *testing.T) {
	g := testGovernor(t, Config{MaxConsecutive: 3})
	ctx := context.Background()
	old := time.Now().Add(-30 * 24 * time.Hour)

	if err := g.record(ctx, "bot", "C", 3, old); err != nil {
		t.Fatalf("seed: %v", err)
	}
	n, err := g.Sweep(ctx, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("Sweep(): %v", err)
	}
	if n != 0 {
		t.Errorf("Sweep() removed %d active counters, want 0", n)
	}
}
