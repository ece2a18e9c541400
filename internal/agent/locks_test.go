package agent

import "testing"

type owner struct{ name string }

func grantTokens(grants []Grant) []string {
	out := make([]string, 0, len(grants))
	for _, g := range grants {
		out = append(out, g.Token)
	}
	return out
}

func TestSharedLeasesCoexist(t *testing.T) {
	t.Parallel()
	table := NewLockTable()
	a, b := &owner{"a"}, &owner{"b"}
	if _, ok := table.Acquire(a, "r", false); !ok {
		t.Fatalf("first shared not granted")
	}
	if _, ok := table.Acquire(b, "r", false); !ok {
		t.Fatalf("second shared not granted")
	}
	if held, queued := table.Stats(); held != 2 || queued != 0 {
		t.Fatalf("unexpected stats held=%d queued=%d", held, queued)
	}
}

func TestExclusiveQueuesBehindShared(t *testing.T) {
	t.Parallel()
	table := NewLockTable()
	a, b, c := &owner{"a"}, &owner{"b"}, &owner{"c"}
	sh, _ := table.Acquire(a, "r", false)
	ex, granted := table.Acquire(b, "r", true)
	if granted {
		t.Fatalf("exclusive granted while shared held")
	}
	// A shared request must not overtake the queued writer.
	late, granted := table.Acquire(c, "r", false)
	if granted {
		t.Fatalf("shared request overtook queued exclusive")
	}
	grants := table.Release(a, sh)
	if len(grants) != 1 || grants[0].Token != ex || grants[0].Owner != b {
		t.Fatalf("expected exclusive grant, got %+v", grants)
	}
	grants = table.Release(b, ex)
	if len(grants) != 1 || grants[0].Token != late {
		t.Fatalf("expected late shared grant, got %v", grantTokens(grants))
	}
}

func TestConsecutiveSharedHeadsGrantedTogether(t *testing.T) {
	t.Parallel()
	table := NewLockTable()
	w, r1, r2, w2 := &owner{"w"}, &owner{"r1"}, &owner{"r2"}, &owner{"w2"}
	ex, _ := table.Acquire(w, "r", true)
	s1, _ := table.Acquire(r1, "r", false)
	s2, _ := table.Acquire(r2, "r", false)
	ex2, _ := table.Acquire(w2, "r", true)
	got := grantTokens(table.Release(w, ex))
	if len(got) != 2 || got[0] != s1 || got[1] != s2 {
		t.Fatalf("expected both shared heads, got %v", got)
	}
	if grants := table.Release(r1, s1); len(grants) != 0 {
		t.Fatalf("writer granted while a reader still holds: %v", grantTokens(grants))
	}
	got = grantTokens(table.Release(r2, s2))
	if len(got) != 1 || got[0] != ex2 {
		t.Fatalf("expected second writer, got %v", got)
	}
}

func TestReleasePendingCancels(t *testing.T) {
	t.Parallel()
	table := NewLockTable()
	a, b := &owner{"a"}, &owner{"b"}
	ex, _ := table.Acquire(a, "r", true)
	pending, granted := table.Acquire(b, "r", true)
	if granted {
		t.Fatalf("second exclusive granted")
	}
	if grants := table.Release(b, pending); len(grants) != 0 {
		t.Fatalf("cancel produced grants %v", grantTokens(grants))
	}
	if grants := table.Release(a, ex); len(grants) != 0 {
		t.Fatalf("cancelled request was granted: %v", grantTokens(grants))
	}
	if held, queued := table.Stats(); held != 0 || queued != 0 {
		t.Fatalf("expected empty table, held=%d queued=%d", held, queued)
	}
}

func TestReleaseUnknownOrForeignTokenIgnored(t *testing.T) {
	t.Parallel()
	table := NewLockTable()
	a, b := &owner{"a"}, &owner{"b"}
	if grants := table.Release(a, "nope"); grants != nil {
		t.Fatalf("unknown token produced grants")
	}
	ex, _ := table.Acquire(a, "r", true)
	table.Release(b, ex)
	if _, granted := table.Acquire(b, "r", false); granted {
		t.Fatalf("foreign release dropped the holder")
	}
}

func TestReleaseOwnerPromotesWaiters(t *testing.T) {
	t.Parallel()
	table := NewLockTable()
	a, b := &owner{"a"}, &owner{"b"}
	table.Acquire(a, "r1", true)
	table.Acquire(a, "r2", false)
	queued, _ := table.Acquire(b, "r1", true)
	table.Acquire(a, "r1", false)
	grants := table.ReleaseOwner(a)
	if len(grants) != 1 || grants[0].Token != queued || grants[0].ResourceID != "r1" {
		t.Fatalf("expected b's grant on r1, got %+v", grants)
	}
	if held, queuedN := table.Stats(); held != 1 || queuedN != 0 {
		t.Fatalf("unexpected stats held=%d queued=%d", held, queuedN)
	}
}
