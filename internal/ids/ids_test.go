package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a >= b {
		t.Fatalf("expected %s < %s", a, b)
	}
}

func TestNewWithPrefix(t *testing.T) {
	id := NewWithPrefix(PrefixCapability)
	if !strings.HasPrefix(id, "cap_") {
		t.Fatalf("unexpected id %q", id)
	}
	ts, ok := Time(id)
	if !ok {
		t.Fatalf("expected timestamp in %q", id)
	}
	if time.Since(ts) > time.Minute {
		t.Fatalf("timestamp too old: %v", ts)
	}
}

func TestTimeRejectsGarbage(t *testing.T) {
	if _, ok := Time("cap_not-a-ulid"); ok {
		t.Fatal("expected parse failure")
	}
}
