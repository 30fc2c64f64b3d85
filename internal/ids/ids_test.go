package ids

import (
	"sort"
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	var got []string
	for i := 0; i < 100; i++ {
		got = append(got, New())
	}
	if !sort.StringsAreSorted(got) {
		t.Fatal("ids are not monotonic")
	}
	for _, id := range got {
		if !Valid(id) {
			t.Fatalf("invalid id %q", id)
		}
	}
}

func TestNewAtOrdersByTime(t *testing.T) {
	early := NewAt(time.Unix(1_700_000_000, 0))
	late := NewAt(time.Unix(1_800_000_000, 0))
	if early >= late {
		t.Fatalf("expected %s < %s", early, late)
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "abc", "listing-1", "01HZY3M3K5Q9V7W2X8Y4Z6A1B"} {
		if Valid(s) {
			t.Fatalf("Valid(%q) = true", s)
		}
	}
}

func TestSecretLength(t *testing.T) {
	if got := len(Secret(16)); got != 32 {
		t.Fatalf("expected 32 hex chars, got %d", got)
	}
	if Secret(16) == Secret(16) {
		t.Fatal("secrets must differ")
	}
}
