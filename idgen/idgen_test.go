package idgen

import (
	"slices"
	"strings"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"
)

func TestNanoID_LengthAndAlphabet(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 64).Draw(t, "length")
		id := NanoID(n)()
		if len(id) != n {
			t.Fatalf("NanoID(%d) length = %d", n, len(id))
		}
		if i := strings.IndexFunc(id, func(r rune) bool { return !strings.ContainsRune(base36, r) }); i >= 0 {
			t.Fatalf("NanoID: %q outside base36 in %q", id[i], id)
		}
	})
}

func TestNanoID_Uniqueness(t *testing.T) {
	gen := NanoID(12)
	seen := make(map[string]bool, 1000)
	for i := range 1000 {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate at iteration %d: %q", i, id)
		}
		seen[id] = true
	}
}

func TestUUIDv7_SortsByCreation(t *testing.T) {
	gen := UUIDv7()
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = gen()
	}
	if !slices.IsSorted(ids) {
		t.Fatalf("UUIDv7 ids not in creation order: %v", ids)
	}
	u, err := uuid.Parse(ids[0])
	if err != nil || u.Version() != 7 {
		t.Fatalf("uuid.Parse(%q) = version %d, err %v", ids[0], u.Version(), err)
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("trc_", NanoID(8))()
	if !strings.HasPrefix(id, "trc_") || len(id) != 12 {
		t.Fatalf("Prefixed id = %q", id)
	}
}

func TestNew_UsesDefault(t *testing.T) {
	saved := Default
	t.Cleanup(func() { Default = saved })
	Default = func() string { return "fixed" }
	if got := New(); got != "fixed" {
		t.Fatalf("New() = %q", got)
	}
}
