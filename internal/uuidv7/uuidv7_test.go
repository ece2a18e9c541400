package uuidv7

import (
	"sort"
	"testing"

	"github.com/google/uuid"
)

func TestNewStringIsVersion7AndOrdered(t *testing.T) {
	t.Parallel()
	ids := make([]string, 64)
	for i := range ids {
		ids[i] = NewString()
		parsed, err := uuid.Parse(ids[i])
		if err != nil {
			t.Fatalf("parse %q: %v", ids[i], err)
		}
		if parsed.Version() != 7 {
			t.Fatalf("id %q has version %d", ids[i], parsed.Version())
		}
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("ids issued in sequence are not ordered: %v", ids)
	}
}
