package correlation

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "job-42", want: "job-42", ok: true},
		{in: "  padded  ", want: "padded", ok: true},
		{in: ""},
		{in: "   "},
		{in: strings.Repeat("x", MaxIDLength+1)},
		{in: "tab\there"},
		{in: "naïve"},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Normalize(%q) = %q,%v want %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestWithIgnoresInvalidAndShadows(t *testing.T) {
	ctx := context.Background()
	if got := ID(With(ctx, "\x00")); got != "" {
		t.Fatalf("invalid id stored: %q", got)
	}
	outer := With(ctx, "outer")
	inner := With(outer, "inner")
	if ID(outer) != "outer" || ID(inner) != "inner" {
		t.Fatalf("ids = %q/%q", ID(outer), ID(inner))
	}
}

func TestLoggerAddsField(t *testing.T) {
	var buf bytes.Buffer
	base := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.InfoLevel,
	})
	Logger(With(context.Background(), "req-7"), base).Info("probe")
	if out := buf.String(); !strings.Contains(out, "cid") || !strings.Contains(out, "req-7") {
		t.Fatalf("missing cid in %q", buf.String())
	}
	buf.Reset()
	Logger(context.Background(), base).Info("probe")
	if strings.Contains(buf.String(), "cid") {
		t.Fatalf("unexpected cid in %q", buf.String())
	}
}

func TestNewIsUnique(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatalf("duplicate ids %q", a)
	}
	if _, ok := Normalize(a); !ok {
		t.Fatalf("generated id %q does not normalize", a)
	}
}
