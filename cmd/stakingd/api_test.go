package main

import "testing"

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0", 0, true},
		{"1", 1_000_000, true},
		{"1000.5", 1_000_500_000, true},
		{"0.000001", 1, true},
		{".25", 250_000, true},
		{"7.", 7_000_000, true},
		{"", 0, false},
		{".", 0, false},
		{"1.0000001", 0, false},
		{"12a", 0, false},
		{"-5", 0, false},
		{"999999999999999999999", 0, false},
	}
	for _, c := range cases {
		got, err := parseAmount(c.in)
		if c.ok && err != nil {
			t.Errorf("parseAmount(%q) failed: %v", c.in, err)
			continue
		}
		if !c.ok {
			if err == nil {
				t.Errorf("parseAmount(%q) = %d, want error", c.in, got)
			}
			continue
		}
		if got != c.want {
			t.Errorf("parseAmount(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		in   uint64
		want string
	}{
		{0, "0"},
		{1_000_000, "1"},
		{1_000_500_000, "1000.5"},
		{1, "0.000001"},
		{250_000, "0.25"},
	}
	for _, c := range cases {
		if got := formatAmount(c.in); got != c.want {
			t.Errorf("formatAmount(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, raw := range []uint64{0, 1, 999_999, 1_000_000, 123_456_789, 1_000_500_000} {
		s := formatAmount(raw)
		back, err := parseAmount(s)
		if err != nil {
			t.Fatalf("parseAmount(formatAmount(%d)=%q) failed: %v", raw, s, err)
		}
		if back != raw {
			t.Errorf("round trip %d -> %q -> %d", raw, s, back)
		}
	}
}
