package stable

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1", 1000000},
		{"12.50", 12500000},
		{"0.000001", 1},
		{".5", 500000},
		{"100.", 100000000},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got.Int64() != tc.want {
			t.Errorf("Parse(%q) = %s, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"", "-1", "1.2345678", "abc", "1.2.3"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{1000000, "1"},
		{12500000, "12.5"},
		{1, "0.000001"},
		{100000000, "100"},
	}
	for _, tc := range cases {
		if got := Format(big.NewInt(tc.in)); got != tc.want {
			t.Errorf("Format(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if got := Format(nil); got != "0" {
		t.Errorf("Format(nil) = %q, want 0", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1", "12.5", "0.000001", "999999.999999"} {
		v := MustParse(s)
		if got := Format(v); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}
