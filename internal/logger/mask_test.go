package logger

import "testing"

func TestMaskKey(t *testing.T) {
	cases := map[string]string{
		"":             "",
		"abcd":         "****",
		"K-TEST":       "****TEST",
		"sk_live_abcd": "****abcd",
	}
	for in, want := range cases {
		if got := MaskKey(in); got != want {
			t.Fatalf("MaskKey(%q) = %q, want %q", in, got, want)
		}
	}
}
