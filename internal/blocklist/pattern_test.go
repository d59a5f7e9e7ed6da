package blocklist

import "testing"

func TestPatternExactMatch(t *testing.T) {
	bl := NewPattern([]string{"example.org"})
	if bl == nil {
		t.Fatalf("expected blocklist to be created")
	}
	if !bl.IsBlocked("example.org") {
		t.Fatalf("expected example.org to be blocked")
	}
	if bl.IsBlocked("sub.example.org") {
		t.Fatalf("did not expect subdomains to match an exact entry")
	}
}

func TestPatternWildcardSuffix(t *testing.T) {
	bl := NewPattern([]string{"*.ru"})
	if bl == nil {
		t.Fatalf("expected blocklist to be created")
	}
	cases := []struct {
		host    string
		blocked bool
	}{
		{"example.ru", true},
		{"sub.domain.ru", true},
		{"ru", true},
		{"example.com", false},
	}
	for _, tc := range cases {
		if got := bl.IsBlocked(tc.host); got != tc.blocked {
			t.Fatalf("host %q blocked=%v, want %v", tc.host, got, tc.blocked)
		}
	}
}

func TestPatternNilBlocklist(t *testing.T) {
	var bl *Pattern
	if bl.IsBlocked("anything") {
		t.Fatalf("nil blocklist should never block")
	}
}

func TestNewPatternAllBlankReturnsNil(t *testing.T) {
	if bl := NewPattern([]string{" ", ""}); bl != nil {
		t.Fatalf("expected nil blocklist for all-blank input")
	}
}
