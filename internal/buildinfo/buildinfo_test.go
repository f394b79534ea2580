package buildinfo

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, "mobo "+Version) {
		t.Errorf("String() = %q, want prefix %q", s, "mobo "+Version)
	}
}

func TestUserAgent(t *testing.T) {
	if got, want := UserAgent(), "mobo/"+Version; got != want {
		t.Errorf("UserAgent() = %q, want %q", got, want)
	}
}

func TestLogAttrs_EvenPairs(t *testing.T) {
	attrs := LogAttrs()
	if len(attrs)%2 != 0 {
		t.Fatalf("LogAttrs() has %d elements, want key/value pairs", len(attrs))
	}
	for i := 0; i < len(attrs); i += 2 {
		if _, ok := attrs[i].(string); !ok {
			t.Errorf("LogAttrs()[%d] = %v, want string key", i, attrs[i])
		}
	}
}
