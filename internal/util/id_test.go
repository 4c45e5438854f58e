package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	a := NewID("ph")
	b := NewID("ph")
	if !strings.HasPrefix(a, "ph_") || len(a) != len("ph_")+26 {
		t.Fatalf("NewID() = %q, want ph_ followed by 26 characters", a)
	}
	if a == b {
		t.Fatalf("NewID() returned %q twice", a)
	}
	if got := NewID(""); len(got) != 26 {
		t.Fatalf("NewID(\"\") = %q", got)
	}
}
