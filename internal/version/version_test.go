package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	got := String()
	if !strings.HasPrefix(got, Version) || !strings.Contains(got, Commit) {
		t.Errorf("String() = %q", got)
	}
}

func TestAttrs(t *testing.T) {
	attrs := Attrs()
	if len(attrs) != 6 {
		t.Fatalf("len(Attrs()) = %d, want 6", len(attrs))
	}
	if attrs[0] != "version" || attrs[1] != Version {
		t.Errorf("Attrs() = %v", attrs)
	}
}
