package log

import "testing"

func TestGetBeforeSetup(t *testing.T) {
	if Get() == nil {
		t.Fatal("expected a usable logger before explicit Setup")
	}
}

func TestWithComponent(t *testing.T) {
	l := WithComponent("engine")
	if l == nil {
		t.Fatal("expected a logger")
	}
	if l == Get() {
		t.Fatal("expected a derived logger, got the root one")
	}
}
