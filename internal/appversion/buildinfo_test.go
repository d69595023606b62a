package appversion

import "testing"

func TestStringIsNeverEmpty(t *testing.T) {
	if String() == "" {
		t.Fatal("String() must not be empty")
	}
}

func TestLdflagsVersionWins(t *testing.T) {
	orig := version
	t.Cleanup(func() { version = orig })

	version = "v9.0.1"
	if got := String(); got != "v9.0.1" {
		t.Fatalf("String() = %q, want v9.0.1", got)
	}
}
