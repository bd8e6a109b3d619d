package passphrase

import (
	"io"
	"strings"
	"testing"
)

func testSource(env map[string]string, prompt func() ([]byte, error)) *Source {
	s := NewSource("ESCROWD_KEYSTORE_PASSPHRASE")
	s.lookup = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.prompt = prompt
	s.out = io.Discard
	return s
}

func TestEnvironmentWins(t *testing.T) {
	prompted := false
	s := testSource(map[string]string{"ESCROWD_KEYSTORE_PASSPHRASE": " hunter2 "}, func() ([]byte, error) {
		prompted = true
		return nil, nil
	})
	got, err := s.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != " hunter2 " || prompted {
		t.Fatalf("expected verbatim env value without prompt, got %q prompted=%v", got, prompted)
	}
}

func TestBlankEnvironmentRejected(t *testing.T) {
	s := testSource(map[string]string{"ESCROWD_KEYSTORE_PASSPHRASE": "  "}, nil)
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected error for blank passphrase")
	}
}

func TestPromptIsCached(t *testing.T) {
	calls := 0
	s := testSource(nil, func() ([]byte, error) {
		calls++
		return []byte("from-terminal"), nil
	})
	for i := 0; i < 3; i++ {
		got, err := s.Get()
		if err != nil || got != "from-terminal" {
			t.Fatalf("get %d: %q %v", i, got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single prompt, got %d", calls)
	}
}

func TestNoTerminal(t *testing.T) {
	s := testSource(nil, func() ([]byte, error) { return nil, errNoTerminal })
	_, err := s.Get()
	if err == nil || !strings.Contains(err.Error(), "ESCROWD_KEYSTORE_PASSPHRASE") {
		t.Fatalf("expected hint naming the env var, got %v", err)
	}
}
