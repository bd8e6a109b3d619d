// Package passphrase resolves the custodial keystore passphrase for escrowd
// and escrowctl.
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves the passphrase once, from an environment variable or an
// interactive prompt, and caches the result.
type Source struct {
	envVar string
	lookup func(string) (string, bool)
	prompt func() ([]byte, error)
	out    io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{
		envVar: strings.TrimSpace(envVar),
		lookup: os.LookupEnv,
		prompt: readTerminal,
		out:    os.Stderr,
	}
}

func readTerminal() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errNoTerminal
	}
	return term.ReadPassword(fd)
}

var errNoTerminal = errors.New("no terminal available")

// Get returns the cached passphrase or resolves it on first use. An
// environment value is used verbatim; blank passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookup(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	fmt.Fprint(s.out, "Enter escrow keystore passphrase: ")
	raw, err := s.prompt()
	fmt.Fprintln(s.out)
	if errors.Is(err, errNoTerminal) {
		if s.envVar != "" {
			return "", fmt.Errorf("keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("keystore passphrase required and no terminal available")
	}
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	return string(raw), nil
}
