package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MinAccountIDLen is the shortest account identifier accepted by the host.
	MinAccountIDLen = 2
	// MaxAccountIDLen is the longest account identifier accepted by the host.
	MaxAccountIDLen = 64
)

// ErrInvalidAccountID is returned when an identifier violates the naming rules.
var ErrInvalidAccountID = errors.New("identity: invalid account id")

var accountIDPattern = regexp.MustCompile(`^(([a-z\d]+[\-_])*[a-z\d]+\.)*([a-z\d]+[\-_])*[a-z\d]+$`)

// AccountID is a hierarchical, dot separated account name such as
// "dao.sputnik". The right-most label is the top level namespace.
type AccountID string

// ParseAccountID normalises and validates a raw identifier.
func ParseAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < MinAccountIDLen || len(trimmed) > MaxAccountIDLen {
		return "", fmt.Errorf("%w: %q must be %d-%d characters", ErrInvalidAccountID, trimmed, MinAccountIDLen, MaxAccountIDLen)
	}
	if !accountIDPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountID, trimmed)
	}
	return AccountID(trimmed), nil
}

// MustParseAccountID panics when raw is not a valid account id. Intended for
// constants and tests.
func MustParseAccountID(raw string) AccountID {
	id, err := ParseAccountID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String implements fmt.Stringer.
func (id AccountID) String() string { return string(id) }

// Validate reports whether the identifier satisfies the naming rules. Unlike
// ParseAccountID it does not normalise, so surrounding whitespace is an error.
func (id AccountID) Validate() error {
	if strings.TrimSpace(string(id)) != string(id) {
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidAccountID, string(id))
	}
	_, err := ParseAccountID(string(id))
	return err
}

// Parent returns the namespace the account was created under. Top level
// accounts have no parent.
func (id AccountID) Parent() (AccountID, bool) {
	idx := strings.IndexByte(string(id), '.')
	if idx < 0 {
		return "", false
	}
	return id[idx+1:], true
}

// IsSubAccountOf reports whether id is a direct child of parent, i.e. it has
// the form "<label>.<parent>" with a single label.
func (id AccountID) IsSubAccountOf(parent AccountID) bool {
	if parent == "" {
		return false
	}
	got, ok := id.Parent()
	if !ok {
		return false
	}
	return got == parent
}
