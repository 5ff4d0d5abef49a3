// Package recipients resolves a raw recipient request into an ordered,
// deduplicated set of qualified recipient identifiers.
package recipients

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation  = errors.New("invalid recipients")
	ErrUnknownList = errors.New("unknown recipient list")
)

const (
	minDigits = 7
	maxDigits = 15

	legacyServer = "c.us"
)

// Spec is a recipient request as submitted by a caller.
type Spec struct {
	Recipients       []string `json:"recipients,omitempty"`         // phone numbers or qualified ids
	List             string   `json:"list,omitempty"`               // named list
	AllContacts      bool     `json:"all_contacts,omitempty"`       // every known contact of the owner
	IncludeOwnDevice bool     `json:"include_own_device,omitempty"` // the owner's own other devices
}

// Sources is what a session knows about its owner.
type Sources struct {
	Owner         string
	Contacts      []string
	Lists         map[string][]string
	DefaultServer string
}

// Dropped is an entry that could not be qualified.
type Dropped struct {
	Input  string `json:"input"`
	Reason string `json:"reason"`
}

type Result struct {
	Recipients []string  `json:"recipients"`
	Dropped    []Dropped `json:"dropped,omitempty"`
}

// Normalize qualifies and deduplicates recipients, keeping the first occurrence.
// Explicit entries come first, then list members, contacts, and the owner.
// Malformed entries are dropped and reported; an empty result is a validation error.
func Normalize(spec Spec, src Sources) (Result, error) {
	server := src.DefaultServer
	if server == "" {
		server = "s.whatsapp.net"
	}

	var res Result
	seen := make(map[string]struct{})
	add := func(raw string) {
		id, err := Qualify(raw, server)
		if err != nil {
			res.Dropped = append(res.Dropped, Dropped{Input: raw, Reason: err.Error()})
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		res.Recipients = append(res.Recipients, id)
	}

	for _, r := range spec.Recipients {
		add(r)
	}

	if spec.List != "" {
		members, ok := src.Lists[spec.List]
		if !ok {
			return Result{}, fmt.Errorf("%w: %w: %q", ErrValidation, ErrUnknownList, spec.List)
		}
		for _, m := range members {
			add(m)
		}
	}

	if spec.AllContacts {
		for _, c := range src.Contacts {
			add(c)
		}
	}

	if spec.IncludeOwnDevice && src.Owner != "" {
		add(src.Owner)
	}

	if len(res.Recipients) == 0 {
		return res, fmt.Errorf("%w: no deliverable recipients (%d dropped)", ErrValidation, len(res.Dropped))
	}
	return res, nil
}

// Qualify turns a phone-number-like string or an identifier into user@server form.
// Formatting characters are stripped from bare numbers only; qualified
// identifiers keep their user part as given.
func Qualify(raw, server string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("empty")
	}

	user, host, qualified := strings.Cut(s, "@")
	if !qualified {
		user = strings.Map(func(r rune) rune {
			switch r {
			case '+', '-', '.', '(', ')', ' ':
				return -1
			}
			return r
		}, user)
		if err := checkNumber(user); err != nil {
			return "", err
		}
		return user + "@" + server, nil
	}

	if host == "" {
		return "", errors.New("missing server")
	}
	if user == "" || strings.ContainsAny(user, " \t") {
		return "", fmt.Errorf("invalid user %q", user)
	}
	if host == legacyServer {
		host = server
	}
	// Only user JIDs on the phone server carry a number; groups and other
	// servers use their own identifier shapes.
	if host == server {
		if err := checkNumber(user); err != nil {
			return "", err
		}
	}
	return user + "@" + host, nil
}

// checkNumber validates the number part of a user; device suffixes ("123:4")
// are allowed.
func checkNumber(user string) error {
	number, _, _ := strings.Cut(user, ":")
	if len(number) < minDigits || len(number) > maxDigits {
		return fmt.Errorf("expected %d-%d digits, got %d", minDigits, maxDigits, len(number))
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return fmt.Errorf("non-digit %q", r)
		}
	}
	return nil
}
