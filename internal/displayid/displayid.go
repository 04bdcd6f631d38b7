// Package displayid issues the human-facing, role-prefixed identifiers shown
// for users (AGT-XXXXXX for agents, TNT-XXXXXX for everyone else).
package displayid

import (
	"crypto/rand"
	"fmt"
	"io"
	"regexp"

	"github.com/spaceya/propsync/internal/appstate"
)

const (
	AgentPrefix  = "AGT"
	TenantPrefix = "TNT"

	alphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	suffixLength = 6
	// Largest multiple of len(alphabet) that fits in a byte; bytes at or above
	// it are redrawn so every character is equally likely.
	rejectAbove = 256 - 256%len(alphabet)
)

var pattern = regexp.MustCompile(`^(AGT|TNT)-[A-Z0-9]{6}$`)

// Generator draws identifiers from Reader, which defaults to crypto/rand.
type Generator struct {
	Reader io.Reader
}

func New() *Generator {
	return &Generator{Reader: rand.Reader}
}

// Generate returns an identifier for role that is not in existing. It keeps
// drawing until it finds a free value.
func (g *Generator) Generate(role appstate.UserRole, existing map[string]struct{}) (string, error) {
	prefix := TenantPrefix
	if role == appstate.RoleAgent {
		prefix = AgentPrefix
	}
	for {
		suffix, err := g.suffix()
		if err != nil {
			return "", err
		}
		id := prefix + "-" + suffix
		if _, taken := existing[id]; !taken {
			return id, nil
		}
	}
}

func (g *Generator) suffix() (string, error) {
	reader := g.Reader
	if reader == nil {
		reader = rand.Reader
	}
	out := make([]byte, 0, suffixLength)
	buf := make([]byte, suffixLength*2)
	for len(out) < suffixLength {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= rejectAbove {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == suffixLength {
				break
			}
		}
	}
	return string(out), nil
}

// Valid reports whether id has the display identifier format.
func Valid(id string) bool {
	return pattern.MatchString(id)
}

// ExistingSet collects the display identifiers already issued to users.
func ExistingSet(users []appstate.User) map[string]struct{} {
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u.DisplayID != "" {
			set[u.DisplayID] = struct{}{}
		}
	}
	return set
}
