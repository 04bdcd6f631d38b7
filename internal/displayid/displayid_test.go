package displayid

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceya/propsync/internal/appstate"
)

func TestGenerateIsUniqueAndWellFormed(t *testing.T) {
	gen := New()
	existing := map[string]struct{}{}
	roles := []appstate.UserRole{appstate.RoleAgent, appstate.RoleTenant, appstate.RoleAdmin}
	for i := 0; i < 2000; i++ {
		id, err := gen.Generate(roles[i%len(roles)], existing)
		require.NoError(t, err)
		require.True(t, Valid(id), "malformed id %q", id)
		_, dup := existing[id]
		require.False(t, dup, "duplicate id %q", id)
		existing[id] = struct{}{}
	}
	assert.Len(t, existing, 2000)
}

func TestGeneratePrefixesByRole(t *testing.T) {
	gen := New()
	agent, err := gen.Generate(appstate.RoleAgent, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(agent, "AGT-"))

	for _, role := range []appstate.UserRole{appstate.RoleTenant, appstate.RoleAdmin, ""} {
		id, err := gen.Generate(role, nil)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(id, "TNT-"), "role %q got %q", role, id)
	}
}

func TestGenerateRedrawsOnCollision(t *testing.T) {
	// Bytes 0..5 map to "ABCDEF", 6..11 to "GHIJKL".
	first := []byte{0, 1, 2, 3, 4, 5, 0, 1, 2, 3, 4, 5}
	second := []byte{6, 7, 8, 9, 10, 11, 6, 7, 8, 9, 10, 11}
	gen := &Generator{Reader: bytes.NewReader(append(first, second...))}

	id, err := gen.Generate(appstate.RoleTenant, map[string]struct{}{"TNT-ABCDEF": {}})
	require.NoError(t, err)
	assert.Equal(t, "TNT-GHIJKL", id)
}

func TestGenerateSkipsBiasedBytes(t *testing.T) {
	src := []byte{255, 254, 252, 0, 1, 2, 3, 4, 5, 35, 35, 35}
	gen := &Generator{Reader: bytes.NewReader(src)}

	id, err := gen.Generate(appstate.RoleAgent, nil)
	require.NoError(t, err)
	assert.Equal(t, "AGT-ABCDEF", id)
}

func TestGenerateReportsExhaustedReader(t *testing.T) {
	gen := &Generator{Reader: bytes.NewReader([]byte{1, 2})}
	_, err := gen.Generate(appstate.RoleAgent, nil)
	require.Error(t, err)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("AGT-A1B2C3"))
	assert.True(t, Valid("TNT-000000"))
	assert.False(t, Valid("agt-a1b2c3"))
	assert.False(t, Valid("ADM-A1B2C3"))
	assert.False(t, Valid("TNT-A1B2C"))
	assert.False(t, Valid("TNT-A1B2C3D"))
}

func TestExistingSetSkipsBlankIDs(t *testing.T) {
	set := ExistingSet([]appstate.User{{ID: "u1", DisplayID: "AGT-AAAAAA"}, {ID: "u2"}})
	assert.Equal(t, map[string]struct{}{"AGT-AAAAAA": {}}, set)
}
