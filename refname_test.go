package reftable

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRefName(t *testing.T) {
	valid := []string{"a", "a/b", "a/b/c"}
	for _, n := range valid {
		require.NoError(t, ValidateRefName(n), n)
	}
	invalid := []string{"p/", "p//q", "p/./q", "p/../q"}
	for _, n := range invalid {
		require.ErrorIs(t, ValidateRefName(n), ErrRefName, n)
	}
}

// fakeTable is a trivial RefLookup over a fixed set of existing ref
// names, enough to drive Modification.Validate in tests.
type fakeTable struct {
	names map[string]bool
}

func (f *fakeTable) HasRef(name string) (bool, error) {
	return f.names[name], nil
}

func (f *fakeTable) HasRefWithPrefix(prefix string) (bool, error) {
	for n := range f.names {
		if strings.HasPrefix(n, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func TestModificationValidateConflicts(t *testing.T) {
	tab := &fakeTable{names: map[string]bool{"a/b": true}}

	mod := NewModification(tab, []*RefRecord{{RefName: "a/b/c", Value: hashOf(1)}})
	require.ErrorIs(t, mod.Validate(), ErrNameConflict)

	mod = NewModification(tab, []*RefRecord{{RefName: "b", Value: hashOf(1)}})
	require.NoError(t, mod.Validate())

	mod = NewModification(tab, []*RefRecord{{RefName: "a", Value: hashOf(1)}})
	require.ErrorIs(t, mod.Validate(), ErrNameConflict)

	mod = NewModification(tab, []*RefRecord{
		{RefName: "a", Value: hashOf(1)},
		{RefName: "a/b"},
	})
	require.NoError(t, mod.Validate())
}
