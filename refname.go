package reftable

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// ValidateRefName checks name component by component: no component may
// be empty, ".", or "..", and the name may not end in "/". A name with
// no slash at all (a single component) is checked the same way.
func ValidateRefName(name string) error {
	rest := name
	for {
		idx := strings.IndexByte(rest, '/')
		if rest == "" {
			return errors.Wrapf(ErrRefName, "empty component in %q", name)
		}
		if idx < 0 {
			if rest == "." || rest == ".." {
				return errors.Wrapf(ErrRefName, "invalid component %q in %q", rest, name)
			}
			return nil
		}
		component := rest[:idx]
		if component == "" || component == "." || component == ".." {
			return errors.Wrapf(ErrRefName, "invalid component %q in %q", component, name)
		}
		rest = rest[idx+1:]
	}
}

// RefLookup abstracts the read access modification validation needs:
// a point lookup by exact name and a prefix scan, both against the
// table state a batch of additions is being validated against.
type RefLookup interface {
	// HasRef reports whether name exists (and is not a deletion).
	HasRef(name string) (bool, error)
	// HasRefWithPrefix reports whether any ref with the given prefix
	// exists.
	HasRefWithPrefix(prefix string) (bool, error)
}

// Modification is a prospective batch of ref additions and deletions
// being validated against an existing table (via lookup) plus the rest
// of the same batch, following the same algorithm as the source's
// modification_validate: every newly added name must not collide with
// an existing ref, a sibling of one, or an ancestor directory of one,
// while accounting for the batch's own pending deletions.
type Modification struct {
	lookup RefLookup
	add    []string
	del    []string
}

// NewModification builds a Modification from a batch of ref records,
// splitting it into additions and deletions by RefRecord.IsDeletion.
func NewModification(lookup RefLookup, recs []*RefRecord) *Modification {
	mod := &Modification{lookup: lookup}
	for _, r := range recs {
		if r.IsDeletion() {
			mod.del = append(mod.del, r.RefName)
		} else {
			mod.add = append(mod.add, r.RefName)
		}
	}
	sort.Strings(mod.add)
	sort.Strings(mod.del)
	return mod
}

func inSortedSlice(names []string, want string) bool {
	idx := binsearch(len(names), func(i int) bool { return names[i] >= want })
	return idx < len(names) && names[idx] == want
}

// hasRef reports whether name exists after applying this batch: present
// in mod.add, absent if in mod.del, else delegate to the underlying
// table.
func (mod *Modification) hasRef(name string) (bool, error) {
	if inSortedSlice(mod.add, name) {
		return true, nil
	}
	if inSortedSlice(mod.del, name) {
		return false, nil
	}
	return mod.lookup.HasRef(name)
}

// hasRefWithPrefix reports whether any ref with the given prefix exists
// after applying this batch.
func (mod *Modification) hasRefWithPrefix(prefix string) (bool, error) {
	idx := binsearch(len(mod.add), func(i int) bool { return mod.add[i] >= prefix })
	if idx < len(mod.add) && strings.HasPrefix(mod.add[idx], prefix) {
		return true, nil
	}
	return mod.lookup.HasRefWithPrefix(prefix)
}

// trimComponent drops the last "/"-delimited component from name,
// including the trailing slash itself, mirroring slice_trim_component.
func trimComponent(name string) string {
	i := len(name)
	for i > 0 {
		isSlash := name[i-1] == '/'
		i--
		if isSlash {
			break
		}
	}
	return name[:i]
}

// Validate checks every addition in the batch: the name itself must be
// syntactically valid, must not be a prefix-directory of an existing
// ref (or of another addition), and none of its ancestor directories
// may already exist as a ref.
func (mod *Modification) Validate() error {
	for _, name := range mod.add {
		if err := ValidateRefName(name); err != nil {
			return err
		}

		has, err := mod.hasRefWithPrefix(name + "/")
		if err != nil {
			return err
		}
		if has {
			return errors.Wrapf(ErrNameConflict, "%q is a prefix of an existing ref", name)
		}

		for anc := trimComponent(name); anc != ""; anc = trimComponent(anc) {
			has, err := mod.hasRef(anc)
			if err != nil {
				return err
			}
			if has {
				return errors.Wrapf(ErrNameConflict, "%q conflicts with existing ref %q", name, anc)
			}
		}
	}
	return nil
}
