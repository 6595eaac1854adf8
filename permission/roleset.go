package permission

import "sort"

// RoleSet is an immutable, sorted set of role ids.
type RoleSet struct {
	ids []int64
}

// NewRoleSet builds a set from ids, discarding duplicates.
func NewRoleSet(ids ...int64) RoleSet {
	if len(ids) == 0 {
		return RoleSet{}
	}
	out := make([]int64, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return RoleSet{ids: out[:n]}
}

// Union returns the roles present in any of sets.
func Union(sets ...RoleSet) RoleSet {
	total := 0
	for _, s := range sets {
		total += len(s.ids)
	}
	all := make([]int64, 0, total)
	for _, s := range sets {
		all = append(all, s.ids...)
	}
	return NewRoleSet(all...)
}

// Contains reports whether role is in the set.
func (s RoleSet) Contains(role int64) bool {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= role })
	return i < len(s.ids) && s.ids[i] == role
}

// Len returns the number of roles.
func (s RoleSet) Len() int { return len(s.ids) }

// IDs returns a copy of the role ids in ascending order.
func (s RoleSet) IDs() []int64 {
	out := make([]int64, len(s.ids))
	copy(out, s.ids)
	return out
}
