package permission

// Snapshot is the resolved permission set of one identity at one point in time.
// It is never cached by the engine; callers that check many pairs within one
// request can hold it for that request.
type Snapshot struct {
	roles RoleSet
	pairs map[pair]struct{}
}

type pair struct {
	scope, ability string
}

// NewSnapshot starts an empty snapshot over roles.
func NewSnapshot(roles RoleSet) *Snapshot {
	return &Snapshot{roles: roles, pairs: make(map[pair]struct{})}
}

// Add records a granted pair. Adding a pair twice has no effect.
func (s *Snapshot) Add(scope, ability string) {
	s.pairs[pair{scope, ability}] = struct{}{}
}

// Has reports an exact match on both scope and ability.
func (s *Snapshot) Has(scope, ability string) bool {
	_, ok := s.pairs[pair{scope, ability}]
	return ok
}

// HasAny reports whether ability is granted on any of scopes.
func (s *Snapshot) HasAny(scopes []string, ability string) bool {
	for _, scope := range scopes {
		if s.Has(scope, ability) {
			return true
		}
	}
	return false
}

// Roles returns the effective roles the snapshot was built from.
func (s *Snapshot) Roles() RoleSet { return s.roles }

// Len returns the number of distinct granted pairs.
func (s *Snapshot) Len() int { return len(s.pairs) }
