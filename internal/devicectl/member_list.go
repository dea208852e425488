package devicectl

// MemberList is the bridge-member vlist described in SPEC_FULL.md's
// GLOSSARY: an ordered, key-unique container of bridge members, used to
// diff old vs new membership across reconfigurations (invariant 1: a
// duplicate key never creates a second slot; Insert keeps the existing
// slot unchanged).
//
// The original source builds this on top of a generic intrusive vlist with
// insert/remove callbacks; here an ordered slice plus a name index gives
// the same semantics without a cyclic callback-driven container.
type MemberList struct {
	order []string
	byName map[string]*BridgeMember
}

// NewMemberList returns an empty MemberList.
func NewMemberList() *MemberList {
	return &MemberList{byName: make(map[string]*BridgeMember)}
}

// Insert adds m, keyed by m.Name. If a slot with that name already exists,
// the existing slot is left untouched and ok is false — per invariant 1,
// the caller is expected to free the duplicate m rather than keep it.
func (l *MemberList) Insert(m *BridgeMember) (ok bool) {
	if _, exists := l.byName[m.Name]; exists {
		return false
	}
	l.byName[m.Name] = m
	l.order = append(l.order, m.Name)
	return true
}

// Get returns the member named name, if present.
func (l *MemberList) Get(name string) (*BridgeMember, bool) {
	m, ok := l.byName[name]
	return m, ok
}

// Remove deletes the member named name and returns it.
func (l *MemberList) Remove(name string) (*BridgeMember, bool) {
	m, ok := l.byName[name]
	if !ok {
		return nil, false
	}
	delete(l.byName, name)
	for i, n := range l.order {
		if n == name {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return m, true
}

// Len returns the number of members currently tracked.
func (l *MemberList) Len() int { return len(l.order) }

// All returns members in insertion order. The returned slice must not be mutated.
func (l *MemberList) All() []*BridgeMember {
	out := make([]*BridgeMember, 0, len(l.order))
	for _, n := range l.order {
		out = append(out, l.byName[n])
	}
	return out
}

// CountPresent returns the number of members with Present == true,
// matching invariant 2 (n_present = |{m : m.present}|).
func (l *MemberList) CountPresent() int {
	n := 0
	for _, m := range l.byName {
		if m.Present {
			n++
		}
	}
	return n
}
