package hooks

// ComponentTarget selects entities by component composition. Component and
// archetype references are class/archetype names; the dispatcher resolves
// them to type ids at registration time.
type ComponentTarget struct {
	// IncludeComponents the entity must carry. All of them by default;
	// MatchAnyIncluded switches to OR semantics.
	IncludeComponents []string
	MatchAnyIncluded  bool

	// ExcludeComponents the entity must not carry. All of them must be
	// absent by default; MatchAnyExcluded accepts any one being absent.
	ExcludeComponents []string
	MatchAnyExcluded  bool

	// Archetype matches the exact composition of the named archetype, or a
	// superset when include/exclude lists are also present.
	Archetype string

	// Archetypes matches any of the named archetypes.
	Archetypes []string
}

// resolvedTarget holds the target with names resolved to type ids.
type resolvedTarget struct {
	include         []string
	matchAnyInclude bool
	exclude         []string
	matchAnyExclude bool
	archetypes      [][]string // one composition per archetype candidate
	exactArchetype  bool       // exact match unless include/exclude present
}

// matches evaluates the target against an entity's live type id set.
func (t *resolvedTarget) matches(typeIDs []string) bool {
	set := make(map[string]bool, len(typeIDs))
	for _, id := range typeIDs {
		set[id] = true
	}

	if len(t.include) > 0 {
		if t.matchAnyInclude {
			found := false
			for _, id := range t.include {
				if set[id] {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		} else {
			for _, id := range t.include {
				if !set[id] {
					return false
				}
			}
		}
	}

	if len(t.exclude) > 0 {
		if t.matchAnyExclude {
			anyAbsent := false
			for _, id := range t.exclude {
				if !set[id] {
					anyAbsent = true
					break
				}
			}
			if !anyAbsent {
				return false
			}
		} else {
			for _, id := range t.exclude {
				if set[id] {
					return false
				}
			}
		}
	}

	if len(t.archetypes) > 0 {
		matched := false
		for _, composition := range t.archetypes {
			if t.compositionMatches(set, len(typeIDs), composition) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

func (t *resolvedTarget) compositionMatches(set map[string]bool, liveCount int, composition []string) bool {
	for _, id := range composition {
		if !set[id] {
			return false
		}
	}
	if t.exactArchetype && liveCount != len(composition) {
		return false
	}
	return true
}

// matchesAny reports whether the target can match at least one event in the
// batch. Used to skip hooks wholesale before per-event evaluation.
func (t *resolvedTarget) matchesAny(evts []Event) bool {
	for i := range evts {
		if t.matches(evts[i].EntityTypeIDs) {
			return true
		}
	}
	return false
}
