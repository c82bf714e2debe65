package capability

import "strings"

// Subsumes reports whether r grants at least everything other grants:
// other's action set ⊆ r's action set, and other's key pattern is a
// refinement of r's (every key other's pattern matches, r's pattern
// also matches). This is the ≤ relation spec.md §4.5 calls attenuation.
func (r Resource) Subsumes(other Resource) bool {
	if r.OrbitID != other.OrbitID {
		return false
	}
	for _, a := range other.Actions {
		if !containsAction(r.Actions, a) {
			return false
		}
	}
	return patternSubsumes(r.KeyPattern, other.KeyPattern)
}

func containsAction(set []Action, a Action) bool {
	for _, x := range set {
		if x == a {
			return true
		}
	}
	return false
}

// patternSubsumes reports whether every key matched by child is also
// matched by parent. Patterns are "*" (whole orbit), "prefix/*" (key
// prefix wildcard), or an exact key.
func patternSubsumes(parent, child string) bool {
	if parent == "*" {
		return true
	}
	if parent == child {
		return true
	}
	if strings.HasSuffix(parent, "*") {
		parentPrefix := strings.TrimSuffix(parent, "*")
		if child == "*" {
			return false // child is broader than any proper prefix pattern
		}
		if strings.HasSuffix(child, "*") {
			childPrefix := strings.TrimSuffix(child, "*")
			return strings.HasPrefix(childPrefix, parentPrefix)
		}
		return strings.HasPrefix(child, parentPrefix)
	}
	// parent is an exact key: child can only subsume-match if identical,
	// already handled above.
	return false
}

// MatchesKey reports whether a resource's key pattern covers key.
func (r Resource) MatchesKey(key string) bool {
	if r.KeyPattern == "*" {
		return true
	}
	if strings.HasSuffix(r.KeyPattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(r.KeyPattern, "*"))
	}
	return r.KeyPattern == key
}

// ResourcesSubsume reports whether every resource in child is subsumed
// by at least one resource in parent — the resources-level attenuation
// check in spec.md §4.5 step 5.
func ResourcesSubsume(parent, child []Resource) bool {
	for _, c := range child {
		ok := false
		for _, p := range parent {
			if p.Subsumes(c) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Subsumes reports whether c's validity window and nonce restriction is
// at least as narrow as parent's (child window ⊆ parent window; if
// parent pins a nonce, child must pin the same one).
func (c Caveats) Subsumes(child Caveats) bool {
	if c.NotBefore != nil {
		if child.NotBefore == nil || child.NotBefore.Before(*c.NotBefore) {
			return false
		}
	}
	if c.NotAfter != nil {
		if child.NotAfter == nil || child.NotAfter.After(*c.NotAfter) {
			return false
		}
	}
	if c.Nonce != "" && child.Nonce != c.Nonce {
		return false
	}
	return true
}
