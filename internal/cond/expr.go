package cond

import "strings"

// Term is a single member of a condition expression: a slash-delimited
// path, optionally negated.
type Term struct {
	Key      string
	Negated  bool
}

// Expr is a parsed condition expression: a comma-separated list of Terms,
// aggregated with the rule in spec.md §4.2: ON iff every non-negated term is
// ON and every negated term is OFF; FLUX iff none are OFF and at least one
// is FLUX; otherwise OFF. An empty expression aggregates to ON (§3).
type Expr struct {
	Terms []Term
}

// ParseExpr parses the grammar in §4.2: comma-separated terms, each
// optionally prefixed with "!" for negation.
func ParseExpr(s string) Expr {
	s = strings.TrimSpace(s)
	if s == "" {
		return Expr{}
	}
	var e Expr
	for _, raw := range strings.Split(s, ",") {
		t := strings.TrimSpace(raw)
		if t == "" {
			continue
		}
		neg := false
		if strings.HasPrefix(t, "!") {
			neg = true
			t = strings.TrimSpace(t[1:])
		}
		if t == "" {
			continue
		}
		e.Terms = append(e.Terms, Term{Key: t, Negated: neg})
	}
	return e
}

func (e Expr) String() string {
	parts := make([]string, 0, len(e.Terms))
	for _, t := range e.Terms {
		if t.Negated {
			parts = append(parts, "!"+t.Key)
		} else {
			parts = append(parts, t.Key)
		}
	}
	return strings.Join(parts, ",")
}

// Keys returns every key mentioned in the expression, for Affects().
func (e Expr) Keys() []string {
	keys := make([]string, len(e.Terms))
	for i, t := range e.Terms {
		keys[i] = t.Key
	}
	return keys
}

// termState returns the effective state of a single term, with negation
// applied: a negated term is ON when the underlying key is OFF, and OFF when
// the underlying key is ON. FLUX negates to FLUX (still "don't stop").
func termState(raw State, negated bool) State {
	if !negated {
		return raw
	}
	switch raw {
	case OFF:
		return ON
	case ON:
		return OFF
	default:
		return FLUX
	}
}

// Aggregate computes the expression's aggregate state by querying get for
// each term's underlying key. An empty expression aggregates to ON.
func Aggregate(e Expr, get func(key string) State) State {
	if len(e.Terms) == 0 {
		return ON
	}
	result := ON
	for _, t := range e.Terms {
		s := termState(get(t.Key), t.Negated)
		result = min(result, s)
		if result == OFF {
			return OFF
		}
	}
	return result
}

// Aggregate is a convenience method using the Store itself as the source of
// truth.
func (s *Store) Aggregate(e Expr) State {
	return Aggregate(e, s.Get)
}

// Affects reports whether a mutation of changedKey can influence the
// aggregate of e - i.e. changedKey appears (negated or not) as one of its
// terms.
func Affects(changedKey string, e Expr) bool {
	for _, t := range e.Terms {
		if t.Key == changedKey {
			return true
		}
	}
	return false
}

// Affects is a convenience method mirroring the package function.
func (s *Store) Affects(changedKey string, e Expr) bool {
	return Affects(changedKey, e)
}
