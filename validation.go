package pipeline

import (
	"fmt"
)

// ValidationError represents a wiring validation error with context
type ValidationError struct {
	Message string
	Details string
}

func (e ValidationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// validateWiring checks the primary wiring before the pipeline starts.
// Endpoint existence and self-loops are rejected at Connect time; what remains
// is making sure primary edges form no cycle. Feedback edges created through
// Redirect are deliberately cyclic and skipped.
func validateWiring(edges []edge) error {
	return detectCycles(edges)
}

// detectCycles uses depth-first search over the primary edges
func detectCycles(edges []edge) error {
	next := make(map[string]string)
	for _, e := range edges {
		if e.feedback {
			continue
		}
		next[e.from] = e.to
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on current path
		black = 2 // fully explored
	)
	colors := make(map[string]int)

	var visit func(name string) error
	visit = func(name string) error {
		colors[name] = gray
		if to, ok := next[name]; ok {
			switch colors[to] {
			case gray:
				return ValidationError{
					Message: "graph validation failed",
					Details: fmt.Sprintf("cycle detected through steps %q and %q; use Redirect for feedback wiring", name, to),
				}
			case white:
				if err := visit(to); err != nil {
					return err
				}
			}
		}
		colors[name] = black
		return nil
	}

	for from := range next {
		if colors[from] == white {
			if err := visit(from); err != nil {
				return err
			}
		}
	}
	return nil
}
