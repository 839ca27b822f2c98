// Package resolve substitutes ${actionId.path} references inside a
// PlannedAction's inputs with values taken from prior actions' results,
// and statically detects dependency cycles across a whole plan.
package resolve

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/jordigilh/actionrunner/pkg/action"
)

// referencePattern matches a whole-value reference: the entire string
// must be "${id.path}", with nothing before or after it. Partial
// interpolation ("prefix-${id.path}-suffix") is intentionally not
// supported — a reference either is the value, or the value is a literal
// scalar passed through unchanged.
var referencePattern = regexp.MustCompile(`^\$\{([^.}]+)\.([^}]+)\}$`)

// bracketIndexPattern matches a zero-based array index written as [i],
// the syntax a reference path uses; gjson itself expects a dot-indexed
// path segment ("items.0") instead.
var bracketIndexPattern = regexp.MustCompile(`\[(\d+)\]`)

// gjsonPath translates a reference path's [i] array-index syntax into
// gjson's own dot-indexed form.
func gjsonPath(path string) string {
	return strings.TrimPrefix(bracketIndexPattern.ReplaceAllString(path, ".$1"), ".")
}

// ResolutionError reports why a single reference failed to resolve.
type ResolutionError struct {
	Reference string
	Reason    string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %s", e.Reference, e.Reason)
}

// Resolve walks every value in inputs and, for each one shaped like a
// whole-value reference, replaces it with the value found at path inside
// previousResults[actionID]. Dependencies lists the action IDs this
// planned action is allowed to reference; a reference to an action not in
// that list fails even if previousResults happens to contain it, since the
// dependency list is the authority on what this action may observe.
func Resolve(inputs map[string]interface{}, dependencies []string, previousResults map[string]string) (map[string]interface{}, error) {
	allowed := make(map[string]bool, len(dependencies))
	for _, d := range dependencies {
		allowed[d] = true
	}

	out := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		resolved, err := resolveValue(v, allowed, previousResults, nil)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// chain records, in order, the "actionID.path" references resolved so far
// along the current transitive lookup, so a cycle back to an
// already-visiting reference can be reported with the full path.
func resolveValue(v interface{}, allowed map[string]bool, previousResults map[string]string, chain []string) (interface{}, error) {
	switch val := v.(type) {
	case string:
		m := referencePattern.FindStringSubmatch(val)
		if m == nil {
			return val, nil
		}
		return resolveReference(val, m[1], m[2], allowed, previousResults, chain)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			resolved, err := resolveValue(sub, allowed, previousResults, chain)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			resolved, err := resolveValue(sub, allowed, previousResults, chain)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return val, nil
	}
}

func resolveReference(raw, actionID, path string, allowed map[string]bool, previousResults map[string]string, chain []string) (interface{}, error) {
	if !allowed[actionID] {
		return nil, &ResolutionError{Reference: raw, Reason: fmt.Sprintf("action %q is not a declared dependency", actionID)}
	}

	key := actionID + "." + path
	for i, visited := range chain {
		if visited == key {
			cycle := append(append([]string(nil), chain[i:]...), key)
			return nil, &ResolutionError{Reference: raw, Reason: fmt.Sprintf("cyclic reference: %s", strings.Join(cycle, " -> "))}
		}
	}

	doc, ok := previousResults[actionID]
	if !ok {
		return nil, &ResolutionError{Reference: raw, Reason: fmt.Sprintf("no result available for action %q", actionID)}
	}

	result := gjson.Get(doc, gjsonPath(path))
	if !result.Exists() {
		return nil, &ResolutionError{Reference: raw, Reason: fmt.Sprintf("path %q not found in result of %q", path, actionID)}
	}

	value := gjsonToInterface(result)

	// Transitive resolution: a resolved value that is itself a
	// whole-value reference gets resolved again, against the same
	// dependency/results scope, until a non-reference value is reached.
	if s, ok := value.(string); ok {
		if m := referencePattern.FindStringSubmatch(s); m != nil {
			nextChain := append(append([]string(nil), chain...), key)
			return resolveReference(s, m[1], m[2], allowed, previousResults, nextChain)
		}
	}

	return value, nil
}

func gjsonToInterface(r gjson.Result) interface{} {
	switch r.Type {
	case gjson.Null:
		return nil
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.Number:
		return r.Num
	case gjson.String:
		return r.Str
	default:
		return r.Value()
	}
}

// DetectCycles performs a static, whole-plan dependency-cycle check over a
// set of planned actions, enumerating every distinct cycle rather than
// stopping at the first one found, so a caller can report all of them at
// once instead of making the author fix-and-replan repeatedly.
func DetectCycles(plan []action.PlannedAction) [][]string {
	byID := make(map[string]action.PlannedAction, len(plan))
	for _, a := range plan {
		byID[a.ID] = a
	}

	var cycles [][]string
	seenCycle := map[string]bool{}

	for _, start := range plan {
		state := map[string]int{} // 0=unvisited 1=in-stack 2=done
		var stack []string
		var walk func(id string) bool
		walk = func(id string) bool {
			state[id] = 1
			stack = append(stack, id)
			for _, dep := range byID[id].Dependencies {
				if state[dep] == 1 {
					cycle := cycleFrom(stack, dep)
					// Rotate the ring to start at its smallest id, so the
					// same cycle found from different starts dedups.
					ring := cycle[:len(cycle)-1]
					first := 0
					for i, id := range ring {
						if id < ring[first] {
							first = i
						}
					}
					sig := strings.Join(append(append([]string(nil), ring[first:]...), ring[:first]...), "->")
					if !seenCycle[sig] {
						seenCycle[sig] = true
						cycles = append(cycles, cycle)
					}
				} else if state[dep] == 0 {
					if _, exists := byID[dep]; exists {
						walk(dep)
					}
				}
			}
			stack = stack[:len(stack)-1]
			state[id] = 2
			return false
		}
		walk(start.ID)
	}

	return cycles
}

func cycleFrom(stack []string, target string) []string {
	for i, id := range stack {
		if id == target {
			cycle := append([]string(nil), stack[i:]...)
			return append(cycle, target)
		}
	}
	return append([]string(nil), target)
}
