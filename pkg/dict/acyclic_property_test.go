//go:build property
// +build property

package dict

import (
	"os"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestPropose_NeverAcceptsACycle verifies that no sequence of accepted
// Propose calls can leave the namespace's rule graph containing a cycle
// reachable from any token — Propose's own cycle check (introducesCycle)
// must hold as an invariant across arbitrary proposal sequences, not just
// the single-binding case its unit tests exercise.
func TestPropose_NeverAcceptsACycle(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	alphabet := []string{"a", "b", "c", "d", "e"}

	properties.Property("accepted bindings never form a cycle", prop.ForAll(
		func(tokens, values []int) bool {
			n := len(tokens)
			if len(values) < n {
				return true
			}

			dir, err := os.MkdirTemp("", "dict-prop-*")
			if err != nil {
				return true
			}
			defer os.RemoveAll(dir)

			d := New(dir)
			if err := d.Load(); err != nil {
				return true
			}
			defer d.Close()

			for i := 0; i < n; i++ {
				token := alphabet[tokens[i]%len(alphabet)]
				value := alphabet[values[i]%len(alphabet)]
				_ = d.Propose("ns", token, value, "")
			}

			for _, tok := range alphabet {
				if hasCycleFrom(d, "ns", tok) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.IntRange(0, 1000)),
		gen.SliceOfN(20, gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

// hasCycleFrom walks d's accepted rules starting at token, independently
// of Dict's own bounded Resolve, to confirm no cycle exists at all (not
// merely that one isn't reached within maxHops).
func hasCycleFrom(d *Dict, namespace, token string) bool {
	visited := map[string]bool{}
	cur := token
	for {
		if visited[cur] {
			return true
		}
		visited[cur] = true
		d.mu.Lock()
		rule, ok := d.rules[key(namespace, cur)]
		d.mu.Unlock()
		if !ok {
			return false
		}
		cur = rule.Value
	}
}
