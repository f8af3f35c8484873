package fleet

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// Filter reports whether a snapshot should be kept.
type Filter func(*Snapshot) bool

// CompileFilter compiles a boolean expression over Snapshot fields, e.g.
// `vendor == "antminer" && temperature > 80`. An empty expression keeps
// everything.
func CompileFilter(expression string) (Filter, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil
	}

	program, err := expr.Compile(expression, expr.Env(Snapshot{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter '%s': %w", expression, err)
	}

	return func(s *Snapshot) bool {
		result, err := expr.Run(program, *s)
		if err != nil {
			return false
		}
		b, ok := result.(bool)
		return ok && b
	}, nil
}

// Apply returns the snapshots kept by f. A nil filter keeps all.
func (f Filter) Apply(snapshots []*Snapshot) []*Snapshot {
	if f == nil {
		return snapshots
	}
	out := make([]*Snapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if f(s) {
			out = append(out, s)
		}
	}
	return out
}
