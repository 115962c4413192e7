package tailer

import (
	"strings"

	"github.com/google/cel-go/cel"
)

// Filter is an optional per-subscription predicate evaluated against a
// record before it is added to that subscriber's recipient list.
// Grounded on the teacher's internal/services/streams/celfilter.go,
// generalized from "stream message" to "tailer record": this is a
// SPEC_FULL.md supplement, not present in spec.md, that lets a
// subscriber narrow the topic stream it receives without changing any
// core ordering invariant — a filtered-out record still advances the
// subscriber's NextSeqno, it simply isn't delivered.
type Filter struct {
	prog    cel.Program
	enabled bool
}

// NewFilter compiles expr, a boolean CEL expression over variables
// namespace, topic, seqno, size, and text. An empty expression disables
// filtering (Eval always returns true).
func NewFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("namespace", cel.StringType),
		cel.Variable("topic", cel.StringType),
		cel.Variable("seqno", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("text", cel.StringType),
	)
	if err != nil {
		return Filter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return Filter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return Filter{}, err
	}
	return Filter{prog: prog, enabled: true}, nil
}

// Eval reports whether a record for (namespace, topic) at seqno with the
// given payload passes the filter. Always true when filtering is
// disabled.
func (f Filter) Eval(namespace, topic string, seqno uint64, payload []byte) bool {
	if !f.enabled {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"namespace": namespace,
		"topic":     topic,
		"seqno":     int64(seqno),
		"size":      int64(len(payload)),
		"text":      string(payload),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
