// Package filter builds and compiles predicate trees for structured values.
//
// A Filter is either a single condition on one top-level JSON field or a
// boolean combination (And/Or/Not) of other filters. Compile turns a tree
// into a parameterized SQL fragment over the kv_store columns value_text and
// value_type, suitable for appending to a WHERE clause. Field names travel
// as bound arguments, never as interpolated SQL; operators pass through a
// fixed allow-list.
//
// Trees are built fresh per query and discarded after compilation — they are
// never cached or persisted.
package filter

import (
	"errors"
	"fmt"
	"strings"
)

// Op is a comparison operator for a condition.
type Op string

const (
	OpEq   Op = "="
	OpGt   Op = ">"
	OpLt   Op = "<"
	OpLike Op = "LIKE"
	OpNeq  Op = "!="
)

var (
	// ErrNilFilter reports compilation of a nil tree.
	ErrNilFilter = errors.New("filter: nil filter")
	// ErrUnknownOp reports an operator outside the allow-list.
	ErrUnknownOp = errors.New("filter: unknown operator")
	// ErrNoChildren reports a combinator with too few children.
	ErrNoChildren = errors.New("filter: combinator requires children")
	// ErrBadField reports a field name that is not a bare identifier.
	ErrBadField = errors.New("filter: bad field name")
)

// allowedOps is the fixed operator allow-list. Anything else fails
// compilation; there is no silent fallback.
var allowedOps = map[Op]bool{
	OpEq:   true,
	OpGt:   true,
	OpLt:   true,
	OpLike: true,
	OpNeq:  true,
}

// Filter is one node of a predicate tree. Implementations are the condition
// and combinator types in this package; the interface is sealed.
type Filter interface {
	isFilter()
}

type condition struct {
	field string
	op    Op
	value any
}

type junction struct {
	op       string // "AND" or "OR"
	children []Filter
}

type negation struct {
	child Filter
}

func (condition) isFilter() {}
func (junction) isFilter()  {}
func (negation) isFilter()  {}

// Where builds a single condition comparing one top-level field of a JSON
// value against a literal.
func Where(field string, op Op, value any) Filter {
	return condition{field: field, op: op, value: value}
}

// Eq is Where(field, OpEq, value).
func Eq(field string, value any) Filter { return Where(field, OpEq, value) }

// Gt is Where(field, OpGt, value).
func Gt(field string, value any) Filter { return Where(field, OpGt, value) }

// Lt is Where(field, OpLt, value).
func Lt(field string, value any) Filter { return Where(field, OpLt, value) }

// Like is Where(field, OpLike, value).
func Like(field string, value any) Filter { return Where(field, OpLike, value) }

// Neq is Where(field, OpNeq, value).
func Neq(field string, value any) Filter { return Where(field, OpNeq, value) }

// And combines one or more filters; all must match.
func And(children ...Filter) Filter {
	return junction{op: "AND", children: children}
}

// Or combines one or more filters; at least one must match.
func Or(children ...Filter) Filter {
	return junction{op: "OR", children: children}
}

// Not negates exactly one filter.
func Not(child Filter) Filter {
	return negation{child: child}
}

// Compile turns a predicate tree into a parameterized SQL fragment plus its
// positional arguments. The fragment is gated by value_type = 'json', so it
// never matches rows holding non-JSON values. Compilation errors are usage
// errors and are reported before any statement reaches the database.
func Compile(f Filter) (string, []any, error) {
	if f == nil {
		return "", nil, ErrNilFilter
	}
	frag, args, err := compileNode(f)
	if err != nil {
		return "", nil, err
	}
	return "value_type = 'json' AND (" + frag + ")", args, nil
}

func compileNode(f Filter) (string, []any, error) {
	switch n := f.(type) {
	case condition:
		if err := checkField(n.field); err != nil {
			return "", nil, err
		}
		if !allowedOps[n.op] {
			return "", nil, fmt.Errorf("%w: %q", ErrUnknownOp, string(n.op))
		}
		// The field name binds into the JSON path argument; only the
		// allow-listed operator is substituted into the text.
		frag := fmt.Sprintf("json_extract(value_text, '$.' || ?) %s ?", n.op)
		return frag, []any{n.field, n.value}, nil
	case junction:
		if len(n.children) == 0 {
			return "", nil, fmt.Errorf("%w: %s has none", ErrNoChildren, n.op)
		}
		frags := make([]string, 0, len(n.children))
		var args []any
		for _, child := range n.children {
			if child == nil {
				return "", nil, fmt.Errorf("%w: %s has a nil child", ErrNoChildren, n.op)
			}
			frag, childArgs, err := compileNode(child)
			if err != nil {
				return "", nil, err
			}
			frags = append(frags, frag)
			args = append(args, childArgs...)
		}
		return "(" + strings.Join(frags, " "+n.op+" ") + ")", args, nil
	case negation:
		if n.child == nil {
			return "", nil, fmt.Errorf("%w: NOT requires exactly one", ErrNoChildren)
		}
		frag, args, err := compileNode(n.child)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + frag + ")", args, nil
	default:
		return "", nil, fmt.Errorf("filter: unsupported node %T", f)
	}
}

// checkField enforces that a field is a single bare top-level name: nested
// paths, array indexing, and path metacharacters are rejected.
func checkField(field string) error {
	if field == "" {
		return fmt.Errorf("%w: empty", ErrBadField)
	}
	if strings.ContainsAny(field, `."'[]$`+"`") {
		return fmt.Errorf("%w: %q", ErrBadField, field)
	}
	return nil
}
