// Package jsonpath evaluates the PostgreSQL SQL/JSON path dialect against
// decoded JSON documents, covering the subset subscription filters use:
// member and array accessors, lax-mode array unwrapping, filter predicates
// with comparisons and boolean connectives, exists() and named variables.
// Existence follows jsonb_path_exists: a path matches when it yields at
// least one item. Strict mode, like_regex and path methods are rejected at
// compile time.
package jsonpath

import (
	"fmt"
	"strings"
)

// Path is a compiled query, safe for concurrent use.
type Path struct {
	src  string
	expr *pathExpr
}

// Compile parses a query into a reusable Path.
func Compile(src string) (*Path, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("jsonpath: empty query")
	}
	expr, err := parse(src)
	if err != nil {
		return nil, err
	}
	return &Path{src: src, expr: expr}, nil
}

// MustCompile is Compile for statically known queries.
func MustCompile(src string) *Path {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original query text.
func (p *Path) String() string {
	return p.src
}

// Exists reports whether the path yields at least one item against doc.
// doc must be decoded JSON (map[string]any, []any, string, float64, bool
// or nil); vars supplies values for $name references.
func (p *Path) Exists(doc any, vars map[string]any) bool {
	c := &evalCtx{root: doc, vars: vars}
	return len(c.evalPath(p.expr, doc)) > 0
}

type evalCtx struct {
	root any
	vars map[string]any
}

func (c *evalCtx) evalPath(pe *pathExpr, current any) []any {
	var items []any
	switch pe.root {
	case rootDoc:
		items = []any{c.root}
	case rootCurrent:
		items = []any{current}
	case rootVariable:
		v, ok := c.vars[pe.varName]
		if !ok {
			return nil
		}
		items = []any{v}
	}
	for _, s := range pe.steps {
		items = c.applyStep(items, s)
		if len(items) == 0 {
			return nil
		}
	}
	return items
}

// applyStep advances the item sequence through one accessor. Lax-mode
// semantics: member access and filters unwrap arrays one level, index
// access auto-wraps scalars.
func (c *evalCtx) applyStep(items []any, s step) []any {
	var out []any
	switch st := s.(type) {
	case memberStep:
		for _, it := range items {
			switch v := it.(type) {
			case map[string]any:
				if mv, ok := v[st.name]; ok {
					out = append(out, mv)
				}
			case []any:
				for _, e := range v {
					if m, ok := e.(map[string]any); ok {
						if mv, ok := m[st.name]; ok {
							out = append(out, mv)
						}
					}
				}
			}
		}
	case wildcardStep:
		for _, it := range items {
			switch v := it.(type) {
			case map[string]any:
				for _, mv := range v {
					out = append(out, mv)
				}
			case []any:
				for _, e := range v {
					if m, ok := e.(map[string]any); ok {
						for _, mv := range m {
							out = append(out, mv)
						}
					}
				}
			}
		}
	case indexStep:
		for _, it := range items {
			if arr, ok := it.([]any); ok {
				if st.idx < len(arr) {
					out = append(out, arr[st.idx])
				}
			} else if st.idx == 0 {
				out = append(out, it)
			}
		}
	case anyIndexStep:
		for _, it := range items {
			if arr, ok := it.([]any); ok {
				out = append(out, arr...)
			} else {
				out = append(out, it)
			}
		}
	case filterStep:
		for _, it := range items {
			if arr, ok := it.([]any); ok {
				for _, e := range arr {
					if c.evalPred(st.pred, e) {
						out = append(out, e)
					}
				}
				continue
			}
			if c.evalPred(st.pred, it) {
				out = append(out, it)
			}
		}
	}
	return out
}

func (c *evalCtx) evalPred(n predNode, current any) bool {
	switch v := n.(type) {
	case orNode:
		return c.evalPred(v.left, current) || c.evalPred(v.right, current)
	case andNode:
		return c.evalPred(v.left, current) && c.evalPred(v.right, current)
	case notNode:
		return !c.evalPred(v.inner, current)
	case existsNode:
		return len(c.evalPath(v.path, current)) > 0
	case cmpNode:
		left := c.operandValues(v.left, current)
		right := c.operandValues(v.right, current)
		for _, a := range left {
			for _, b := range right {
				if compare(v.op, a, b) {
					return true
				}
			}
		}
		return false
	}
	return false
}

func (c *evalCtx) operandValues(op operand, current any) []any {
	switch v := op.(type) {
	case literalOperand:
		return []any{v.val}
	case pathOperand:
		items := c.evalPath(v.path, current)
		var out []any
		for _, it := range items {
			if arr, ok := it.([]any); ok {
				out = append(out, arr...)
			} else {
				out = append(out, it)
			}
		}
		return out
	}
	return nil
}

// compare applies one comparison to a pair of scalar values. Mismatched
// or non-scalar types never match, mirroring jsonpath's unknown result.
func compare(op string, a, b any) bool {
	switch op {
	case "==":
		eq, ok := equalValues(a, b)
		return ok && eq
	case "!=":
		eq, ok := equalValues(a, b)
		return ok && !eq
	}

	if an, aok := a.(float64); aok {
		if bn, bok := b.(float64); bok {
			switch {
			case an < bn:
				return ordered(op, -1)
			case an > bn:
				return ordered(op, 1)
			default:
				return ordered(op, 0)
			}
		}
		return false
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return ordered(op, strings.Compare(as, bs))
		}
	}
	return false
}

func equalValues(a, b any) (eq bool, ok bool) {
	if a == nil || b == nil {
		return a == nil && b == nil, true
	}
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return false, false
		}
		return av == bv, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return false, false
		}
		return av == bv, true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return false, false
		}
		return av == bv, true
	}
	return false, false
}

func ordered(op string, cmp int) bool {
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}
