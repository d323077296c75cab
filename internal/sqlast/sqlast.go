// Package sqlast walks pg_query parse trees.
//
// pg_query_go exposes the PostgreSQL parse tree as protobuf messages, so the
// walk is done with protoreflect instead of a hand-written switch over every
// node type.
package sqlast

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Parse parses sql and returns the raw statements.
func Parse(sql string) ([]*pg_query.RawStmt, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("SQL parse error: %w", err)
	}
	return result.Stmts, nil
}

// Walk calls fn for msg and every message reachable from it, depth first.
// Returning false from fn skips the children of that message.
func Walk(msg proto.Message, fn func(proto.Message) bool) {
	if msg == nil {
		return
	}
	walk(msg.ProtoReflect(), fn)
}

func walk(m protoreflect.Message, fn func(proto.Message) bool) {
	if !m.IsValid() {
		return
	}
	if !fn(m.Interface()) {
		return
	}
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		switch {
		case fd.IsMap():
			if fd.MapValue().Message() == nil {
				return true
			}
			v.Map().Range(func(_ protoreflect.MapKey, mv protoreflect.Value) bool {
				walk(mv.Message(), fn)
				return true
			})
		case fd.IsList():
			if fd.Message() == nil {
				return true
			}
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				walk(list.Get(i).Message(), fn)
			}
		case fd.Message() != nil:
			walk(v.Message(), fn)
		}
		return true
	})
}

// Strings returns the string values of a list of String nodes, as used by
// ColumnRef.Fields and FuncCall.Funcname. A_Star entries become "*".
func Strings(nodes []*pg_query.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		switch v := n.GetNode().(type) {
		case *pg_query.Node_String_:
			out = append(out, v.String_.GetSval())
		case *pg_query.Node_AStar:
			out = append(out, "*")
		}
	}
	return out
}

// FuncName returns the dotted, lower-cased function name of a call.
func FuncName(fc *pg_query.FuncCall) string {
	return strings.ToLower(strings.Join(Strings(fc.GetFuncname()), "."))
}

// References collects the relations, CTE names and column references of a
// statement tree.
type References struct {
	Relations []*pg_query.RangeVar
	CTENames  []string
	Columns   [][]string
	Funcs     []*pg_query.FuncCall
}

// Collect gathers References from every statement.
func Collect(stmts []*pg_query.RawStmt) References {
	var refs References
	for _, s := range stmts {
		Walk(s, func(m proto.Message) bool {
			switch n := m.(type) {
			case *pg_query.RangeVar:
				refs.Relations = append(refs.Relations, n)
			case *pg_query.CommonTableExpr:
				refs.CTENames = append(refs.CTENames, strings.ToLower(n.GetCtename()))
			case *pg_query.ColumnRef:
				refs.Columns = append(refs.Columns, Strings(n.GetFields()))
			case *pg_query.FuncCall:
				refs.Funcs = append(refs.Funcs, n)
			}
			return true
		})
	}
	return refs
}
