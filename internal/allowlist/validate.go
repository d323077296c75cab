package allowlist

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"

	"github.com/rickchristie/safequery/internal/qerr"
	"github.com/rickchristie/safequery/internal/sqlast"
)

// Validator checks that every relation and column reference of a statement
// is allowlisted. Column references are resolved against the relations in
// scope of the SELECT they appear in. GROUP BY and ORDER BY may also name a
// select-list alias such as "period". Star expansion is rejected.
type Validator struct {
	schemas map[string]struct{}
}

// NewValidator creates a Validator. When schemas is non-empty, schema
// qualifiers must be one of them.
func NewValidator(schemas ...string) *Validator {
	v := &Validator{schemas: make(map[string]struct{}, len(schemas))}
	for _, s := range schemas {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			v.schemas[s] = struct{}{}
		}
	}
	return v
}

func (v *Validator) schemaAllowed(schema string) bool {
	if schema == "" || len(v.schemas) == 0 {
		return true
	}
	_, ok := v.schemas[strings.ToLower(schema)]
	return ok
}

// Validate returns a KindInvalidRequest error for the first reference that is
// not allowlisted in snap.
func (v *Validator) Validate(sql string, snap Snapshot) error {
	if len(snap) == 0 {
		return qerr.Invalid("empty_allowlist", "allowlist is empty: no table can be referenced")
	}
	stmts, err := sqlast.Parse(sql)
	if err != nil {
		return &qerr.Error{Kind: qerr.KindInvalidRequest, Rule: "parse", Msg: "SQL parse error", Err: err}
	}
	if len(stmts) == 0 {
		return qerr.Invalid("empty", "empty statement")
	}

	// Every relation anywhere in the tree must be allowlisted, whatever
	// clause it sits in.
	refs := sqlast.Collect(stmts)
	ctes := make(map[string]struct{}, len(refs.CTENames))
	for _, name := range refs.CTENames {
		ctes[name] = struct{}{}
	}
	for _, rv := range refs.Relations {
		if err := v.checkRelation(rv, ctes, snap); err != nil {
			return err
		}
	}

	r := &resolver{v: v, snap: snap}
	for _, s := range stmts {
		sel := s.GetStmt().GetSelectStmt()
		if sel == nil {
			return qerr.Invalid("statement", "only SELECT statements can be validated")
		}
		if err := r.selectStmt(sel, nil); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkRelation(rv *pg_query.RangeVar, ctes map[string]struct{}, snap Snapshot) error {
	name := rv.GetRelname()
	if rv.GetCatalogname() != "" {
		return qerr.Invalid("identifier", "catalog-qualified relation %s.%s.%s is not allowed", rv.GetCatalogname(), rv.GetSchemaname(), name)
	}
	if _, ok := ctes[strings.ToLower(name)]; ok && rv.GetSchemaname() == "" {
		return nil
	}
	if !v.schemaAllowed(rv.GetSchemaname()) {
		return qerr.Invalid("schema", "schema %q is not allowed", rv.GetSchemaname())
	}
	if _, ok := snap.Table(name); !ok {
		return qerr.Invalid("table", "table %q is not allowlisted", name)
	}
	return nil
}

// relation is one FROM item. Allowlisted tables carry their canonical name;
// CTEs and subselects carry the output columns of their query instead.
type relation struct {
	table   string
	columns map[string]struct{}
}

type scope struct {
	parent  *scope
	byName  map[string]*relation
	rels    []*relation
	ctes    map[string]*relation
	aliases map[string]struct{}
}

func newScope(parent *scope) *scope {
	return &scope{
		parent:  parent,
		byName:  make(map[string]*relation),
		ctes:    make(map[string]*relation),
		aliases: make(map[string]struct{}),
	}
}

func (s *scope) add(name string, rel *relation) {
	if _, ok := s.byName[name]; !ok {
		s.rels = append(s.rels, rel)
	}
	s.byName[name] = rel
}

func (s *scope) lookup(name string) (*relation, bool) {
	for ; s != nil; s = s.parent {
		if rel, ok := s.byName[name]; ok {
			return rel, true
		}
	}
	return nil, false
}

func (s *scope) cte(name string) (*relation, bool) {
	for ; s != nil; s = s.parent {
		if rel, ok := s.ctes[name]; ok {
			return rel, true
		}
	}
	return nil, false
}

type resolver struct {
	v    *Validator
	snap Snapshot
}

func (r *resolver) hasColumn(rel *relation, column string) bool {
	if rel.table != "" {
		return r.snap.HasColumn(rel.table, column)
	}
	_, ok := rel.columns[strings.ToLower(column)]
	return ok
}

func (r *resolver) selectStmt(sel *pg_query.SelectStmt, parent *scope) error {
	if sel == nil {
		return nil
	}
	sc := newScope(parent)

	if with := sel.GetWithClause(); with != nil {
		for _, n := range with.GetCtes() {
			cte := n.GetCommonTableExpr()
			if cte == nil {
				continue
			}
			sc.ctes[strings.ToLower(cte.GetCtename())] = &relation{
				columns: outputColumns(cte.GetCtequery().GetSelectStmt(), cte.GetAliascolnames()),
			}
		}
		for _, n := range with.GetCtes() {
			if err := r.selectStmt(n.GetCommonTableExpr().GetCtequery().GetSelectStmt(), sc); err != nil {
				return err
			}
		}
	}

	if op := sel.GetOp(); op != pg_query.SetOperation_SETOP_NONE && op != pg_query.SetOperation_SET_OPERATION_UNDEFINED {
		if err := r.selectStmt(sel.GetLarg(), sc); err != nil {
			return err
		}
		if err := r.selectStmt(sel.GetRarg(), sc); err != nil {
			return err
		}
		sc.aliases = outputColumns(sel, nil)
		if err := r.exprs(sc, true, sel.GetSortClause()...); err != nil {
			return err
		}
		return r.exprs(sc, false, sel.GetLimitCount(), sel.GetLimitOffset())
	}

	for _, item := range sel.GetFromClause() {
		if err := r.fromItem(item, sc); err != nil {
			return err
		}
	}
	for _, n := range sel.GetTargetList() {
		if rt := n.GetResTarget(); rt != nil && rt.GetName() != "" {
			sc.aliases[strings.ToLower(rt.GetName())] = struct{}{}
		}
	}

	// Output aliases are only visible to GROUP BY and ORDER BY.
	grouping := append(append([]*pg_query.Node{}, sel.GetGroupClause()...), sel.GetSortClause()...)
	if err := r.exprs(sc, true, grouping...); err != nil {
		return err
	}
	nodes := []*pg_query.Node{sel.GetWhereClause(), sel.GetHavingClause(), sel.GetLimitCount(), sel.GetLimitOffset()}
	nodes = append(nodes, sel.GetTargetList()...)
	nodes = append(nodes, sel.GetDistinctClause()...)
	nodes = append(nodes, sel.GetWindowClause()...)
	nodes = append(nodes, sel.GetValuesLists()...)
	return r.exprs(sc, false, nodes...)
}

func (r *resolver) fromItem(item *pg_query.Node, sc *scope) error {
	switch n := item.GetNode().(type) {
	case *pg_query.Node_RangeVar:
		rv := n.RangeVar
		name := strings.ToLower(rv.GetRelname())
		var rel *relation
		if cte, ok := sc.cte(name); ok && rv.GetSchemaname() == "" {
			rel = cte
		} else {
			table, ok := r.snap.Table(rv.GetRelname())
			if !ok {
				return qerr.Invalid("table", "table %q is not allowlisted", rv.GetRelname())
			}
			rel = &relation{table: table}
		}
		sc.add(name, rel)
		if a := rv.GetAlias(); a != nil {
			sc.add(strings.ToLower(a.GetAliasname()), rel)
		}
	case *pg_query.Node_RangeSubselect:
		sub := n.RangeSubselect
		inner := sub.GetSubquery().GetSelectStmt()
		if err := r.selectStmt(inner, sc); err != nil {
			return err
		}
		var colnames []*pg_query.Node
		if a := sub.GetAlias(); a != nil {
			colnames = a.GetColnames()
		}
		rel := &relation{columns: outputColumns(inner, colnames)}
		if a := sub.GetAlias(); a != nil {
			sc.add(strings.ToLower(a.GetAliasname()), rel)
		} else {
			sc.rels = append(sc.rels, rel)
		}
	case *pg_query.Node_JoinExpr:
		join := n.JoinExpr
		if err := r.fromItem(join.GetLarg(), sc); err != nil {
			return err
		}
		if err := r.fromItem(join.GetRarg(), sc); err != nil {
			return err
		}
		for _, name := range sqlast.Strings(join.GetUsingClause()) {
			if err := r.column(sc, false, []string{name}); err != nil {
				return err
			}
		}
		return r.exprs(sc, false, join.GetQuals())
	default:
		// Function calls in FROM are vetted by the safety gate; their
		// arguments still resolve against the enclosing scope.
		return r.exprs(sc, false, item)
	}
	return nil
}

// exprs resolves every column reference in nodes against sc. Sublinks open
// a nested scope. When aliases is set, bare names may also name an output
// column of the current select.
func (r *resolver) exprs(sc *scope, aliases bool, nodes ...*pg_query.Node) error {
	var err error
	visit := func(m proto.Message) bool {
		if err != nil {
			return false
		}
		switch n := m.(type) {
		case *pg_query.SubLink:
			if t := n.GetTestexpr(); t != nil {
				if err = r.exprs(sc, aliases, t); err != nil {
					return false
				}
			}
			err = r.selectStmt(n.GetSubselect().GetSelectStmt(), sc)
			return false
		case *pg_query.SelectStmt:
			err = r.selectStmt(n, sc)
			return false
		case *pg_query.ColumnRef:
			err = r.column(sc, aliases, sqlast.Strings(n.GetFields()))
			return false
		}
		return true
	}
	for _, n := range nodes {
		if n == nil {
			continue
		}
		sqlast.Walk(n, visit)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *resolver) column(sc *scope, aliases bool, fields []string) error {
	for _, f := range fields {
		if f == "*" {
			return qerr.Invalid("column", "star expansion %s is not allowed: name allowlisted columns explicitly", strings.Join(fields, "."))
		}
	}

	var qualifier, column string
	switch len(fields) {
	case 0:
		return nil
	case 1:
		return r.bareColumn(sc, aliases, fields[0])
	case 2:
		qualifier, column = fields[0], fields[1]
	case 3:
		if !r.v.schemaAllowed(fields[0]) {
			return qerr.Invalid("schema", "schema %q is not allowed", fields[0])
		}
		qualifier, column = fields[1], fields[2]
	default:
		return qerr.Invalid("identifier", "reference %s has too many qualifiers", strings.Join(fields, "."))
	}

	rel, ok := sc.lookup(strings.ToLower(qualifier))
	if !ok {
		table, ok := r.snap.Table(qualifier)
		if !ok {
			return qerr.Invalid("table", "table %q is not allowlisted", qualifier)
		}
		rel = &relation{table: table}
	}
	if !r.hasColumn(rel, column) {
		if rel.table == "" {
			return qerr.Invalid("column", "column %s.%s is not an output of %s", qualifier, column, qualifier)
		}
		return qerr.Invalid("column", "column %s.%s is not allowlisted", rel.table, column)
	}
	return nil
}

// bareColumn resolves an unqualified name the way PostgreSQL does: the
// innermost select whose FROM could supply it wins. A table in that FROM may
// hold columns beyond its allowlist, so the search never continues past a
// scope that contains one.
func (r *resolver) bareColumn(sc *scope, aliases bool, column string) error {
	for s := sc; s != nil; s = s.parent {
		opaque := false
		for _, rel := range s.rels {
			if r.hasColumn(rel, column) {
				return nil
			}
			if rel.table != "" {
				opaque = true
			}
		}
		if s == sc && aliases {
			if _, ok := s.aliases[strings.ToLower(column)]; ok {
				return nil
			}
		}
		if opaque {
			break
		}
	}
	return qerr.Invalid("column", "column %q is not allowlisted for any relation in scope", column)
}

// outputColumns returns the lower-cased names a query exposes to its
// enclosing scope. Explicit column aliases win over the target list.
func outputColumns(sel *pg_query.SelectStmt, colnames []*pg_query.Node) map[string]struct{} {
	out := make(map[string]struct{})
	if names := sqlast.Strings(colnames); len(names) > 0 {
		for _, n := range names {
			out[strings.ToLower(n)] = struct{}{}
		}
		return out
	}
	for sel != nil && sel.GetLarg() != nil {
		sel = sel.GetLarg()
	}
	if sel == nil {
		return out
	}
	for _, n := range sel.GetTargetList() {
		if name := outputName(n.GetResTarget()); name != "" {
			out[name] = struct{}{}
		}
	}
	return out
}

func outputName(rt *pg_query.ResTarget) string {
	if rt == nil {
		return ""
	}
	if rt.GetName() != "" {
		return strings.ToLower(rt.GetName())
	}
	val := rt.GetVal()
	for val.GetTypeCast() != nil {
		val = val.GetTypeCast().GetArg()
	}
	if ref := val.GetColumnRef(); ref != nil {
		fields := sqlast.Strings(ref.GetFields())
		if len(fields) > 0 {
			return strings.ToLower(fields[len(fields)-1])
		}
	}
	if fc := val.GetFuncCall(); fc != nil {
		parts := sqlast.Strings(fc.GetFuncname())
		if len(parts) > 0 {
			return strings.ToLower(parts[len(parts)-1])
		}
	}
	return ""
}
