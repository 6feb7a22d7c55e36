package rewrite

import (
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// ParseError reports that the input statement is not valid SQL. It is the
// only rewrite failure that escapes to the caller; everything else is
// encoded as SQL.
type ParseError struct {
	err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse statement: %v", e.err)
}

func (e *ParseError) Unwrap() error {
	return e.err
}

// Mapping records, in discovery order, the URL relation references replaced
// during one rewrite. It lives only for the duration of that rewrite.
type Mapping struct {
	urls   []string
	tables map[string]string
}

func newMapping() *Mapping {
	return &Mapping{tables: make(map[string]string)}
}

func (m *Mapping) put(url, table string) {
	if _, ok := m.tables[url]; !ok {
		m.urls = append(m.urls, url)
	}
	m.tables[url] = table
}

// URLs returns the mapped URLs in the order they were first encountered.
func (m *Mapping) URLs() []string {
	return m.urls
}

// Table returns the local table name for url.
func (m *Mapping) Table(url string) (string, bool) {
	t, ok := m.tables[url]
	return t, ok
}

// Empty reports whether the rewrite touched any relation reference.
func (m *Mapping) Empty() bool {
	return len(m.urls) == 0
}

// Rewriter substitutes URL-bearing relation references in parsed SQL with
// deterministic local table names.
type Rewriter struct {
	hasher Hasher
}

// NewRewriter creates a Rewriter using h for table names.
func NewRewriter(h Hasher) *Rewriter {
	return &Rewriter{hasher: h}
}

// Parse parses sql into an AST.
func (r *Rewriter) Parse(sql string) (*pg_query.ParseResult, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, &ParseError{err: err}
	}
	return result, nil
}

// Deparse renders the AST back to canonical SQL text.
func (r *Rewriter) Deparse(result *pg_query.ParseResult) (string, error) {
	sql, err := pg_query.Deparse(result)
	if err != nil {
		return "", fmt.Errorf("failed to deparse statement: %w", err)
	}
	return sql, nil
}

// RewriteURLs replaces every relation reference whose identifier is a valid
// URL with its hashed table name and returns the collected mapping.
//
// Two walks keep the result independent of traversal order: the first
// rewrites relation names and fills the mapping, the second fixes
// column-qualified references against the now-complete mapping. Applying
// RewriteURLs twice is a no-op since hashed names are not valid URLs.
func (r *Rewriter) RewriteURLs(result *pg_query.ParseResult) *Mapping {
	mapping := newMapping()

	for _, raw := range result.Stmts {
		walk(raw.Stmt, func(node *pg_query.Node) {
			if rv := node.GetRangeVar(); rv != nil {
				r.rewriteRangeVar(rv, mapping)
			}
		})
	}

	if mapping.Empty() {
		return mapping
	}

	for _, raw := range result.Stmts {
		walk(raw.Stmt, func(node *pg_query.Node) {
			if cr := node.GetColumnRef(); cr != nil {
				rewriteColumnRef(cr, mapping)
			}
		})
	}

	return mapping
}

func (r *Rewriter) rewriteRangeVar(rv *pg_query.RangeVar, mapping *Mapping) {
	if !IsValidURL(rv.Relname) {
		return
	}
	table := r.hasher.TableName(rv.Relname)
	mapping.put(rv.Relname, table)
	rv.Relname = table
}

// rewriteColumnRef substitutes qualifier fields that quote a mapped URL,
// e.g. "http://host/wfs?typeName=x".attr after the FROM reference was hashed.
func rewriteColumnRef(cr *pg_query.ColumnRef, mapping *Mapping) {
	for _, field := range cr.Fields {
		if s := field.GetString_(); s != nil {
			if table, ok := mapping.Table(s.Sval); ok {
				s.Sval = table
			}
		}
	}
}

// walk calls fn on node and recurses into every child that can carry a
// relation or column reference.
func walk(node *pg_query.Node, fn func(*pg_query.Node)) {
	if node == nil {
		return
	}

	fn(node)

	switch {
	case node.GetSelectStmt() != nil:
		walkSelect(node.GetSelectStmt(), fn)

	case node.GetInsertStmt() != nil:
		ins := node.GetInsertStmt()
		walkRangeVar(ins.Relation, fn)
		walk(ins.SelectStmt, fn)
		walkList(ins.ReturningList, fn)
		walkWithClause(ins.WithClause, fn)

	case node.GetUpdateStmt() != nil:
		upd := node.GetUpdateStmt()
		walkRangeVar(upd.Relation, fn)
		walkList(upd.TargetList, fn)
		walkList(upd.FromClause, fn)
		walk(upd.WhereClause, fn)
		walkList(upd.ReturningList, fn)
		walkWithClause(upd.WithClause, fn)

	case node.GetDeleteStmt() != nil:
		del := node.GetDeleteStmt()
		walkRangeVar(del.Relation, fn)
		walkList(del.UsingClause, fn)
		walk(del.WhereClause, fn)
		walkList(del.ReturningList, fn)
		walkWithClause(del.WithClause, fn)

	case node.GetJoinExpr() != nil:
		join := node.GetJoinExpr()
		walk(join.Larg, fn)
		walk(join.Rarg, fn)
		walk(join.Quals, fn)

	case node.GetRangeSubselect() != nil:
		walk(node.GetRangeSubselect().Subquery, fn)

	case node.GetRangeFunction() != nil:
		walkList(node.GetRangeFunction().Functions, fn)

	case node.GetSubLink() != nil:
		sub := node.GetSubLink()
		walk(sub.Testexpr, fn)
		walk(sub.Subselect, fn)

	case node.GetCommonTableExpr() != nil:
		walk(node.GetCommonTableExpr().Ctequery, fn)

	case node.GetResTarget() != nil:
		walk(node.GetResTarget().Val, fn)

	case node.GetAExpr() != nil:
		expr := node.GetAExpr()
		walk(expr.Lexpr, fn)
		walk(expr.Rexpr, fn)

	case node.GetBoolExpr() != nil:
		walkList(node.GetBoolExpr().Args, fn)

	case node.GetFuncCall() != nil:
		call := node.GetFuncCall()
		walkList(call.Args, fn)
		walkList(call.AggOrder, fn)
		walk(call.AggFilter, fn)

	case node.GetTypeCast() != nil:
		walk(node.GetTypeCast().Arg, fn)

	case node.GetCaseExpr() != nil:
		caseExpr := node.GetCaseExpr()
		walk(caseExpr.Arg, fn)
		walkList(caseExpr.Args, fn)
		walk(caseExpr.Defresult, fn)

	case node.GetCaseWhen() != nil:
		when := node.GetCaseWhen()
		walk(when.Expr, fn)
		walk(when.Result, fn)

	case node.GetCoalesceExpr() != nil:
		walkList(node.GetCoalesceExpr().Args, fn)

	case node.GetMinMaxExpr() != nil:
		walkList(node.GetMinMaxExpr().Args, fn)

	case node.GetRowExpr() != nil:
		walkList(node.GetRowExpr().Args, fn)

	case node.GetNullTest() != nil:
		walk(node.GetNullTest().Arg, fn)

	case node.GetBooleanTest() != nil:
		walk(node.GetBooleanTest().Arg, fn)

	case node.GetAIndirection() != nil:
		walk(node.GetAIndirection().Arg, fn)

	case node.GetSortBy() != nil:
		walk(node.GetSortBy().Node, fn)

	case node.GetList() != nil:
		walkList(node.GetList().Items, fn)
	}
}

func walkSelect(sel *pg_query.SelectStmt, fn func(*pg_query.Node)) {
	walkList(sel.TargetList, fn)
	walkList(sel.FromClause, fn)
	walk(sel.WhereClause, fn)
	walkList(sel.GroupClause, fn)
	walk(sel.HavingClause, fn)
	walkList(sel.SortClause, fn)
	walk(sel.LimitCount, fn)
	walk(sel.LimitOffset, fn)
	walkWithClause(sel.WithClause, fn)
	for _, values := range sel.ValuesLists {
		walk(values, fn)
	}

	// Set operations (UNION / INTERSECT / EXCEPT) nest full selects.
	if sel.Larg != nil {
		walkSelect(sel.Larg, fn)
	}
	if sel.Rarg != nil {
		walkSelect(sel.Rarg, fn)
	}
}

func walkWithClause(with *pg_query.WithClause, fn func(*pg_query.Node)) {
	if with == nil {
		return
	}
	walkList(with.Ctes, fn)
}

// walkRangeVar visits a RangeVar held directly (not wrapped in a Node), as
// in INSERT/UPDATE/DELETE relations.
func walkRangeVar(rv *pg_query.RangeVar, fn func(*pg_query.Node)) {
	if rv == nil {
		return
	}
	fn(&pg_query.Node{Node: &pg_query.Node_RangeVar{RangeVar: rv}})
}

func walkList(nodes []*pg_query.Node, fn func(*pg_query.Node)) {
	for _, n := range nodes {
		walk(n, fn)
	}
}
