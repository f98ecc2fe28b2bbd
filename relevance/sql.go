// Package relevance derives the type tags a query depends on and the type
// tags a write affects, by parsing SQL with rqlite/sql. Table names are the
// type tags.
package relevance

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/livequery/cfg"
	"github.com/maxpert/livequery/notify"
	rqlitesql "github.com/rqlite/sql"
)

// DefaultCacheSize bounds the parse cache when no configuration is loaded
const DefaultCacheSize = 1024

type cacheKind uint8

const (
	kindRead cacheKind = iota
	kindWrite
)

type cacheKey struct {
	kind cacheKind
	hash uint64
}

var (
	cacheOnce  sync.Once
	parseCache *lru.Cache[cacheKey, notify.TypeSet]
)

func cache() *lru.Cache[cacheKey, notify.TypeSet] {
	cacheOnce.Do(func() {
		size := DefaultCacheSize
		if cfg.Config != nil && cfg.Config.Relevance.CacheSize > 0 {
			size = cfg.Config.Relevance.CacheSize
		}
		var err error
		parseCache, err = lru.New[cacheKey, notify.TypeSet](size)
		if err != nil {
			panic("failed to create relevance cache: " + err.Error())
		}
	})
	return parseCache
}

// ParseError reports SQL that could not be analysed
type ParseError struct {
	SQL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("relevance: cannot parse %q: %v", e.SQL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// FromSQL returns every table referenced by a query: FROM and JOIN sources,
// subqueries, and CTE bodies. The result over-approximates what the query
// reads, which only costs an extra re-execution.
func FromSQL(query string) (notify.TypeSet, error) {
	return cached(kindRead, query, referencedTables)
}

// AffectedBySQL returns the table a write statement modifies. Statements that
// modify nothing (SELECT, BEGIN, ...) yield an empty set.
func AffectedBySQL(stmt string) (notify.TypeSet, error) {
	return cached(kindWrite, stmt, targetTable)
}

// ReadOnly reports whether stmt is a plain query: a SELECT, VALUES or
// EXPLAIN. Anything else, including DELETE ... RETURNING, is a write.
func ReadOnly(stmt string) (bool, error) {
	parsed, err := rqlitesql.NewParser(strings.NewReader(stmt)).ParseStatement()
	if err != nil {
		return false, &ParseError{SQL: stmt, Err: err}
	}
	switch parsed.(type) {
	case *rqlitesql.SelectStatement, *rqlitesql.ExplainStatement:
		return true, nil
	}
	return false, nil
}

// AffectedByAll unions AffectedBySQL over statements
func AffectedByAll(stmts ...string) (notify.TypeSet, error) {
	var out notify.TypeSet
	for _, s := range stmts {
		types, err := AffectedBySQL(s)
		if err != nil {
			return nil, err
		}
		out = out.Union(types)
	}
	return out, nil
}

func cached(kind cacheKind, query string, derive func(string, rqlitesql.Statement) notify.TypeSet) (notify.TypeSet, error) {
	key := cacheKey{kind: kind, hash: xxhash.Sum64String(query)}
	if types, ok := cache().Get(key); ok {
		return types, nil
	}

	stmt, err := rqlitesql.NewParser(strings.NewReader(query)).ParseStatement()
	if err != nil {
		return nil, &ParseError{SQL: query, Err: err}
	}

	types := derive(query, stmt)
	cache().Add(key, types)
	return types, nil
}

// tableCollector gathers the real name of every table source in a tree.
// Walk does not descend into expression subqueries or WITH clauses, so
// Visit walks those itself.
type tableCollector struct {
	names []string
}

func (c *tableCollector) Visit(node rqlitesql.Node) (rqlitesql.Visitor, rqlitesql.Node, error) {
	switch n := node.(type) {
	case *rqlitesql.QualifiedTableName:
		// Aliases are not tables; IdentName on Name skips them
		if name := rqlitesql.IdentName(n.Name); name != "" {
			c.names = append(c.names, name)
		}
	case rqlitesql.SelectExpr:
		c.walkSelect(n.SelectStatement)
	case *rqlitesql.WithClause:
		for _, cte := range n.CTEs {
			c.walkSelect(cte.Select)
		}
	}
	return c, node, nil
}

func (c *tableCollector) VisitEnd(node rqlitesql.Node) (rqlitesql.Node, error) {
	return node, nil
}

func (c *tableCollector) walkSelect(stmt *rqlitesql.SelectStatement) {
	if stmt != nil {
		rqlitesql.Walk(c, stmt)
	}
}

func referencedTables(query string, stmt rqlitesql.Statement) notify.TypeSet {
	collector := &tableCollector{}
	rqlitesql.Walk(collector, stmt)
	return notify.TypesOf(append(collector.names, sourceNames(query)...)...)
}

// sourceNames returns every identifier that directly follows FROM or JOIN,
// taking the table part of schema.table. It catches sources in nodes the
// tree walk cannot reach.
func sourceNames(query string) []string {
	var names []string
	scanner := rqlitesql.NewScanner(strings.NewReader(query))
	prev := rqlitesql.ILLEGAL
	qualified := false
	for {
		_, tok, lit := scanner.Scan()
		if tok == rqlitesql.EOF || tok == rqlitesql.ILLEGAL {
			return names
		}

		isIdent := tok == rqlitesql.IDENT || tok == rqlitesql.QIDENT
		switch {
		case isIdent && (prev == rqlitesql.FROM || prev == rqlitesql.JOIN):
			names = append(names, lit)
			qualified = true
		case isIdent && qualified && prev == rqlitesql.DOT:
			names[len(names)-1] = lit
			qualified = false
		case tok != rqlitesql.DOT:
			qualified = false
		}
		prev = tok
	}
}

func targetTable(_ string, stmt rqlitesql.Statement) notify.TypeSet {
	switch s := stmt.(type) {
	case *rqlitesql.InsertStatement:
		return notify.TypesOf(rqlitesql.IdentName(s.Table))

	case *rqlitesql.UpdateStatement:
		if s.Table != nil {
			return notify.TypesOf(rqlitesql.IdentName(s.Table.Name))
		}

	case *rqlitesql.DeleteStatement:
		if s.Table != nil {
			return notify.TypesOf(rqlitesql.IdentName(s.Table.Name))
		}

	case *rqlitesql.CreateTableStatement:
		return notify.TypesOf(rqlitesql.IdentName(s.Name))

	case *rqlitesql.DropTableStatement:
		return notify.TypesOf(rqlitesql.IdentName(s.Name))

	case *rqlitesql.AlterTableStatement:
		// A rename changes what both names resolve to
		return notify.TypesOf(rqlitesql.IdentName(s.Name), rqlitesql.IdentName(s.NewName))

	case *rqlitesql.CreateIndexStatement:
		return notify.TypesOf(rqlitesql.IdentName(s.Table))

	case *rqlitesql.CreateViewStatement:
		return notify.TypesOf(rqlitesql.IdentName(s.Name))

	case *rqlitesql.DropViewStatement:
		return notify.TypesOf(rqlitesql.IdentName(s.Name))

	case *rqlitesql.CreateTriggerStatement:
		return notify.TypesOf(rqlitesql.IdentName(s.Table))
	}
	// DROP INDEX and DROP TRIGGER name no table and change no rows
	return nil
}
