package engine

import "fmt"

// Query represents a SQL query with dialect-specific variants
type Query struct {
	Sqlite   string
	Postgres string
}

// Same makes a Query with the same text for all dialects
func Same(query string) Query { return Query{Sqlite: query, Postgres: query} }

// Pick returns the query text for the given engine type
func (q Query) Pick(dbType Type) (string, error) {
	switch dbType {
	case Sqlite:
		return q.Sqlite, nil
	case Postgres:
		return q.Postgres, nil
	default:
		return "", fmt.Errorf("unsupported database type %q", dbType)
	}
}
