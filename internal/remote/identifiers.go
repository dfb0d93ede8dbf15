package remote

import (
	"github.com/lib/pq"
)

// quoteIdent safely quotes a PostgreSQL identifier, escaping embedded quotes.
func quoteIdent(ident string) string {
	return pq.QuoteIdentifier(ident)
}

// qualify returns schema.table with both parts quoted.
func qualify(schema, table string) string {
	if schema == "" {
		return quoteIdent(table)
	}
	return quoteIdent(schema) + "." + quoteIdent(table)
}
