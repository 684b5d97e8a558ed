// Package schema embeds the SQL DDL that cmd/barge ships to operators. The
// core never executes it; see the header comment of schema.sql.
package schema

import _ "embed"

//go:embed schema.sql
var SQL string
