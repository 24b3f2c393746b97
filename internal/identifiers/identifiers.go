// Package identifiers implements the identifier-safety rules shared by
// the Meta-Validator (pkg/validator) and the Dynamic Table Migrator
// (pkg/migrator). Both components must agree on what is safe to use as
// a SQL identifier, so the rule set lives in one place.
package identifiers

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxLength is the maximum length of any SQL-visible identifier this
// core will admit, matching PostgreSQL's NAMEDATALEN-derived limit.
const MaxLength = 63

var safePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedWords is a practical subset of the SQL/PostgreSQL reserved
// word list relevant to identifiers this core generates or admits.
var reservedWords = map[string]bool{
	"select": true, "insert": true, "update": true, "delete": true,
	"from": true, "where": true, "join": true, "table": true,
	"column": true, "index": true, "create": true, "alter": true,
	"drop": true, "grant": true, "revoke": true, "union": true,
	"group": true, "order": true, "by": true, "having": true,
	"into": true, "values": true, "default": true, "null": true,
	"not": true, "and": true, "or": true, "as": true, "on": true,
	"primary": true, "foreign": true, "key": true, "references": true,
	"constraint": true, "check": true, "unique": true, "cascade": true,
	"user": true, "current_user": true, "session_user": true,
	"true": true, "false": true, "limit": true, "offset": true,
	"distinct": true, "all": true, "any": true, "exists": true,
	"case": true, "when": true, "then": true, "else": true, "end": true,
	"for": true, "in": true, "is": true, "like": true, "asc": true, "desc": true,
	"lateral": true, "window": true, "with": true, "returning": true,
	"analyze": true, "analyse": true, "between": true, "both": true,
	"collate": true, "do": true, "fetch": true, "leading": true,
	"localtime": true, "localtimestamp": true, "only": true,
	"placing": true, "some": true, "symmetric": true, "trailing": true,
	"variadic": true,
}

// pgTypeKeywords are PostgreSQL built-in type names that, while not
// always reserved words, produce confusing DDL when used bare as
// identifiers, so the Meta-Validator rejects them too.
var pgTypeKeywords = map[string]bool{
	"int": true, "integer": true, "smallint": true, "bigint": true,
	"float": true, "double": true, "real": true, "decimal": true,
	"numeric": true, "boolean": true, "bool": true, "text": true,
	"varchar": true, "char": true, "character": true, "date": true,
	"time": true, "timestamp": true, "timestamptz": true, "uuid": true,
	"json": true, "jsonb": true, "array": true, "bytea": true,
	"serial": true, "bigserial": true, "money": true, "interval": true,
}

// Safe reports whether name may be used as a SQL identifier anywhere
// this core generates DDL or validates schema documents (table names,
// field/column names, step names, index names, tool keys), per
// spec.md §4.B / §6.
func Safe(name string) error {
	if name == "" {
		return fmt.Errorf("identifier must not be empty")
	}
	if len(name) > MaxLength {
		return fmt.Errorf("identifier %q exceeds max length %d", name, MaxLength)
	}
	if !safePattern.MatchString(name) {
		return fmt.Errorf("identifier %q must match ^[A-Za-z_][A-Za-z0-9_]*$", name)
	}
	lower := strings.ToLower(name)
	if reservedWords[lower] {
		return fmt.Errorf("identifier %q is a SQL reserved word", name)
	}
	if pgTypeKeywords[lower] {
		return fmt.Errorf("identifier %q is a PostgreSQL type keyword", name)
	}
	if strings.HasPrefix(lower, "pg_") {
		return fmt.Errorf("identifier %q must not start with 'pg_'", name)
	}
	if strings.HasPrefix(name, "_") {
		return fmt.Errorf("identifier %q must not start with '_'", name)
	}
	return nil
}
