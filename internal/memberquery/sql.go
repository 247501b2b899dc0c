package memberquery

import (
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// SQLBuilder accumulates AND-ed WHERE conditions with positional Postgres placeholders
type SQLBuilder struct {
	conds []string
	args  []interface{}
}

// Bind registers an argument and returns its placeholder
func (b *SQLBuilder) Bind(v interface{}) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// BindArray registers a text[] argument and returns its placeholder
func (b *SQLBuilder) BindArray(values []string) string {
	if values == nil {
		values = []string{}
	}
	return b.Bind(pq.Array(values))
}

// Where adds a condition
func (b *SQLBuilder) Where(cond string) {
	b.conds = append(b.conds, cond)
}

// Clause renders "WHERE a AND b ..." or "" when there are no conditions
func (b *SQLBuilder) Clause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(b.conds, " AND ")
}

// Args returns the bound arguments in placeholder order
func (b *SQLBuilder) Args() []interface{} {
	return b.args
}
