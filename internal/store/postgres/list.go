package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// listQuery appends time filters on col, newest-first ordering and paging
// to a base SELECT. It returns the final query and its positional args.
func listQuery(base, col string, opts domain.ListOpts, args ...any) (string, []any) {
	var b strings.Builder
	b.WriteString(base)
	where := strings.Contains(strings.ToUpper(base), " WHERE ")
	cond := func(clause string, v any) {
		args = append(args, v)
		if where {
			b.WriteString(" AND ")
		} else {
			b.WriteString(" WHERE ")
			where = true
		}
		fmt.Fprintf(&b, clause, len(args))
	}

	if opts.Since != nil {
		cond(col+" >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		cond(col+" <= $%d", *opts.Until)
	}
	b.WriteString(" ORDER BY " + col + " DESC")
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}
