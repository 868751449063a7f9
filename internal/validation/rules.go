// Package validation runs data quality rules against the database and keeps
// a scorecard built from the latest result of each rule.
package validation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	"github.com/namansh70747/sentinel/internal/health"
)

type RuleType string

const (
	RuleNullCheck   RuleType = "null_check"
	RuleRangeCheck  RuleType = "range_check"
	RuleReferential RuleType = "referential"
	RuleDuplicate   RuleType = "duplicate"
	RuleFreshness   RuleType = "freshness"
	RuleCustomSQL   RuleType = "custom_sql"
)

const sampleLimit = 5

// Rule is one configured check. Table may be schema qualified.
type Rule struct {
	Name        string            `yaml:"name" json:"name" validate:"required"`
	Type        RuleType          `yaml:"type" json:"type" validate:"oneof=null_check range_check referential duplicate freshness custom_sql"`
	Table       string            `yaml:"table" json:"table"`
	Column      string            `yaml:"column" json:"column"`
	Severity    health.Severity   `yaml:"severity" json:"severity" validate:"omitempty,oneof=warning critical"`
	Params      map[string]string `yaml:"params" json:"params,omitempty"`
	Description string            `yaml:"description" json:"description"`
}

// check is the SQL for one rule. count yields the violation count; sample,
// when set, yields up to sampleLimit offending values as text.
type check struct {
	count  string
	sample string
	args   []any
	// fresh inverts count: rows found means the rule passed.
	fresh bool
}

// Validate reports rules that cannot be turned into SQL.
func (r Rule) Validate() error {
	_, err := r.build()
	return err
}

func (r Rule) param(key, def string) string {
	if v, ok := r.Params[key]; ok && v != "" {
		return v
	}
	return def
}

func ident(name string) pgx.Identifier {
	return pgx.Identifier(strings.Split(name, "."))
}

func (r Rule) build() (check, error) {
	if r.Type == RuleCustomSQL {
		sql := r.param("sql", "")
		if sql == "" {
			return check{}, fmt.Errorf("rule %s: custom_sql requires an sql parameter", r.Name)
		}
		return check{count: sql}, nil
	}

	if r.Table == "" {
		return check{}, fmt.Errorf("rule %s: table is required", r.Name)
	}
	tbl := ident(r.Table).Sanitize()

	if r.Type == RuleDuplicate {
		cols := lo.Compact(lo.Map(strings.Split(r.param("columns", r.Column), ","), func(c string, _ int) string {
			return strings.TrimSpace(c)
		}))
		if len(cols) == 0 {
			return check{}, fmt.Errorf("rule %s: duplicate needs a column or columns parameter", r.Name)
		}
		list := strings.Join(lo.Map(cols, func(c string, _ int) string { return pgx.Identifier{c}.Sanitize() }), ", ")
		groups := fmt.Sprintf("SELECT %s, count(*) AS occurrences FROM %s GROUP BY %s HAVING count(*) > 1", list, tbl, list)
		return check{
			count:  "SELECT count(*) FROM (" + groups + ") d",
			sample: fmt.Sprintf("SELECT row_to_json(d)::text FROM (%s) d LIMIT %d", groups, sampleLimit),
		}, nil
	}

	if r.Column == "" {
		return check{}, fmt.Errorf("rule %s: column is required", r.Name)
	}
	col := pgx.Identifier{r.Column}.Sanitize()

	switch r.Type {
	case RuleNullCheck:
		return check{
			count:  fmt.Sprintf("SELECT count(*) FROM %s t WHERE t.%s IS NULL", tbl, col),
			sample: fmt.Sprintf("SELECT row_to_json(t)::text FROM %s t WHERE t.%s IS NULL LIMIT %d", tbl, col, sampleLimit),
		}, nil

	case RuleRangeCheck:
		var (
			conds []string
			args  []any
		)
		for _, bound := range []struct{ key, op string }{{"min", "<"}, {"max", ">"}} {
			raw := r.param(bound.key, "")
			if raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return check{}, fmt.Errorf("rule %s: invalid %s %q", r.Name, bound.key, raw)
			}
			args = append(args, v)
			conds = append(conds, fmt.Sprintf("t.%s %s $%d", col, bound.op, len(args)))
		}
		if len(conds) == 0 {
			return check{}, fmt.Errorf("rule %s: range_check needs min or max", r.Name)
		}
		where := strings.Join(conds, " OR ")
		return check{
			count:  fmt.Sprintf("SELECT count(*) FROM %s t WHERE %s", tbl, where),
			sample: fmt.Sprintf("SELECT t.%s::text FROM %s t WHERE %s LIMIT %d", col, tbl, where, sampleLimit),
			args:   args,
		}, nil

	case RuleReferential:
		refTable := r.param("ref_table", "")
		if refTable == "" {
			return check{}, fmt.Errorf("rule %s: referential requires ref_table", r.Name)
		}
		ref := ident(refTable).Sanitize()
		refCol := pgx.Identifier{r.param("ref_column", "id")}.Sanitize()
		from := fmt.Sprintf("FROM %s t LEFT JOIN %s r ON t.%s = r.%s WHERE r.%s IS NULL AND t.%s IS NOT NULL",
			tbl, ref, col, refCol, refCol, col)
		return check{
			count:  "SELECT count(*) " + from,
			sample: fmt.Sprintf("SELECT t.%s::text %s LIMIT %d", col, from, sampleLimit),
		}, nil

	case RuleFreshness:
		hours, err := strconv.Atoi(r.param("max_age_hours", "24"))
		if err != nil || hours <= 0 {
			return check{}, fmt.Errorf("rule %s: invalid max_age_hours", r.Name)
		}
		return check{
			count: fmt.Sprintf("SELECT count(*) FROM %s t WHERE t.%s >= now() - make_interval(hours => $1)", tbl, col),
			args:  []any{hours},
			fresh: true,
		}, nil
	}
	return check{}, fmt.Errorf("rule %s: unknown rule type %q", r.Name, r.Type)
}
