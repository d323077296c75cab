package planner

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickchristie/safequery/internal/allowlist"
	"github.com/rickchristie/safequery/internal/qerr"
	"github.com/rickchristie/safequery/internal/sqlast"
)

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	p, err := New(Config{})
	require.NoError(t, err)
	return p
}

var ordersWithTime = map[string][]string{
	"orders": {"order_id", "order_status", "order_purchase_timestamp"},
}

var olist = map[string][]string{
	"orders":    {"order_id", "customer_id", "order_status", "order_purchase_timestamp", "order_delivered_customer_date"},
	"customers": {"customer_id", "customer_unique_id", "customer_city", "customer_state", "customer_zip_code_prefix"},
	"products":  {"product_id", "product_category_name", "product_weight_g"},
}

func TestPlan_Golden(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		allowlist map[string][]string
		req       Request
	}{
		{"count_pt", map[string][]string{"orders": {"order_id", "order_status"}}, Request{Text: "quantos pedidos existem"}},
		{"monthly_2018_pt", ordersWithTime, Request{Text: "pedidos por mês em 2018"}},
		{"preview_year_pt", ordersWithTime, Request{Text: "mostre os pedidos de 2017", Limit: 20}},
		{"weekly_en", ordersWithTime, Request{Text: "number of orders per week"}},
		{"preview_customers_en", olist, Request{Text: "show me the latest customers"}},
	}

	p := newTestPlanner(t)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, tc := range cases {
		stmt, err := p.Plan(tc.req, allowlist.Normalize(tc.allowlist))
		require.NoError(t, err, tc.name)
		g.Assert(t, tc.name, []byte(stmt.SQL+"\n"))
	}
}

func TestPlan_CountScenario(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t)
	stmt, err := p.Plan(Request{Text: "quantos pedidos existem"},
		allowlist.Normalize(map[string][]string{"orders": {"order_id", "order_status"}}))
	require.NoError(t, err)

	assert.Equal(t, "SELECT COUNT(1) AS qty FROM analytics.orders", stmt.SQL)
	assert.False(t, stmt.LimitApplied)
	assert.True(t, stmt.Aggregate)
	assert.Empty(t, stmt.Warnings)
	assert.NotNil(t, stmt.Params)
}

func TestPlan_TimeSeriesScenario(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t)
	stmt, err := p.Plan(Request{Text: "pedidos por mês em 2018"}, allowlist.Normalize(ordersWithTime))
	require.NoError(t, err)

	assert.Contains(t, stmt.SQL, "date_trunc('month', analytics.orders.order_purchase_timestamp)")
	assert.Contains(t, stmt.SQL, ">= '2018-01-01'")
	assert.Contains(t, stmt.SQL, "< '2019-01-01'")
	assert.Contains(t, stmt.SQL, "GROUP BY period ORDER BY period")
	assert.False(t, stmt.LimitApplied)
	assert.Equal(t, "count of orders per month in 2018", stmt.Reason)
}

func TestPlan_EmptyAllowlistReturnsSentinel(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t)
	stmt, err := p.Plan(Request{Text: "quantos pedidos"}, allowlist.Snapshot{})
	require.NoError(t, err)

	assert.Equal(t, SentinelSQL, stmt.SQL)
	assert.True(t, stmt.LimitApplied)
	require.Len(t, stmt.Warnings, 1)
	assert.Contains(t, stmt.Warnings[0], "empty allowlist")
}

func TestPlan_YearWithoutTimeColumnWarns(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t)
	stmt, err := p.Plan(Request{Text: "quantos pedidos em 2018"},
		allowlist.Normalize(map[string][]string{"orders": {"order_id"}}))
	require.NoError(t, err)

	assert.Equal(t, "SELECT COUNT(1) AS qty FROM analytics.orders", stmt.SQL)
	require.Len(t, stmt.Warnings, 1)
	assert.Contains(t, stmt.Warnings[0], "2018 ignored")
}

func TestPlan_TimescaleWithoutTimeColumnDegradesToCount(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t)
	stmt, err := p.Plan(Request{Text: "orders per month"},
		allowlist.Normalize(map[string][]string{"orders": {"order_id"}}))
	require.NoError(t, err)

	assert.Equal(t, "SELECT COUNT(1) AS qty FROM analytics.orders", stmt.SQL)
	require.Len(t, stmt.Warnings, 1)
	assert.Contains(t, stmt.Warnings[0], "time series by month ignored")
}

func TestPlan_NoColumnsScrubsStar(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t)
	stmt, err := p.Plan(Request{Text: "show orders"}, allowlist.Normalize(map[string][]string{"orders": nil}))
	require.NoError(t, err)

	assert.Equal(t, "SELECT 1 FROM analytics.orders ORDER BY 1 DESC LIMIT 100", stmt.SQL)
	assert.Contains(t, stmt.Warnings, "replaced residual '*' with '1'")
}

func TestPlan_PreviewPicksAtMostSixColumns(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t)
	stmt, err := p.Plan(Request{Text: "show events"}, allowlist.Normalize(map[string][]string{
		"events": {"a", "b", "c", "event_status", "event_id", "created_date", "d", "user_id"},
	}))
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT analytics.events.event_id, analytics.events.user_id, analytics.events.event_status, analytics.events.created_date, analytics.events.a, analytics.events.b FROM analytics.events ORDER BY 1 DESC LIMIT 100",
		stmt.SQL)
}

func TestPlan_QuotesMixedCaseIdentifiers(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t)
	stmt, err := p.Plan(Request{Text: "quantos Orders por mes"},
		allowlist.Normalize(map[string][]string{"Orders": {"OrderDate"}}))
	require.NoError(t, err)

	assert.Contains(t, stmt.SQL, `date_trunc('month', analytics."Orders"."OrderDate")`)
	assert.Contains(t, stmt.SQL, `FROM analytics."Orders"`)
}

func TestPlan_ExplicitTableBeatsPriority(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t)
	stmt, err := p.Plan(Request{Text: "how many products"}, allowlist.Normalize(olist))
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(1) AS qty FROM analytics.products", stmt.SQL)
}

func TestPlan_SynonymPicksTable(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t)
	stmt, err := p.Plan(Request{Text: "quantos clientes"}, allowlist.Normalize(olist))
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(1) AS qty FROM analytics.customers", stmt.SQL)
}

func TestPlan_FallsBackToFirstTable(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t)
	stmt, err := p.Plan(Request{Text: "how many"},
		allowlist.Normalize(map[string][]string{"zeta": {"id"}, "alpha": {"id"}}))
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(1) AS qty FROM analytics.alpha", stmt.SQL)
}

func TestPlan_BlockedVerbInIdentifierIsRejected(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t)
	_, err := p.Plan(Request{Text: "show orders"},
		allowlist.Normalize(map[string][]string{"orders": {"order_id", "drop"}}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, qerr.ErrInvalidRequest))
}

func TestPlan_CustomSchema(t *testing.T) {
	t.Parallel()
	p, err := New(Config{Schema: "public"})
	require.NoError(t, err)
	stmt, err := p.Plan(Request{Text: "how many orders"}, allowlist.Normalize(ordersWithTime))
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(1) AS qty FROM public.orders", stmt.SQL)
}

var limitPattern = regexp.MustCompile(`LIMIT (\d+)$`)

// Every non-aggregate plan carries LIMIT n with 1 <= n <= MaxSafeLimit.
func TestPlan_PreviewLimitBounds(t *testing.T) {
	t.Parallel()
	p, err := New(Config{MaxSafeLimit: 500})
	require.NoError(t, err)

	for _, limit := range []int{-10, 0, 1, 7, 499, 500, 501, 1 << 20} {
		stmt, err := p.Plan(Request{Text: "show orders", Limit: limit}, allowlist.Normalize(olist))
		require.NoError(t, err)
		require.False(t, stmt.Aggregate)
		require.True(t, stmt.LimitApplied, "limit %d", limit)

		m := limitPattern.FindStringSubmatch(stmt.SQL)
		require.NotNil(t, m, stmt.SQL)
		n, _ := strconv.Atoi(m[1])
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, p.MaxSafeLimit())
	}
}

// Every identifier in a plan comes from the allowlist.
func TestPlan_ReferencesOnlyAllowlistedIdentifiers(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t)
	requests := []string{
		"quantos pedidos existem",
		"pedidos por mês em 2018",
		"pedidos por semana",
		"vendas diárias em 2017",
		"show me products",
		"customers per year",
		"how many customers in 2016",
		"mostre clientes",
		"total de pedidos por ano",
		"anything else entirely",
	}
	allowlists := []map[string][]string{
		olist,
		ordersWithTime,
		{"orders": {"order_id"}},
		{"metrics": {"metric_dt", "value", "metric_id"}},
	}

	for _, al := range allowlists {
		snap := allowlist.Normalize(al)
		for _, text := range requests {
			stmt, err := p.Plan(Request{Text: text}, snap)
			require.NoError(t, err, text)

			stmts, err := sqlast.Parse(stmt.SQL)
			require.NoError(t, err, stmt.SQL)
			require.Len(t, stmts, 1)
			refs := sqlast.Collect(stmts)
			for _, rv := range refs.Relations {
				assert.True(t, snap.HasTable(rv.GetRelname()), "%q: table %s", stmt.SQL, rv.GetRelname())
			}
			for _, fields := range refs.Columns {
				if len(fields) < 2 {
					continue // select aliases such as "period"
				}
				table, col := fields[len(fields)-2], fields[len(fields)-1]
				assert.True(t, snap.HasColumn(table, col), "%q: column %s.%s", stmt.SQL, table, col)
			}
			assert.NotContains(t, stmt.SQL, ";")
			if !stmt.Aggregate {
				assert.True(t, stmt.LimitApplied)
				assert.True(t, strings.Contains(stmt.SQL, " LIMIT "))
			}
		}
	}
}

func TestLexicon_Builtin(t *testing.T) {
	t.Parallel()
	pt, err := Builtin("pt")
	require.NoError(t, err)
	assert.Equal(t, "pt", pt.Language)
	assert.NotEmpty(t, pt.Cues)

	_, err = Builtin("xx")
	assert.Error(t, err)
}

func TestLexicon_ParseRejectsBadCues(t *testing.T) {
	t.Parallel()
	_, err := ParseLexicon([]byte("language: x\ncues:\n  - pattern: foo\n    intent: timescale\n    unit: fortnight\n"))
	assert.ErrorContains(t, err, "invalid timescale unit")

	_, err = ParseLexicon([]byte("language: x\ncues:\n  - pattern: foo\n    intent: guess\n"))
	assert.ErrorContains(t, err, "unknown intent")

	_, err = New(Config{Lexicons: []*Lexicon{{Language: "x", Cues: []Cue{{Pattern: "(", Intent: IntentAggregation}}}}})
	assert.ErrorContains(t, err, "invalid pattern")
}

func TestLexicon_CustomPackReplacesDefaults(t *testing.T) {
	t.Parallel()
	lex, err := ParseLexicon([]byte(`
language: es
synonyms:
  pedidos: orders
cues:
  - pattern: cuantos
    intent: aggregation
  - pattern: por mes
    intent: timescale
    unit: month
`))
	require.NoError(t, err)
	p, err := New(Config{Lexicons: []*Lexicon{lex}})
	require.NoError(t, err)

	stmt, err := p.Plan(Request{Text: "cuántos pedidos por mes"}, allowlist.Normalize(ordersWithTime))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stmt.SQL, "SELECT date_trunc('month'"), stmt.SQL)

	// "quantos" is a Portuguese cue, absent from this pack.
	stmt, err = p.Plan(Request{Text: "quantos pedidos"}, allowlist.Normalize(ordersWithTime))
	require.NoError(t, err)
	assert.False(t, stmt.Aggregate)
}

func TestFold(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "pedidos por mes", fold("Pedidos por MÊS"))
	assert.Equal(t, "vendas diarias", fold("vendas diárias"))
}
