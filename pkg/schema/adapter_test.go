package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectSchemaError(t *testing.T) {
	cases := map[string]string{
		"column 'client_name' not found":      "client_name",
		"no such column: amount":              "amount",
		"Unknown column 'em' in where clause": "em",
		"field \"owner\" does not exist":      "owner",
		"KeyError: 'created'":                 "created",
		"connection refused":                  "",
		"internal server error":               "",
	}
	for input, want := range cases {
		assert.Equal(t, want, DetectSchemaError(input), input)
	}
}

func TestFuzzyMatchColumnTiers(t *testing.T) {
	candidates := []string{"customer_name", "total_amount", "owner_id", "created_at", "status"}

	// Exact match.
	assert.Equal(t, "status", FuzzyMatchColumn("status", candidates))

	// Alias lookup: drifted alias → canonical present in the schema.
	assert.Equal(t, "owner_id", FuzzyMatchColumn("asgn", candidates))
	assert.Equal(t, "created_at", FuzzyMatchColumn("ts", candidates))

	// Alias lookup the other way: canonical request, only alias live.
	assert.Equal(t, "customer_name", FuzzyMatchColumn("client_name", candidates))

	// Close spelling.
	assert.Equal(t, "customer_name", FuzzyMatchColumn("custmer_name", candidates))

	// Prefix: short fragment resolves to the shortest candidate extending it.
	assert.Equal(t, "owner_id", FuzzyMatchColumn("own", candidates))

	// No plausible match.
	assert.Equal(t, "", FuzzyMatchColumn("zzzz", []string{"alpha", "beta"}))
	assert.Equal(t, "", FuzzyMatchColumn("anything", nil))
}

func TestLevenshteinRatio(t *testing.T) {
	assert.Equal(t, 1.0, levenshteinRatio("amount", "amount"))
	assert.InDelta(t, 5.0/6.0, levenshteinRatio("amout", "amount"), 1e-9)
	assert.InDelta(t, 2.0/3.0, levenshteinRatio("amonut", "amount"), 1e-9)
	assert.Equal(t, 0.0, levenshteinRatio("", "abcd"))
	assert.Equal(t, 1.0, levenshteinRatio("", ""))
}

func TestResilientCallErrorPath(t *testing.T) {
	a := NewAdapter()
	var calls []string
	call := func(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
		calls = append(calls, tool)
		switch tool {
		case "list_invoices":
			if filter, _ := params["filter"].(string); filter == "client_name = Acme" {
				return map[string]any{"error": "column 'client_name' not found"}, nil
			}
			return map[string]any{"rows": []any{map[string]any{"customer_name": "Acme"}}}, nil
		case "describe_table":
			return map[string]any{"columns": []any{"customer_name", "total_amount", "status"}}, nil
		}
		return map[string]any{"error": "unknown tool"}, nil
	}

	res, err := a.ResilientCall(context.Background(), "list_invoices",
		map[string]any{"table": "invoices", "filter": "client_name = Acme"}, call)
	require.NoError(t, err)
	assert.NotContains(t, res, "error")
	rows := res["rows"].([]any)
	assert.Len(t, rows, 1)

	// Correction cached for the session.
	assert.Equal(t, map[string]string{"list_invoices:client_name": "customer_name"}, a.CachedCorrections())
	assert.Contains(t, calls, "describe_table")
}

func TestResilientCallSeededCorrectionSkipsIntrospection(t *testing.T) {
	a := NewAdapter()
	a.SeedCorrections(map[string]string{"list_invoices:client_name": "customer_name"})

	var calls []string
	call := func(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
		calls = append(calls, tool)
		if tool != "list_invoices" {
			t.Fatalf("unexpected tool %q", tool)
		}
		if filter, _ := params["filter"].(string); filter == "client_name = Acme" {
			return map[string]any{"error": "column 'client_name' not found"}, nil
		}
		return map[string]any{"rows": []any{map[string]any{"customer_name": "Acme"}}}, nil
	}

	res, err := a.ResilientCall(context.Background(), "list_invoices",
		map[string]any{"table": "invoices", "filter": "client_name = Acme"}, call)
	require.NoError(t, err)
	assert.NotContains(t, res, "error")
	assert.Len(t, res["rows"], 1)

	// Seeded fix applied on the retry, no schema tool in between.
	assert.Equal(t, []string{"list_invoices", "list_invoices"}, calls)
}

func TestSeedCorrectionsKeepsSessionEntries(t *testing.T) {
	a := NewAdapter()
	a.SeedCorrections(map[string]string{"t:col": "live_one"})
	// A later seed never overwrites what this session already learned.
	a.SeedCorrections(map[string]string{"t:col": "stale", "t:other": "fresh"})
	assert.Equal(t, map[string]string{"t:col": "live_one", "t:other": "fresh"}, a.CachedCorrections())
}

func TestResilientCallMarksExhaustedDrift(t *testing.T) {
	a := NewAdapter()
	call := func(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
		if tool == "describe_table" {
			return map[string]any{"columns": "id amount status"}, nil
		}
		return map[string]any{"error": "column 'zzzzqq' not found", "hint": "check the schema"}, nil
	}

	res, err := a.ResilientCall(context.Background(), "list_invoices",
		map[string]any{"table": "invoices", "filter": "zzzzqq = 1"}, call)
	require.NoError(t, err)
	assert.Equal(t, UnrecoverablePrefix+"column 'zzzzqq' not found", res["error"])
	// The rest of the payload survives the marking.
	assert.Equal(t, "check the schema", res["hint"])

	// A second pass over an already-marked error never stacks prefixes.
	assert.Equal(t, res, markUnrecoverable(res))
}

func TestResilientCallMarksDriftSurvivingRetry(t *testing.T) {
	a := NewAdapter()
	call := func(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
		switch tool {
		case "describe_table":
			return map[string]any{"columns": "customer_name order_total status"}, nil
		case "list_orders":
			if filter, _ := params["filter"].(string); filter == "custmer_name = Acme" {
				return map[string]any{"error": "column 'custmer_name' not found"}, nil
			}
			// The corrected retry trips over a second drifted column.
			return map[string]any{"error": "column 'order_totl' not found"}, nil
		}
		return map[string]any{"error": "unknown tool"}, nil
	}

	res, err := a.ResilientCall(context.Background(), "list_orders",
		map[string]any{"table": "orders", "filter": "custmer_name = Acme"}, call)
	require.NoError(t, err)
	errText, _ := res["error"].(string)
	assert.Equal(t, UnrecoverablePrefix+"column 'order_totl' not found", errText)
}

func TestResilientCallLeavesOtherErrorsUnmarked(t *testing.T) {
	a := NewAdapter()
	call := func(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
		return map[string]any{"error": "permission denied"}, nil
	}
	res, err := a.ResilientCall(context.Background(), "get_invoice", map[string]any{"id": 7}, call)
	require.NoError(t, err)
	assert.Equal(t, "permission denied", res["error"])
}

func TestResilientCallEmptyResultDrift(t *testing.T) {
	a := NewAdapter()
	call := func(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
		switch tool {
		case "search_tickets":
			if _, drifted := params["status"]; drifted {
				if params["status"] == "open" {
					return map[string]any{"results": []any{}}, nil
				}
			}
			return map[string]any{"results": []any{"T-1"}}, nil
		case "describe_table":
			return map[string]any{"schema": "id state_code priority created_at"}, nil
		}
		return map[string]any{"error": "unknown tool"}, nil
	}

	// First call returns empty; the adapter introspects, maps the filter
	// key onto a live column, and retries.
	res, err := a.ResilientCall(context.Background(), "search_tickets",
		map[string]any{"status": "open"}, call)
	require.NoError(t, err)
	assert.NotEmpty(t, res["results"])
}

func TestResilientCallLeavesRealEmptiesAlone(t *testing.T) {
	a := NewAdapter()
	call := func(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
		// total > 0 means the filter worked and genuinely matched nothing.
		return map[string]any{"rows": []any{}, "total": 42.0}, nil
	}
	res, err := a.ResilientCall(context.Background(), "list_things", map[string]any{"category": "x"}, call)
	require.NoError(t, err)
	assert.Empty(t, res["rows"])
}

func TestReplaceInParamsNested(t *testing.T) {
	params := map[string]any{
		"filter": "client_name = Acme",
		"sort":   map[string]any{"by": "client_name"},
		"cols":   []any{"client_name", "amount"},
		"limit":  10,
	}
	out := replaceInParams(params, "client_name", "customer_name")
	assert.Equal(t, "customer_name = Acme", out["filter"])
	assert.Equal(t, "customer_name", out["sort"].(map[string]any)["by"])
	assert.Equal(t, "customer_name", out["cols"].([]any)[0])
	assert.Equal(t, 10, out["limit"])
}
