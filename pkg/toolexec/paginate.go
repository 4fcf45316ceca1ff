package toolexec

import (
	"context"
	"fmt"
	"math"
	"strconv"
)

// Bulk reads against gateway tools cap at 10-100 records per call; real
// ledgers run to hundreds. The paginator loops cursor, page/limit, and
// offset styles until the data is exhausted. MaxRecords bounds the
// aggregate no matter what page sizes the tool actually returns.
const (
	MaxPages        = 20
	MaxRecords      = 10000
	DefaultPageSize = 100
)

// Result container keys seen across tool APIs.
var resultKeys = []string{
	"data", "results", "records", "items", "rows",
	"transactions", "invoices", "tickets", "accounts",
	"issues", "users", "deals", "contacts", "entries",
}

// PaginatedFetch calls a tool repeatedly and aggregates all records.
// It stops on empty result, exhausted cursor, tool error, maxPages, or
// the MaxRecords cap. resultKey forces a specific container key; ""
// autodetects.
func PaginatedFetch(ctx context.Context, call ToolFunc, tool string, baseParams map[string]any, maxPages int, resultKey string) ([]any, error) {
	if maxPages <= 0 {
		maxPages = MaxPages
	}

	var all []any
	page := 1
	cursor := ""
	offset := 0

	for i := 0; i < maxPages; i++ {
		params := make(map[string]any, len(baseParams)+4)
		for k, v := range baseParams {
			params[k] = v
		}
		if cursor != "" {
			params["cursor"] = cursor
		} else {
			setDefault(params, "page", page)
			setDefault(params, "limit", DefaultPageSize)
			setDefault(params, "per_page", DefaultPageSize)
			setDefault(params, "offset", offset)
		}

		result, err := call(ctx, tool, params)
		if err != nil {
			return all, err
		}
		if _, failed := result["error"]; failed {
			break
		}

		records := extractRecords(result, resultKey)
		if len(records) == 0 {
			break
		}
		all = append(all, records...)
		if len(all) >= MaxRecords {
			return all[:MaxRecords], nil
		}

		nextCursor := stringField(result, "next_cursor")
		if nextCursor == "" {
			nextCursor = stringField(result, "cursor")
		}
		if nextCursor != "" && nextCursor != cursor {
			cursor = nextCursor
			continue
		}

		if total := numField(result, "total", "total_count", "count"); total > 0 && len(all) >= int(total) {
			break
		}

		if boolField(result, "has_more", "next_page", "has_next_page") {
			page++
			offset += len(records)
			continue
		}

		limit := DefaultPageSize
		if l, ok := params["limit"].(int); ok {
			limit = l
		}
		if len(records) < limit {
			break
		}
		page++
		offset += len(records)
	}
	return all, nil
}

// FetchAllMatching runs a paginated fetch and filters records.
func FetchAllMatching(ctx context.Context, call ToolFunc, tool string, baseParams map[string]any, keep func(map[string]any) bool) ([]any, error) {
	all, err := PaginatedFetch(ctx, call, tool, baseParams, MaxPages, "")
	if err != nil || keep == nil {
		return all, err
	}
	var out []any
	for _, r := range all {
		if rec, ok := r.(map[string]any); ok && keep(rec) {
			out = append(out, r)
		}
	}
	return out, nil
}

// GroupBy buckets records by a field value, for aging reports and the like.
func GroupBy(records []any, key string) map[string][]map[string]any {
	groups := map[string][]map[string]any{}
	for _, r := range records {
		rec, ok := r.(map[string]any)
		if !ok {
			continue
		}
		k := "unknown"
		if v, present := rec[key]; present && v != nil {
			k = stringify(v)
		}
		groups[k] = append(groups[k], rec)
	}
	return groups
}

// SumField totals a numeric field across records, skipping non-numerics.
func SumField(records []any, field string) float64 {
	total := 0.0
	for _, r := range records {
		rec, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if n, ok := rec[field].(float64); ok {
			total += n
		}
	}
	return math.Round(total*100) / 100
}

// Deduplicate removes repeated records by a key field, keeping the first.
func Deduplicate(records []any, key string) []any {
	seen := map[string]bool{}
	var out []any
	for _, r := range records {
		rec, ok := r.(map[string]any)
		if !ok {
			continue
		}
		v, present := rec[key]
		if !present || v == nil {
			continue
		}
		k := stringify(v)
		if !seen[k] {
			seen[k] = true
			out = append(out, r)
		}
	}
	return out
}

func extractRecords(result map[string]any, resultKey string) []any {
	if resultKey != "" {
		if v, ok := result[resultKey].([]any); ok {
			return v
		}
		return nil
	}
	for _, key := range resultKeys {
		if v, ok := result[key].([]any); ok {
			return v
		}
	}
	// Last resort: any non-empty list value.
	for _, v := range result {
		if list, ok := v.([]any); ok && len(list) > 0 {
			return list
		}
	}
	return nil
}

func setDefault(params map[string]any, key string, value any) {
	if _, ok := params[key]; !ok {
		params[key] = value
	}
}

func stringField(result map[string]any, key string) string {
	s, _ := result[key].(string)
	return s
}

func numField(result map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if n, ok := result[key].(float64); ok {
			return n
		}
	}
	return 0
}

func boolField(result map[string]any, keys ...string) bool {
	for _, key := range keys {
		switch v := result[key].(type) {
		case bool:
			if v {
				return true
			}
		case float64:
			if v != 0 {
				return true
			}
		case string:
			if v != "" && v != "false" {
				return true
			}
		}
	}
	return false
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == math.Trunc(val) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
