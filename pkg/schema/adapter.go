// Package schema recovers tool calls from column-level schema drift.
// When a read tool fails with a column error, the adapter introspects the
// live schema, fuzzy-matches the closest real column, retries the call with
// corrected params, and caches the mapping for the rest of the session.
package schema

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// ToolFunc executes a single tool call and returns its decoded result.
type ToolFunc func(ctx context.Context, tool string, params map[string]any) (map[string]any, error)

// knownAliases maps canonical column names to aliases seen across tenant
// schemas. Lookup runs in both directions.
var knownAliases = map[string][]string{
	"client_name": {"customer_name", "account_name", "company_name", "org_name"},
	"amount":      {"value", "total", "price", "cost", "sum", "total_amount"},
	"user_id":     {"creator_id", "employee_id"},
	"name":        {"title", "label", "display_name", "full_name"},
	"category":    {"type", "classification", "group", "kind"},
	"email":       {"em", "e_mail", "email_address", "contact_email", "mail"},
	"status":      {"st", "stat", "state", "state_code", "current_status"},
	"owner_id":    {"oid", "owner", "asgn", "assigned_to", "assignee_id"},
	"created_at": {"created", "create_date", "creation_date", "ts",
		"created_date", "date_created", "timestamp"},
	"updated_at": {"updated", "update_date", "modified_at", "last_modified",
		"updated_date", "modification_date"},
	"description": {"desc", "descr", "detail", "details", "notes",
		"comments", "body", "content"},
}

var schemaErrorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`columns?\s+['"]?(\w+)['"]?\s+(?:not found|does not exist|unknown|not recognized)`),
	regexp.MustCompile(`no such columns?:?\s+['"]?(\w+)['"]?`),
	regexp.MustCompile(`invalid column names?\s+['"]?(\w+)['"]?`),
	regexp.MustCompile(`unknown columns?[:\s]+['"]?(\w+)['"]?`),
	regexp.MustCompile(`fields?\s+['"]?(\w+)['"]?\s+(?:not found|does not exist)`),
	regexp.MustCompile(`keyerror:\s+['"]?(\w+)['"]?`),
}

// Keys whose empty value on a successful call can mean a filter referenced
// a drifted column and matched nothing.
var emptyResultKeys = []string{"data", "items", "records", "results", "rows", "list"}

var schemaTools = []string{"describe_table", "get_schema", "list_columns", "schema_introspect"}

var columnTokenRe = regexp.MustCompile(`\b([a-z_][a-z0-9_]{2,})\b`)

// Adapter wraps tool execution with drift correction. Corrections are
// cached per tool:column for the adapter's lifetime (one session).
type Adapter struct {
	mu    sync.Mutex
	cache map[string]string
}

func NewAdapter() *Adapter {
	return &Adapter{cache: make(map[string]string)}
}

// DetectSchemaError extracts the offending column name from an error
// message, or "" when the message is not a schema error.
func DetectSchemaError(errText string) string {
	text := normalizeColumn(errText)
	for _, re := range schemaErrorPatterns {
		if m := re.FindStringSubmatch(text); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

// FuzzyMatchColumn finds the closest live column for a drifted name.
// Matching runs in tiers: exact, alias table (both directions), close
// match (cutoff 0.6, relaxed to 0.5 for names of three characters or
// fewer), similarity ratio above 0.7, then prefix matching.
func FuzzyMatchColumn(badCol string, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	badCol = normalizeColumn(badCol)

	for _, c := range candidates {
		if c == badCol {
			return badCol
		}
	}

	for canonical, aliases := range knownAliases {
		if contains(aliases, badCol) && contains(candidates, canonical) {
			return canonical
		}
		if badCol == canonical {
			for _, a := range aliases {
				if contains(candidates, a) {
					return a
				}
			}
		}
	}

	cutoff := 0.6
	if len(badCol) <= 3 {
		cutoff = 0.5
	}
	if best, ratio := closestMatch(badCol, candidates); best != "" && ratio >= cutoff {
		return best
	}

	if best, ratio := closestLevenshtein(badCol, candidates); best != "" && ratio > 0.7 {
		return best
	}

	// bad_col is a prefix of a candidate: prefer the shortest hit.
	var prefixed []string
	for _, c := range candidates {
		if strings.HasPrefix(c, badCol) {
			prefixed = append(prefixed, c)
		}
	}
	if len(prefixed) > 0 {
		sort.Slice(prefixed, func(i, j int) bool { return len(prefixed[i]) < len(prefixed[j]) })
		return prefixed[0]
	}

	// Or a candidate is a prefix of bad_col: prefer the longest.
	var suffix string
	for _, c := range candidates {
		if strings.HasPrefix(badCol, c) && len(c) > len(suffix) {
			suffix = c
		}
	}
	return suffix
}

// UnrecoverablePrefix marks a column error that survived every
// correction tier and the one retry. Marked results stay ordinary
// results — downstream recovery and the task keep going.
const UnrecoverablePrefix = "SchemaDriftUnrecoverable: "

// ResilientCall executes a tool with schema drift retry. Two paths: a
// failed call with a recognizable column error, and a successful call
// whose result is empty in a way that suggests a drifted filter column.
func (a *Adapter) ResilientCall(ctx context.Context, tool string, params map[string]any, call ToolFunc) (map[string]any, error) {
	result, err := call(ctx, tool, params)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool, err)
	}

	errText, _ := result["error"].(string)
	if errText != "" {
		if corrected := a.attemptCorrection(ctx, tool, params, errText, call); corrected != nil {
			// One retry only. A column error that outlives it is drift
			// this adapter cannot fix.
			if retryErr, _ := corrected["error"].(string); DetectSchemaError(retryErr) != "" {
				return markUnrecoverable(corrected), nil
			}
			return corrected, nil
		}
		if DetectSchemaError(errText) != "" {
			return markUnrecoverable(result), nil
		}
		return result, nil
	}

	if isEmptyDueToDrift(result) {
		if corrected := a.attemptCorrection(ctx, tool, params, "", call); corrected != nil && !isEmptyDueToDrift(corrected) {
			return corrected, nil
		}
	}
	return result, nil
}

func markUnrecoverable(result map[string]any) map[string]any {
	errText, _ := result["error"].(string)
	if errText == "" || strings.HasPrefix(errText, UnrecoverablePrefix) {
		return result
	}
	marked := make(map[string]any, len(result))
	for k, v := range result {
		marked[k] = v
	}
	marked["error"] = UnrecoverablePrefix + errText
	return marked
}

// CachedCorrections returns a copy of the session's column corrections.
func (a *Adapter) CachedCorrections() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.cache))
	for k, v := range a.cache {
		out[k] = v
	}
	return out
}

// SeedCorrections pre-warms the cache with corrections learned on
// earlier turns, so a returning session never re-pays the introspection
// round-trip for a column it already resolved.
func (a *Adapter) SeedCorrections(corrections map[string]string) {
	if len(corrections) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range corrections {
		if _, ok := a.cache[k]; !ok {
			a.cache[k] = v
		}
	}
}

func (a *Adapter) attemptCorrection(ctx context.Context, tool string, params map[string]any, errText string, call ToolFunc) map[string]any {
	var colsToTry []string
	if bad := DetectSchemaError(errText); bad != "" {
		colsToTry = []string{bad}
	} else {
		// Empty-result path: string-valued params other than table and
		// session identifiers may be drifted column filters.
		for k, v := range params {
			if _, isStr := v.(string); !isStr {
				continue
			}
			switch k {
			case "table", "table_name", "resource", "session_id", "organization_id":
			default:
				colsToTry = append(colsToTry, k)
			}
		}
		sort.Strings(colsToTry)
	}
	if len(colsToTry) == 0 {
		return nil
	}

	// Cached corrections apply without another introspection round trip.
	fixes := map[string]string{}
	var unresolved []string
	a.mu.Lock()
	for _, col := range colsToTry {
		fixed, cached := a.cache[tool+":"+col]
		switch {
		case cached && fixed != col:
			fixes[col] = fixed
		case !cached:
			unresolved = append(unresolved, col)
		}
	}
	a.mu.Unlock()

	if len(unresolved) > 0 {
		if columns := a.introspect(ctx, params, call); len(columns) > 0 {
			for _, col := range unresolved {
				fixed := FuzzyMatchColumn(col, columns)
				if fixed == "" {
					continue
				}
				a.mu.Lock()
				a.cache[tool+":"+col] = fixed
				a.mu.Unlock()
				if fixed != col {
					fixes[col] = fixed
				}
			}
		}
	}
	if len(fixes) == 0 {
		return nil
	}

	corrected := params
	for _, col := range colsToTry {
		if fixed, ok := fixes[col]; ok {
			corrected = replaceInParams(corrected, col, fixed)
		}
	}

	result, err := call(ctx, tool, corrected)
	if err != nil {
		return nil
	}
	return result
}

func (a *Adapter) introspect(ctx context.Context, params map[string]any, call ToolFunc) []string {
	table, _ := params["table"].(string)
	if table == "" {
		table, _ = params["table_name"].(string)
	}
	if table == "" {
		table, _ = params["resource"].(string)
	}

	for _, schemaTool := range schemaTools {
		args := map[string]any{}
		if table != "" {
			args["table"] = table
		}
		r, err := call(ctx, schemaTool, args)
		if err != nil {
			continue
		}
		if e, _ := r["error"].(string); e != "" {
			continue
		}
		text := normalizeColumn(fmt.Sprintf("%v", r))
		seen := map[string]bool{}
		var cols []string
		for _, m := range columnTokenRe.FindAllStringSubmatch(text, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				cols = append(cols, m[1])
			}
		}
		if len(cols) > 0 {
			return cols
		}
	}
	return nil
}

func isEmptyDueToDrift(result map[string]any) bool {
	if result == nil {
		return false
	}
	if strings.Contains(strings.ToLower(fmt.Sprintf("%v", result)), "error") {
		return false
	}
	for _, key := range emptyResultKeys {
		val, ok := result[key]
		if !ok || val == nil {
			continue
		}
		empty := false
		switch v := val.(type) {
		case []any:
			empty = len(v) == 0
		case map[string]any:
			empty = len(v) == 0
		}
		if !empty {
			continue
		}
		// A positive total means the data exists and the filter worked.
		if totalCount(result) > 0 {
			continue
		}
		return true
	}
	return false
}

func totalCount(result map[string]any) float64 {
	for _, key := range []string{"total", "count", "total_count"} {
		if v, ok := result[key]; ok {
			if n, ok := v.(float64); ok {
				return n
			}
			if n, ok := v.(int); ok {
				return float64(n)
			}
		}
	}
	return 0
}

func replaceInParams(params map[string]any, bad, good string) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = replaceValue(v, bad, good)
	}
	return out
}

func replaceValue(v any, bad, good string) any {
	switch val := v.(type) {
	case string:
		return strings.ReplaceAll(val, bad, good)
	case map[string]any:
		return replaceInParams(val, bad, good)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = replaceValue(item, bad, good)
		}
		return out
	default:
		return v
	}
}

// Column names arrive from arbitrary tenant systems; fold unicode forms
// before comparing.
func normalizeColumn(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// closestMatch returns the candidate with the highest similarity ratio to
// target, computed Ratcliff-Obershelp style over matching blocks.
func closestMatch(target string, candidates []string) (string, float64) {
	best, bestRatio := "", 0.0
	for _, c := range candidates {
		if r := similarity(target, c); r > bestRatio {
			bestRatio, best = r, c
		}
	}
	return best, bestRatio
}

func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	matches := matchingBlocks(a, b)
	return 2.0 * float64(matches) / float64(len(a)+len(b))
}

// matchingBlocks sums the lengths of recursively-found longest common
// substrings between a and b.
func matchingBlocks(a, b string) int {
	size, ai, bi := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingBlocks(a[:ai], b[:bi])
	total += matchingBlocks(a[ai+size:], b[bi+size:])
	return total
}

// closestLevenshtein returns the candidate with the highest edit-distance
// ratio to target: 1 - distance/max(len). Catches transpositions and
// single-character drift that block matching scores low on.
func closestLevenshtein(target string, candidates []string) (string, float64) {
	best, bestRatio := "", 0.0
	for _, c := range candidates {
		if r := levenshteinRatio(target, c); r > bestRatio {
			bestRatio, best = r, c
		}
	}
	return best, bestRatio
}

func levenshteinRatio(a, b string) float64 {
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	if longer == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(a, b))/float64(longer)
}

func levenshtein(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 0; i < len(a); i++ {
		cur[0] = i + 1
		for j := 0; j < len(b); j++ {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}
			cur[j+1] = min3(prev[j+1]+1, cur[j]+1, prev[j]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func longestCommonSubstring(a, b string) (size, ai, bi int) {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 0; i < len(a); i++ {
		for j := 0; j < len(b); j++ {
			if a[i] == b[j] {
				cur[j+1] = prev[j] + 1
				if cur[j+1] > size {
					size = cur[j+1]
					ai = i - size + 1
					bi = j - size + 1
				}
			} else {
				cur[j+1] = 0
			}
		}
		prev, cur = cur, prev
	}
	return size, ai, bi
}
