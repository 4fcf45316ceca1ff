// Package entity is the zero-cost entity memory channel: vendors,
// people, amounts, IDs, and dates are lifted from every task with
// plain regexes and remembered across sessions. Recurring entities
// surface during the prime phase with the context they were last seen
// in. No model calls anywhere in this package.
package entity

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/store"
)

const (
	memoryFile = "entity_memory.json"

	maxRecords   = 1000
	recordTTL    = 7 * 24 * time.Hour
	contextTopK  = 6
	minSeenCount = 2
)

// Record is one remembered entity with its last-seen context.
type Record struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"` // vendor | person | amount | id | date | email | percentage | product
	RawValue   string `json:"raw_value"`
	Normalized string `json:"normalized"`
	Context    string `json:"context"`
	Domain     string `json:"domain"`
	SeenCount  int    `json:"seen_count"`
	LastSeen   int64  `json:"last_seen"`
	FirstSeen  int64  `json:"first_seen"`
}

// Memory manages the persisted entity store.
type Memory struct {
	mu    sync.Mutex
	store *store.JSONStore
	clock func() time.Time
}

func NewMemory(js *store.JSONStore) *Memory {
	return &Memory{store: js, clock: time.Now}
}

// WithClock injects a clock for tests.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

type pattern struct {
	etype string
	re    *regexp.Regexp
}

// Typed patterns run in order; the title-case catch-all runs last and
// only keeps names no typed match already covered.
var typedPatterns = []pattern{
	{"amount", regexp.MustCompile(`\$[\d,]+(?:\.\d{1,2})?(?:\s*[KMB](?:illion)?)?`)},
	{"percentage", regexp.MustCompile(`\b\d+(?:\.\d+)?%`)},
	{"id", regexp.MustCompile(`\b[A-Z]{2,8}-\d+\b`)},
	{"email", regexp.MustCompile(`\b[\w.+-]+@[\w.-]+\.\w{2,}\b`)},
	{"date", regexp.MustCompile(`\b(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\.?\s+\d{1,2}(?:,?\s+\d{4})?\b`)},
	{"date", regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`)},
	{"vendor", regexp.MustCompile(`\b([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)*\s+(?:Corp|Inc|LLC|Ltd|Co|Group|Holdings|Technologies|Services|Solutions|Systems|Consulting|Partners)\.?)\b`)},
	{"person", regexp.MustCompile(`\b((?:Mr|Ms|Mrs|Dr)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)\b`)},
	{"product", regexp.MustCompile(`\b([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)*\s+(?:Plan|Tier|Package|License|Subscription|Module|Suite))\b`)},
}

var titleCaseRe = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+){1,4})\b`)

// stopTitles are title-case phrases that look like names but are form
// labels or boilerplate.
var stopTitles = map[string]bool{
	"The Task": true, "This Process": true, "Last Day": true,
	"First Name": true, "Last Name": true, "New Customer": true,
	"End Date": true, "Start Date": true, "Due Date": true, "Net Terms": true,
}

type extracted struct {
	etype    string
	raw      string
	pos      int
	catchall bool
}

// extract finds all typed entities in the text plus a title-case
// catch-all typed as vendor, dedup by raw value.
func extract(text string) []extracted {
	var out []extracted
	seen := map[string]bool{}

	for _, p := range typedPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			raw := strings.TrimSpace(text[loc[0]:loc[1]])
			if raw == "" || seen[raw] {
				continue
			}
			seen[raw] = true
			out = append(out, extracted{etype: p.etype, raw: raw, pos: loc[0]})
		}
	}

	for _, loc := range titleCaseRe.FindAllStringIndex(text, -1) {
		raw := strings.TrimSpace(text[loc[0]:loc[1]])
		if len(raw) < 5 || stopTitles[raw] || seen[raw] {
			continue
		}
		covered := false
		for existing := range seen {
			if strings.Contains(existing, raw) {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		seen[raw] = true
		out = append(out, extracted{etype: "vendor", raw: raw, pos: loc[0], catchall: true})
	}
	return out
}

var amountNumRe = regexp.MustCompile(`[\d,]+(?:\.\d{1,2})?`)

// normalize canonicalizes an entity value so "$50K" and "$50,000" hit
// the same record.
func normalize(etype, raw string) string {
	switch etype {
	case "amount":
		num := amountNumRe.FindString(raw)
		num = strings.ReplaceAll(num, ",", "")
		var val float64
		fmt.Sscanf(num, "%f", &val)
		upper := strings.ToUpper(raw)
		if strings.Contains(upper, "K") {
			val *= 1_000
		} else if strings.Contains(upper, "M") {
			val *= 1_000_000
		} else if strings.Contains(upper, "B") {
			val *= 1_000_000_000
		}
		return fmt.Sprintf("$%.0f", val)
	case "email":
		return strings.ToLower(strings.TrimSpace(raw))
	default:
		return strings.TrimSpace(raw)
	}
}

func entityID(etype, normalized string) string {
	sum := md5.Sum([]byte(etype + ":" + normalized))
	return hex.EncodeToString(sum[:])[:10]
}

// window returns the surrounding context of a match with newlines
// flattened.
func window(text string, pos, rawLen, radius int) string {
	start := pos - radius
	if start < 0 {
		start = 0
	}
	end := pos + rawLen + radius
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(strings.ReplaceAll(text[start:end], "\n", " "))
}

// Records persist as an object keyed by normalized value, so two
// spellings of one entity share a single entry on disk too.
func (m *Memory) load() map[string]Record {
	records := map[string]Record{}
	if m.store != nil {
		_, _ = m.store.Load(memoryFile, &records)
	}
	return records
}

// save evicts TTL-expired records and caps at the most recent 1000.
func (m *Memory) save(records map[string]Record) {
	if m.store == nil {
		return
	}
	cutoff := m.clock().Add(-recordTTL).Unix()
	live := make(map[string]Record, len(records))
	for key, r := range records {
		if r.LastSeen >= cutoff {
			live[key] = r
		}
	}
	if len(live) > maxRecords {
		keys := make([]string, 0, len(live))
		for k := range live {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			a, b := live[keys[i]], live[keys[j]]
			if a.LastSeen != b.LastSeen {
				return a.LastSeen > b.LastSeen
			}
			return keys[i] < keys[j]
		})
		trimmed := make(map[string]Record, maxRecords)
		for _, k := range keys[:maxRecords] {
			trimmed[k] = live[k]
		}
		live = trimmed
	}
	_ = m.store.Save(memoryFile, live)
}

// RecordTaskEntities extracts entities from a completed task and
// answer and merges them into memory. Existing entities bump their
// seen count and take the most recent domain. Returns the number of
// entities touched.
func (m *Memory) RecordTaskEntities(taskText, answer, domain string) int {
	text := taskText + "\n" + answer
	found := extract(text)
	if len(found) == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.load()

	now := m.clock().Unix()
	touched := 0
	for _, e := range found {
		norm := normalize(e.etype, e.raw)
		if r, ok := records[norm]; ok {
			r.SeenCount++
			r.LastSeen = now
			r.Domain = domain
			records[norm] = r
		} else {
			radius := 30
			if e.catchall {
				radius = 25
			}
			records[norm] = Record{
				EntityID:   entityID(e.etype, norm),
				EntityType: e.etype,
				RawValue:   e.raw,
				Normalized: norm,
				Context:    window(text, e.pos, len(e.raw), radius),
				Domain:     domain,
				SeenCount:  1,
				LastSeen:   now,
				FirstSeen:  now,
			}
		}
		touched++
	}

	m.save(records)
	return touched
}

// EntityContext builds the prime-phase memory block for a new task:
// stored entities that appear in the task text (seen at least twice),
// topped up with the most frequently seen entities overall. Empty when
// nothing qualifies.
func (m *Memory) EntityContext(taskText string) string {
	m.mu.Lock()
	records := m.load()
	m.mu.Unlock()
	if len(records) == 0 {
		return ""
	}

	taskVals := map[string]bool{}
	for _, e := range extract(taskText) {
		taskVals[strings.ToLower(normalize(e.etype, e.raw))] = true
		taskVals[strings.ToLower(e.raw)] = true
	}

	all := make([]Record, 0, len(records))
	for _, r := range records {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].SeenCount != all[j].SeenCount {
			return all[i].SeenCount > all[j].SeenCount
		}
		return all[i].Normalized < all[j].Normalized
	})

	var picked []Record
	seen := map[string]bool{}
	for _, r := range all {
		if r.SeenCount < minSeenCount {
			continue
		}
		if taskVals[strings.ToLower(r.Normalized)] || taskVals[strings.ToLower(r.RawValue)] {
			picked = append(picked, r)
			seen[r.EntityID] = true
		}
	}

	var frequent []Record
	for _, r := range all {
		if r.SeenCount >= 3 && !seen[r.EntityID] {
			frequent = append(frequent, r)
		}
	}
	if len(frequent) > 3 {
		frequent = frequent[:3]
	}
	picked = append(picked, frequent...)

	if len(picked) == 0 {
		return ""
	}
	if len(picked) > contextTopK {
		picked = picked[:contextTopK]
	}

	lines := []string{"## ENTITY MEMORY (known entities from past tasks)"}
	for _, r := range picked {
		ctx := r.Context
		if len(ctx) > 80 {
			ctx = ctx[:80]
		}
		lines = append(lines, fmt.Sprintf("  • [%s] %s  (seen %dx — context: %q)",
			r.EntityType, r.Normalized, r.SeenCount, ctx))
	}
	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

// Count returns the number of live records.
func (m *Memory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.load())
}

// Stats summarizes entity memory for the status endpoint.
func (m *Memory) Stats() map[string]any {
	m.mu.Lock()
	records := m.load()
	m.mu.Unlock()

	byType := map[string]int{}
	recurring := 0
	for _, r := range records {
		byType[r.EntityType]++
		if r.SeenCount >= minSeenCount {
			recurring++
		}
	}
	return map[string]any{
		"total_entities":     len(records),
		"recurring_entities": recurring,
		"by_type":            byType,
	}
}
