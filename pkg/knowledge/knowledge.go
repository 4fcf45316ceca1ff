// Package knowledge is the compounding-fact feedback channel. After
// every task above the quality threshold, reusable facts are extracted
// (regex fast path first, then the fast model) and stored; future tasks
// get the relevant facts injected during the prime phase. A vendor's
// net-60 terms learned on task 3 are already known on task 7.
package knowledge

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
	"github.com/Mindburn-Labs/opsagent/pkg/store"
)

const (
	knowledgeFile = "knowledge_base.json"
	growthLogFile = "knowledge_growth.log"

	maxEntries          = 500
	extractionThreshold = 0.50
	maxInsightsPerTask  = 4
	retrievalTopK       = 4
	retrievalThreshold  = 0.4

	extractTimeout = 8 * time.Second
)

// Entry is one stored insight with retrieval indexes.
type Entry struct {
	EntryID     string          `json:"entry_id"`
	Domain      string          `json:"domain"`
	Content     string          `json:"content"`
	Entities    []string        `json:"entities"`
	EntityIndex map[string]bool `json:"entity_index"`
	Keywords    []string        `json:"keywords"`
	Confidence  float64         `json:"confidence"`
	Quality     float64         `json:"quality_score"`
	SourceTask  string          `json:"source_task"`
	Method      string          `json:"extraction_method"` // model | fast-path | fallback
	CreatedAt   int64           `json:"created_at"`
}

type insight struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	method     string
}

// Base manages the persisted knowledge base.
type Base struct {
	mu     sync.Mutex
	store  *store.JSONStore
	client llm.Client
	clock  func() time.Time
}

func NewBase(js *store.JSONStore, client llm.Client) *Base {
	return &Base{store: js, client: client, clock: time.Now}
}

// WithClock injects a clock for tests.
func (b *Base) WithClock(clock func() time.Time) *Base {
	b.clock = clock
	return b
}

func (b *Base) load() []Entry {
	var entries []Entry
	if b.store != nil {
		_, _ = b.store.Load(knowledgeFile, &entries)
	}
	return entries
}

func (b *Base) save(entries []Entry) {
	if b.store == nil {
		return
	}
	if len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}
	_ = b.store.Save(knowledgeFile, entries)
}

// appendGrowthLog records one extraction event for monitoring.
func (b *Base) appendGrowthLog(domain string, quality float64, newCount, total int) {
	if b.store == nil {
		return
	}
	f, err := os.OpenFile(b.store.Path(growthLogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s domain=%s quality=%.2f new=%d total=%d\n",
		b.clock().Format("2006-01-02T15:04:05"), domain, quality, newCount, total)
}

var knowledgeStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "can": true, "for": true, "in": true, "on": true, "at": true,
	"to": true, "of": true, "and": true, "or": true, "but": true, "with": true,
	"from": true, "this": true, "that": true, "it": true, "i": true, "you": true,
	"please": true, "need": true, "want": true, "help": true, "task": true,
	"make": true, "get": true, "use": true, "all": true, "any": true,
}

func extractKeywords(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()[]{}$%")
		if len(w) > 2 && !knowledgeStopWords[w] && !seen[w] {
			seen[w] = true
			out = append(out, w)
			if len(out) == 20 {
				break
			}
		}
	}
	return out
}

var (
	dollarRe    = regexp.MustCompile(`\$[\d,]+(?:\.\d{2})?(?:K|M|B)?`)
	pctRe       = regexp.MustCompile(`\d+(?:\.\d+)?%`)
	titleRe     = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+){1,3})\b`)
	refIDRe     = regexp.MustCompile(`\b[A-Z]{2,8}-\d+\b`)
	emailRe     = regexp.MustCompile(`\b[\w.+-]+@[\w.-]+\.\w{2,}\b`)
	decisionRe  = regexp.MustCompile(`(?i)\b(approved|rejected|denied|escalated|resolved)\b.{0,60}?([A-Z][a-zA-Z\s]{2,30}(?:Corp|Inc|LLC|Ltd|Co)?)`)
	outcomeRe   = regexp.MustCompile(`(?i)\b(approved|rejected|denied|escalated|resolved)\b`)
	thresholdRe = regexp.MustCompile(`(?i)(?:limit|threshold|cap|ceiling|up to|maximum|minimum)\s+(?:of\s+)?(\$[\d,]+(?:\.\d{2})?)`)
	netTermsRe  = regexp.MustCompile(`(?i)(?:net[-\s]?(\d+)|(\d+)[-\s]?day\s+(?:payment\s+)?terms?)`)
	jsonArrayRe = regexp.MustCompile(`(?s)\[.*?\]`)
)

var titleStops = map[string]bool{
	"The": true, "This": true, "That": true, "In": true, "At": true, "On": true, "For": true,
}

func extractEntitiesRegex(text string) []string {
	var entities []string
	entities = append(entities, dollarRe.FindAllString(text, -1)...)
	entities = append(entities, pctRe.FindAllString(text, -1)...)
	for _, m := range titleRe.FindAllString(text, -1) {
		if !titleStops[m] {
			entities = append(entities, m)
		}
	}
	entities = append(entities, refIDRe.FindAllString(text, -1)...)
	entities = append(entities, emailRe.FindAllString(text, -1)...)

	seen := map[string]bool{}
	var out []string
	for _, e := range entities {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
			if len(out) == 15 {
				break
			}
		}
	}
	return out
}

// fastPathExtract pulls structured facts straight from the text at
// confidence 0.6. Zero model cost; always runs first.
func fastPathExtract(taskText, answer, domain string) []insight {
	var insights []insight
	combined := taskText + " " + answer

	amounts := dollarRe.FindAllString(combined, -1)
	if len(amounts) > 2 {
		amounts = amounts[:2]
	}
	for _, amt := range amounts {
		insights = append(insights, insight{
			Content:    fmt.Sprintf("In %s: amount referenced was %s", domain, amt),
			Confidence: 0.6,
			method:     "fast-path",
		})
	}

	if m := decisionRe.FindStringSubmatch(combined); m != nil {
		insights = append(insights, insight{
			Content:    fmt.Sprintf("%s decision: %s for %s", domain, strings.ToLower(m[1]), strings.TrimSpace(m[2])),
			Confidence: 0.6,
			method:     "fast-path",
		})
	} else if m := outcomeRe.FindStringSubmatch(combined); m != nil {
		insights = append(insights, insight{
			Content:    fmt.Sprintf("%s: outcome was %s", domain, strings.ToLower(m[1])),
			Confidence: 0.6,
			method:     "fast-path",
		})
	}

	if m := thresholdRe.FindStringSubmatch(combined); m != nil {
		insights = append(insights, insight{
			Content:    fmt.Sprintf("Policy threshold: %s for %s", m[1], domain),
			Confidence: 0.6,
			method:     "fast-path",
		})
	}

	if m := netTermsRe.FindStringSubmatch(combined); m != nil {
		days := m[1]
		if days == "" {
			days = m[2]
		}
		insights = append(insights, insight{
			Content:    fmt.Sprintf("In %s: payment terms net-%s days", domain, days),
			Confidence: 0.6,
			method:     "fast-path",
		})
	}

	if len(insights) > 3 {
		insights = insights[:3]
	}
	return insights
}

// modelExtract asks the fast model for up to four reusable insights.
// Any failure returns nothing; extraction is never on the task's
// critical path.
func (b *Base) modelExtract(ctx context.Context, taskText, answer, domain string) []insight {
	if b.client == nil {
		return nil
	}
	if len(taskText) > 300 {
		taskText = taskText[:300]
	}
	if len(answer) > 400 {
		answer = answer[:400]
	}
	prompt := fmt.Sprintf("Domain: %s\nTask: %s\nResult: %s\n\n"+
		"Extract 2-4 SHORT, reusable factual insights from this completed task. "+
		"Focus on: vendor terms, entity-specific rules, policy thresholds, "+
		"process patterns, or constraints that would help future similar tasks.\n\n"+
		"Return JSON array: [{\"content\": \"...\", \"confidence\": 0.0-1.0}]\n"+
		"Each insight max 50 words. Only facts, no instructions.",
		domain, taskText, answer)

	cctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()
	resp, err := b.client.Chat(cctx, []llm.Message{{Role: "user", Content: prompt}}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		MaxTokens: 512,
	})
	if err != nil {
		return nil
	}

	raw := jsonArrayRe.FindString(resp.Content)
	if raw == "" {
		return nil
	}
	var parsed []insight
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}
	var out []insight
	for _, i := range parsed {
		if i.Content == "" {
			continue
		}
		i.method = "model"
		out = append(out, i)
	}
	return out
}

// ExtractAndStore runs the extraction pipeline on a completed task:
// fast path, then model, then a minimal fallback fact. Deduped by
// entry ID. Returns the number of new insights stored. Never fails
// the caller.
func (b *Base) ExtractAndStore(ctx context.Context, taskText, answer, domain string, quality float64) int {
	if quality < extractionThreshold || taskText == "" || answer == "" {
		return 0
	}

	entities := extractEntitiesRegex(taskText + " " + answer)
	keywords := extractKeywords(taskText)

	insights := fastPathExtract(taskText, answer, domain)
	insights = append(insights, b.modelExtract(ctx, taskText, answer, domain)...)
	if len(insights) == 0 && len(answer) > 100 {
		insights = []insight{{
			Content:    strings.ReplaceAll(answer[:120], "\n", " "),
			Confidence: 0.55,
			method:     "fallback",
		}}
	}
	if len(insights) == 0 {
		return 0
	}
	if len(insights) > maxInsightsPerTask {
		insights = insights[:maxInsightsPerTask]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.load()
	existing := map[string]bool{}
	for _, e := range entries {
		existing[e.EntryID] = true
	}

	newCount := 0
	for _, ins := range insights {
		entry := b.buildEntry(ins, domain, entities, keywords, quality, taskText)
		if entry == nil || existing[entry.EntryID] {
			continue
		}
		entries = append(entries, *entry)
		existing[entry.EntryID] = true
		newCount++
	}

	if newCount > 0 {
		b.save(entries)
		b.appendGrowthLog(domain, quality, newCount, len(entries))
	}
	return newCount
}

func (b *Base) buildEntry(ins insight, domain string, entities, keywords []string, quality float64, taskText string) *Entry {
	content := strings.TrimSpace(ins.Content)
	if len(content) < 10 {
		return nil
	}
	short := content
	if len(short) > 40 {
		short = short[:40]
	}
	sum := md5.Sum([]byte(domain + ":" + short))

	index := make(map[string]bool, len(entities))
	for _, e := range entities {
		index[strings.ToLower(e)] = true
	}
	source := taskText
	if len(source) > 80 {
		source = source[:80]
	}
	conf := ins.Confidence
	if conf == 0 {
		conf = 0.6
	}
	return &Entry{
		EntryID:     hex.EncodeToString(sum[:])[:8],
		Domain:      domain,
		Content:     content,
		Entities:    entities,
		EntityIndex: index,
		Keywords:    keywords,
		Confidence:  conf,
		Quality:     quality,
		SourceTask:  source,
		Method:      ins.method,
		CreatedAt:   b.clock().Unix(),
	}
}

// Relevant retrieves past knowledge for the prime phase: keyword
// overlap, entity-index matches, domain affinity, and quality weight,
// thresholded and capped at the top four. Empty when nothing clears
// the bar.
func (b *Base) Relevant(taskText, domain string) string {
	b.mu.Lock()
	entries := b.load()
	b.mu.Unlock()
	if len(entries) == 0 {
		return ""
	}

	taskKw := map[string]bool{}
	for _, kw := range extractKeywords(taskText) {
		taskKw[kw] = true
	}
	taskEntities := map[string]bool{}
	for _, e := range extractEntitiesRegex(taskText) {
		taskEntities[strings.ToLower(e)] = true
	}

	type scored struct {
		score float64
		entry Entry
	}
	var matches []scored
	for _, e := range entries {
		score := 0.0
		for _, kw := range e.Keywords {
			if taskKw[kw] {
				score += 0.4
			}
		}
		for te := range taskEntities {
			if e.EntityIndex[te] {
				score += 0.8
			}
		}
		if e.Domain == domain {
			score += 0.3
		}
		score += e.Quality * 0.2
		if score >= retrievalThreshold {
			matches = append(matches, scored{score, e})
		}
	}
	if len(matches) == 0 {
		return ""
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > retrievalTopK {
		matches = matches[:retrievalTopK]
	}

	lines := []string{"## KNOWLEDGE BASE (facts from past tasks — apply where relevant)"}
	for _, m := range matches {
		e := m.entry
		lines = append(lines, fmt.Sprintf("  • [%s] (confidence: %.0f%%) [%s] %s",
			e.Domain, e.Confidence*100, e.Method, e.Content))
	}
	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

// Count returns the number of stored entries.
func (b *Base) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.load())
}

// Stats summarizes the knowledge base for the status endpoint.
func (b *Base) Stats() map[string]any {
	b.mu.Lock()
	entries := b.load()
	b.mu.Unlock()

	domains := map[string]bool{}
	methods := map[string]int{}
	var lastTS int64
	for _, e := range entries {
		domains[e.Domain] = true
		methods[e.Method]++
		if e.CreatedAt > lastTS {
			lastTS = e.CreatedAt
		}
	}
	covered := make([]string, 0, len(domains))
	for d := range domains {
		covered = append(covered, d)
	}
	sort.Strings(covered)

	var last any
	if lastTS > 0 {
		last = time.Unix(lastTS, 0).Format("2006-01-02T15:04:05")
	}
	return map[string]any{
		"total_entries":        len(entries),
		"domains_covered":      covered,
		"growth_rate":          b.growthRate(),
		"last_extraction":      last,
		"by_extraction_method": methods,
	}
}

var growthLineRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}) .*\bnew=(\d+)`)

// growthRate reads the last ten growth-log lines and reports extraction
// velocity. The window is usually minutes of benchmark traffic, so the
// short-window fallback reports the raw count instead of an inflated
// hourly rate.
func (b *Base) growthRate() string {
	if b.store == nil {
		return "0 entries/hour"
	}
	raw, err := os.ReadFile(b.store.Path(growthLogFile))
	if err != nil {
		return "0 entries/hour"
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}

	total := 0
	var first, last time.Time
	for _, ln := range lines {
		m := growthLineRe.FindStringSubmatch(strings.TrimSpace(ln))
		if m == nil {
			continue
		}
		ts, terr := time.Parse("2006-01-02T15:04:05", m[1])
		if terr != nil {
			continue
		}
		n, _ := strconv.Atoi(m[2])
		total += n
		if first.IsZero() {
			first = ts
		}
		last = ts
	}
	if total == 0 {
		return "0 entries/hour"
	}
	hours := last.Sub(first).Hours()
	if hours < 0.01 {
		return fmt.Sprintf("%d entries (window too short)", total)
	}
	return fmt.Sprintf("%.1f entries/hour", float64(total)/hours)
}
