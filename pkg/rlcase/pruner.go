package rlcase

import (
	"sort"
	"strings"
	"time"
)

// Context rot pruning. Old low-quality entries pollute the primer with
// stale patterns, leading the model to apply past solutions to
// different problems. Before injection, the case log is filtered for
// staleness, low-quality failures, and repeated failure patterns —
// conservatively: over-pruning falls back to the higher-quality half.

const (
	minQuality       = 0.35
	maxAgeHours      = 72.0
	minKeep          = 3
	maxPruneFraction = 0.7

	repeatOverlapThreshold = 0.5
)

func keywordOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := map[string]bool{}
	for _, k := range a {
		setA[k] = true
	}
	inter, union := 0, len(setA)
	seenB := map[string]bool{}
	for _, k := range b {
		if seenB[k] {
			continue
		}
		seenB[k] = true
		if setA[k] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// isRepeatedFailure reports whether a failed entry has at least two
// other similar failures (three total = a pattern worth dropping).
func isRepeatedFailure(entry CaseEntry, all []CaseEntry) bool {
	if entry.Outcome != "failure" {
		return false
	}
	similar := 0
	for _, e := range all {
		if e.CaseID == entry.CaseID || e.Outcome != "failure" {
			continue
		}
		if keywordOverlap(entry.Keywords, e.Keywords) >= repeatOverlapThreshold {
			similar++
		}
	}
	return similar >= 2
}

// PruneCases filters stale, low-quality, and repeated-failure entries.
func PruneCases(cases []CaseEntry, now time.Time) []CaseEntry {
	if len(cases) <= minKeep {
		return cases
	}

	maxAge := time.Duration(maxAgeHours * float64(time.Hour))

	var kept []CaseEntry
	for _, entry := range cases {
		if entry.Quality < minQuality && entry.Outcome == "failure" {
			continue
		}
		if entry.Timestamp > 0 && now.Sub(time.Unix(entry.Timestamp, 0)) > maxAge {
			continue
		}
		if isRepeatedFailure(entry, cases) {
			continue
		}
		kept = append(kept, entry)
	}

	if len(kept) < minKeep {
		return cases[len(cases)-minKeep:]
	}

	pruneFraction := 1.0 - float64(len(kept))/float64(len(cases))
	if pruneFraction > maxPruneFraction {
		// Soft fallback: higher-quality half of the originals.
		sorted := append([]CaseEntry(nil), cases...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Quality > sorted[j].Quality
		})
		keep := len(cases) / 2
		if keep < minKeep {
			keep = minKeep
		}
		return sorted[:keep]
	}
	return kept
}

// PrunePrimer drops low-signal and stale-marked lines from a primer.
func PrunePrimer(primer string) string {
	if primer == "" {
		return primer
	}
	var kept []string
	for _, line := range strings.Split(primer, "\n") {
		stripped := strings.TrimSpace(line)
		if len(stripped) < 5 {
			continue
		}
		lower := strings.ToLower(stripped)
		if strings.Contains(lower, "(stale)") || strings.Contains(lower, "(outdated)") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// PrunerStats reports the effect of one pruning pass.
func PrunerStats(original, pruned []CaseEntry) map[string]any {
	removed := len(original) - len(pruned)
	denom := len(original)
	if denom == 0 {
		denom = 1
	}
	return map[string]any{
		"original_count": len(original),
		"pruned_count":   len(pruned),
		"removed":        removed,
		"removal_rate":   round3(float64(removed) / float64(denom)),
	}
}
