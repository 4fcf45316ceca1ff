package rlcase

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/opsagent/pkg/store"
)

// Training transcripts are positive examples: each becomes a
// quality-1.0 success entry, merged at the front of the case log so
// seeded patterns win retrieval ties.

const (
	seedMarkerFile = ".training_seeded"
	seedStaleHours = 12
	maxSeedEntries = 100
)

// SeedStats reports one seeding pass.
type SeedStats struct {
	Seeded     int    `json:"seeded"`
	Skipped    bool   `json:"skipped"`
	Source     string `json:"source"`
	TotalCases int    `json:"total_cases"`
}

// SeedStale reports whether the training seed is older than the
// staleness window.
func (l *Log) SeedStale() bool {
	if l.store == nil {
		return false
	}
	mod, ok := l.store.ModTime(seedMarkerFile)
	if !ok {
		return true
	}
	return l.clock().Unix()-mod > seedStaleHours*3600
}

// Seeded reports whether a training seed has ever completed.
func (l *Log) Seeded() bool {
	if l.store == nil {
		return false
	}
	_, ok := l.store.ModTime(seedMarkerFile)
	return ok
}

// SeedFromRecords converts training transcripts into case entries and
// merges them ahead of the existing log. Entries already present (by
// case ID) are skipped. Idempotent across repeated syncs.
func (l *Log) SeedFromRecords(records []store.TrainingRecord, source string) SeedStats {
	if len(records) > maxSeedEntries {
		records = records[:maxSeedEntries]
	}

	var fresh []CaseEntry
	for _, rec := range records {
		if entry := l.recordToEntry(rec); entry != nil {
			fresh = append(fresh, *entry)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	existing := l.load()

	if len(fresh) == 0 {
		return SeedStats{Source: source, TotalCases: len(existing)}
	}

	existingIDs := map[string]bool{}
	for _, c := range existing {
		existingIDs[c.CaseID] = true
	}
	var novel []CaseEntry
	for _, e := range fresh {
		if !existingIDs[e.CaseID] {
			novel = append(novel, e)
		}
	}

	merged := append(novel, existing...)
	l.save(merged)
	if l.store != nil {
		_ = l.store.Touch(seedMarkerFile)
	}

	return SeedStats{Seeded: len(novel), Source: source, TotalCases: len(merged)}
}

func (l *Log) recordToEntry(rec store.TrainingRecord) *CaseEntry {
	if len(rec.Messages) == 0 {
		return nil
	}

	summary := metaString(rec.Metadata, "task_summary")
	if summary == "" {
		summary = metaString(rec.Metadata, "task")
	}
	if summary == "" {
		summary = rec.FirstUserText()
	}
	if summary == "" {
		return nil
	}
	if len(summary) > 120 {
		summary = summary[:120]
	}

	toolCount := rec.ToolUseCount()

	whatWorked := metaString(rec.Metadata, "what_worked")
	if whatWorked == "" {
		var parts []string
		if toolCount > 0 {
			parts = append(parts, fmt.Sprintf("Used %d tool calls", toolCount))
		}
		if pt := metaString(rec.Metadata, "process_type"); pt != "" {
			parts = append(parts, "Process: "+pt)
		}
		if d := metaString(rec.Metadata, "domain"); d != "" {
			parts = append(parts, "Domain: "+d)
		}
		whatWorked = strings.Join(parts, ". ")
		if whatWorked == "" {
			whatWorked = "Training example — positive run"
		}
	}

	short := summary
	if len(short) > 30 {
		short = short[:30]
	}
	sum := md5.Sum([]byte("seed:" + rec.TaskID + ":" + short))

	return &CaseEntry{
		CaseID:      hex.EncodeToString(sum[:])[:8],
		TaskSummary: summary,
		Keywords:    ExtractKeywords(summary),
		Outcome:     "success",
		Quality:     1.0,
		WhatWorked:  whatWorked,
		ToolCount:   toolCount,
		Timestamp:   l.clock().Unix(),
	}
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}
