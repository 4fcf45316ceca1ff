package entity

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/opsagent/pkg/store"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	js, err := store.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	return NewMemory(js)
}

func TestExtractTypedEntities(t *testing.T) {
	text := "Invoice INV-2041 from Initech Corp for $4,500.00 (2.5% late fee) due March 15, 2026. " +
		"Contact Mr. John Smith at billing@initech.example.com about the Premium Tier."

	types := map[string][]string{}
	for _, e := range extract(text) {
		types[e.etype] = append(types[e.etype], e.raw)
	}
	assert.Contains(t, types["id"], "INV-2041")
	assert.Contains(t, types["vendor"], "Initech Corp")
	assert.Contains(t, types["amount"], "$4,500.00")
	assert.Contains(t, types["percentage"], "2.5%")
	assert.Contains(t, types["email"], "billing@initech.example.com")
	assert.Contains(t, types["person"], "Mr. John Smith")
	assert.Contains(t, types["product"], "Premium Tier")
	require.NotEmpty(t, types["date"])
	assert.True(t, strings.HasPrefix(types["date"][0], "March 15"))
}

func TestExtractCatchAllSkipsStopTitles(t *testing.T) {
	text := "The Task has a Due Date of 03/15/2026 for Wayne Enterprises review"
	var catchall []string
	for _, e := range extract(text) {
		if e.etype == "vendor" {
			catchall = append(catchall, e.raw)
		}
	}
	assert.Contains(t, catchall, "Wayne Enterprises")
	assert.NotContains(t, catchall, "The Task")
	assert.NotContains(t, catchall, "Due Date")
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "$50000", normalize("amount", "$50K"))
	assert.Equal(t, "$50000", normalize("amount", "$50,000"))
	assert.Equal(t, "$2500000", normalize("amount", "$2.5M"))
	assert.Equal(t, "ops@acme.example.com", normalize("email", "Ops@Acme.example.com"))
	assert.Equal(t, "Initech Corp", normalize("vendor", "  Initech Corp "))
}

func TestRecordAndSeenCount(t *testing.T) {
	m := newTestMemory(t)

	n := m.RecordTaskEntities("Pay the Initech Corp invoice for $50,000", "Paid in full.", "invoice")
	assert.Greater(t, n, 0)

	// Same vendor with a K-suffixed amount hits the same records.
	m.RecordTaskEntities("Another bill from Initech Corp, this time $50K", "Queued.", "procurement")

	records := m.load()
	vendor := records["Initech Corp"]
	assert.Equal(t, 2, vendor.SeenCount)
	assert.Equal(t, "procurement", vendor.Domain, "domain follows the most recent sighting")
	assert.Equal(t, 2, records["$50000"].SeenCount)
}

func TestEntityContextFormat(t *testing.T) {
	m := newTestMemory(t)
	m.RecordTaskEntities("Initech Corp invoice INV-7 for $1,200", "Approved.", "invoice")
	m.RecordTaskEntities("Initech Corp follow-up on INV-7", "Done.", "invoice")

	// Single-sighting entities stay silent.
	assert.NotContains(t, m.EntityContext("status of ACME-99"), "ACME-99")

	block := m.EntityContext("What do we know about Initech Corp?")
	assert.Contains(t, block, "## ENTITY MEMORY (known entities from past tasks)")
	assert.Contains(t, block, "[vendor] Initech Corp")
	assert.Contains(t, block, "(seen 2x — context:")
	assert.True(t, strings.HasSuffix(block, "\n"))
}

func TestEntityContextFrequentTopUp(t *testing.T) {
	m := newTestMemory(t)
	for i := 0; i < 3; i++ {
		m.RecordTaskEntities("Recurring Globex Inc subscription", "Renewed.", "subscription")
	}
	// A task that names no stored entity still surfaces heavy hitters.
	block := m.EntityContext("summarize recent activity")
	assert.Contains(t, block, "Globex Inc")
	assert.Contains(t, block, "(seen 3x")
}

func TestTTLEviction(t *testing.T) {
	m := newTestMemory(t)
	now := time.Now()
	m.WithClock(func() time.Time { return now.Add(-8 * 24 * time.Hour) })
	m.RecordTaskEntities("Old vendor Stale Systems Inc invoice", "Paid.", "invoice")
	require.Greater(t, m.Count(), 0)

	m.WithClock(func() time.Time { return now })
	m.RecordTaskEntities("Fresh vendor Initech Corp invoice", "Paid.", "invoice")
	for _, r := range m.load() {
		assert.NotContains(t, r.RawValue, "Stale Systems")
	}
}

func TestCapAtMaxRecords(t *testing.T) {
	now := time.Now().Unix()
	records := make(map[string]Record, maxRecords+50)
	for i := 0; i < maxRecords+50; i++ {
		key := fmt.Sprintf("Vendor %d Corp", i)
		records[key] = Record{EntityID: key, Normalized: key, LastSeen: now - int64(i)}
	}
	m := newTestMemory(t)
	m.save(records)

	kept := m.load()
	assert.Len(t, kept, maxRecords)
	// The most recently seen records survive the cap.
	assert.Contains(t, kept, "Vendor 0 Corp")
	assert.NotContains(t, kept, fmt.Sprintf("Vendor %d Corp", maxRecords+49))
}
