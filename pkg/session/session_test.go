package session

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/opsagent/pkg/fsm"
	"github.com/Mindburn-Labs/opsagent/pkg/llm"
)

type scriptedClient struct {
	content string
	err     error
	calls   int
}

func (s *scriptedClient) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolDefinition, opts *llm.SamplingOptions) (*llm.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.content}, nil
}

func TestContextPromptFirstTurnEmpty(t *testing.T) {
	m := NewManager()
	assert.Empty(t, m.ContextPrompt("s-1"))
	assert.False(t, m.IsMultiTurn("s-1"))
}

func TestContextPromptRecentTurns(t *testing.T) {
	m := NewManager()
	m.AddTurn("s-1", "user", "Approve the expense claim")
	m.AddTurn("s-1", "assistant", "Approved. Total: $420.00")

	p := m.ContextPrompt("s-1")
	assert.Contains(t, p, "## Recent Conversation")
	assert.Contains(t, p, "User: Approve the expense claim")
	assert.Contains(t, p, "Agent: Approved. Total: $420.00")
	assert.NotContains(t, p, "## Prior Conversation Summary")
	assert.True(t, m.IsMultiTurn("s-1"))
}

func TestInlineCompressionAfterRawCap(t *testing.T) {
	m := NewManager()
	for i := 0; i < 21; i++ {
		m.AddTurn("s-1", "user", fmt.Sprintf("turn number %d", i))
	}

	p := m.ContextPrompt("s-1")
	assert.Contains(t, p, "## Prior Conversation Summary")
	assert.Contains(t, p, "turn number 0")
	// Recent turns stay raw and are not in the summary block.
	summary := p[:strings.Index(p, "## Recent Conversation")]
	assert.NotContains(t, summary, "turn number 20")
	assert.Contains(t, p, "User: turn number 20")
}

func TestTurnContentClipped(t *testing.T) {
	m := NewManager()
	m.AddTurn("s-1", "user", strings.Repeat("x", 500))
	p := m.ContextPrompt("s-1")
	assert.Contains(t, p, strings.Repeat("x", 400))
	assert.NotContains(t, p, strings.Repeat("x", 401))
}

func TestStaleEviction(t *testing.T) {
	now := time.Now()
	m := NewManager().WithClock(func() time.Time { return now })
	m.AddTurn("old", "user", "hello")
	m.SetProcessType("old", "procurement")

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 0, m.ActiveCount())
	assert.Equal(t, "general", m.ProcessType("old"))
}

func TestProcessTypePinning(t *testing.T) {
	m := NewManager()
	assert.Equal(t, "general", m.ProcessType("s-9"))
	m.SetProcessType("s-9", "invoice_reconciliation")
	assert.Equal(t, "invoice_reconciliation", m.ProcessType("s-9"))
}

func TestCheckpointTakeClears(t *testing.T) {
	m := NewManager()
	cp := &fsm.Checkpoint{ProcessType: "procurement", StateIdx: 3}
	m.SetCheckpoint("s-1", cp)

	got := m.TakeCheckpoint("s-1")
	require.NotNil(t, got)
	assert.Equal(t, "procurement", got.ProcessType)
	assert.Nil(t, m.TakeCheckpoint("s-1"), "checkpoint is consumed on take")
}

func TestSchemaCacheMergeAndCopy(t *testing.T) {
	m := NewManager()
	assert.Nil(t, m.SchemaCache("s-1"))

	m.MergeSchemaCache("s-1", map[string]string{"list_invoices:amt": "amount"})
	m.MergeSchemaCache("s-1", map[string]string{
		"list_invoices:amt":  "total", // conflict: first resolution wins
		"get_po:vendor_name": "supplier_name",
	})

	got := m.SchemaCache("s-1")
	assert.Equal(t, map[string]string{
		"list_invoices:amt":  "amount",
		"get_po:vendor_name": "supplier_name",
	}, got)

	// Mutating the copy never leaks back into the session.
	got["list_invoices:amt"] = "mangled"
	assert.Equal(t, "amount", m.SchemaCache("s-1")["list_invoices:amt"])
}

func TestCompressHistoryUnderCapUntouched(t *testing.T) {
	msgs := []llm.Message{{Role: "user", Content: "short"}}
	out, summary, saved := CompressHistory(context.Background(), nil, msgs)
	assert.Equal(t, msgs, out)
	assert.Empty(t, summary)
	assert.Zero(t, saved)
}

func TestCompressHistorySummarizesMiddle(t *testing.T) {
	client := &scriptedClient{content: "Earlier the user requested three vendor approvals."}

	big := strings.Repeat("a", 4000)
	msgs := []llm.Message{{Role: "system", Content: "You are a process agent."}}
	for i := 0; i < 10; i++ {
		msgs = append(msgs, llm.Message{Role: "user", Content: big})
	}

	out, summary, saved := CompressHistory(context.Background(), client, msgs)
	require.NotEmpty(t, summary)
	assert.Equal(t, 1, client.calls)
	assert.Greater(t, saved, 0)

	// System prompt survives, then the summary notice, then 6 raw turns.
	require.Len(t, out, 8)
	assert.Equal(t, "You are a process agent.", out[0].Content)
	assert.Contains(t, out[1].Content, "Earlier conversation summary — 4 messages compressed")
	assert.Contains(t, out[1].Content, summary)
}

func TestCompressHistoryModelFailureDegrades(t *testing.T) {
	client := &scriptedClient{err: assert.AnError}
	big := strings.Repeat("a", 4000)
	var msgs []llm.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, llm.Message{Role: "user", Content: big})
	}
	out, summary, _ := CompressHistory(context.Background(), client, msgs)
	assert.Empty(t, summary)
	assert.Contains(t, out[0].Content, "4 earlier messages removed")
}
