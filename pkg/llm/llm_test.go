package llm

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingClient returns a fixed response or error and remembers the
// sampling options of the last call.
type recordingClient struct {
	content  string
	err      error
	calls    int
	lastOpts *SamplingOptions
}

func (c *recordingClient) Chat(ctx context.Context, msgs []Message, tools []ToolDefinition, opts *SamplingOptions) (*Response, error) {
	c.calls++
	c.lastOpts = opts
	if c.err != nil {
		return nil, c.err
	}
	return &Response{Content: c.content}, nil
}

func TestFallbackPrimarySucceeds(t *testing.T) {
	primary := &recordingClient{content: "primary answer"}
	reserve := &recordingClient{content: "reserve answer"}
	f := NewFallback(primary, reserve, "claude-sonnet-4-6")

	resp, err := f.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "primary answer", resp.Content)
	assert.Equal(t, 0, reserve.calls)
}

func TestFallbackRetriesOnReserveModel(t *testing.T) {
	primary := &recordingClient{err: fmt.Errorf("overloaded")}
	reserve := &recordingClient{content: "reserve answer"}
	f := NewFallback(primary, reserve, "claude-sonnet-4-6")

	resp, err := f.Chat(context.Background(),
		[]Message{{Role: "user", Content: "hi"}}, nil,
		&SamplingOptions{Model: "claude-haiku-4-5-20251001", MaxTokens: 512})
	require.NoError(t, err)
	assert.Equal(t, "reserve answer", resp.Content)

	// The retry must not re-pin the model that just failed.
	require.NotNil(t, reserve.lastOpts)
	assert.Equal(t, "claude-sonnet-4-6", reserve.lastOpts.Model)
	assert.Equal(t, 512, reserve.lastOpts.MaxTokens)
}

func TestFallbackBothFail(t *testing.T) {
	primary := &recordingClient{err: fmt.Errorf("overloaded")}
	reserve := &recordingClient{err: fmt.Errorf("also down")}
	f := NewFallback(primary, reserve, "")

	_, err := f.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
	assert.Contains(t, err.Error(), "also down")
}

func TestFallbackDoesNotRetryCanceledContext(t *testing.T) {
	primary := &recordingClient{err: fmt.Errorf("context canceled")}
	reserve := &recordingClient{content: "should not be reached"}
	f := NewFallback(primary, reserve, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Chat(ctx, []Message{{Role: "user", Content: "hi"}}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, 0, reserve.calls)
}

func TestRouterSendsToolCallsToSmart(t *testing.T) {
	fast := &recordingClient{content: "fast"}
	smart := &recordingClient{content: "smart"}
	r := NewRouter(fast, smart)

	resp, err := r.Chat(context.Background(),
		[]Message{{Role: "user", Content: "fetch it"}},
		[]ToolDefinition{{Name: "get_invoice"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "smart", resp.Content)
}

func TestRouterHeuristics(t *testing.T) {
	fast := &recordingClient{content: "fast"}
	smart := &recordingClient{content: "smart"}
	r := NewRouter(fast, smart)

	resp, err := r.Chat(context.Background(),
		[]Message{{Role: "user", Content: "Reconcile the ledger against the bank feed"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "smart", resp.Content)

	resp, err = r.Chat(context.Background(),
		[]Message{{Role: "user", Content: "what is the status"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", resp.Content)

	_, err = r.Chat(context.Background(), nil, nil, nil)
	assert.Error(t, err)
}
