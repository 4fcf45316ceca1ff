package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONStoreRoundtrip(t *testing.T) {
	js, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)

	type state struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, js.Save("state.json", state{Name: "bandit", Count: 7}))

	var got state
	found, err := js.Load("state.json", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, state{Name: "bandit", Count: 7}, got)
}

func TestJSONStoreMissingFileIsNotAnError(t *testing.T) {
	js, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)

	var got map[string]any
	found, err := js.Load("never_written.json", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestJSONStoreCorruptFileErrors(t *testing.T) {
	js, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, js.SaveRaw("bad.json", []byte("{truncated")))

	var got map[string]any
	found, err := js.Load("bad.json", &got)
	assert.False(t, found)
	assert.Error(t, err)
}

func TestJSONStoreTouchAndModTime(t *testing.T) {
	js, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)

	_, ok := js.ModTime(".marker")
	assert.False(t, ok)

	require.NoError(t, js.Touch(".marker"))
	mod, ok := js.ModTime(".marker")
	assert.True(t, ok)
	assert.InDelta(t, time.Now().Unix(), mod, 5)
}

// fakeS3 serves canned objects, splitting List responses into pages of
// two to exercise continuation-token handling.
type fakeS3 struct {
	objects map[string]string
	modTime map[string]time.Time
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for k := range f.objects {
		if in.Prefix == nil || strings.HasPrefix(k, *in.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
				break
			}
		}
	}
	end := start + 2
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		key := k
		obj := types.Object{Key: &key}
		if mod, ok := f.modTime[k]; ok {
			m := mod
			obj.LastModified = &m
		}
		out.Contents = append(out.Contents, obj)
	}
	truncated := end < len(keys)
	out.IsTruncated = &truncated
	if truncated {
		next := keys[end]
		out.NextContinuationToken = &next
	}
	return out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func newTestSeeder(fake *fakeS3) *Seeder {
	return &Seeder{
		bucket:         "bench-bucket",
		trainingPrefix: "training-data/",
		reportsPrefix:  "reports/",
		logger:         slog.Default(),
		client:         fake,
	}
}

func TestFetchTrainingRecordsParsesJSONL(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{
		"training-data/batch1.jsonl": strings.Join([]string{
			`{"task_id": "t1", "messages": [{"role": "user", "content": "Approve EXP-1"}]}`,
			`not json at all`,
			``,
			`{"task_id": "t2", "messages": [{"role": "user", "content": "Reconcile INV-2"}]}`,
		}, "\n"),
		"training-data/batch2.jsonl": `{"task_id": "t3", "messages": [{"role": "user", "content": "Close books"}]}`,
		"training-data/notes.txt":    "ignored",
	}}
	sd := newTestSeeder(fake)

	records, err := sd.FetchTrainingRecords(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "t1", records[0].TaskID)
	assert.Equal(t, "Approve EXP-1", records[0].FirstUserText())

	limited, err := sd.FetchTrainingRecords(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestFetchLatestReportPicksNewest(t *testing.T) {
	now := time.Now()
	fake := &fakeS3{
		objects: map[string]string{
			"reports/run1.json": `{"overall_score": 0.6}`,
			"reports/run2.json": `{"overall_score": 0.81}`,
			"reports/run3.json": `{"overall_score": 0.7}`,
			"reports/readme.md": "not a report",
		},
		modTime: map[string]time.Time{
			"reports/run1.json": now.Add(-2 * time.Hour),
			"reports/run2.json": now,
			"reports/run3.json": now.Add(-time.Hour),
		},
	}
	sd := newTestSeeder(fake)

	report, err := sd.FetchLatestReport(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 0.81, report["overall_score"])
}

func TestFetchLatestReportEmptyPrefix(t *testing.T) {
	sd := newTestSeeder(&fakeS3{objects: map[string]string{}})
	report, err := sd.FetchLatestReport(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestTrainingRecordContentShapes(t *testing.T) {
	rec := TrainingRecord{
		TaskID: "t9",
		Messages: []TrainingTurn{
			{Role: "user", Content: json.RawMessage(`[{"type": "text", "text": "Offboard E-3"}]`)},
			{Role: "assistant", Content: json.RawMessage(`[{"type": "tool_use", "name": "revoke_access"}, {"type": "text", "text": "Access revoked."}]`)},
			{Role: "assistant", Content: json.RawMessage(`[{"type": "tool_use", "name": "send_email"}, {"type": "text", "text": "Done. Offboarding complete."}]`)},
		},
	}
	assert.Equal(t, "Offboard E-3", rec.FirstUserText())
	assert.Equal(t, "Done. Offboarding complete.", rec.LastAssistantText())
	assert.Equal(t, 2, rec.ToolUseCount())
}
