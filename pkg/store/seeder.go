package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// TrainingRecord is one multi-turn transcript pulled from the training
// bucket. Records are positive examples, so the seeder treats them as
// quality-1.0 cases.
type TrainingRecord struct {
	TaskID   string         `json:"task_id"`
	Messages []TrainingTurn `json:"messages"`
	Metadata map[string]any `json:"metadata"`
}

// TrainingTurn mirrors one message of a transcript.
type TrainingTurn struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Seeder downloads training transcripts and benchmark reports from S3.
type Seeder struct {
	bucket         string
	trainingPrefix string
	reportsPrefix  string
	logger         *slog.Logger
	client         s3API
}

// s3API is the slice of the S3 client the seeder needs; swapped in tests.
type s3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewSeeder builds a seeder with the default AWS credential chain. Returns
// an error when the bucket is unset or credentials cannot be resolved —
// callers treat that as "seeding disabled".
func NewSeeder(ctx context.Context, bucket, trainingPrefix, reportsPrefix string, logger *slog.Logger) (*Seeder, error) {
	if bucket == "" {
		return nil, fmt.Errorf("seeder: no training bucket configured")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("seeder: aws config: %w", err)
	}
	return &Seeder{
		bucket:         bucket,
		trainingPrefix: trainingPrefix,
		reportsPrefix:  reportsPrefix,
		logger:         logger.With("component", "seeder"),
		client:         s3.NewFromConfig(cfg),
	}, nil
}

// FetchTrainingRecords lists JSONL objects under the training prefix and
// parses every line into a TrainingRecord. Bad lines are skipped.
func (sd *Seeder) FetchTrainingRecords(ctx context.Context, limit int) ([]TrainingRecord, error) {
	keys, err := sd.listKeys(ctx, sd.trainingPrefix, func(k string) bool {
		return strings.HasSuffix(k, ".jsonl") || strings.HasSuffix(k, ".json")
	})
	if err != nil {
		return nil, err
	}

	var records []TrainingRecord
	for _, key := range keys {
		if len(records) >= limit {
			break
		}
		out, err := sd.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &sd.bucket, Key: &key})
		if err != nil {
			sd.logger.WarnContext(ctx, "training object fetch failed", "key", key, "error", err)
			continue
		}
		scanner := bufio.NewScanner(out.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() && len(records) < limit {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var rec TrainingRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		out.Body.Close()
	}
	return records, nil
}

// FetchLatestReport downloads the most recently modified report JSON under
// the reports prefix, or nil when none exists.
func (sd *Seeder) FetchLatestReport(ctx context.Context) (map[string]any, error) {
	type keyed struct {
		key string
		mod time.Time
	}
	var objs []keyed

	var token *string
	for {
		out, err := sd.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &sd.bucket,
			Prefix:            &sd.reportsPrefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("seeder: list reports: %w", err)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil || !strings.HasSuffix(*obj.Key, ".json") {
				continue
			}
			mod := time.Time{}
			if obj.LastModified != nil {
				mod = *obj.LastModified
			}
			objs = append(objs, keyed{key: *obj.Key, mod: mod})
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	if len(objs) == 0 {
		return nil, nil
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].mod.After(objs[j].mod) })

	out, err := sd.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &sd.bucket, Key: &objs[0].key})
	if err != nil {
		return nil, fmt.Errorf("seeder: get report %s: %w", objs[0].key, err)
	}
	defer out.Body.Close()

	var report map[string]any
	if err := json.NewDecoder(out.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("seeder: parse report %s: %w", objs[0].key, err)
	}
	return report, nil
}

func (sd *Seeder) listKeys(ctx context.Context, prefix string, keep func(string) bool) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := sd.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &sd.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("seeder: list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil && keep(*obj.Key) {
				keys = append(keys, *obj.Key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

// FirstUserText extracts the first user message text from a transcript.
func (r TrainingRecord) FirstUserText() string {
	for _, m := range r.Messages {
		if m.Role != "user" {
			continue
		}
		return contentText(m.Content)
	}
	return ""
}

// LastAssistantText extracts the final assistant text from a transcript.
func (r TrainingRecord) LastAssistantText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role != "assistant" {
			continue
		}
		if txt := contentText(r.Messages[i].Content); txt != "" {
			return txt
		}
	}
	return ""
}

// ToolUseCount counts tool_use blocks across assistant turns.
func (r TrainingRecord) ToolUseCount() int {
	count := 0
	for _, m := range r.Messages {
		if m.Role != "assistant" {
			continue
		}
		var blocks []map[string]any
		if err := json.Unmarshal(m.Content, &blocks); err != nil {
			continue
		}
		for _, b := range blocks {
			if b["type"] == "tool_use" {
				count++
			}
		}
	}
	return count
}

func contentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []map[string]any
	if err := json.Unmarshal(raw, &blocks); err == nil {
		for _, b := range blocks {
			if b["type"] == "text" {
				if txt, ok := b["text"].(string); ok {
					return txt
				}
			}
		}
	}
	return ""
}
