// Package transcript implements the optional blob archive for agent
// output transcripts that outgrow the Stream Hub's in-memory ring
// buffer (SPEC_FULL.md §11). Grounded on the teacher's
// internal/logstore/r2.go (per-job buffered chunk upload, a flush loop
// for stale buffers, gzip-compressed finalization), narrowed from the
// teacher's stdout/stderr CI log shape onto streamhub.ConsoleMessage
// and from "log store with a SQLite or R2 backend" to "R2 is the only
// archive; anything smaller just stays in the ring buffer" since this
// system has no per-customer log retention tier to choose between.
package transcript

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/agentforge/autoclaude/internal/streamhub"
)

const (
	flushSize     = 256 * 1024
	flushInterval = 30 * time.Second
	flushLoopTick = 5 * time.Second
)

// Archive persists a job's full ConsoleMessage history beyond what the
// Stream Hub keeps in memory, and serves it back for replay after the
// job (and its in-memory ring buffer) are long gone.
type Archive interface {
	Append(ctx context.Context, jobID string, msg streamhub.ConsoleMessage) error
	Finalize(ctx context.Context, jobID string) error
	Fetch(ctx context.Context, jobID string) (io.ReadCloser, error)
	Close() error
}

// Config names the R2 bucket an Archive writes to (Cloudflare R2 speaks
// the S3 API, so the teacher's client construction carries over as-is).
type Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// R2Archive is an Archive backed by Cloudflare R2.
type R2Archive struct {
	client *s3.Client
	bucket string
	log    *slog.Logger

	mu      sync.RWMutex
	buffers map[string]*jobBuffer

	done chan struct{}
	wg   sync.WaitGroup
}

type jobBuffer struct {
	mu        sync.Mutex
	messages  []streamhub.ConsoleMessage
	size      int
	lastFlush time.Time
	chunkIdx  int
}

// New builds an R2Archive and starts its stale-buffer flush loop.
func New(cfg Config, log *slog.Logger) (*R2Archive, error) {
	if log == nil {
		log = slog.Default()
	}
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	a := &R2Archive{
		client:  client,
		bucket:  cfg.Bucket,
		log:     log,
		buffers: make(map[string]*jobBuffer),
		done:    make(chan struct{}),
	}
	a.wg.Add(1)
	go a.flushLoop()
	return a, nil
}

func (a *R2Archive) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(flushLoopTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.flushStale()
		case <-a.done:
			return
		}
	}
}

func (a *R2Archive) flushStale() {
	a.mu.RLock()
	var stale []string
	now := time.Now()
	for jobID, buf := range a.buffers {
		buf.mu.Lock()
		if now.Sub(buf.lastFlush) > flushInterval && len(buf.messages) > 0 {
			stale = append(stale, jobID)
		}
		buf.mu.Unlock()
	}
	a.mu.RUnlock()

	for _, jobID := range stale {
		if err := a.flush(context.Background(), jobID); err != nil {
			a.log.Warn("transcript flush failed", "job_id", jobID, "error", err)
		}
	}
}

// Append buffers one message, flushing to R2 once the buffer exceeds
// flushSize so a long-running job never holds its whole transcript in
// memory.
func (a *R2Archive) Append(ctx context.Context, jobID string, msg streamhub.ConsoleMessage) error {
	a.mu.Lock()
	buf, ok := a.buffers[jobID]
	if !ok {
		buf = &jobBuffer{lastFlush: time.Now()}
		a.buffers[jobID] = buf
	}
	a.mu.Unlock()

	buf.mu.Lock()
	buf.messages = append(buf.messages, msg)
	buf.size += len(msg.Text) + 64
	shouldFlush := buf.size >= flushSize
	buf.mu.Unlock()

	if shouldFlush {
		return a.flush(ctx, jobID)
	}
	return nil
}

func (a *R2Archive) flush(ctx context.Context, jobID string) error {
	a.mu.RLock()
	buf, ok := a.buffers[jobID]
	a.mu.RUnlock()
	if !ok {
		return nil
	}

	buf.mu.Lock()
	if len(buf.messages) == 0 {
		buf.mu.Unlock()
		return nil
	}
	messages := buf.messages
	chunkIdx := buf.chunkIdx
	buf.messages = nil
	buf.size = 0
	buf.chunkIdx++
	buf.lastFlush = time.Now()
	buf.mu.Unlock()

	var content bytes.Buffer
	for _, m := range messages {
		data, _ := json.Marshal(m)
		content.Write(data)
		content.WriteByte('\n')
	}

	key := chunkKey(jobID, chunkIdx)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("upload transcript chunk: %w", err)
	}
	return nil
}

// Finalize flushes any remaining buffer, concatenates every chunk into
// one gzip-compressed object, and removes the per-chunk objects.
// Called once a job reaches a terminal state (spec §4.9's terminalKinds).
func (a *R2Archive) Finalize(ctx context.Context, jobID string) error {
	if err := a.flush(ctx, jobID); err != nil {
		return err
	}

	a.mu.Lock()
	buf, ok := a.buffers[jobID]
	var chunkCount int
	if ok {
		buf.mu.Lock()
		chunkCount = buf.chunkIdx
		buf.mu.Unlock()
		delete(a.buffers, jobID)
	}
	a.mu.Unlock()

	if chunkCount == 0 {
		return nil
	}

	var raw bytes.Buffer
	for i := 0; i < chunkCount; i++ {
		resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(chunkKey(jobID, i)),
		})
		if err != nil {
			a.log.Warn("transcript chunk missing during finalize", "job_id", jobID, "chunk", i, "error", err)
			continue
		}
		_, _ = io.Copy(&raw, resp.Body)
		resp.Body.Close()
	}

	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	if _, err := gw.Write(raw.Bytes()); err != nil {
		return fmt.Errorf("gzip transcript: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(finalKey(jobID)),
		Body:            bytes.NewReader(compressed.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("upload final transcript: %w", err)
	}

	for i := 0; i < chunkCount; i++ {
		_, _ = a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(chunkKey(jobID, i)),
		})
	}
	return nil
}

// Fetch returns a job's archived transcript as newline-delimited JSON
// ConsoleMessage records, preferring the finalized object and falling
// back to concatenating whatever chunks exist for a still-running job.
func (a *R2Archive) Fetch(ctx context.Context, jobID string) (io.ReadCloser, error) {
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(finalKey(jobID)),
	})
	if err == nil {
		if resp.ContentEncoding != nil && *resp.ContentEncoding == "gzip" {
			gr, err := gzip.NewReader(resp.Body)
			if err != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("gzip reader: %w", err)
			}
			return &gzipReadCloser{gr: gr, underlying: resp.Body}, nil
		}
		return resp.Body, nil
	}

	prefix := fmt.Sprintf("transcripts/%s/chunk_", jobID)
	listResp, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("list transcript chunks: %w", err)
	}
	sort.Slice(listResp.Contents, func(i, j int) bool {
		return *listResp.Contents[i].Key < *listResp.Contents[j].Key
	})

	var content bytes.Buffer
	for _, obj := range listResp.Contents {
		resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(a.bucket), Key: obj.Key})
		if err != nil {
			a.log.Warn("transcript chunk read failed", "key", *obj.Key, "error", err)
			continue
		}
		_, _ = io.Copy(&content, resp.Body)
		resp.Body.Close()
	}
	return io.NopCloser(&content), nil
}

// Close stops the flush loop. Any buffered-but-unflushed messages are
// lost — callers that need every message durable should call Finalize
// for each in-flight job before Close.
func (a *R2Archive) Close() error {
	close(a.done)
	a.wg.Wait()
	return nil
}

func chunkKey(jobID string, idx int) string {
	return fmt.Sprintf("transcripts/%s/chunk_%03d.log", jobID, idx)
}

func finalKey(jobID string) string {
	return fmt.Sprintf("transcripts/%s/final.log", jobID)
}

type gzipReadCloser struct {
	gr         *gzip.Reader
	underlying io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gr.Read(p) }

func (g *gzipReadCloser) Close() error {
	g.gr.Close()
	return g.underlying.Close()
}
