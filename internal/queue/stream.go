// Package queue moves work through redis streams: inbound user messages,
// knowledge indexing jobs and outbound replies. It also hosts the per-sender
// rate limiter and inbound deduplication.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StreamInbound  = "herobot:inbound"
	StreamIndex    = "herobot:index"
	StreamOutbound = "herobot:outbound"
)

// InboundJob is one user message awaiting processing.
type InboundJob struct {
	JobID      string    `json:"job_id"`
	BotID      int64     `json:"bot_id"`
	SessionID  string    `json:"session_id"`
	Sender     string    `json:"sender,omitempty"`
	Channel    string    `json:"channel"`
	Text       string    `json:"text"`
	MediaData  string    `json:"media_data,omitempty"`
	MediaMime  string    `json:"media_mime,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

// IndexJob asks the worker to (re)index one knowledge source.
type IndexJob struct {
	JobID       string    `json:"job_id"`
	KnowledgeID int64     `json:"knowledge_id"`
	BotID       int64     `json:"bot_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Attempts    int       `json:"attempts"`
}

// OutboundReply is a processed answer ready for channel delivery.
type OutboundReply struct {
	JobID         string `json:"job_id"`
	BotID         int64  `json:"bot_id"`
	SessionID     string `json:"session_id"`
	Channel       string `json:"channel"`
	Text          string `json:"text"`
	Transcription string `json:"transcription,omitempty"`
	Error         string `json:"error,omitempty"`
}

// StreamQueue is a consumer-group backed redis stream carrying one JSON
// payload per entry.
type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

type Message struct {
	ID      string
	Payload []byte
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, job any) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	id, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	out := make([]Message, 0)
	for _, s := range res {
		for _, m := range s.Messages {
			raw, ok := m.Values["payload"]
			if !ok {
				continue
			}
			var b []byte
			switch v := raw.(type) {
			case string:
				b = []byte(v)
			case []byte:
				b = v
			default:
				continue
			}
			out = append(out, Message{ID: m.ID, Payload: b})
		}
	}
	return out, nil
}

func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}

// Publisher appends outbound replies for channel connectors to deliver.
// Connectors consume with their own groups, so no group management here.
type Publisher struct {
	redis  *redis.Client
	stream string
}

func NewPublisher(rdb *redis.Client, stream string) *Publisher {
	return &Publisher{redis: rdb, stream: stream}
}

func (p *Publisher) Publish(ctx context.Context, reply OutboundReply) (string, error) {
	payload, err := json.Marshal(reply)
	if err != nil {
		return "", fmt.Errorf("marshal reply: %w", err)
	}
	id, err := p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish reply: %w", err)
	}
	return id, nil
}

func NewJobID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("job-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
