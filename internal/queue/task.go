package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task is a unit of background work. Attempt is 1 on the first delivery.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Attempt        int
	Delay          time.Duration
}

type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
	LastError   string `json:"last_error,omitempty"`
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

func (m taskMessage) encode() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// keyspace names the Redis keys for one queue prefix.
type keyspace string

func (k keyspace) ready(kind string) string {
	if k == "" {
		return "queue:" + kind
	}
	return fmt.Sprintf("%s:queue:%s", k, kind)
}

func (k keyspace) processing(kind string) string {
	if k == "" {
		return fmt.Sprintf("queue:%s:processing", kind)
	}
	return fmt.Sprintf("%s:%s:processing", k, kind)
}

func (k keyspace) dlq(kind string) string {
	if k == "" {
		return fmt.Sprintf("queue:%s:dlq", kind)
	}
	return fmt.Sprintf("%s:%s:dlq", k, kind)
}

func (k keyspace) dedup(kind, key string) string {
	if k == "" {
		return fmt.Sprintf("queue:dedup:%s:%s", kind, key)
	}
	return fmt.Sprintf("%s:dedup:%s:%s", k, kind, key)
}

// sanitizeKind accepts lower-case alphanumerics plus '-', '_' and ':'.
func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == ':':
		default:
			return ""
		}
	}
	return kind
}
