package rediskeys

import (
	"fmt"
	"time"
)

const (
	RateLimitPrefix = "ratelimit:"
	QueuePrefix     = "queue:"
)

const (
	// FailedJobTTL bounds how long a terminally failed job stays inspectable.
	FailedJobTTL = 14 * 24 * time.Hour
)

// RateLimitKey returns the sorted set holding admission markers for one
// identity and window, e.g. "ratelimit:u1:second".
func RateLimitKey(identity, window string) string {
	return RateLimitPrefix + identity + ":" + window
}

// Queue holds the precomputed keys for a queue name. The name is wrapped in a
// hash tag so every key of one queue lands in the same cluster slot, which the
// queue scripts rely on when they derive job keys from a prefix.
type Queue struct {
	Name         string
	Waiting      string
	Leased       string
	Failed       string
	Seq          string
	JobPrefix    string
	WorkerPrefix string
}

func For(name string) Queue {
	prefix := QueuePrefix + "{" + name + "}:"
	return Queue{
		Name:         name,
		Waiting:      prefix + "waiting",
		Leased:       prefix + "leased",
		Failed:       prefix + "failed",
		Seq:          prefix + "seq",
		JobPrefix:    prefix + "job:",
		WorkerPrefix: prefix + "worker:",
	}
}

func (q Queue) Job(id string) string {
	return q.JobPrefix + id
}

func (q Queue) Worker(workerID string) string {
	return q.WorkerPrefix + workerID
}

// WaitingMember builds the waiting-set member for a job. The zero padded
// sequence keeps members with equal scores in insertion order.
func WaitingMember(seq int64, jobID string) string {
	return fmt.Sprintf("%020d:%s", seq, jobID)
}
