package api

import (
	"errors"
	"time"

	"github.com/kode4food/switchyard/pkg/util"
)

type (
	// QueueType selects standard or strict FIFO delivery
	QueueType string

	// QueueConfig tunes a queue subscription. Zero fields inherit the host
	// defaults
	QueueConfig struct {
		Type                QueueType `json:"type,omitempty" yaml:"type,omitempty"`
		MessageGroupField   string    `json:"message_group_field,omitempty" yaml:"message_group_field,omitempty"`
		ConsumerGroup       string    `json:"consumer_group,omitempty" yaml:"consumer_group,omitempty"`
		BackoffType         string    `json:"backoff_type,omitempty" yaml:"backoff_type,omitempty"`
		Concurrency         int       `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
		MaxRetries          int       `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
		VisibilityTimeoutMs int64     `json:"visibility_timeout_ms,omitempty" yaml:"visibility_timeout_ms,omitempty"`
		DelayMs             int64     `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
		InitBackoffMs       int64     `json:"init_backoff_ms,omitempty" yaml:"init_backoff_ms,omitempty"`
		MaxBackoffMs        int64     `json:"max_backoff_ms,omitempty" yaml:"max_backoff_ms,omitempty"`
	}

	// QueueMetrics reports per-topic delivery counters
	QueueMetrics struct {
		QueueDepth      int   `json:"queue_depth"`
		ProcessingCount int   `json:"processing_count"`
		Retried         int64 `json:"retried"`
		DeadLettered    int64 `json:"dead_lettered"`
	}

	// DeadLetter preserves an event that exhausted its retries, together
	// with the failure that ended it
	DeadLetter struct {
		Event      *Event    `json:"original_event"`
		FailedAt   time.Time `json:"failure_timestamp"`
		ID         string    `json:"id"`
		Topic      Topic     `json:"topic"`
		Subscriber string    `json:"subscriber"`
		Error      string    `json:"failure_reason"`
		Attempts   int       `json:"attempts_made"`
	}
)

const (
	QueueStandard QueueType = "standard"
	QueueFIFO     QueueType = "fifo"

	BackoffTypeFixed       = "fixed"
	BackoffTypeLinear      = "linear"
	BackoffTypeExponential = "exponential"

	// NoRetries disables redelivery for a subscription; zero inherits the
	// host default instead
	NoRetries = -1

	// GroupByTraceID derives the message group from the event's trace id
	GroupByTraceID = "traceId"
)

var (
	ErrInvalidQueueType   = errors.New("invalid queue type")
	ErrInvalidBackoffType = errors.New("invalid backoff type")
	ErrNegativeQueueValue = errors.New("queue settings cannot be negative")
	ErrMaxBackoffTooSmall = errors.New(
		"max_backoff_ms must be >= init_backoff_ms",
	)
)

var (
	validQueueTypes = util.SetOf(QueueStandard, QueueFIFO)

	validBackoffTypes = util.SetOf(
		BackoffTypeFixed,
		BackoffTypeLinear,
		BackoffTypeExponential,
	)
)

// Validate checks ranges and enumerations of an explicit queue config
func (c *QueueConfig) Validate() error {
	if c.Type != "" && !validQueueTypes.Contains(c.Type) {
		return ErrInvalidQueueType
	}
	if c.BackoffType != "" && !validBackoffTypes.Contains(c.BackoffType) {
		return ErrInvalidBackoffType
	}
	if c.Concurrency < 0 || c.MaxRetries < NoRetries ||
		c.VisibilityTimeoutMs < 0 || c.DelayMs < 0 ||
		c.InitBackoffMs < 0 || c.MaxBackoffMs < 0 {
		return ErrNegativeQueueValue
	}
	if c.MaxBackoffMs != 0 && c.MaxBackoffMs < c.InitBackoffMs {
		return ErrMaxBackoffTooSmall
	}
	return nil
}

// IsValidBackoffType reports whether name is a known backoff curve
func IsValidBackoffType(name string) bool {
	return validBackoffTypes.Contains(name)
}

// GroupIDFor derives the message group id for an event under this config.
// FIFO queues without an explicit field group by trace id
func (c *QueueConfig) GroupIDFor(e *Event) string {
	if e.MessageGroupID != "" {
		return e.MessageGroupID
	}
	field := c.MessageGroupField
	if field == "" && c.Type == QueueFIFO {
		field = GroupByTraceID
	}
	switch field {
	case "":
		return ""
	case GroupByTraceID:
		return string(e.TraceID)
	}
	if m, ok := e.Data.(map[string]any); ok {
		if v, ok := m[field]; ok && v != nil {
			return stringify(v)
		}
	}
	return ""
}
