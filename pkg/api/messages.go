package api

type (
	// HealthResponse provides service health information
	HealthResponse struct {
		Checks  map[string]bool `json:"checks"`
		Service string          `json:"service"`
		Version string          `json:"version"`
		Status  string          `json:"status"`
	}

	// MessageResponse carries a human readable outcome
	MessageResponse struct {
		Message string `json:"message"`
	}

	// StepRegisteredResponse is returned when a step is registered
	StepRegisteredResponse struct {
		Step    *Step  `json:"step"`
		Message string `json:"message"`
	}

	// StepsListResponse contains a list of registered steps
	StepsListResponse struct {
		Steps []*Step `json:"steps"`
		Count int     `json:"count"`
	}

	// QueueMetricsResponse reports metrics for every known topic
	QueueMetricsResponse struct {
		Topics map[Topic]*QueueMetrics `json:"topics"`
	}

	// DeadLettersResponse lists the dead letters of one topic + subscriber
	DeadLettersResponse struct {
		Topic       Topic         `json:"topic"`
		Subscriber  string        `json:"subscriber"`
		DeadLetters []*DeadLetter `json:"dead_letters"`
		Count       int           `json:"count"`
	}

	// ReplayResponse reports how many dead letters were republished
	ReplayResponse struct {
		Replayed int `json:"replayed"`
	}

	// StateItemsRequest queries stored entries across groups
	StateItemsRequest struct {
		GroupID string         `json:"group_id,omitempty"`
		Filters []*StateFilter `json:"filters,omitempty"`
	}

	// StateItemsResponse holds the entries an items query matched
	StateItemsResponse struct {
		Items []*StateItem `json:"items"`
		Count int          `json:"count"`
	}

	// LocksResponse lists currently held scheduler locks
	LocksResponse struct {
		Locks   []*Lock `json:"locks"`
		Healthy bool    `json:"healthy"`
	}

	// StateGroupResponse lists the entries of one state group
	StateGroupResponse struct {
		GroupID string       `json:"group_id"`
		Items   []*StateItem `json:"items"`
		Count   int          `json:"count"`
	}

	// PublishResponse is returned when an event is accepted for delivery
	PublishResponse struct {
		ID      string  `json:"id"`
		TraceID TraceID `json:"trace_id"`
	}

	// ErrorResponse is the body of every failed HTTP request
	ErrorResponse struct {
		Error   string  `json:"error"`
		TraceID TraceID `json:"trace_id,omitempty"`
		Status  int     `json:"status"`
	}
)
