package domain

import "time"

// Request is one unit of help-request work moving through the pipeline.
type Request struct {
	ID              string
	Title           string
	Text            string
	Location        string
	Contact         string
	Stage           Stage
	Status          Status
	Payload         Payload
	RetryCount      int
	LastError       string
	Version         int
	CancelRequested bool
	ResumeAfter     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Terminal reports whether the request has reached a final stage.
func (r *Request) Terminal() bool {
	return r.Stage == StageNotified || r.Stage == StageFailed
}

// NextStage returns the stage a successful execution advances to.
func (s Stage) NextStage() Stage {
	switch s {
	case StageReceived:
		return StageInterpreted
	case StageInterpreted:
		return StagePrioritized
	case StagePrioritized:
		return StageAssigned
	case StageAssigned:
		return StageNotified
	}
	return s
}

// Payload is the accumulated output of completed stages. Each stage
// writes its own section exactly once; later stages never rewrite
// earlier sections.
type Payload struct {
	Interpretation *Interpretation `json:"interpretation,omitempty"`
	Prioritization *Prioritization `json:"prioritization,omitempty"`
	Assignment     *Assignment     `json:"assignment,omitempty"`
	Notification   *Notification   `json:"notification,omitempty"`
}

// Interpretation is the structured reading of the raw request text.
type Interpretation struct {
	Needs       []string `json:"needs"`
	Urgency     Urgency  `json:"urgency"`
	RequestType string   `json:"request_type"`
	Location    string   `json:"location,omitempty"`
	Confidence  float64  `json:"confidence"`
}

// Prioritization is the reconciled priority decision.
type Prioritization struct {
	Tier    Urgency            `json:"tier"`
	Score   float64            `json:"score"`
	Factors map[string]float64 `json:"factors,omitempty"`
}

// AssignedResource records one committed reservation.
type AssignedResource struct {
	ReservationID string `json:"reservation_id"`
	ResourceType  string `json:"resource_type"`
	Location      string `json:"location"`
	Quantity      int    `json:"quantity"`
}

// Assignment is the outcome of the resource assignment stage.
type Assignment struct {
	Resources []AssignedResource `json:"resources"`
	Unfilled  []string           `json:"unfilled,omitempty"`
	Partial   bool               `json:"partial,omitempty"`
}

// Notification records who was notified about the request.
type Notification struct {
	Recipients []string `json:"recipients"`
}

// Apply merges a stage's output into the payload. Only the section
// belonging to the completing stage is ever set.
func (p *Payload) Apply(d PayloadDelta) {
	if d.Interpretation != nil {
		p.Interpretation = d.Interpretation
	}
	if d.Prioritization != nil {
		p.Prioritization = d.Prioritization
	}
	if d.Assignment != nil {
		p.Assignment = d.Assignment
	}
	if d.Notification != nil {
		p.Notification = d.Notification
	}
}

// PayloadDelta is the data a successful stage contributes.
type PayloadDelta struct {
	Interpretation *Interpretation
	Prioritization *Prioritization
	Assignment     *Assignment
	Notification   *Notification
}
