package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a requested question does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEmptyAnswer is returned when an answer is blank after trimming.
	ErrEmptyAnswer = errors.New("answer is empty")
)

// UnknownPhone is stored when the caller's number is not available.
const UnknownPhone = "unknown"

// Status is the lifecycle state of a question record.
type Status int

const (
	StatusPending Status = iota
	StatusAnswered
)

func (s Status) String() string {
	if s == StatusAnswered {
		return "answered"
	}
	return "pending"
}

// InsertResult reports whether Insert created a new record.
type InsertResult int

const (
	Created InsertResult = iota
	AlreadyExists
)

// QuestionRecord is a caller question escalated to a human.
type QuestionRecord struct {
	ID          string    `json:"id,omitempty"`
	Question    string    `json:"question"`
	Answer      string    `json:"answer"`
	Status      Status    `json:"-"`
	UpdatedAt   time.Time `json:"timestamp"`
	CallerPhone string    `json:"caller_phone"`
	// Delivered is set once the caller has received the answer, either live
	// during the call or out of band. It is never cleared.
	Delivered bool `json:"delivered"`
}

// Answered reports whether the record carries a usable answer.
func (r QuestionRecord) Answered() bool {
	return r.Status == StatusAnswered && strings.TrimSpace(r.Answer) != ""
}

// AnsweredFilter narrows Answered results. A nil Delivered matches both.
type AnsweredFilter struct {
	Delivered *bool
}

func (f AnsweredFilter) match(r QuestionRecord) bool {
	return f.Delivered == nil || *f.Delivered == r.Delivered
}

// Stats summarizes the record table.
type Stats struct {
	Total      int `json:"total"`
	Answered   int `json:"answered"`
	Unanswered int `json:"unanswered"`
}

// RecordStore is the persisted table of escalated questions. Every method is
// atomic on its own; callers must not assume atomicity across two calls.
type RecordStore interface {
	Exists(ctx context.Context, question string) (bool, error)
	Insert(ctx context.Context, question, callerPhone string) (InsertResult, error)
	Pending(ctx context.Context) ([]QuestionRecord, error)
	Answered(ctx context.Context, filter AnsweredFilter) ([]QuestionRecord, error)
	PeekAnswer(ctx context.Context, question string) (string, bool, error)
	MarkAnswered(ctx context.Context, question string, delivered bool) (bool, error)
	SetAnswer(ctx context.Context, question, answer string) error
	MarkDelivered(ctx context.Context, question string) (bool, error)
	IsDelivered(ctx context.Context, question string) (bool, error)
	Delete(ctx context.Context, question string) error
	DeleteAnswered(ctx context.Context, questions []string) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// NormalizeQuestion returns the identity key of a question: case folded and
// trimmed of surrounding whitespace.
func NormalizeQuestion(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

func normalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return UnknownPhone
	}
	return phone
}

// needsNotify reports whether a record that was not yet delivered has
// everything an out-of-band notification requires.
func needsNotify(priorDelivered bool, phone, answer string) bool {
	return !priorDelivered && phone != "" && strings.TrimSpace(answer) != ""
}
