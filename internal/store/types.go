package store

// Task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
	TaskError     = "error"
)

// Task trigger types.
const (
	TriggerCron   = "cron"
	TriggerOnce   = "once"
	TriggerManual = "manual"
)

// TaskRun statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Console log entry types.
const (
	ConsoleToolCall      = "tool_call"
	ConsoleAssistantText = "assistant_text"
	ConsoleToolResult    = "tool_result"
	ConsoleResult        = "result"
	ConsoleError         = "error"
)

// Watch statuses.
const (
	WatchActive = "active"
	WatchPaused = "paused"
)

// Task is a persisted unit of scheduled work.
type Task struct {
	ID                int64
	Name              string
	Description       string
	Prompt            string
	Executor          string
	Status            string
	TriggerType       string
	CronExpression    *string
	ScheduledAt       *string
	TriggerConfig     *string // opaque to the core; presentation parses it
	LastRun           *string
	LastResult        *string
	ErrorCount        int
	MaxRuns           *int
	RunCount          int
	MemoryEntityID    *int64
	WorkerID          *int64
	SessionContinuity bool
	SessionID         *string
	TimeoutMinutes    *int
	CreatedAt         string
	UpdatedAt         string
}

// TaskRun is one execution attempt of a task.
type TaskRun struct {
	ID              int64
	TaskID          int64
	StartedAt       string
	FinishedAt      *string
	Status          string
	Result          string
	ResultFile      *string
	ErrorMessage    *string
	DurationMS      *int64
	SessionID       *string
	Progress        *float64 // nil = indeterminate
	ProgressMessage *string
}

// ConsoleLog is one parsed executor event attached to a run.
type ConsoleLog struct {
	ID        int64
	RunID     int64
	Seq       int
	EntryType string
	Content   string
	CreatedAt string
}

// Entity is a node in the memory graph.
type Entity struct {
	ID         int64
	Name       string
	Type       string
	Category   string
	EmbeddedAt *string
	CreatedAt  string
	UpdatedAt  string
}

// Observation is a free-text note attached to an entity.
type Observation struct {
	ID        int64
	EntityID  int64
	Content   string
	Source    string
	CreatedAt string
}

// Relation links two entities.
type Relation struct {
	ID           int64
	FromEntityID int64
	ToEntityID   int64
	RelationType string
	CreatedAt    string
}

// Embedding is a stored vector for an entity or observation.
type Embedding struct {
	ID         int64
	EntityID   int64
	SourceType string // "entity" or "observation"
	SourceID   int64
	TextHash   string
	Vector     []byte // little-endian float32s, see EncodeVector
	Model      string
	Dimensions int
	CreatedAt  string
}

// Watch is a filesystem-change trigger.
type Watch struct {
	ID            int64
	Path          string
	Description   string
	ActionPrompt  string
	Status        string
	LastTriggered *string
	TriggerCount  int
	CreatedAt     string
	UpdatedAt     string
}

// Worker is a named system prompt with an optional model override.
type Worker struct {
	ID           int64
	Name         string
	SystemPrompt string
	Description  string
	Model        string
	IsDefault    bool
	TaskCount    int
	CreatedAt    string
	UpdatedAt    string
}

// SearchHit is one ranked entity from FTS, LIKE fallback, or hybrid search.
type SearchHit struct {
	Entity Entity
	Score  float64
}

// SemanticHit is a pre-computed cosine-similarity result fed into
// HybridSearch by the caller (the embedding engine lives outside the store).
type SemanticHit struct {
	EntityID int64
	Score    float64
}
