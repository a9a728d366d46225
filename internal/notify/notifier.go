// Package notify delivers task outcomes to the user through two sinks: OS
// desktop notifications (opt-out via settings) and the SSE hub consumed by
// the desktop shell. SSE events always fire; desktop nudges are gated by the
// per-task nudge mode and the global quiet hours.
package notify

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/nextlevelbuilder/daymon/internal/runner"
	"github.com/nextlevelbuilder/daymon/internal/store"
)

// Nudge modes.
const (
	NudgeAlways      = "always"
	NudgeFailureOnly = "failure_only"
	NudgeNever       = "never"
)

const maxExcerptChars = 200

// SSE event names.
const (
	EventTaskComplete = "task:complete"
	EventTaskFailed   = "task:failed"
)

// Broadcaster is the SSE hub's publishing side.
type Broadcaster interface {
	Publish(event string, payload any)
}

// Notifier fans task outcomes out to the desktop and the SSE hub.
type Notifier struct {
	store *store.Store
	hub   Broadcaster

	// desktop is swapped out in tests.
	desktop func(title, message string) error
	now     func() time.Time
}

func New(st *store.Store, hub Broadcaster) *Notifier {
	return &Notifier{
		store: st,
		hub:   hub,
		desktop: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		now: time.Now,
	}
}

// SetBroadcaster wires the SSE hub in after construction. The notifier is
// built before the HTTP server that owns the hub; call this before any task
// outcomes flow.
func (n *Notifier) SetBroadcaster(h Broadcaster) {
	n.hub = h
}

// TaskCompleted reports a successful run.
func (n *Notifier) TaskCompleted(task *store.Task, outcome runner.Outcome) {
	if n.hub != nil {
		n.hub.Publish(EventTaskComplete, map[string]any{
			"task_id":     task.ID,
			"task_name":   task.Name,
			"output":      excerpt(outcome.Output),
			"duration_ms": outcome.Duration.Milliseconds(),
		})
	}

	if !n.nudgesEnabled() {
		return
	}
	if n.nudgeMode(task) != NudgeAlways {
		return
	}
	if n.inQuietHours(n.now()) {
		slog.Debug("notify: completion nudge suppressed by quiet hours", "task_id", task.ID)
		return
	}
	n.send("Daymon: "+task.Name, excerpt(outcome.Output))
}

// TaskFailed reports a failed run. Quiet hours do not apply; only nudge mode
// "never" silences failures.
func (n *Notifier) TaskFailed(task *store.Task, outcome runner.Outcome) {
	if n.hub != nil {
		n.hub.Publish(EventTaskFailed, map[string]any{
			"task_id":   task.ID,
			"task_name": task.Name,
			"error":     outcome.ErrorMessage,
		})
	}

	if !n.nudgesEnabled() {
		return
	}
	if n.nudgeMode(task) == NudgeNever {
		return
	}
	n.send("Daymon: "+task.Name+" failed", excerpt(outcome.ErrorMessage))
}

func (n *Notifier) send(title, message string) {
	if err := n.desktop(title, message); err != nil {
		slog.Warn("notify: desktop notification failed", "error", err)
	}
}

func (n *Notifier) nudgesEnabled() bool {
	return n.store.GetSettingBool(store.SettingNotificationsEnabled, true)
}

// nudgeMode reads the per-task mode from trigger_config when it parses as
// JSON with a nudge_mode field; the store treats the column as opaque, so a
// parse failure just means the global default applies.
func (n *Notifier) nudgeMode(task *store.Task) string {
	fallback := n.store.GetSetting(store.SettingDefaultNudgeMode, NudgeAlways)
	if task.TriggerConfig == nil {
		return fallback
	}
	var cfg struct {
		NudgeMode string `json:"nudge_mode"`
	}
	if err := json.Unmarshal([]byte(*task.TriggerConfig), &cfg); err != nil {
		return fallback
	}
	switch cfg.NudgeMode {
	case NudgeAlways, NudgeFailureOnly, NudgeNever:
		return cfg.NudgeMode
	}
	return fallback
}

func (n *Notifier) inQuietHours(now time.Time) bool {
	from := n.store.GetSetting(store.SettingQuietHoursFrom, "")
	until := n.store.GetSetting(store.SettingQuietHoursUntil, "")
	return inWindow(now, from, until)
}

// inWindow reports whether now's local wall-clock time falls inside the
// [from, until) window. Windows may wrap midnight ("22:00" to "07:00").
func inWindow(now time.Time, from, until string) bool {
	start, ok1 := parseClock(from)
	end, ok2 := parseClock(until)
	if !ok1 || !ok2 || start == end {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func parseClock(s string) (int, bool) {
	var h, m int
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	for _, c := range s[:2] {
		if c < '0' || c > '9' {
			return 0, false
		}
		h = h*10 + int(c-'0')
	}
	for _, c := range s[3:] {
		if c < '0' || c > '9' {
			return 0, false
		}
		m = m*10 + int(c-'0')
	}
	if h > 23 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func excerpt(s string) string {
	if len(s) <= maxExcerptChars {
		return s
	}
	return s[:maxExcerptChars] + "…"
}
