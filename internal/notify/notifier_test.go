package notify

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/daymon/internal/runner"
	"github.com/nextlevelbuilder/daymon/internal/store"
)

type fakeHub struct {
	mu     sync.Mutex
	events []string
}

func (h *fakeHub) Publish(event string, _ any) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
}

type capture struct {
	titles   []string
	messages []string
}

func newTestNotifier(t *testing.T) (*Notifier, *store.Store, *fakeHub, *capture) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hub := &fakeHub{}
	rec := &capture{}
	n := New(st, hub)
	n.desktop = func(title, message string) error {
		rec.titles = append(rec.titles, title)
		rec.messages = append(rec.messages, message)
		return nil
	}
	return n, st, hub, rec
}

func taskWithConfig(t *testing.T, st *store.Store, cfg string) *store.Task {
	t.Helper()
	task, err := st.CreateTask(store.TaskParams{
		Name:        "digest",
		Prompt:      "do it",
		TriggerType: store.TriggerManual,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if cfg != "" {
		patch := store.TaskPatch{TriggerConfig: &cfg}
		if _, err := st.UpdateTask(task.ID, patch); err != nil {
			t.Fatalf("set trigger config: %v", err)
		}
		task, _ = st.GetTask(task.ID)
	}
	return task
}

func TestCompletedPublishesAndNudges(t *testing.T) {
	n, st, hub, rec := newTestNotifier(t)
	task := taskWithConfig(t, st, "")

	n.TaskCompleted(task, runner.Outcome{Success: true, Output: "all good", Duration: 2 * time.Second})

	if len(hub.events) != 1 || hub.events[0] != EventTaskComplete {
		t.Errorf("hub events = %v", hub.events)
	}
	if len(rec.titles) != 1 || rec.titles[0] != "Daymon: digest" {
		t.Errorf("desktop titles = %v", rec.titles)
	}
	if rec.messages[0] != "all good" {
		t.Errorf("desktop message = %q", rec.messages[0])
	}
}

func TestNotificationsDisabledStillPublishesSSE(t *testing.T) {
	n, st, hub, rec := newTestNotifier(t)
	task := taskWithConfig(t, st, "")
	if err := st.SetSetting(store.SettingNotificationsEnabled, "false"); err != nil {
		t.Fatal(err)
	}

	n.TaskCompleted(task, runner.Outcome{Success: true})
	n.TaskFailed(task, runner.Outcome{ErrorMessage: "Exit code 1: boom"})

	if len(hub.events) != 2 {
		t.Errorf("hub events = %v, want both", hub.events)
	}
	if len(rec.titles) != 0 {
		t.Errorf("desktop nudges = %v, want none", rec.titles)
	}
}

func TestNudgeModeFailureOnly(t *testing.T) {
	n, st, _, rec := newTestNotifier(t)
	task := taskWithConfig(t, st, `{"nudge_mode":"failure_only"}`)

	n.TaskCompleted(task, runner.Outcome{Success: true})
	if len(rec.titles) != 0 {
		t.Errorf("completion nudged under failure_only: %v", rec.titles)
	}

	n.TaskFailed(task, runner.Outcome{ErrorMessage: "Exit code 1: boom"})
	if len(rec.titles) != 1 || rec.titles[0] != "Daymon: digest failed" {
		t.Errorf("failure nudge = %v", rec.titles)
	}
}

func TestNudgeModeNeverSilencesFailures(t *testing.T) {
	n, st, hub, rec := newTestNotifier(t)
	task := taskWithConfig(t, st, `{"nudge_mode":"never"}`)

	n.TaskFailed(task, runner.Outcome{ErrorMessage: "Exit code 1: boom"})
	if len(rec.titles) != 0 {
		t.Errorf("nudged under never: %v", rec.titles)
	}
	if len(hub.events) != 1 {
		t.Errorf("hub events = %v, SSE should still fire", hub.events)
	}
}

func TestNudgeModeDefaultFromSettings(t *testing.T) {
	n, st, _, rec := newTestNotifier(t)
	if err := st.SetSetting(store.SettingDefaultNudgeMode, NudgeFailureOnly); err != nil {
		t.Fatal(err)
	}

	// Garbage config falls through to the settings default.
	task := taskWithConfig(t, st, `not json`)
	n.TaskCompleted(task, runner.Outcome{Success: true})
	if len(rec.titles) != 0 {
		t.Errorf("completion nudged, want failure_only default: %v", rec.titles)
	}
}

func TestQuietHoursGateCompletionsOnly(t *testing.T) {
	n, st, _, rec := newTestNotifier(t)
	task := taskWithConfig(t, st, "")
	if err := st.SetSetting(store.SettingQuietHoursFrom, "00:00"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSetting(store.SettingQuietHoursUntil, "23:59"); err != nil {
		t.Fatal(err)
	}
	n.now = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.Local) }

	n.TaskCompleted(task, runner.Outcome{Success: true})
	if len(rec.titles) != 0 {
		t.Errorf("completion nudged inside quiet hours: %v", rec.titles)
	}

	n.TaskFailed(task, runner.Outcome{ErrorMessage: "Exit code 1: boom"})
	if len(rec.titles) != 1 {
		t.Errorf("failure should ignore quiet hours: %v", rec.titles)
	}
}

func TestInWindow(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 14, h, m, 0, 0, time.Local)
	}
	cases := []struct {
		name        string
		from, until string
		now         time.Time
		want        bool
	}{
		{"inside simple window", "09:00", "17:00", at(12, 30), true},
		{"before simple window", "09:00", "17:00", at(8, 59), false},
		{"at end exclusive", "09:00", "17:00", at(17, 0), false},
		{"at start inclusive", "09:00", "17:00", at(9, 0), true},
		{"wraps midnight, late evening", "22:00", "07:00", at(23, 15), true},
		{"wraps midnight, early morning", "22:00", "07:00", at(6, 59), true},
		{"wraps midnight, daytime", "22:00", "07:00", at(12, 0), false},
		{"unset window", "", "", at(12, 0), false},
		{"malformed from", "25:00", "07:00", at(23, 0), false},
		{"malformed until", "22:00", "7pm", at(23, 0), false},
		{"zero-length window", "09:00", "09:00", at(9, 0), false},
	}
	for _, c := range cases {
		if got := inWindow(c.now, c.from, c.until); got != c.want {
			t.Errorf("%s: inWindow(%v, %q, %q) = %v, want %v",
				c.name, c.now.Format("15:04"), c.from, c.until, got, c.want)
		}
	}
}

func TestExcerptCaps(t *testing.T) {
	long := make([]byte, maxExcerptChars+50)
	for i := range long {
		long[i] = 'x'
	}
	got := excerpt(string(long))
	if len([]rune(got)) != maxExcerptChars+1 {
		t.Errorf("excerpt length = %d", len([]rune(got)))
	}
	if excerpt("short") != "short" {
		t.Error("short strings must pass through")
	}
}
