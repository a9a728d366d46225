package runner

import (
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/daymon/internal/store"
)

const (
	ownObservationCount     = 5
	relatedEntityCount      = 5
	relatedObservationCount = 3
)

// composePrompt prepends memory context to the task's prompt. A full context
// carries the task's own history plus cross-task knowledge; a continued
// session gets only the cross-task part, since its own history already lives
// in the session.
func composePrompt(st *store.Store, task *store.Task, full bool) string {
	memCtx := memoryContext(st, task, full)
	if memCtx == "" {
		return task.Prompt
	}
	return memCtx + "\n\n---\n\n" + task.Prompt
}

func memoryContext(st *store.Store, task *store.Task, full bool) string {
	var sections []string

	if full {
		if own := ownHistory(st, task); own != "" {
			sections = append(sections, own)
		}
	}
	if related := relatedKnowledge(st, task); related != "" {
		sections = append(sections, related)
	}
	return strings.Join(sections, "\n\n")
}

func ownHistory(st *store.Store, task *store.Task) string {
	if task.MemoryEntityID == nil {
		return ""
	}
	obs, err := st.ListObservations(*task.MemoryEntityID, ownObservationCount)
	if err != nil {
		slog.Warn("runner: own history read failed", "task_id", task.ID, "error", err)
		return ""
	}
	if len(obs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Your previous results:\n")
	for _, o := range obs {
		b.WriteString("- ")
		b.WriteString(o.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// relatedKnowledge searches the memory graph with the task name's tokens and
// collects observations from up to relatedEntityCount foreign entities.
func relatedKnowledge(st *store.Store, task *store.Task) string {
	var tokens []string
	for _, tok := range strings.Fields(task.Name) {
		if len(tok) >= 2 {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) == 0 {
		return ""
	}

	seen := make(map[int64]struct{})
	var entities []store.Entity
	for _, tok := range tokens {
		hits, err := st.SearchEntities(tok, relatedEntityCount)
		if err != nil {
			slog.Warn("runner: related search failed", "token", tok, "error", err)
			continue
		}
		for _, h := range hits {
			if task.MemoryEntityID != nil && h.Entity.ID == *task.MemoryEntityID {
				continue
			}
			if _, dup := seen[h.Entity.ID]; dup {
				continue
			}
			seen[h.Entity.ID] = struct{}{}
			entities = append(entities, h.Entity)
		}
	}
	if len(entities) > relatedEntityCount {
		entities = entities[:relatedEntityCount]
	}

	var b strings.Builder
	for _, ent := range entities {
		obs, err := st.ListObservations(ent.ID, relatedObservationCount)
		if err != nil || len(obs) == 0 {
			continue
		}
		b.WriteString("\n### ")
		b.WriteString(ent.Name)
		b.WriteString("\n")
		for _, o := range obs {
			b.WriteString("- ")
			b.WriteString(o.Content)
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "## Related knowledge:\n" + strings.TrimRight(b.String(), "\n")
}
