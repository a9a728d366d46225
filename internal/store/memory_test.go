package store

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

func TestEntityCreateDedup(t *testing.T) {
	s := newTestStore(t)

	first, err := s.CreateEntity("Project Atlas", "project", "work")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.CreateEntity("Project Atlas", "note", "other")
	if err != nil {
		t.Fatalf("create dup: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate name created new entity: %d vs %d", second.ID, first.ID)
	}
	if second.Type != "project" {
		t.Errorf("existing row should win, type = %q", second.Type)
	}
}

func TestObservationOrderAndPrune(t *testing.T) {
	s := newTestStore(t)
	ent, _ := s.CreateEntity("journal", "note", "personal")

	for i := 1; i <= 15; i++ {
		if _, err := s.AddObservation(ent.ID, fmt.Sprintf("entry %d", i), "test"); err != nil {
			t.Fatalf("add observation %d: %v", i, err)
		}
	}

	obs, err := s.ListObservations(ent.ID, 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(obs) != 5 {
		t.Fatalf("got %d, want 5", len(obs))
	}
	if obs[0].Content != "entry 15" || obs[4].Content != "entry 11" {
		t.Errorf("not newest first: %q ... %q", obs[0].Content, obs[4].Content)
	}

	if err := s.PruneObservations(ent.ID, 10); err != nil {
		t.Fatalf("prune: %v", err)
	}
	all, _ := s.ListObservations(ent.ID, 0)
	if len(all) != 10 {
		t.Fatalf("after prune: %d, want 10", len(all))
	}
	if all[len(all)-1].Content != "entry 6" {
		t.Errorf("oldest survivor = %q, want entry 6", all[len(all)-1].Content)
	}
}

func TestDeleteEntityCascades(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.CreateEntity("a", "note", "")
	b, _ := s.CreateEntity("b", "note", "")
	obs, _ := s.AddObservation(a.ID, "about a", "test")
	rel, _ := s.AddRelation(a.ID, b.ID, "relates_to")

	if err := s.DeleteEntity(a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetObservation(obs.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("observation survived cascade: %v", err)
	}
	if _, err := s.GetRelation(rel.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("relation survived cascade: %v", err)
	}
	if _, err := s.GetEntity(b.ID); err != nil {
		t.Errorf("unrelated entity lost: %v", err)
	}
}

func TestEnsureTaskMemoryEntity(t *testing.T) {
	s := newTestStore(t)
	task := mustCreateTask(t, s, TaskParams{Name: "digest", Prompt: "p"})

	ent, err := s.EnsureTaskMemoryEntity(task)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if ent.Name != "Task: digest" {
		t.Errorf("entity name = %q", ent.Name)
	}
	if ent.Type != "task_result" || ent.Category != "task" {
		t.Errorf("entity type/category = %q/%q", ent.Type, ent.Category)
	}

	got, _ := s.GetTask(task.ID)
	if got.MemoryEntityID == nil || *got.MemoryEntityID != ent.ID {
		t.Errorf("task not linked to entity")
	}

	again, err := s.EnsureTaskMemoryEntity(got)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again.ID != ent.ID {
		t.Errorf("second ensure created new entity")
	}

	// A deleted entity leaves a dangling reference that gets repaired.
	s.DeleteEntity(ent.ID)
	repaired, err := s.EnsureTaskMemoryEntity(got)
	if err != nil {
		t.Fatalf("ensure after delete: %v", err)
	}
	if repaired.ID == ent.ID {
		t.Errorf("expected a fresh entity after the old one was deleted")
	}
}

func TestSearchFTS(t *testing.T) {
	s := newTestStore(t)
	s.CreateEntity("kubernetes cluster notes", "note", "infra")
	s.CreateEntity("grocery list", "note", "personal")
	s.CreateEntity("cluster autoscaler research", "note", "infra")

	hits, err := s.SearchEntities("cluster", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	for _, h := range hits {
		if h.Score <= 0 {
			t.Errorf("hit %q score = %v, want > 0", h.Entity.Name, h.Score)
		}
	}

	// Updates propagate through the FTS triggers.
	ent, _ := s.GetEntityByName("grocery list")
	s.UpdateEntity(ent.ID, EntityPatch{Name: strPtr("cluster shopping")})
	hits, _ = s.SearchEntities("cluster", 10)
	if len(hits) != 3 {
		t.Errorf("after rename: %d hits, want 3", len(hits))
	}
	s.DeleteEntity(ent.ID)
	hits, _ = s.SearchEntities("cluster", 10)
	if len(hits) != 2 {
		t.Errorf("after delete: %d hits, want 2", len(hits))
	}
}

func TestSearchLikeFallback(t *testing.T) {
	s := newTestStore(t)
	s.CreateEntity("weird-name with:colons", "note", "")
	s.CreateEntity("plain", "note", "")

	// Metacharacters route to LIKE instead of erroring out of MATCH.
	hits, err := s.SearchEntities(`weird-name`, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Entity.Name != "weird-name with:colons" {
		t.Errorf("hit = %q", hits[0].Entity.Name)
	}

	if hits, _ := s.SearchEntities(`"quoted"`, 10); len(hits) != 0 {
		t.Errorf("quoted query should fall back to LIKE and find nothing, got %d", len(hits))
	}
}

func TestHybridSearch(t *testing.T) {
	s := newTestStore(t)
	alpha, _ := s.CreateEntity("release checklist", "note", "work")
	beta, _ := s.CreateEntity("release retrospective", "note", "work")
	gamma, _ := s.CreateEntity("vacation ideas", "note", "personal")

	// gamma never matches the text query but has a strong semantic score.
	semantic := []SemanticHit{
		{EntityID: gamma.ID, Score: 0.95},
		{EntityID: alpha.ID, Score: 0.10},
	}
	hits, err := s.HybridSearch("release", semantic, 10)
	if err != nil {
		t.Fatalf("hybrid: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}
	if hits[0].Entity.ID != gamma.ID {
		t.Errorf("semantic-only hit should rank first, got %q", hits[0].Entity.Name)
	}

	// alpha carries both signals so it must outrank beta (FTS only).
	var alphaScore, betaScore float64
	for _, h := range hits {
		switch h.Entity.ID {
		case alpha.ID:
			alphaScore = h.Score
		case beta.ID:
			betaScore = h.Score
		}
	}
	if alphaScore <= betaScore {
		t.Errorf("fused score: alpha %v should beat beta %v", alphaScore, betaScore)
	}

	// Without semantic input the fusion degenerates to FTS order.
	hits, err = s.HybridSearch("release", nil, 10)
	if err != nil {
		t.Fatalf("hybrid without semantic: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits, want 2", len(hits))
	}

	// Semantic hits for rows deleted since scoring are skipped.
	s.DeleteEntity(gamma.ID)
	hits, err = s.HybridSearch("release", semantic, 10)
	if err != nil {
		t.Fatalf("hybrid with stale semantic: %v", err)
	}
	for _, h := range hits {
		if h.Entity.ID == gamma.ID {
			t.Errorf("deleted entity leaked into results")
		}
	}
}

func TestValidateFtsQuery(t *testing.T) {
	valid := []string{"hello", "two words", "under_score", "abc123", "日本語"}
	invalid := []string{"", `"quote"`, "star*", "col:on", "dash-ed", "paren("}
	for _, q := range valid {
		if !validateFtsQuery(q) {
			t.Errorf("validateFtsQuery(%q) = false, want true", q)
		}
	}
	for _, q := range invalid {
		if validateFtsQuery(q) {
			t.Errorf("validateFtsQuery(%q) = true, want false", q)
		}
	}
}

func TestEmbeddingUpsert(t *testing.T) {
	s := newTestStore(t)
	ent, _ := s.CreateEntity("doc", "note", "")

	vec := EncodeVector([]float32{0.1, 0.2, 0.3})
	emb := Embedding{
		EntityID: ent.ID, SourceType: "entity", SourceID: ent.ID,
		TextHash: "h1", Vector: vec, Model: "nomic-embed-text", Dimensions: 3,
	}
	if err := s.UpsertEmbedding(emb); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, _ := s.GetEntity(ent.ID)
	if got.EmbeddedAt == nil {
		t.Error("embedded_at not stamped")
	}

	// Re-upserting the same key replaces, not duplicates.
	emb.TextHash = "h2"
	emb.Vector = EncodeVector([]float32{0.9, 0.9, 0.9})
	if err := s.UpsertEmbedding(emb); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	all, _ := s.GetEmbeddingsForEntity(ent.ID)
	if len(all) != 1 {
		t.Fatalf("got %d embeddings, want 1", len(all))
	}
	if all[0].TextHash != "h2" {
		t.Errorf("text hash = %q, want h2", all[0].TextHash)
	}

	if err := s.DeleteEmbeddingsForEntity(ent.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = s.GetEntity(ent.ID)
	if got.EmbeddedAt != nil {
		t.Error("embedded_at not cleared")
	}

	pending, _ := s.ListUnembeddedEntities(10)
	if len(pending) != 1 || pending[0].ID != ent.ID {
		t.Errorf("unembedded list = %+v", pending)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0, 1, -1, 0.5, 3.14159, -2.71828}
	out := DecodeVector(EncodeVector(in))
	if len(out) != len(in) {
		t.Fatalf("length %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: %v != %v", i, in[i], out[i])
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	if got := CosineSimilarity(a, a); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors: %v, want 1", got)
	}
	if got := CosineSimilarity(a, b); math.Abs(got) > 1e-9 {
		t.Errorf("orthogonal vectors: %v, want 0", got)
	}
	if got := CosineSimilarity(a, []float32{1, 0}); got != 0 {
		t.Errorf("mismatched lengths: %v, want 0", got)
	}
	if got := CosineSimilarity([]float32{0, 0}, []float32{0, 0}); got != 0 {
		t.Errorf("zero vectors: %v, want 0", got)
	}
}
