package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const entityColumns = `id, name, entity_type, category, embedded_at, created_at, updated_at`

// EntityPatch holds optional fields for a partial entity update.
type EntityPatch struct {
	Name     *string
	Type     *string
	Category *string
}

// CreateEntity inserts a memory graph node. Names are unique; creating an
// existing name returns the existing row.
func (s *Store) CreateEntity(name, entityType, category string) (*Entity, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("entity name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := Now()
	_, err := s.db.Exec(`INSERT OR IGNORE INTO entities (name, entity_type, category, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, name, entityType, category, now, now)
	if err != nil {
		return nil, fmt.Errorf("create entity: %w", err)
	}
	return s.getEntityByNameLocked(name)
}

// GetEntity returns an entity by id, or ErrNotFound.
func (s *Store) GetEntity(id int64) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	return scanEntity(row)
}

// GetEntityByName returns an entity by its unique name, or ErrNotFound.
func (s *Store) GetEntityByName(name string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEntityByNameLocked(name)
}

func (s *Store) getEntityByNameLocked(name string) (*Entity, error) {
	row := s.db.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE name = ?`, name)
	return scanEntity(row)
}

// ListEntities returns entities, optionally filtered by category, newest
// update first.
func (s *Store) ListEntities(category string) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + entityColumns + ` FROM entities`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// UpdateEntity applies a partial update and bumps updated_at.
func (s *Store) UpdateEntity(id int64, patch EntityPatch) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sets []string
	var args []any
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Type != nil {
		sets = append(sets, "entity_type = ?")
		args = append(args, *patch.Type)
	}
	if patch.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, *patch.Category)
	}
	if len(sets) == 0 {
		row := s.db.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
		return scanEntity(row)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, Now(), id)

	res, err := s.db.Exec(`UPDATE entities SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	return scanEntity(row)
}

// DeleteEntity removes an entity; observations, relations and embeddings
// cascade.
func (s *Store) DeleteEntity(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddObservation appends a note to an entity and bumps the entity's
// updated_at in the same transaction.
func (s *Store) AddObservation(entityID int64, content, source string) (*Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := Now()
	res, err := tx.Exec(`INSERT INTO observations (entity_id, content, source, created_at)
		VALUES (?, ?, ?, ?)`, entityID, content, source, now)
	if err != nil {
		return nil, fmt.Errorf("add observation: %w", err)
	}
	if _, err := tx.Exec(`UPDATE entities SET updated_at = ? WHERE id = ?`, now, entityID); err != nil {
		return nil, fmt.Errorf("add observation: touch entity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	id, _ := res.LastInsertId()
	return &Observation{ID: id, EntityID: entityID, Content: content, Source: source, CreatedAt: now}, nil
}

// GetObservation returns one observation by id, or ErrNotFound.
func (s *Store) GetObservation(id int64) (*Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var o Observation
	err := s.db.QueryRow(`SELECT id, entity_id, content, source, created_at
		FROM observations WHERE id = ?`, id).
		Scan(&o.ID, &o.EntityID, &o.Content, &o.Source, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get observation: %w", err)
	}
	return &o, nil
}

// ListObservations returns an entity's observations newest first (insertion
// order by id, not updated_at; pruning and context composition depend on
// this ordering). Limit 0 means all.
func (s *Store) ListObservations(entityID int64, limit int) ([]Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, entity_id, content, source, created_at
		FROM observations WHERE entity_id = ? ORDER BY id DESC`
	args := []any{entityID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	var obs []Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(&o.ID, &o.EntityID, &o.Content, &o.Source, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// DeleteObservation removes one observation.
func (s *Store) DeleteObservation(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM observations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete observation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneObservations keeps only the newest keep observations (by id) on an
// entity and deletes the rest.
func (s *Store) PruneObservations(entityID int64, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM observations WHERE entity_id = ? AND id NOT IN (
		SELECT id FROM observations WHERE entity_id = ? ORDER BY id DESC LIMIT ?)`,
		entityID, entityID, keep)
	if err != nil {
		return fmt.Errorf("prune observations: %w", err)
	}
	return nil
}

// AddRelation links two entities.
func (s *Store) AddRelation(fromID, toID int64, relationType string) (*Relation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := Now()
	res, err := s.db.Exec(`INSERT INTO relations (from_entity_id, to_entity_id, relation_type, created_at)
		VALUES (?, ?, ?, ?)`, fromID, toID, relationType, now)
	if err != nil {
		return nil, fmt.Errorf("add relation: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Relation{ID: id, FromEntityID: fromID, ToEntityID: toID, RelationType: relationType, CreatedAt: now}, nil
}

// GetRelation returns one relation by id, or ErrNotFound.
func (s *Store) GetRelation(id int64) (*Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r Relation
	err := s.db.QueryRow(`SELECT id, from_entity_id, to_entity_id, relation_type, created_at
		FROM relations WHERE id = ?`, id).
		Scan(&r.ID, &r.FromEntityID, &r.ToEntityID, &r.RelationType, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get relation: %w", err)
	}
	return &r, nil
}

// ListRelationsForEntity returns relations where the entity appears on
// either side.
func (s *Store) ListRelationsForEntity(entityID int64) ([]Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, from_entity_id, to_entity_id, relation_type, created_at
		FROM relations WHERE from_entity_id = ? OR to_entity_id = ? ORDER BY id`,
		entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer rows.Close()

	var rels []Relation
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.ID, &r.FromEntityID, &r.ToEntityID, &r.RelationType, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// DeleteRelation removes one relation.
func (s *Store) DeleteRelation(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM relations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete relation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureTaskMemoryEntity returns the task's memory entity, lazily creating
// "Task: <name>" (type task_result, category task) and linking it on first
// use.
func (s *Store) EnsureTaskMemoryEntity(task *Task) (*Entity, error) {
	if task.MemoryEntityID != nil {
		ent, err := s.GetEntity(*task.MemoryEntityID)
		if err == nil {
			return ent, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		// Dangling reference (entity deleted out from under us): recreate.
	}

	ent, err := s.CreateEntity("Task: "+task.Name, "task_result", "task")
	if err != nil {
		return nil, err
	}
	if err := s.SetTaskMemoryEntity(task.ID, ent.ID); err != nil {
		return nil, err
	}
	task.MemoryEntityID = &ent.ID
	return ent, nil
}

func collectEntities(rows *sql.Rows) ([]Entity, error) {
	var ents []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		ents = append(ents, *e)
	}
	return ents, rows.Err()
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var embeddedAt sql.NullString
	err := row.Scan(&e.ID, &e.Name, &e.Type, &e.Category, &embeddedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	e.EmbeddedAt = nullStr(embeddedAt)
	return &e, nil
}
