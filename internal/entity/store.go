package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/entity_layer/internal/core"
	"github.com/R3E-Network/entity_layer/internal/hooks"
	"github.com/R3E-Network/entity_layer/internal/metadata"
	"github.com/R3E-Network/entity_layer/internal/schema"
	"github.com/R3E-Network/entity_layer/pkg/logger"
	"github.com/R3E-Network/entity_layer/pkg/metrics"
)

// DefaultSaveTimeout bounds the wall clock of a single save.
const DefaultSaveTimeout = 30 * time.Second

// Store persists entities and their components.
type Store struct {
	db          *sqlx.DB
	registry    *metadata.Registry
	events      hooks.Emitter
	log         *logger.Logger
	metrics     *metrics.Metrics
	saveTimeout time.Duration
}

// NewStore creates an entity store. events may be nil when no hook
// dispatcher is wired.
func NewStore(db *sqlx.DB, registry *metadata.Registry, events hooks.Emitter, log *logger.Logger, m *metrics.Metrics) *Store {
	if log == nil {
		log = logger.NewDefault("entity-store")
	}
	return &Store{
		db:          db,
		registry:    registry,
		events:      events,
		log:         log,
		metrics:     m,
		saveTimeout: DefaultSaveTimeout,
	}
}

// SetSaveTimeout overrides the save wall-clock budget.
func (s *Store) SetSaveTimeout(d time.Duration) {
	if d > 0 {
		s.saveTimeout = d
	}
}

// NewEntity creates a fresh in-memory entity with a time-ordered id.
func (s *Store) NewEntity() *Entity {
	return &Entity{
		ID:         uuid.Must(uuid.NewV7()).String(),
		dirty:      true,
		components: make(map[string]*Component),
		removed:    make(map[string]*Component),
	}
}

// Add attaches a new component instance. The class must be registered and
// not already attached; use Set for upsert semantics.
func (s *Store) Add(ctx context.Context, e *Entity, className string, data map[string]any) (*Component, error) {
	typeID, ok := s.registry.ComponentTypeID(className)
	if !ok {
		return nil, core.NewNotFoundError("component", className)
	}
	if _, exists := e.components[typeID]; exists {
		return nil, fmt.Errorf("component %s already attached to entity %s: %w", className, e.ID, core.ErrConflict)
	}

	now := time.Now().UTC()
	comp := &Component{
		ID:        uuid.NewString(),
		EntityID:  e.ID,
		TypeID:    typeID,
		Name:      className,
		Data:      cloneData(data),
		CreatedAt: now,
		UpdatedAt: now,
		state:     stateAdded,
	}
	e.attach(comp)

	s.emit(ctx, hooks.Event{
		Kind:          hooks.ComponentAdded,
		EntityID:      e.ID,
		EntityTypeIDs: e.TypeIDs(),
		TypeID:        typeID,
		ComponentName: className,
		NewData:       cloneData(comp.Data),
		Timestamp:     now,
	})
	return comp, nil
}

// Set upserts a component: patches fields when the component is already
// attached, otherwise falls through to Add.
func (s *Store) Set(ctx context.Context, e *Entity, className string, data map[string]any) (*Component, error) {
	typeID, ok := s.registry.ComponentTypeID(className)
	if !ok {
		return nil, core.NewNotFoundError("component", className)
	}

	comp, exists := e.components[typeID]
	if !exists {
		return s.Add(ctx, e, className, data)
	}

	old := cloneData(comp.Data)
	for k, v := range data {
		comp.Data[k] = v
	}
	if comp.state == stateLoaded {
		comp.state = stateUpdated
	}
	comp.UpdatedAt = time.Now().UTC()
	e.dirty = true

	s.emit(ctx, hooks.Event{
		Kind:          hooks.ComponentUpdated,
		EntityID:      e.ID,
		EntityTypeIDs: e.TypeIDs(),
		TypeID:        typeID,
		ComponentName: className,
		OldData:       old,
		NewData:       cloneData(comp.Data),
		Timestamp:     comp.UpdatedAt,
	})
	return comp, nil
}

// Remove tombstones a component. The database row is deleted at the next
// Save, in the same transaction as any upserts.
func (s *Store) Remove(ctx context.Context, e *Entity, className string) error {
	typeID, ok := s.registry.ComponentTypeID(className)
	if !ok {
		return core.NewNotFoundError("component", className)
	}

	comp, exists := e.components[typeID]
	if !exists {
		// Not in memory; tombstone by type so a persisted row still gets
		// deleted at save time.
		comp = &Component{EntityID: e.ID, TypeID: typeID, Name: className}
	}
	old := cloneData(comp.Data)
	e.tombstone(comp)

	s.emit(ctx, hooks.Event{
		Kind:          hooks.ComponentRemoved,
		EntityID:      e.ID,
		EntityTypeIDs: e.TypeIDs(),
		TypeID:        typeID,
		ComponentName: className,
		OldData:       old,
		Timestamp:     time.Now().UTC(),
	})
	return nil
}

// Component returns the data of the named component, fetching the single
// row from its partition when it is not in memory. The fetched instance is
// cached on the entity.
func (s *Store) Component(ctx context.Context, e *Entity, className string) (map[string]any, error) {
	typeID, ok := s.registry.ComponentTypeID(className)
	if !ok {
		return nil, core.NewNotFoundError("component", className)
	}
	if comp, exists := e.components[typeID]; exists {
		return comp.Data, nil
	}
	if _, removed := e.removed[typeID]; removed || !e.persisted {
		return nil, nil
	}

	partition, err := schema.PartitionName(className)
	if err != nil {
		return nil, err
	}

	var (
		raw       []byte
		comp      Component
		createdAt sql.NullTime
		updatedAt sql.NullTime
	)
	query := fmt.Sprintf(
		"SELECT component_id, data, created_at, updated_at FROM %s WHERE entity_id = $1 AND type_id = $2 AND deleted_at IS NULL",
		partition,
	)
	err = s.db.QueryRowContext(ctx, query, e.ID, typeID).Scan(&comp.ID, &raw, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewStoreError("get component", err)
	}
	if err := json.Unmarshal(raw, &comp.Data); err != nil {
		return nil, core.NewStoreError("decode component", err)
	}

	comp.EntityID = e.ID
	comp.TypeID = typeID
	comp.Name = className
	comp.CreatedAt = core.FromNullTime(createdAt)
	comp.UpdatedAt = core.FromNullTime(updatedAt)
	comp.state = stateLoaded
	e.components[typeID] = comp.copyRef()
	return comp.Data, nil
}

func (c *Component) copyRef() *Component {
	out := *c
	return &out
}

// Save writes all pending changes for one entity atomically: the entity
// row, tombstoned component deletions, and dirty component upserts with
// their presence mirror rows. Events fire after the commit.
func (s *Store) Save(ctx context.Context, e *Entity) error {
	start := time.Now()
	err := s.save(ctx, e)
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.SavesTotal.WithLabelValues(status).Inc()
		s.metrics.SaveDuration.Observe(time.Since(start).Seconds())
	}
	return err
}

func (s *Store) save(ctx context.Context, e *Entity) error {
	saveCtx, cancel := context.WithTimeout(ctx, s.saveTimeout)
	defer cancel()

	wasNew := !e.persisted
	now := time.Now().UTC()

	var changed []string
	for typeID, comp := range e.components {
		if comp.Dirty() {
			changed = append(changed, typeID)
		}
	}
	var removed []string
	for typeID := range e.removed {
		removed = append(removed, typeID)
	}

	err := s.withTx(saveCtx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(saveCtx, `
			INSERT INTO entities (id, created_at, updated_at)
			VALUES ($1, $2, $2)
			ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at
		`, e.ID, now); err != nil {
			return fmt.Errorf("upsert entity: %w", err)
		}

		for _, typeID := range removed {
			if _, err := tx.ExecContext(saveCtx,
				"DELETE FROM components WHERE entity_id = $1 AND type_id = $2",
				e.ID, typeID); err != nil {
				return fmt.Errorf("delete component %s: %w", typeID, err)
			}
			if _, err := tx.ExecContext(saveCtx,
				"DELETE FROM entity_components WHERE entity_id = $1 AND type_id = $2",
				e.ID, typeID); err != nil {
				return fmt.Errorf("delete mirror %s: %w", typeID, err)
			}
		}

		for _, typeID := range changed {
			comp := e.components[typeID]
			raw, err := json.Marshal(comp.Data)
			if err != nil {
				return fmt.Errorf("encode component %s: %w", comp.Name, err)
			}
			if _, err := tx.ExecContext(saveCtx, `
				INSERT INTO components (component_id, entity_id, type_id, name, data, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $6)
				ON CONFLICT (component_id, type_id, entity_id)
				DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at, deleted_at = NULL
			`, comp.ID, e.ID, typeID, comp.Name, raw, now); err != nil {
				return fmt.Errorf("upsert component %s: %w", comp.Name, err)
			}
			if _, err := tx.ExecContext(saveCtx, `
				INSERT INTO entity_components (entity_id, type_id, deleted_at)
				VALUES ($1, $2, NULL)
				ON CONFLICT (entity_id, type_id) DO UPDATE SET deleted_at = NULL
			`, e.ID, typeID); err != nil {
				return fmt.Errorf("upsert mirror %s: %w", typeID, err)
			}
		}
		return nil
	})
	if err != nil {
		// Dirty bits stay set so the caller may retry.
		if errors.Is(err, context.DeadlineExceeded) {
			return &core.SaveTimeoutError{EntityID: e.ID, Timeout: s.saveTimeout}
		}
		return core.NewStoreError("save", err)
	}

	e.clearDirty(now)

	evt := hooks.Event{
		EntityID:      e.ID,
		EntityTypeIDs: e.TypeIDs(),
		Timestamp:     now,
	}
	if wasNew {
		evt.Kind = hooks.EntityCreated
	} else {
		evt.Kind = hooks.EntityUpdated
		evt.ChangedTypeIDs = append(changed, removed...)
	}
	s.emit(ctx, evt)
	return nil
}

// Delete removes an entity. Soft delete stamps deleted_at on the entity,
// its components, and the mirror rows in one transaction; force performs a
// physical delete instead.
func (s *Store) Delete(ctx context.Context, e *Entity, force bool) error {
	now := time.Now().UTC()
	deletedAt := core.ToNullTime(now)

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if force {
			for _, stmt := range []string{
				"DELETE FROM components WHERE entity_id = $1",
				"DELETE FROM entity_components WHERE entity_id = $1",
				"DELETE FROM entities WHERE id = $1",
			} {
				if _, err := tx.ExecContext(ctx, stmt, e.ID); err != nil {
					return err
				}
			}
			return nil
		}
		for _, stmt := range []string{
			"UPDATE components SET deleted_at = $2, updated_at = $2 WHERE entity_id = $1 AND deleted_at IS NULL",
			"UPDATE entity_components SET deleted_at = $2 WHERE entity_id = $1 AND deleted_at IS NULL",
			"UPDATE entities SET deleted_at = $2, updated_at = $2 WHERE id = $1",
		} {
			if _, err := tx.ExecContext(ctx, stmt, e.ID, deletedAt); err != nil {
				return err
			}
		}
		return nil
	})

	mode := "soft"
	if force {
		mode = "hard"
	}
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.DeletesTotal.WithLabelValues(mode, status).Inc()
	}
	if err != nil {
		return core.NewStoreError("delete", err)
	}

	if !force {
		e.DeletedAt = core.NullTimeToPtr(deletedAt)
	}
	s.emit(ctx, hooks.Event{
		Kind:          hooks.EntityDeleted,
		EntityID:      e.ID,
		EntityTypeIDs: e.TypeIDs(),
		IsSoftDelete:  !force,
		Timestamp:     now,
	})
	return nil
}

// LoadMultiple fetches all live components for the given entity ids and
// assembles hydrated entity instances. Entities that do not exist (or are
// soft-deleted) are omitted; result order follows the input ids.
func (s *Store) LoadMultiple(ctx context.Context, ids []string) ([]*Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if s.metrics != nil {
		s.metrics.LoadsTotal.Inc()
	}

	query, args, err := sqlx.In(
		"SELECT id, created_at, updated_at FROM entities WHERE id IN (?) AND deleted_at IS NULL", ids)
	if err != nil {
		return nil, core.NewStoreError("load entities", err)
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, core.NewStoreError("load entities", err)
	}

	byID := make(map[string]*Entity, len(ids))
	for rows.Next() {
		e := NewHandle("")
		var createdAt, updatedAt sql.NullTime
		if err := rows.Scan(&e.ID, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, core.NewStoreError("scan entity", err)
		}
		e.CreatedAt = core.FromNullTime(createdAt)
		e.UpdatedAt = core.FromNullTime(updatedAt)
		byID[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, core.NewStoreError("load entities", err)
	}
	rows.Close()

	if len(byID) == 0 {
		return nil, nil
	}

	present := make([]string, 0, len(byID))
	for id := range byID {
		present = append(present, id)
	}
	query, args, err = sqlx.In(`
		SELECT component_id, entity_id, type_id, name, data, created_at, updated_at
		FROM components WHERE entity_id IN (?) AND deleted_at IS NULL`, present)
	if err != nil {
		return nil, core.NewStoreError("load components", err)
	}
	crows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, core.NewStoreError("load components", err)
	}
	defer crows.Close()

	for crows.Next() {
		var (
			comp      Component
			raw       []byte
			createdAt sql.NullTime
			updatedAt sql.NullTime
		)
		if err := crows.Scan(&comp.ID, &comp.EntityID, &comp.TypeID, &comp.Name, &raw, &createdAt, &updatedAt); err != nil {
			return nil, core.NewStoreError("scan component", err)
		}
		if err := json.Unmarshal(raw, &comp.Data); err != nil {
			return nil, core.NewStoreError("decode component", err)
		}
		comp.CreatedAt = core.FromNullTime(createdAt)
		comp.UpdatedAt = core.FromNullTime(updatedAt)
		comp.state = stateLoaded
		if e, ok := byID[comp.EntityID]; ok {
			e.components[comp.TypeID] = comp.copyRef()
		}
	}
	if err := crows.Err(); err != nil {
		return nil, core.NewStoreError("load components", err)
	}

	out := make([]*Entity, 0, len(byID))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
			delete(byID, id)
		}
	}
	return out, nil
}

// FindByID loads a single entity with its components hydrated. Returns
// (nil, nil) when the entity does not exist.
func (s *Store) FindByID(ctx context.Context, id string) (*Entity, error) {
	loaded, err := s.LoadMultiple(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(loaded) == 0 {
		return nil, nil
	}
	return loaded[0], nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) emit(ctx context.Context, evt hooks.Event) {
	if s.events == nil {
		return
	}
	s.events.Emit(ctx, evt)
}
