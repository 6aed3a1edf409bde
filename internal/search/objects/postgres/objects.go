// Package postgres implements types.ObjectService over the server's
// object tables. The tables are owned by the object layer; the engine
// only reads them:
//
//	objects(store_id, object_id, parent_id, is_folder, flags, entry_id, props JSONB)
//	object_relations(store_id, object_id, relation, seq, props JSONB)
//	stores(store_id, owner)
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// ObjectService reads objects, folders and related rows. A property
// document that cannot be decoded affects only its own object.
type ObjectService struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ types.ObjectService = (*ObjectService)(nil)

func NewObjectService(db *sql.DB, logger *slog.Logger) *ObjectService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectService{db: db, logger: logger.With("component", "object-service")}
}

func (s *ObjectService) ResolveEntryID(ctx context.Context, storeID int64, entryID []byte) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT object_id FROM objects
		WHERE store_id = $1 AND entry_id = $2 AND is_folder
	`, storeID, entryID).Scan(&id)
	return id, mapError(err)
}

func (s *ObjectService) GetParent(ctx context.Context, storeID, objectID int64) (int64, error) {
	var parent sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT parent_id FROM objects WHERE store_id = $1 AND object_id = $2
	`, storeID, objectID).Scan(&parent)
	if err != nil {
		return 0, mapError(err)
	}
	return parent.Int64, nil
}

func (s *ObjectService) GetObjectFlags(ctx context.Context, storeID, objectID int64) (types.ObjectFlags, error) {
	var flags int64
	err := s.db.QueryRowContext(ctx, `
		SELECT flags FROM objects WHERE store_id = $1 AND object_id = $2
	`, storeID, objectID).Scan(&flags)
	return types.ObjectFlags(flags), mapError(err)
}

func (s *ObjectService) GetStoreOwner(ctx context.Context, storeID int64) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner FROM stores WHERE store_id = $1
	`, storeID).Scan(&owner)
	return owner, mapError(err)
}

func (s *ObjectService) ListSubfolders(ctx context.Context, storeID, folderID int64) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT object_id FROM objects
		WHERE store_id = $1 AND parent_id = $2 AND is_folder
		ORDER BY object_id
	`, storeID, folderID)
}

func (s *ObjectService) ListChildren(ctx context.Context, storeID, folderID, after int64, limit int) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT object_id FROM objects
		WHERE store_id = $1 AND parent_id = $2 AND NOT is_folder AND object_id > $3
		ORDER BY object_id
		LIMIT $4
	`, storeID, folderID, after, limit)
}

// GetRows returns the requested properties of each object; properties
// missing on an object are absent from its row. An object whose document
// cannot be decoded is returned with Row.Err set.
func (s *ObjectService) GetRows(ctx context.Context, storeID int64, objectIDs []int64, props []string) ([]types.Row, error) {
	if len(objectIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_id, parent_id, flags, props FROM objects
		WHERE store_id = $1 AND object_id = ANY($2) AND NOT is_folder
		ORDER BY object_id
	`, storeID, pq.Array(objectIDs))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []types.Row
	for rows.Next() {
		var (
			row    types.Row
			parent sql.NullInt64
			flags  int64
			raw    []byte
		)
		if err := rows.Scan(&row.ObjectID, &parent, &flags, &raw); err != nil {
			return nil, mapError(err)
		}
		row.ParentID = parent.Int64
		row.Flags = types.ObjectFlags(flags)
		if all, err := decodeProps(raw); err != nil {
			row.Err = fmt.Errorf("object %d: %w", row.ObjectID, err)
		} else {
			row.Props = project(all, props)
		}
		out = append(out, row)
	}
	return out, mapError(rows.Err())
}

func (s *ObjectService) GetRelated(ctx context.Context, storeID int64, objectIDs []int64, relation string, props []string) (map[int64][]types.Properties, error) {
	out := make(map[int64][]types.Properties)
	if len(objectIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_id, props FROM object_relations
		WHERE store_id = $1 AND relation = $2 AND object_id = ANY($3)
		ORDER BY object_id, seq
	`, storeID, relation, pq.Array(objectIDs))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, mapError(err)
		}
		all, err := decodeProps(raw)
		if err != nil {
			s.logger.Warn("Skipping unreadable related row",
				"store", storeID, "object", id, "relation", relation, "error", err)
			continue
		}
		out[id] = append(out[id], project(all, props))
	}
	return out, mapError(rows.Err())
}

func (s *ObjectService) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(err)
		}
		ids = append(ids, id)
	}
	return ids, mapError(rows.Err())
}

// decodeProps parses a JSONB property document. Integral numbers become
// int64 so restrictions compare them as integers.
func decodeProps(raw []byte) (types.Properties, error) {
	if len(raw) == 0 {
		return types.Properties{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	props := make(types.Properties, len(m))
	for k, v := range m {
		props[k] = normalize(v)
	}
	return props, nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalize(x[k])
		}
		return x
	default:
		return v
	}
}

// project keeps the named properties. A nil list keeps everything.
func project(all types.Properties, names []string) types.Properties {
	if names == nil {
		return all
	}
	out := make(types.Properties, len(names))
	for _, n := range names {
		if v, ok := all[n]; ok {
			out[n] = v
		}
	}
	return out
}

func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound
	}
	return err
}
