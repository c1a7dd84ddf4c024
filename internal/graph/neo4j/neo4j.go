package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/graph"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/index"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/objects"
)

// Neo4jMirror implements graph.Mirror using Neo4j. Objects are (:Object
// {type, number}) nodes, legacy files are (:LegacyFile {key}) nodes, joined
// by [:DERIVED_FROM] edges.
type Neo4jMirror struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4j connects and verifies connectivity.
func NewNeo4j(ctx context.Context, uri, username, password, database string) (*Neo4jMirror, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Neo4jMirror{driver: driver, database: database}, nil
}

func (m *Neo4jMirror) write(ctx context.Context, work neo4j.ManagedTransactionWork) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: m.database,
	})
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, work)
	return err
}

func objectParams(id objects.Identity) map[string]any {
	return map[string]any{"type": id.Type, "number": id.Number()}
}

func (m *Neo4jMirror) UpsertObject(ctx context.Context, rec *index.Record) error {
	id, err := rec.Identity()
	if err != nil {
		return err
	}
	err = m.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		params := objectParams(id)
		params["name"] = rec.ObjectName
		params["path"] = rec.OriginalPath
		params["deleted"] = rec.Deleted
		if _, err := tx.Run(ctx,
			"MERGE (o:Object {type: $type, number: $number}) "+
				"SET o.name = $name, o.path = $path, o.deleted = $deleted",
			params); err != nil {
			return nil, err
		}
		for _, legacy := range rec.ReferencedMigrationFiles {
			if _, err := tx.Run(ctx, linkQuery, linkParams(id, legacy)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("upsert object %s: %w", id.Key(), err)
	}
	return nil
}

func (m *Neo4jMirror) MoveObject(ctx context.Context, from, to objects.Identity) error {
	err := m.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			"MATCH (o:Object {type: $fromType, number: $fromNumber}) "+
				"MERGE (t:Object {type: $toType, number: $toNumber}) "+
				"WITH o, t "+
				"OPTIONAL MATCH (o)-[:DERIVED_FROM]->(l:LegacyFile) "+
				"FOREACH (x IN CASE WHEN l IS NULL THEN [] ELSE [l] END | MERGE (t)-[:DERIVED_FROM]->(x))",
			map[string]any{
				"fromType": from.Type, "fromNumber": from.Number(),
				"toType": to.Type, "toNumber": to.Number(),
			}); err != nil {
			return nil, err
		}
		_, err := tx.Run(ctx,
			"MATCH (o:Object {type: $type, number: $number}) DETACH DELETE o",
			objectParams(from))
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("move object %s -> %s: %w", from.Key(), to.Key(), err)
	}
	return nil
}

func (m *Neo4jMirror) MarkDeleted(ctx context.Context, id objects.Identity) error {
	err := m.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		params := objectParams(id)
		params["at"] = time.Now().UTC().Format(time.RFC3339)
		_, err := tx.Run(ctx,
			"MATCH (o:Object {type: $type, number: $number}) SET o.deleted = true, o.deletedAt = $at",
			params)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("mark deleted %s: %w", id.Key(), err)
	}
	return nil
}

const linkQuery = "MERGE (o:Object {type: $type, number: $number}) " +
	"MERGE (l:LegacyFile {key: $key}) SET l.path = $path " +
	"MERGE (o)-[:DERIVED_FROM]->(l)"

func linkParams(id objects.Identity, legacy string) map[string]any {
	params := objectParams(id)
	params["key"] = graph.LegacyKey(legacy)
	params["path"] = legacy
	return params
}

func (m *Neo4jMirror) Link(ctx context.Context, id objects.Identity, legacy string) error {
	err := m.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, linkQuery, linkParams(id, legacy))
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("link %s -> %s: %w", id.Key(), legacy, err)
	}
	return nil
}

func (m *Neo4jMirror) Unlink(ctx context.Context, id objects.Identity, legacy string) error {
	err := m.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			"MATCH (:Object {type: $type, number: $number})-[r:DERIVED_FROM]->(:LegacyFile {key: $key}) DELETE r",
			linkParams(id, legacy))
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("unlink %s -> %s: %w", id.Key(), legacy, err)
	}
	return nil
}

// VerifyConnectivity checks that the database is reachable.
func (m *Neo4jMirror) VerifyConnectivity(ctx context.Context) error {
	return m.driver.VerifyConnectivity(ctx)
}

func (m *Neo4jMirror) Close(ctx context.Context) error {
	return m.driver.Close(ctx)
}

var _ graph.Mirror = (*Neo4jMirror)(nil)
