package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/supplements-backend/internal/observability"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
	"github.com/yungbote/supplements-backend/internal/platform/neo4jdb"
)

// VersionEdge records that a stored version was derived from an upstream one.
type VersionEdge struct {
	AssetUID        string
	SubmissionRoot  string
	QuestionXPath   string
	ActionID        string
	Key             string
	VersionID       string
	CreatedAt       time.Time
	UpstreamAction  string
	UpstreamVersion string
}

// ProvenanceSink receives edges after the supplement write committed.
type ProvenanceSink interface {
	Record(ctx context.Context, edges []VersionEdge) error
}

type nopSink struct{}

func (nopSink) Record(context.Context, []VersionEdge) error { return nil }

// NewProvenanceSink returns a Neo4j-backed sink, or a no-op one when the
// client is nil.
func NewProvenanceSink(client *neo4jdb.Client, log *logger.Logger) ProvenanceSink {
	if client == nil || client.Driver == nil {
		return nopSink{}
	}
	return &neo4jProvenance{client: client, log: log.With("service", "ProvenanceGraph")}
}

type neo4jProvenance struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func (p *neo4jProvenance) Record(ctx context.Context, edges []VersionEdge) error {
	if len(edges) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		if e.VersionID == "" || e.UpstreamVersion == "" {
			continue
		}
		rows = append(rows, map[string]any{
			"id":              e.VersionID,
			"asset_uid":       e.AssetUID,
			"submission_root": e.SubmissionRoot,
			"question_xpath":  e.QuestionXPath,
			"action_id":       e.ActionID,
			"key":             e.Key,
			"created_at":      e.CreatedAt.UTC().Format(time.RFC3339Nano),
			"upstream_id":     e.UpstreamVersion,
			"upstream_action": e.UpstreamAction,
			"synced_at":       now,
		})
	}
	if len(rows) == 0 {
		return nil
	}

	session := p.client.Session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
UNWIND $rows AS row
MERGE (v:SupplementVersion {id: row.id})
SET v.asset_uid = row.asset_uid,
    v.submission_root = row.submission_root,
    v.question_xpath = row.question_xpath,
    v.action_id = row.action_id,
    v.key = row.key,
    v.created_at = row.created_at,
    v.synced_at = row.synced_at
MERGE (u:SupplementVersion {id: row.upstream_id})
ON CREATE SET u.action_id = row.upstream_action,
              u.asset_uid = row.asset_uid,
              u.submission_root = row.submission_root,
              u.question_xpath = row.question_xpath
MERGE (v)-[r:DERIVED_FROM]->(u)
SET r.synced_at = row.synced_at
`, map[string]any{"rows": rows})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		observability.Current().IncProvenance("error")
		return fmt.Errorf("neo4j upsert provenance: %w", err)
	}
	observability.Current().IncProvenance("ok")
	return nil
}
