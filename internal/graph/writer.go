package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	types "github.com/soulmesh/lifestream-backend/internal/domain"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
	"github.com/soulmesh/lifestream-backend/internal/platform/neo4jdb"
)

// InsightWriter mirrors emitted insights into the subject graph so other
// collaborators can traverse them. Writes are best-effort: mining must not
// fail because the graph is down.
type InsightWriter interface {
	UpsertInsightNode(ctx context.Context, subjectID uuid.UUID, insight *types.Insight) error
}

type neo4jWriter struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

// NewInsightWriter builds a writer over the optional Neo4j client. A nil
// client yields a writer whose upserts are no-ops.
func NewInsightWriter(client *neo4jdb.Client, baseLog *logger.Logger) InsightWriter {
	return &neo4jWriter{
		client: client,
		log:    baseLog.With("component", "InsightWriter"),
	}
}

const upsertInsightCypher = `
MERGE (p:Person {id: $subject_id})
MERGE (i:Insight {id: $insight_id})
SET i.insight_type = $insight_type,
    i.title        = $title,
    i.description  = $description,
    i.confidence   = $confidence,
    i.change       = $change,
    i.pattern_id   = $pattern_id,
    i.created_at   = $created_at
MERGE (p)-[r:HAS_INSIGHT]->(i)
SET r.source = 'pattern_miner'
`

func (w *neo4jWriter) UpsertInsightNode(ctx context.Context, subjectID uuid.UUID, insight *types.Insight) error {
	if w.client == nil || w.client.Driver == nil {
		return nil
	}

	session := w.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: w.client.Database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	params := map[string]any{
		"subject_id":   subjectID.String(),
		"insight_id":   insight.ID.String(),
		"insight_type": insight.InsightType,
		"title":        insight.Title,
		"description":  insight.Description,
		"confidence":   insight.Confidence,
		"change":       string(insight.Change),
		"pattern_id":   insight.PatternID.String(),
		"created_at":   insight.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, upsertInsightCypher, params)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: upsert insight %s: %w", insight.ID, err)
	}
	return nil
}
