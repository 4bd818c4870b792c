// Package repo adapts external data sources to the engine's inbound
// interfaces. The instance store materialises pre-resolved cohort instance
// ids into typed records; predicate resolution itself lives upstream.
package repo

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/brightgrid/explain-engine/internal/models"
	"github.com/brightgrid/explain-engine/internal/schema"
	"github.com/brightgrid/explain-engine/internal/utils"
)

const idColumn = "customer_id"

// InstanceStore fetches customer feature vectors from Postgres and
// type-checks them against the feature schema at ingestion.
type InstanceStore struct {
	db     *sqlx.DB
	schema *schema.Registry
	table  string
	logger *slog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, utils.NewAppError("repo.Open", "connect to instance store", err)
	}
	return db, nil
}

// NewInstanceStore constructs a store over an open connection.
func NewInstanceStore(db *sqlx.DB, schemaReg *schema.Registry, table string, logger *slog.Logger) *InstanceStore {
	if logger == nil {
		logger = slog.Default()
	}
	if table == "" {
		table = "customers"
	}
	return &InstanceStore{db: db, schema: schemaReg, table: table, logger: logger}
}

// FetchInstances returns the typed instances for the given ids. Ids with no
// row are simply absent from the result; the aggregator records them as
// per-instance failures. Rows with values outside the schema kind are
// rejected row-by-row, not batch-wide.
func (s *InstanceStore) FetchInstances(ctx context.Context, ids []string) ([]models.Instance, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ANY($1)", pq.QuoteIdentifier(s.table), idColumn)
	rows, err := s.db.QueryxContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, utils.NewAppError("repo.FetchInstances", "query instance store", err)
	}
	defer rows.Close()

	instances := make([]models.Instance, 0, len(ids))
	for rows.Next() {
		raw := make(map[string]any)
		if err := rows.MapScan(raw); err != nil {
			return nil, fmt.Errorf("scan instance row: %w", err)
		}
		inst, err := s.instanceFromRow(raw)
		if err != nil {
			s.logger.Warn("skipping malformed instance row", slog.Any("error", err))
			continue
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instance rows: %w", err)
	}
	return instances, nil
}

func (s *InstanceStore) instanceFromRow(raw map[string]any) (models.Instance, error) {
	id, err := stringColumn(raw[idColumn])
	if err != nil {
		return models.Instance{}, fmt.Errorf("column %s: %w", idColumn, err)
	}

	inst := models.Instance{ID: id, Values: make(map[string]models.Value, len(raw))}
	for column, value := range raw {
		feat, ok := s.schema.Lookup(column)
		if !ok {
			// Tables may carry extra columns (targets, timestamps); only
			// schema features become instance values.
			continue
		}
		if value == nil {
			continue
		}
		switch feat.Kind {
		case models.KindNumeric:
			n, err := numericColumn(value)
			if err != nil {
				return models.Instance{}, fmt.Errorf("instance %s, column %s: %w", id, column, err)
			}
			inst.Values[column] = models.NumericValue(n)
		case models.KindCategorical:
			c, err := stringColumn(value)
			if err != nil {
				return models.Instance{}, fmt.Errorf("instance %s, column %s: %w", id, column, err)
			}
			inst.Values[column] = models.CategoricalValue(c)
		}
	}
	return inst, nil
}

func numericColumn(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case []byte:
		return strconv.ParseFloat(string(n), 64)
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unsupported numeric column type %T", v)
	}
}

func stringColumn(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return "", fmt.Errorf("unsupported text column type %T", v)
	}
}
