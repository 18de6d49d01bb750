package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinipipe/clinipipe/internal/domain/ingestion"
	"github.com/clinipipe/clinipipe/internal/infra/storage"
)

// aggregateStore implements ingestion.AggregateRepository over the
// daily_aggregates rollup. It is read-only: writes happen inside
// measurementStore.LoadBatch so rows and their deltas commit together.
var _ ingestion.AggregateRepository = (*aggregateStore)(nil)

type aggregateStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewAggregateStore creates a PostgreSQL-backed aggregate reader with tracing.
func NewAggregateStore(pool *pgxpool.Pool, tracer trace.Tracer) *aggregateStore {
	return &aggregateStore{db: pool, tracer: tracer}
}

// QueryBuckets returns rollup rows matching the filter, ordered by day then
// bucket identity.
func (r *aggregateStore) QueryBuckets(
	ctx context.Context,
	filter ingestion.AggregateFilter,
) ([]ingestion.AggregateBucket, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("study_id", filter.StudyID),
		attribute.Int("limit", limit),
	)

	var buckets []ingestion.AggregateBucket
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.query_buckets", dbAttrs, func(ctx context.Context) error {
		conds := make([]string, 0, 6)
		args := make([]any, 0, 7)

		addCond := func(cond string, value any) {
			args = append(args, value)
			conds = append(conds, fmt.Sprintf(cond, len(args)))
		}
		if filter.StudyID != "" {
			addCond("study_id = $%d", filter.StudyID)
		}
		if filter.SiteID != "" {
			addCond("site_id = $%d", filter.SiteID)
		}
		if filter.ParticipantID != "" {
			addCond("participant_id = $%d", filter.ParticipantID)
		}
		if filter.MeasurementType != "" {
			addCond("measurement_type = $%d", string(filter.MeasurementType))
		}
		if !filter.From.IsZero() {
			addCond("agg_day >= $%d::date", filter.From.UTC())
		}
		if !filter.To.IsZero() {
			addCond("agg_day <= $%d::date", filter.To.UTC())
		}

		query := `
			SELECT agg_day, study_id, site_id, participant_id, measurement_type,
				measurement_count, value_sample_count, avg_value, min_value, max_value,
				bp_sample_count, avg_systolic, avg_diastolic, avg_quality_score,
				low_quality_count, updated_at
			FROM daily_aggregates`
		if len(conds) > 0 {
			query += " WHERE " + strings.Join(conds, " AND ")
		}
		args = append(args, limit)
		query += fmt.Sprintf(" ORDER BY agg_day DESC, study_id, site_id, participant_id, measurement_type LIMIT $%d", len(args))
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}

		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("QueryBuckets query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				b               ingestion.AggregateBucket
				day             pgtype.Date
				measurementType string
				updatedAt       pgtype.Timestamptz
			)
			if err := rows.Scan(
				&day, &b.Key.StudyID, &b.Key.SiteID, &b.Key.ParticipantID, &measurementType,
				&b.MeasurementCount, &b.ValueSampleCount, &b.AvgValue, &b.MinValue, &b.MaxValue,
				&b.BPSampleCount, &b.AvgSystolic, &b.AvgDiastolic, &b.AvgQualityScore,
				&b.LowQualityCount, &updatedAt,
			); err != nil {
				return fmt.Errorf("scan bucket row error: %w", err)
			}
			b.Key.Day = day.Time.UTC()
			b.Key.MeasurementType = ingestion.MeasurementType(measurementType)
			b.UpdatedAt = updatedAt.Time
			buckets = append(buckets, b)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate bucket rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return buckets, nil
}
