package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinipipe/clinipipe/internal/domain/ingestion"
	"github.com/clinipipe/clinipipe/internal/infra/storage"
	"github.com/clinipipe/clinipipe/internal/infra/storage/bulk"
)

// measurementStore implements ingestion.MeasurementRepository using
// PostgreSQL. Loading a batch and merging its aggregate deltas happen in one
// transaction, so a batch is either fully visible, rollup included, or not
// at all.
var _ ingestion.MeasurementRepository = (*measurementStore)(nil)

type measurementStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewMeasurementStore creates a PostgreSQL-backed measurement repository with
// tracing.
func NewMeasurementStore(pool *pgxpool.Pool, tracer trace.Tracer) *measurementStore {
	return &measurementStore{db: pool, tracer: tracer}
}

var measurementColumns = []string{
	"id", "study_id", "participant_id", "site_id", "measurement_type",
	"value", "unit", "ts", "quality_score",
	"value_num", "bp_systolic", "bp_diastolic", "processed_at",
}

// LoadBatch loads one batch of measurements. Dimension rows are upserted
// first, then the measurements are inserted skipping ids already present, and
// only the newly inserted rows are merged into the daily rollup. A missing
// referential parent triggers a row-by-row retry that isolates and rejects
// the offending rows instead of failing the batch.
func (r *measurementStore) LoadBatch(
	ctx context.Context,
	rows []ingestion.LoadRow,
	qualityThreshold float64,
) (ingestion.BatchResult, error) {
	if len(rows) == 0 {
		return ingestion.BatchResult{}, nil
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int("batch_size", len(rows)),
		attribute.Float64("quality_threshold", qualityThreshold),
	)

	var result ingestion.BatchResult
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.load_batch", dbAttrs, func(ctx context.Context) error {
		res, err := r.loadAll(ctx, rows, qualityThreshold)
		if isForeignKeyViolation(err) {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("row_by_row_fallback", true))
			res, err = r.loadRowByRow(ctx, rows, qualityThreshold)
		}
		if err != nil {
			return err
		}

		result = res
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int64("rows_loaded", res.Loaded),
			attribute.Int64("rows_inserted", res.Inserted),
			attribute.Int("rows_rejected", len(res.Rejections)),
		)
		return nil
	})
	if err != nil {
		return ingestion.BatchResult{}, err
	}

	return result, nil
}

// loadAll runs the whole batch in a single transaction.
func (r *measurementStore) loadAll(
	ctx context.Context,
	rows []ingestion.LoadRow,
	qualityThreshold float64,
) (ingestion.BatchResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return ingestion.BatchResult{}, fmt.Errorf("begin transaction error: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := upsertDimensions(ctx, tx, rows); err != nil {
		return ingestion.BatchResult{}, err
	}

	inserted, err := insertMeasurements(ctx, tx, rows)
	if err != nil {
		return ingestion.BatchResult{}, err
	}

	if len(inserted) > 0 {
		deltas := deltasFor(rows, inserted, qualityThreshold)
		if err := mergeAggregates(ctx, tx, deltas); err != nil {
			return ingestion.BatchResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ingestion.BatchResult{}, fmt.Errorf("commit load batch error: %w", err)
	}

	return ingestion.BatchResult{
		Loaded:   int64(len(rows)),
		Inserted: int64(len(inserted)),
	}, nil
}

// loadRowByRow retries each row in its own transaction so a single row with a
// dangling reference cannot take down its neighbors. Only referential
// failures become rejections; anything else aborts the batch.
func (r *measurementStore) loadRowByRow(
	ctx context.Context,
	rows []ingestion.LoadRow,
	qualityThreshold float64,
) (ingestion.BatchResult, error) {
	var result ingestion.BatchResult
	for _, row := range rows {
		res, err := r.loadAll(ctx, []ingestion.LoadRow{row}, qualityThreshold)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgErrForeignKeyViolation {
				result.Rejections = append(result.Rejections, ingestion.Rejection{
					RowNumber: row.RowNumber,
					Reason:    ingestion.RejectionReferenceNotFound,
					Detail:    referenceDetail(pgErr),
				})
				continue
			}
			return ingestion.BatchResult{}, err
		}
		result.Loaded += res.Loaded
		result.Inserted += res.Inserted
	}
	return result, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrForeignKeyViolation
}

func referenceDetail(pgErr *pgconn.PgError) string {
	if pgErr.Detail != "" {
		return pgErr.Detail
	}
	return pgErr.Message
}

// upsertDimensions makes sure every study, site, participant, and enrollment
// the batch references exists before the measurements land. Enrollment keeps
// the earliest observation seen for the (participant, study) pair.
func upsertDimensions(ctx context.Context, tx pgx.Tx, rows []ingestion.LoadRow) error {
	studies := make(map[string]struct{})
	sites := make(map[string]struct{})
	participants := make(map[string]struct{})

	type enrollmentKey struct{ participantID, studyID string }
	enrollments := make(map[enrollmentKey]time.Time)

	for _, row := range rows {
		m := row.Measurement
		studies[m.StudyID()] = struct{}{}
		sites[m.SiteID()] = struct{}{}
		participants[m.ParticipantID()] = struct{}{}

		key := enrollmentKey{participantID: m.ParticipantID(), studyID: m.StudyID()}
		if seen, ok := enrollments[key]; !ok || m.Timestamp().Before(seen) {
			enrollments[key] = m.Timestamp()
		}
	}

	if err := insertIgnoringDuplicates(ctx, tx, "studies", "study_id", setToSlice(studies)); err != nil {
		return err
	}
	if err := insertIgnoringDuplicates(ctx, tx, "sites", "site_id", setToSlice(sites)); err != nil {
		return err
	}
	if err := insertIgnoringDuplicates(ctx, tx, "participants", "participant_id", setToSlice(participants)); err != nil {
		return err
	}

	values := make([]string, 0, len(enrollments))
	args := make([]any, 0, len(enrollments)*3)
	i := 1
	for key, enrolledAt := range enrollments {
		values = append(values, fmt.Sprintf("($%d, $%d, $%d::timestamptz)", i, i+1, i+2))
		args = append(args, key.participantID, key.studyID, enrolledAt)
		i += 3
	}

	query := fmt.Sprintf(`
		INSERT INTO participant_enrollments (participant_id, study_id, enrolled_at)
		VALUES %s
		ON CONFLICT (participant_id, study_id) DO UPDATE SET
			enrolled_at = LEAST(participant_enrollments.enrolled_at, EXCLUDED.enrolled_at)`,
		strings.Join(values, ","))

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert participant_enrollments error: %w", err)
	}
	return nil
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}

func insertIgnoringDuplicates(ctx context.Context, tx pgx.Tx, table, column string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	values := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		values[i] = fmt.Sprintf("($%d)", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO NOTHING",
		table, column, strings.Join(values, ","), column,
	)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s error: %w", table, err)
	}
	return nil
}

// insertMeasurements stages the batch and inserts rows whose content-derived
// id is not already present, returning the inserted ids.
func insertMeasurements(ctx context.Context, tx pgx.Tx, rows []ingestion.LoadRow) ([]uuid.UUID, error) {
	copyRows := make([][]any, len(rows))
	for i, row := range rows {
		m := row.Measurement
		copyRows[i] = []any{
			pgtype.UUID{Bytes: m.ID(), Valid: true},
			m.StudyID(),
			m.ParticipantID(),
			m.SiteID(),
			string(m.MeasurementType()),
			m.Value(),
			m.Unit(),
			m.Timestamp(),
			m.QualityScore(),
			m.ValueNum(),
			m.BPSystolic(),
			m.BPDiastolic(),
			m.ProcessedAt(),
		}
	}

	inserted, err := bulk.InsertAbsent(ctx, tx, bulk.MergeConfig{
		Table:        "measurements",
		Columns:      measurementColumns,
		ConflictKeys: []string{"id"},
	}, copyRows)
	if err != nil {
		return nil, fmt.Errorf("insert measurements error: %w", err)
	}
	return inserted, nil
}

// deltasFor buckets only the rows the insert actually wrote. Rows skipped as
// duplicates already contributed to the rollup on an earlier run.
func deltasFor(
	rows []ingestion.LoadRow,
	inserted []uuid.UUID,
	qualityThreshold float64,
) map[ingestion.BucketKey]*ingestion.BucketDelta {
	byID := make(map[uuid.UUID]*ingestion.Measurement, len(rows))
	for _, row := range rows {
		byID[row.Measurement.ID()] = row.Measurement
	}

	deltas := make(map[ingestion.BucketKey]*ingestion.BucketDelta)
	for _, id := range inserted {
		m, ok := byID[id]
		if !ok {
			continue
		}
		key := ingestion.BucketKeyFor(m)
		delta, ok := deltas[key]
		if !ok {
			delta = new(ingestion.BucketDelta)
			deltas[key] = delta
		}
		delta.Observe(m, qualityThreshold)
	}
	return deltas
}

// mergeAggregates folds the batch's deltas into the persisted rollup. The
// conflict arithmetic mirrors BucketDelta.Merge: counts add, means recombine
// weighted by their sample counts, min/max take the extremes.
func mergeAggregates(ctx context.Context, tx pgx.Tx, deltas map[ingestion.BucketKey]*ingestion.BucketDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	now := time.Now().UTC()
	values := make([]string, 0, len(deltas))
	args := make([]any, 0, len(deltas)*16)
	i := 1

	for key, delta := range deltas {
		values = append(values, fmt.Sprintf(
			"($%d::date, $%d, $%d, $%d, $%d, $%d::bigint, $%d::bigint, $%d::double precision, $%d::double precision, $%d::double precision, $%d::bigint, $%d::double precision, $%d::double precision, $%d::double precision, $%d::bigint, $%d::timestamptz)",
			i, i+1, i+2, i+3, i+4, i+5, i+6, i+7, i+8, i+9, i+10, i+11, i+12, i+13, i+14, i+15))
		args = append(args,
			key.Day,
			key.StudyID,
			key.SiteID,
			key.ParticipantID,
			string(key.MeasurementType),
			delta.MeasurementCount(),
			delta.ValueSampleCount(),
			delta.AvgValue(),
			delta.MinValue(),
			delta.MaxValue(),
			delta.BPSampleCount(),
			delta.AvgSystolic(),
			delta.AvgDiastolic(),
			delta.AvgQualityScore(),
			delta.LowQualityCount(),
			now,
		)
		i += 16
	}

	query := fmt.Sprintf(`
		INSERT INTO daily_aggregates (
			agg_day, study_id, site_id, participant_id, measurement_type,
			measurement_count, value_sample_count, avg_value, min_value, max_value,
			bp_sample_count, avg_systolic, avg_diastolic, avg_quality_score,
			low_quality_count, updated_at
		) VALUES %s
		ON CONFLICT (agg_day, study_id, site_id, participant_id, measurement_type) DO UPDATE SET
			measurement_count = daily_aggregates.measurement_count + EXCLUDED.measurement_count,
			value_sample_count = daily_aggregates.value_sample_count + EXCLUDED.value_sample_count,
			avg_value = CASE
				WHEN daily_aggregates.value_sample_count + EXCLUDED.value_sample_count = 0 THEN NULL
				ELSE (COALESCE(daily_aggregates.avg_value, 0) * daily_aggregates.value_sample_count
					+ COALESCE(EXCLUDED.avg_value, 0) * EXCLUDED.value_sample_count)
					/ (daily_aggregates.value_sample_count + EXCLUDED.value_sample_count)
			END,
			min_value = LEAST(daily_aggregates.min_value, EXCLUDED.min_value),
			max_value = GREATEST(daily_aggregates.max_value, EXCLUDED.max_value),
			bp_sample_count = daily_aggregates.bp_sample_count + EXCLUDED.bp_sample_count,
			avg_systolic = CASE
				WHEN daily_aggregates.bp_sample_count + EXCLUDED.bp_sample_count = 0 THEN NULL
				ELSE (COALESCE(daily_aggregates.avg_systolic, 0) * daily_aggregates.bp_sample_count
					+ COALESCE(EXCLUDED.avg_systolic, 0) * EXCLUDED.bp_sample_count)
					/ (daily_aggregates.bp_sample_count + EXCLUDED.bp_sample_count)
			END,
			avg_diastolic = CASE
				WHEN daily_aggregates.bp_sample_count + EXCLUDED.bp_sample_count = 0 THEN NULL
				ELSE (COALESCE(daily_aggregates.avg_diastolic, 0) * daily_aggregates.bp_sample_count
					+ COALESCE(EXCLUDED.avg_diastolic, 0) * EXCLUDED.bp_sample_count)
					/ (daily_aggregates.bp_sample_count + EXCLUDED.bp_sample_count)
			END,
			avg_quality_score = (daily_aggregates.avg_quality_score * daily_aggregates.measurement_count
				+ EXCLUDED.avg_quality_score * EXCLUDED.measurement_count)
				/ (daily_aggregates.measurement_count + EXCLUDED.measurement_count),
			low_quality_count = daily_aggregates.low_quality_count + EXCLUDED.low_quality_count,
			updated_at = NOW()`,
		strings.Join(values, ","))

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("merge daily aggregates error: %w", err)
	}
	return nil
}

// ListMeasurements returns stored measurements matching the filter, newest
// observation first.
func (r *measurementStore) ListMeasurements(
	ctx context.Context,
	filter ingestion.MeasurementFilter,
) ([]*ingestion.Measurement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("study_id", filter.StudyID),
		attribute.Int("limit", limit),
	)

	var measurements []*ingestion.Measurement
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_measurements", dbAttrs, func(ctx context.Context) error {
		conds := make([]string, 0, 4)
		args := make([]any, 0, 5)

		addCond := func(expr string, value any) {
			args = append(args, value)
			conds = append(conds, fmt.Sprintf(expr, len(args)))
		}
		addEq := func(column, value string) {
			if value == "" {
				return
			}
			addCond(column+" = $%d", value)
		}
		addEq("study_id", filter.StudyID)
		addEq("participant_id", filter.ParticipantID)
		addEq("site_id", filter.SiteID)
		addEq("measurement_type", string(filter.MeasurementType))
		addEq("unit", filter.Unit)
		if !filter.From.IsZero() {
			addCond("ts >= $%d", filter.From)
		}
		if !filter.To.IsZero() {
			addCond("ts <= $%d", filter.To)
		}
		if filter.MinQuality != nil {
			addCond("quality_score >= $%d", *filter.MinQuality)
		}

		query := `SELECT ` + strings.Join(measurementColumns, ", ") + ` FROM measurements`
		if len(conds) > 0 {
			query += " WHERE " + strings.Join(conds, " AND ")
		}
		args = append(args, limit)
		query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}

		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("ListMeasurements query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMeasurement(rows)
			if err != nil {
				return fmt.Errorf("scan measurement row error: %w", err)
			}
			measurements = append(measurements, m)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate measurement rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return measurements, nil
}

func scanMeasurement(row pgx.Row) (*ingestion.Measurement, error) {
	var (
		id                                pgtype.UUID
		studyID, participantID, siteID    string
		measurementType, value, unit      string
		ts, processedAt                   pgtype.Timestamptz
		qualityScore                      float64
		valueNum, bpSystolic, bpDiastolic *float64
	)

	if err := row.Scan(
		&id, &studyID, &participantID, &siteID, &measurementType,
		&value, &unit, &ts, &qualityScore,
		&valueNum, &bpSystolic, &bpDiastolic, &processedAt,
	); err != nil {
		return nil, err
	}

	return ingestion.ReconstructMeasurement(
		id.Bytes,
		studyID, participantID, siteID,
		ingestion.MeasurementType(measurementType),
		value, unit,
		ts.Time,
		qualityScore,
		valueNum, bpSystolic, bpDiastolic,
		processedAt.Time,
	), nil
}
