package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinipipe/clinipipe/internal/domain/ingestion"
	"github.com/clinipipe/clinipipe/internal/etl"
	"github.com/clinipipe/clinipipe/internal/infra/storage"
)

func setupMeasurementTest(t *testing.T) (context.Context, *pgxpool.Pool, *measurementStore) {
	t.Helper()

	pool := storage.SetupTestContainer(t)
	return context.Background(), pool, NewMeasurementStore(pool, storage.NoOpTracer())
}

// loadRow runs a candidate through the real pipeline stages so scores and
// derived fields stay consistent with what production writes.
func loadRow(t *testing.T, rowNumber int, mutate func(c *ingestion.Candidate)) ingestion.LoadRow {
	t.Helper()

	c := ingestion.Candidate{
		RowNumber:       rowNumber,
		StudyID:         "STUDY-001",
		ParticipantID:   "P-042",
		SiteID:          "SITE-07",
		MeasurementType: ingestion.MeasurementTypeWeight,
		Value:           "82.5",
		Unit:            "kg",
		Timestamp:       time.Date(2024, 6, 15, 8, 30, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(&c)
	}

	m, err := etl.NewProcessor().Process(c, time.Date(2024, 6, 16, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return ingestion.LoadRow{RowNumber: rowNumber, Measurement: m}
}

func queryBuckets(t *testing.T, ctx context.Context, pool *pgxpool.Pool, filter ingestion.AggregateFilter) []ingestion.AggregateBucket {
	t.Helper()

	buckets, err := NewAggregateStore(pool, storage.NoOpTracer()).QueryBuckets(ctx, filter)
	require.NoError(t, err)
	return buckets
}

func TestMeasurementStore_LoadBatch_Empty(t *testing.T) {
	t.Parallel()
	ctx, _, store := setupMeasurementTest(t)

	result, err := store.LoadBatch(ctx, nil, etl.DefaultQualityThreshold)
	require.NoError(t, err)
	assert.Zero(t, result.Loaded)
	assert.Zero(t, result.Inserted)
	assert.Empty(t, result.Rejections)
}

func TestMeasurementStore_LoadBatch_InsertsAndAggregates(t *testing.T) {
	t.Parallel()
	ctx, pool, store := setupMeasurementTest(t)

	rows := []ingestion.LoadRow{
		loadRow(t, 1, func(c *ingestion.Candidate) { c.Value = "120" }),
		loadRow(t, 2, func(c *ingestion.Candidate) {
			c.Value = "80"
			c.Timestamp = time.Date(2024, 6, 15, 20, 0, 0, 0, time.UTC)
		}),
		loadRow(t, 3, func(c *ingestion.Candidate) {
			c.MeasurementType = ingestion.MeasurementTypeBloodPressure
			c.Value = "120/80"
			c.Unit = "mmHg"
		}),
	}

	result, err := store.LoadBatch(ctx, rows, etl.DefaultQualityThreshold)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Loaded)
	assert.Equal(t, int64(3), result.Inserted)
	assert.Empty(t, result.Rejections)

	measurements, err := store.ListMeasurements(ctx, ingestion.MeasurementFilter{StudyID: "STUDY-001"})
	require.NoError(t, err)
	require.Len(t, measurements, 3)

	weightBuckets := queryBuckets(t, ctx, pool, ingestion.AggregateFilter{
		StudyID:         "STUDY-001",
		MeasurementType: ingestion.MeasurementTypeWeight,
	})
	require.Len(t, weightBuckets, 1)

	weight := weightBuckets[0]
	assert.Equal(t, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC), weight.Key.Day)
	assert.Equal(t, "P-042", weight.Key.ParticipantID)
	assert.Equal(t, int64(2), weight.MeasurementCount)
	assert.Equal(t, int64(2), weight.ValueSampleCount)
	require.NotNil(t, weight.AvgValue)
	assert.InDelta(t, 100, *weight.AvgValue, 1e-9)
	assert.InDelta(t, 80, *weight.MinValue, 1e-9)
	assert.InDelta(t, 120, *weight.MaxValue, 1e-9)
	assert.Equal(t, int64(0), weight.BPSampleCount)
	assert.Nil(t, weight.AvgSystolic)

	bpBuckets := queryBuckets(t, ctx, pool, ingestion.AggregateFilter{
		StudyID:         "STUDY-001",
		MeasurementType: ingestion.MeasurementTypeBloodPressure,
	})
	require.Len(t, bpBuckets, 1)

	bp := bpBuckets[0]
	assert.Equal(t, int64(1), bp.MeasurementCount)
	assert.Equal(t, int64(1), bp.BPSampleCount)
	assert.Nil(t, bp.AvgValue, "blood pressure rows never feed the numeric mean")
	require.NotNil(t, bp.AvgSystolic)
	assert.InDelta(t, 120, *bp.AvgSystolic, 1e-9)
	assert.InDelta(t, 80, *bp.AvgDiastolic, 1e-9)
}

func TestMeasurementStore_LoadBatch_RoundTripsFields(t *testing.T) {
	t.Parallel()
	ctx, _, store := setupMeasurementTest(t)

	row := loadRow(t, 1, func(c *ingestion.Candidate) { c.Value = "95.5" })
	_, err := store.LoadBatch(ctx, []ingestion.LoadRow{row}, etl.DefaultQualityThreshold)
	require.NoError(t, err)

	measurements, err := store.ListMeasurements(ctx, ingestion.MeasurementFilter{StudyID: "STUDY-001"})
	require.NoError(t, err)
	require.Len(t, measurements, 1)

	got, want := measurements[0], row.Measurement
	assert.Equal(t, want.ID(), got.ID())
	assert.Equal(t, want.StudyID(), got.StudyID())
	assert.Equal(t, want.ParticipantID(), got.ParticipantID())
	assert.Equal(t, want.SiteID(), got.SiteID())
	assert.Equal(t, want.MeasurementType(), got.MeasurementType())
	assert.Equal(t, "95.5", got.Value())
	assert.Equal(t, "kg", got.Unit())
	assert.True(t, got.Timestamp().Equal(want.Timestamp()))
	assert.Equal(t, want.QualityScore(), got.QualityScore())
	require.NotNil(t, got.ValueNum())
	assert.InDelta(t, 95.5, *got.ValueNum(), 1e-9)
	assert.Nil(t, got.BPSystolic())
}

func TestMeasurementStore_LoadBatch_ReloadIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx, pool, store := setupMeasurementTest(t)

	rows := []ingestion.LoadRow{
		loadRow(t, 1, func(c *ingestion.Candidate) { c.Value = "120" }),
		loadRow(t, 2, func(c *ingestion.Candidate) {
			c.Value = "80"
			c.Timestamp = time.Date(2024, 6, 15, 20, 0, 0, 0, time.UTC)
		}),
	}

	first, err := store.LoadBatch(ctx, rows, etl.DefaultQualityThreshold)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Inserted)

	second, err := store.LoadBatch(ctx, rows, etl.DefaultQualityThreshold)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Loaded, "rows are still accepted on reload")
	assert.Equal(t, int64(0), second.Inserted, "nothing new is written on reload")

	measurements, err := store.ListMeasurements(ctx, ingestion.MeasurementFilter{StudyID: "STUDY-001"})
	require.NoError(t, err)
	assert.Len(t, measurements, 2, "reload must not duplicate rows")

	buckets := queryBuckets(t, ctx, pool, ingestion.AggregateFilter{StudyID: "STUDY-001"})
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(2), buckets[0].MeasurementCount, "reload must not double count the rollup")
	assert.InDelta(t, 100, *buckets[0].AvgValue, 1e-9)
}

func TestMeasurementStore_LoadBatch_MergesAcrossBatches(t *testing.T) {
	t.Parallel()
	ctx, pool, store := setupMeasurementTest(t)

	batchOne := []ingestion.LoadRow{
		loadRow(t, 1, func(c *ingestion.Candidate) { c.Value = "120" }),
	}
	batchTwo := []ingestion.LoadRow{
		loadRow(t, 2, func(c *ingestion.Candidate) {
			c.Value = "80"
			c.Timestamp = time.Date(2024, 6, 15, 21, 0, 0, 0, time.UTC)
		}),
	}

	_, err := store.LoadBatch(ctx, batchOne, etl.DefaultQualityThreshold)
	require.NoError(t, err)
	_, err = store.LoadBatch(ctx, batchTwo, etl.DefaultQualityThreshold)
	require.NoError(t, err)

	buckets := queryBuckets(t, ctx, pool, ingestion.AggregateFilter{StudyID: "STUDY-001"})
	require.Len(t, buckets, 1)

	bucket := buckets[0]
	assert.Equal(t, int64(2), bucket.MeasurementCount)
	require.NotNil(t, bucket.AvgValue)
	assert.InDelta(t, 100, *bucket.AvgValue, 1e-9, "merge must weight means by sample count")
	assert.InDelta(t, 80, *bucket.MinValue, 1e-9)
	assert.InDelta(t, 120, *bucket.MaxValue, 1e-9)
}

func TestMeasurementStore_LoadBatch_TracksLowQuality(t *testing.T) {
	t.Parallel()
	ctx, pool, store := setupMeasurementTest(t)

	rows := []ingestion.LoadRow{
		loadRow(t, 1, nil), // clean, scores 1.0
		loadRow(t, 2, func(c *ingestion.Candidate) {
			c.Value = "83"
			c.Unit = "" // scores 0.90, below the threshold
			c.Timestamp = time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
		}),
	}

	_, err := store.LoadBatch(ctx, rows, etl.DefaultQualityThreshold)
	require.NoError(t, err)

	buckets := queryBuckets(t, ctx, pool, ingestion.AggregateFilter{StudyID: "STUDY-001"})
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(1), buckets[0].LowQualityCount)
	assert.InDelta(t, 0.95, buckets[0].AvgQualityScore, 1e-9)
}

func TestMeasurementStore_LoadBatch_IsolatesDanglingReferences(t *testing.T) {
	t.Parallel()
	ctx, pool, store := setupMeasurementTest(t)

	// Simulate the dimension race: a participant row that vanishes between the
	// dimension upsert and the measurement insert surfaces as a foreign key
	// violation on exactly that row.
	_, err := pool.Exec(ctx, `
		CREATE FUNCTION reject_phantom_participant() RETURNS trigger AS $$
		BEGIN
			IF NEW.participant_id = 'P-MISSING' THEN
				RAISE EXCEPTION 'insert violates foreign key constraint'
					USING ERRCODE = '23503',
					DETAIL = 'Key (participant_id)=(P-MISSING) is not present in table "participants".';
			END IF;
			RETURN NEW;
		END $$ LANGUAGE plpgsql;

		CREATE TRIGGER measurements_reject_phantom
			BEFORE INSERT ON measurements
			FOR EACH ROW EXECUTE FUNCTION reject_phantom_participant();`)
	require.NoError(t, err)

	rows := []ingestion.LoadRow{
		loadRow(t, 1, func(c *ingestion.Candidate) { c.Value = "120" }),
		loadRow(t, 2, func(c *ingestion.Candidate) {
			c.ParticipantID = "P-MISSING"
			c.Value = "99"
		}),
		loadRow(t, 3, func(c *ingestion.Candidate) {
			c.Value = "80"
			c.Timestamp = time.Date(2024, 6, 15, 20, 0, 0, 0, time.UTC)
		}),
	}

	result, err := store.LoadBatch(ctx, rows, etl.DefaultQualityThreshold)
	require.NoError(t, err, "a dangling reference must not fail the batch")

	assert.Equal(t, int64(2), result.Loaded)
	assert.Equal(t, int64(2), result.Inserted)
	require.Len(t, result.Rejections, 1)
	assert.Equal(t, 2, result.Rejections[0].RowNumber)
	assert.Equal(t, ingestion.RejectionReferenceNotFound, result.Rejections[0].Reason)
	assert.Contains(t, result.Rejections[0].Detail, "P-MISSING")

	measurements, err := store.ListMeasurements(ctx, ingestion.MeasurementFilter{StudyID: "STUDY-001"})
	require.NoError(t, err)
	assert.Len(t, measurements, 2, "healthy rows survive the fallback")

	buckets := queryBuckets(t, ctx, pool, ingestion.AggregateFilter{StudyID: "STUDY-001"})
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(2), buckets[0].MeasurementCount, "rejected rows never reach the rollup")
}

func TestMeasurementStore_LoadBatch_KeepsEarliestEnrollment(t *testing.T) {
	t.Parallel()
	ctx, pool, store := setupMeasurementTest(t)

	later := []ingestion.LoadRow{
		loadRow(t, 1, func(c *ingestion.Candidate) {
			c.Timestamp = time.Date(2024, 6, 20, 8, 0, 0, 0, time.UTC)
		}),
	}
	earlier := []ingestion.LoadRow{
		loadRow(t, 2, func(c *ingestion.Candidate) {
			c.Value = "81"
			c.Timestamp = time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)
		}),
	}

	_, err := store.LoadBatch(ctx, later, etl.DefaultQualityThreshold)
	require.NoError(t, err)
	_, err = store.LoadBatch(ctx, earlier, etl.DefaultQualityThreshold)
	require.NoError(t, err)

	var enrolledAt time.Time
	err = pool.QueryRow(ctx, `
		SELECT enrolled_at FROM participant_enrollments
		WHERE participant_id = 'P-042' AND study_id = 'STUDY-001'`).Scan(&enrolledAt)
	require.NoError(t, err)
	assert.True(t, enrolledAt.Equal(time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)),
		"enrollment keeps the earliest observation seen")
}

func TestMeasurementStore_ListMeasurements_Filters(t *testing.T) {
	t.Parallel()
	ctx, _, store := setupMeasurementTest(t)

	rows := []ingestion.LoadRow{
		loadRow(t, 1, nil),
		loadRow(t, 2, func(c *ingestion.Candidate) {
			c.ParticipantID = "P-043"
			c.Value = "77"
		}),
		loadRow(t, 3, func(c *ingestion.Candidate) {
			c.MeasurementType = ingestion.MeasurementTypeHeartRate
			c.Value = "72"
			c.Unit = "bpm"
			c.Timestamp = time.Date(2024, 6, 18, 9, 0, 0, 0, time.UTC)
		}),
		loadRow(t, 4, func(c *ingestion.Candidate) {
			c.ParticipantID = "P-044"
			c.Unit = "" // missing unit drops the quality score below 1.0
		}),
	}
	_, err := store.LoadBatch(ctx, rows, etl.DefaultQualityThreshold)
	require.NoError(t, err)

	byParticipant, err := store.ListMeasurements(ctx, ingestion.MeasurementFilter{
		StudyID:       "STUDY-001",
		ParticipantID: "P-043",
	})
	require.NoError(t, err)
	require.Len(t, byParticipant, 1)
	assert.Equal(t, "P-043", byParticipant[0].ParticipantID())

	byType, err := store.ListMeasurements(ctx, ingestion.MeasurementFilter{
		StudyID:         "STUDY-001",
		MeasurementType: ingestion.MeasurementTypeHeartRate,
	})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, ingestion.MeasurementTypeHeartRate, byType[0].MeasurementType())

	byUnit, err := store.ListMeasurements(ctx, ingestion.MeasurementFilter{Unit: "bpm"})
	require.NoError(t, err)
	require.Len(t, byUnit, 1)
	assert.Equal(t, "bpm", byUnit[0].Unit())

	byRange, err := store.ListMeasurements(ctx, ingestion.MeasurementFilter{
		From: time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 6, 19, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, byRange, 1)
	assert.Equal(t, ingestion.MeasurementTypeHeartRate, byRange[0].MeasurementType())

	minQuality := 0.95
	byQuality, err := store.ListMeasurements(ctx, ingestion.MeasurementFilter{
		MinQuality: &minQuality,
	})
	require.NoError(t, err)
	require.Len(t, byQuality, 3)
	for _, m := range byQuality {
		assert.NotEqual(t, "P-044", m.ParticipantID())
	}

	limited, err := store.ListMeasurements(ctx, ingestion.MeasurementFilter{
		StudyID: "STUDY-001",
		Limit:   2,
	})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	// Offset pages past the newest rows; ordering is ts DESC.
	paged, err := store.ListMeasurements(ctx, ingestion.MeasurementFilter{
		Limit:  10,
		Offset: 1,
	})
	require.NoError(t, err)
	assert.Len(t, paged, 3)
}
