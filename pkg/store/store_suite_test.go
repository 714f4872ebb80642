package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/evalfarm/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the behaviour every backend must share
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		testUpsertIsIdempotent(t, newStore(t))
	})
	t.Run("ClaimIsFIFO", func(t *testing.T) {
		testClaimIsFIFO(t, newStore(t))
	})
	t.Run("ClaimRespectsMaxAttempts", func(t *testing.T) {
		testClaimRespectsMaxAttempts(t, newStore(t))
	})
	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) {
		testConcurrentClaimsAreExclusive(t, newStore(t))
	})
	t.Run("SetTrackResult", func(t *testing.T) {
		testSetTrackResult(t, newStore(t))
	})
	t.Run("ConditionalUpdate", func(t *testing.T) {
		testConditionalUpdate(t, newStore(t))
	})
	t.Run("QueriesAndCounts", func(t *testing.T) {
		testQueriesAndCounts(t, newStore(t))
	})
	t.Run("ClaimExcludesUnit", func(t *testing.T) {
		testClaimExcludesUnit(t, newStore(t))
	})
	t.Run("FailureCountersSurviveReclaim", func(t *testing.T) {
		testFailureCountersSurviveReclaim(t, newStore(t))
	})
}

func seedUnits(t *testing.T, s Store, generation int, trial float64, n int) []*models.EvaluationUnit {
	t.Helper()
	units := make([]*models.EvaluationUnit, 0, n)
	for i := 1; i <= n; i++ {
		unit := models.NewEvaluationUnit(generation, trial, i, []string{"circuit1_a", "circuit1_b"}, []float64{30, 40}, []byte("controller"))
		unit.GenomeKey = int64(100 + i)
		stored, err := s.UpsertUnit(context.Background(), unit)
		require.NoError(t, err)
		units = append(units, stored)
	}
	return units
}

func testUpsertIsIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	first := seedUnits(t, s, 5, 1, 3)

	claimed, err := s.ClaimOnePending(ctx, ClaimRequest{Hostname: "host_0"})
	require.NoError(t, err)
	require.Equal(t, first[0].ID, claimed.ID)

	second := seedUnits(t, s, 5, 1, 3)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID, "upsert must keep the unit identity")
		assert.False(t, second[i].Started)
		assert.Equal(t, 0, second[i].Attempts)
		assert.Len(t, second[i].Results, 2)
		assert.Equal(t, -1.0, second[i].Results[0].Time)
	}

	count, err := s.CountMatching(ctx, GenerationFilter(5, 1, ""))
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func testClaimIsFIFO(t *testing.T, s Store) {
	ctx := context.Background()
	seedUnits(t, s, 2, 1, 1)
	seedUnits(t, s, 1, 1, 2)

	expected := []struct{ generation, individual int }{{1, 1}, {1, 2}, {2, 1}}
	for _, want := range expected {
		unit, err := s.ClaimOnePending(ctx, ClaimRequest{Hostname: "host_0"})
		require.NoError(t, err)
		assert.Equal(t, want.generation, unit.Generation)
		assert.Equal(t, want.individual, unit.IndividualNum)
		assert.True(t, unit.Started)
		assert.Equal(t, "host_0", unit.Hostname)
		assert.Equal(t, 1, unit.Attempts)
		require.NotNil(t, unit.StartedAt)
		assert.WithinDuration(t, time.Now(), *unit.StartedAt, time.Minute)
	}

	_, err := s.ClaimOnePending(ctx, ClaimRequest{Hostname: "host_0"})
	assert.True(t, errors.Is(err, ErrNoPendingUnit))
}

func testClaimRespectsMaxAttempts(t *testing.T, s Store) {
	ctx := context.Background()
	seedUnits(t, s, 1, 1, 1)

	unit, err := s.ClaimOnePending(ctx, ClaimRequest{Hostname: "host_0", MaxAttempts: 1})
	require.NoError(t, err)

	require.NoError(t, s.UpdateFields(ctx, unit.ID, Fields{
		Started: Bool(false),
		Failed:  Bool(true),
		Error:   String("boom"),
	}))

	_, err = s.ClaimOnePending(ctx, ClaimRequest{Hostname: "host_1", MaxAttempts: 1})
	assert.True(t, errors.Is(err, ErrNoPendingUnit))

	again, err := s.ClaimOnePending(ctx, ClaimRequest{Hostname: "host_1", MaxAttempts: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, again.Attempts)
	assert.Equal(t, "boom", again.Error)
}

func testConcurrentClaimsAreExclusive(t *testing.T, s Store) {
	ctx := context.Background()
	seedUnits(t, s, 1, 1, 1)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimOnePending(ctx, ClaimRequest{Hostname: "racer"})
			if err == nil {
				mu.Lock()
				claims++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrNoPendingUnit) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claims, "exactly one worker must win the claim")
}

func testSetTrackResult(t *testing.T, s Store) {
	ctx := context.Background()
	seedUnits(t, s, 1, 1, 1)
	unit, err := s.ClaimOnePending(ctx, ClaimRequest{Hostname: "owner_0"})
	require.NoError(t, err)

	result := models.TrackResult{Completion: 100, Time: 25, Runtime: 27, FrameCount: 700, EndFrame: 760, FrameRate: 29.5, Autopsy: models.AutopsyCompleted}
	ok, err := s.SetTrackResult(ctx, unit.ID, "owner_0", 1, result)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetTrackResult(ctx, unit.ID, "intruder_0", 0, result)
	require.NoError(t, err)
	assert.False(t, ok, "a non-owner must not write results")

	_, err = s.SetTrackResult(ctx, unit.ID, "owner_0", 5, result)
	assert.True(t, errors.Is(err, ErrTrackIndexRange))

	slower := result
	slower.FrameRate = 28.0
	_, err = s.SetTrackResult(ctx, unit.ID, "owner_0", 0, slower)
	require.NoError(t, err)

	got, err := s.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, result, got.Results[1])
	assert.Equal(t, 28.0, got.FrameRate)

	ok, err = s.ResetResults(ctx, unit.ID, "owner_0")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ZeroResults(2), got.Results)
	assert.Equal(t, 0.0, got.FrameRate)
}

func testConditionalUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	units := seedUnits(t, s, 1, 1, 1)

	ok, err := s.UpdateFieldsIf(ctx, units[0].ID, Filter{Started: Bool(true)}, Fields{Error: String("Timeout")})
	require.NoError(t, err)
	assert.False(t, ok, "guard on started must reject a pending unit")

	_, err = s.ClaimOnePending(ctx, ClaimRequest{Hostname: "host_0"})
	require.NoError(t, err)

	release := Fields{Started: Bool(false), Failed: Bool(true), Error: String("Timeout")}
	ok, err = s.UpdateFieldsIf(ctx, units[0].ID, Filter{Started: Bool(true)}, release)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdateFieldsIf(ctx, units[0].ID, Filter{Started: Bool(true)}, release)
	require.NoError(t, err)
	assert.False(t, ok, "the second release must be a no-op")

	fitness := 42.5
	require.NoError(t, s.UpdateFields(ctx, units[0].ID, Fields{Fitness: &fitness, TrackFitness: []float64{30, 12.5}}))
	got, err := s.GetUnit(ctx, units[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got.Fitness)
	assert.Equal(t, 42.5, *got.Fitness)
	assert.Equal(t, []float64{30, 12.5}, got.TrackFitness)
	assert.Equal(t, "Timeout", got.Error)
	assert.Equal(t, models.UnitStatusFailed, got.Status())

	_, err = s.GetUnit(ctx, "missing")
	assert.True(t, errors.Is(err, ErrUnitNotFound))
}

func testQueriesAndCounts(t *testing.T, s Store) {
	ctx := context.Background()
	seedUnits(t, s, 3, 2, 4)
	gen := GenerationFilter(3, 2, "")

	a, err := s.ClaimOnePending(ctx, ClaimRequest{Hostname: "alpha_0"})
	require.NoError(t, err)
	_, err = s.ClaimOnePending(ctx, ClaimRequest{Hostname: "beta_1"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateFields(ctx, a.ID, Fields{Finished: Bool(true), FinishedAt: Time(time.Now())}))

	pending, err := s.CountMatching(ctx, gen.Pending())
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	inProgress, err := s.CountMatching(ctx, gen.InProgress())
	require.NoError(t, err)
	assert.Equal(t, 1, inProgress)

	finished, err := s.FindAll(ctx, gen.Done(), SortFIFO)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, a.ID, finished[0].ID)

	hosts, err := s.DistinctHostnames(ctx, gen.InProgress())
	require.NoError(t, err)
	assert.Equal(t, []string{"beta_1"}, hosts)

	byKey, err := s.FindOne(ctx, Filter{Generation: Int(3), Trial: Float(2), GenomeKey: Int64(103)})
	require.NoError(t, err)
	assert.Equal(t, 3, byKey.IndividualNum)
	assert.Equal(t, []byte("controller"), byKey.SerializedController)
}

func testClaimExcludesUnit(t *testing.T, s Store) {
	ctx := context.Background()
	units := seedUnits(t, s, 1, 1, 2)

	claimed, err := s.ClaimOnePending(ctx, ClaimRequest{Hostname: "host_0", ExcludeID: units[0].ID})
	require.NoError(t, err)
	assert.Equal(t, units[1].ID, claimed.ID)

	_, err = s.ClaimOnePending(ctx, ClaimRequest{Hostname: "host_0", ExcludeID: units[0].ID})
	assert.ErrorIs(t, err, ErrNoPendingUnit)

	claimed, err = s.ClaimOnePending(ctx, ClaimRequest{Hostname: "host_0"})
	require.NoError(t, err)
	assert.Equal(t, units[0].ID, claimed.ID)
}

func testFailureCountersSurviveReclaim(t *testing.T, s Store) {
	ctx := context.Background()
	units := seedUnits(t, s, 1, 1, 1)
	id := units[0].ID
	release := Fields{
		Started:    Bool(false),
		Failed:     Bool(true),
		JustFailed: Bool(true),
		AddFailure: true,
	}

	for i := 0; i < 2; i++ {
		_, err := s.ClaimOnePending(ctx, ClaimRequest{Hostname: "host_0"})
		require.NoError(t, err)
		fields := release
		fields.AddLowFrameRate = i == 1
		require.NoError(t, s.UpdateFields(ctx, id, fields))
	}
	_, err := s.ClaimOnePending(ctx, ClaimRequest{Hostname: "host_0"})
	require.NoError(t, err)

	got, err := s.GetUnit(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.JustFailed, "claim clears the just failed flag")
	assert.Equal(t, 2, got.Failures)
	assert.Equal(t, 1, got.LowFrameRateFailures)
	failed, lowFrameRate := got.UnackedFailures()
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, lowFrameRate)

	n, err := s.CountMatching(ctx, Filter{Unacked: Bool(true)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale := Filter{AckedFailures: Int(1), AckedLowFrameRate: Int(0)}
	ok, err := s.UpdateFieldsIf(ctx, id, stale, Fields{AckedFailures: Int(2)})
	require.NoError(t, err)
	assert.False(t, ok)

	current := Filter{AckedFailures: Int(0), AckedLowFrameRate: Int(0)}
	ok, err = s.UpdateFieldsIf(ctx, id, current, Fields{AckedFailures: Int(2), AckedLowFrameRate: Int(1)})
	require.NoError(t, err)
	assert.True(t, ok)

	n, err = s.CountMatching(ctx, Filter{Unacked: Bool(true)})
	require.NoError(t, err)
	assert.Zero(t, n)

	reseeded, err := s.UpsertUnit(ctx, models.NewEvaluationUnit(1, 1, 1, []string{"circuit1_a", "circuit1_b"}, []float64{30, 40}, []byte("controller")))
	require.NoError(t, err)
	assert.Zero(t, reseeded.Failures)
	assert.Zero(t, reseeded.AckedFailures)
}
