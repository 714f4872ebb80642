package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/evalfarm/pkg/models"
)

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	unit, err := s.UpsertUnit(ctx, models.NewEvaluationUnit(1, 1, 1, []string{"a"}, []float64{30}, nil))
	require.NoError(t, err)

	_, err = Requeue(ctx, s, unit.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending unit cannot be requeued")

	require.NoError(t, s.UpdateFields(ctx, unit.ID, Fields{
		Failed:            Bool(true),
		Error:             String("boom"),
		Attempts:          Int(3),
		PermanentlyFailed: Bool(true),
	}))

	got, err := Requeue(ctx, s, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusPending, got.Status())
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.Error)

	_, err = Requeue(ctx, s, "missing")
	assert.ErrorIs(t, err, ErrUnitNotFound)
}

func TestWithStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 1; i <= 3; i++ {
		_, err := s.UpsertUnit(ctx, models.NewEvaluationUnit(1, 1, i, []string{"a"}, []float64{30}, nil))
		require.NoError(t, err)
	}
	claimed, err := s.ClaimOnePending(ctx, ClaimRequest{Hostname: "h_0"})
	require.NoError(t, err)

	for status, want := range map[models.UnitStatus]int{
		models.UnitStatusPending:    2,
		models.UnitStatusInProgress: 1,
		models.UnitStatusFinished:   0,
	} {
		f, err := GenerationFilter(1, 1, "").WithStatus(status)
		require.NoError(t, err)
		n, err := s.CountMatching(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, want, n, string(status))
	}

	f, err := Filter{}.WithStatus(models.UnitStatusInProgress)
	require.NoError(t, err)
	units, err := s.FindAll(ctx, f, SortFIFO)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, claimed.ID, units[0].ID)

	_, err = Filter{}.WithStatus("bogus")
	assert.Error(t, err)
}
