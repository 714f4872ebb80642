package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/psantana5/evalfarm/pkg/models"
)

// ErrInvalidTransition is returned when a unit cannot move to the requested status
var ErrInvalidTransition = errors.New("invalid status transition")

// WithStatus narrows f to units whose derived status is status
func (f Filter) WithStatus(status models.UnitStatus) (Filter, error) {
	switch status {
	case models.UnitStatusPending:
		f.Started = Bool(false)
		f.Finished = Bool(false)
		f.Failed = Bool(false)
		f.PermanentlyFailed = Bool(false)
	case models.UnitStatusInProgress:
		f.Started = Bool(true)
		f.Finished = Bool(false)
		f.PermanentlyFailed = Bool(false)
	case models.UnitStatusFailed:
		f.Started = Bool(false)
		f.Finished = Bool(false)
		f.Failed = Bool(true)
		f.PermanentlyFailed = Bool(false)
	case models.UnitStatusFinished:
		f.Finished = Bool(true)
		f.PermanentlyFailed = Bool(false)
	case models.UnitStatusPermanentlyFailed:
		f.PermanentlyFailed = Bool(true)
	default:
		return f, fmt.Errorf("unknown status %q", status)
	}
	return f, nil
}

// Requeue puts a unit back into the pending state with a fresh attempt
// budget. Result slots are zeroed by the next claim.
func Requeue(ctx context.Context, s Store, id string) (*models.EvaluationUnit, error) {
	unit, err := s.GetUnit(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateTransition(unit.Status(), models.UnitStatusPending); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}

	guard := Filter{
		Started:           Bool(unit.Started),
		Finished:          Bool(unit.Finished),
		PermanentlyFailed: Bool(unit.PermanentlyFailed),
	}
	ok, err := s.UpdateFieldsIf(ctx, id, guard, Fields{
		Started:           Bool(false),
		Finished:          Bool(false),
		Failed:            Bool(false),
		Error:             String(""),
		JustFailed:        Bool(false),
		Attempts:          Int(0),
		PermanentlyFailed: Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to requeue unit: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: unit %s changed while requeueing", ErrInvalidTransition, id)
	}
	return s.GetUnit(ctx, id)
}
