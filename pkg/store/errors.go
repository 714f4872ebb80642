package store

import "errors"

var (
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrUnitNotFound        = errors.New("unit not found")
	ErrNoPendingUnit       = errors.New("no pending unit")
	ErrTrackIndexRange     = errors.New("track index out of range")
)
