package fit

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"dipfit/internal/forward"
	"dipfit/internal/noise"
	"dipfit/pkg/geometry"
)

// ErrInvalidOption is wrapped by every validation error raised before fitting.
var ErrInvalidOption = errors.New("invalid fit option")

// Options controls a dipole fit.
type Options struct {
	// Position fixes the dipole location (head coordinates, m).
	Position *geometry.Vec3
	// Orientation fixes the dipole direction; requires Position.
	Orientation *geometry.Vec3

	MinDist  float64 // Minimum distance to the inner skull, mm
	Rank     noise.Rank
	Accuracy forward.Accuracy
	Tol      float64 // Relative convergence tolerance of the position search
	Workers  int     // Samples fitted concurrently

	GuessGrid    float64 // Guess grid spacing, m
	GuessExclude float64 // Guesses closer than this to the inner skull center are dropped, m

	// Transform maps MRI to head coordinates for surface models.
	Transform *geometry.Transform

	Logger *slog.Logger
}

// DefaultOptions returns the standard fit settings: free position and
// orientation, 5 mm from the inner skull, automatic rank.
func DefaultOptions() Options {
	return Options{
		MinDist:      5,
		Rank:         noise.Rank{Mode: noise.RankAuto},
		Accuracy:     forward.AccuracyNormal,
		Tol:          5e-5,
		Workers:      1,
		GuessGrid:    0.02,
		GuessExclude: 0.02,
	}
}

// WithPosition returns a copy of o with the location fixed.
func (o Options) WithPosition(pos geometry.Vec3) Options {
	o.Position = &pos
	return o
}

// WithOrientation returns a copy of o with the orientation fixed.
func (o Options) WithOrientation(ori geometry.Vec3) Options {
	o.Orientation = &ori
	return o
}

// WithMinDist returns a copy of o with a new minimum distance in mm.
func (o Options) WithMinDist(mm float64) Options {
	o.MinDist = mm
	return o
}

// WithRank returns a copy of o with a new rank policy.
func (o Options) WithRank(r noise.Rank) Options {
	o.Rank = r
	return o
}

// WithAccuracy returns a copy of o with a new coil integration accuracy.
func (o Options) WithAccuracy(a forward.Accuracy) Options {
	o.Accuracy = a
	return o
}

// WithTol returns a copy of o with a new search tolerance.
func (o Options) WithTol(tol float64) Options {
	o.Tol = tol
	return o
}

// WithWorkers returns a copy of o fitting n samples concurrently.
func (o Options) WithWorkers(n int) Options {
	o.Workers = n
	return o
}

// WithTransform returns a copy of o with an MRI to head transform.
func (o Options) WithTransform(t geometry.Transform) Options {
	o.Transform = &t
	return o
}

// WithLogger returns a copy of o logging to l.
func (o Options) WithLogger(l *slog.Logger) Options {
	o.Logger = l
	return o
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOption, fmt.Sprintf(format, args...))
}

// Validate checks the options that do not depend on the data or model.
func (o Options) Validate() error {
	if o.Orientation != nil && o.Position == nil {
		return invalid("pos must be provided if ori is given")
	}
	if o.Position != nil && !o.Position.IsFinite() {
		return invalid("pos must be finite, got %v", *o.Position)
	}
	if o.Orientation != nil {
		n := o.Orientation.Norm()
		if !o.Orientation.IsFinite() || math.Abs(n-1) > 1e-6 {
			return invalid("ori must be a unit vector, got norm %g", n)
		}
	}
	if !(o.MinDist > 0) {
		return invalid("min_dist should be positive, got %g", o.MinDist)
	}
	switch o.Accuracy {
	case forward.AccuracyNormal, forward.AccuracyAccurate:
	default:
		return invalid("accuracy must be \"normal\" or \"accurate\", got %d", int(o.Accuracy))
	}
	switch o.Rank.Mode {
	case noise.RankAuto, noise.RankInfo:
	case noise.RankExplicit:
		if o.Rank.Value <= 0 {
			return invalid("rank must be positive, got %d", o.Rank.Value)
		}
	default:
		return invalid("rank must be \"auto\", \"info\" or an integer, got mode %d", int(o.Rank.Mode))
	}
	if !(o.Tol > 0) {
		return invalid("tol must be positive, got %g", o.Tol)
	}
	if o.Workers < 1 {
		return invalid("workers must be at least 1, got %d", o.Workers)
	}
	if !(o.GuessGrid > 0) || o.GuessExclude < 0 {
		return invalid("guess grid %g and exclusion %g must be positive", o.GuessGrid, o.GuessExclude)
	}
	return nil
}
