package fit

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"dipfit/internal/forward"
	"dipfit/internal/noise"
	"dipfit/pkg/geometry"
)

const (
	// minGuessDist is the smallest distance between a guess and the inner skull, m.
	minGuessDist = 0.005
	// penaltyScale converts a constraint violation in m into objective units.
	penaltyScale = 1000
	// failedObjective is returned where the leadfield cannot be evaluated.
	failedObjective = 2
)

// simplexSizes are the initial Nelder-Mead simplex sizes of the coarse and
// the refining search, m.
var simplexSizes = []float64{0.01, 0.002}

// problem holds everything shared by the per-sample fits. It is read-only
// once built.
type problem struct {
	model   forward.Model
	sensors []forward.Sensor
	acc     forward.Accuracy
	white   *noise.Whitener
	skull   forward.Boundary
	minDist float64 // m
	tol     float64
	guesses []guess
}

type guess struct {
	pos   geometry.Vec3
	basis *basis
}

// leadfield returns the raw and the whitened leadfield at r.
func (p *problem) leadfield(r geometry.Vec3) (*mat.Dense, *mat.Dense, error) {
	lf, err := p.model.Leadfield(r, p.sensors, p.acc)
	if err != nil {
		return nil, nil, err
	}
	return lf, p.white.ApplyMatrix(lf), nil
}

// makeGuesses lays a cubic grid over the inner skull and precomputes the
// field basis of every point that is far enough from the boundary and from
// the center.
func (p *problem) makeGuesses(grid, exclude float64) error {
	center := p.skull.Center()
	box := p.skull.Bounds()
	limit := math.Max(minGuessDist, p.minDist)
	lo := box.Min.Sub(center)
	hi := box.Max.Sub(center)

	var pts []geometry.Vec3
	for i := math.Ceil(lo.X / grid); i <= math.Floor(hi.X/grid); i++ {
		for j := math.Ceil(lo.Y / grid); j <= math.Floor(hi.Y/grid); j++ {
			for k := math.Ceil(lo.Z / grid); k <= math.Floor(hi.Z/grid); k++ {
				r := center.Add(geometry.NewVec3(i*grid, j*grid, k*grid))
				if p.skull.Distance(r) < limit || r.Distance(center) < exclude {
					continue
				}
				pts = append(pts, r)
			}
		}
	}
	if len(pts) == 0 {
		pts = []geometry.Vec3{center}
	}

	p.guesses = p.guesses[:0]
	for _, r := range pts {
		_, lw, err := p.leadfield(r)
		if err != nil {
			return fmt.Errorf("guess at %v: %w", r, err)
		}
		bs, err := newBasis(lw)
		if err != nil {
			return fmt.Errorf("guess at %v: %w", r, err)
		}
		p.guesses = append(p.guesses, guess{pos: r, basis: bs})
	}
	return nil
}

// bestGuess returns the guess explaining the largest share of b.
func (p *problem) bestGuess(b []float64, b2 float64) geometry.Vec3 {
	best, bestGOF := p.guesses[0].pos, -1.0
	for _, g := range p.guesses {
		if gof := g.basis.explained(b, b2); gof > bestGOF {
			best, bestGOF = g.pos, gof
		}
	}
	return best
}

// objective is 1 - gof at a candidate location. Locations closer than
// minDist to the inner skull are penalized without evaluating the field.
func (p *problem) objective(b []float64, b2 float64) func(x []float64) float64 {
	return func(x []float64) float64 {
		r := geometry.FromSlice(x)
		if v := p.minDist - p.skull.Distance(r); v > 0 {
			return 1 + penaltyScale*v
		}
		_, lw, err := p.leadfield(r)
		if err != nil {
			return failedObjective
		}
		bs, err := newBasis(lw)
		if err != nil {
			return failedObjective
		}
		return 1 - bs.explained(b, b2)
	}
}

// search minimizes the objective starting from the best guess.
func (p *problem) search(ctx context.Context, b []float64, b2 float64) (geometry.Vec3, error) {
	x := p.bestGuess(b, b2).Slice()
	prob := optimize.Problem{Func: p.objective(b, b2)}
	for _, size := range simplexSizes {
		if err := ctx.Err(); err != nil {
			return geometry.Vec3{}, err
		}
		settings := &optimize.Settings{
			Converger: &optimize.FunctionConverge{
				Absolute:   1e-14,
				Relative:   p.tol,
				Iterations: 25,
			},
			MajorIterations: 2000,
			FuncEvaluations: 5000,
		}
		res, err := optimize.Minimize(prob, x, settings, &optimize.NelderMead{SimplexSize: size})
		if err != nil {
			return geometry.Vec3{}, fmt.Errorf("position search: %w", err)
		}
		x = res.X
	}
	return geometry.FromSlice(x), nil
}
