// Package fit estimates equivalent current dipoles from averaged sensor data.
package fit

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"dipfit/internal/dipole"
	"dipfit/internal/evoked"
	"dipfit/internal/forward"
	"dipfit/internal/noise"
	"dipfit/pkg/geometry"
)

// Result is the outcome of Fit. Exactly one of Dipole and Fixed is set.
type Result struct {
	Dipole   *dipole.Dipole
	Fixed    *dipole.Fixed
	Residual *evoked.Evoked // Picked channels, data minus prediction
	Warnings []string
	Rank     int // Whitener rank
}

// sampleFit is the solution at one time sample.
type sampleFit struct {
	pos, ori  geometry.Vec3
	amplitude float64
	gof       float64 // Percent
	khi2      float64
	nfree     int
	conf      [6]float64
	residual  []float64
	zero      bool
}

// Fit fits one dipole per time sample of ev.
//
// Channels are the good channels of ev that the covariance also covers.
// With Options.Position set the location is held fixed; with Orientation
// as well the result is a fixed dipole holding only amplitude and gof.
func Fit(ctx context.Context, ev *evoked.Evoked, cov *noise.Covariance, model forward.Model, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if ev == nil || cov == nil || model == nil {
		return nil, invalid("evoked, noise covariance and model are all required")
	}
	if err := ev.Validate(); err != nil {
		return nil, invalid("evoked: %v", err)
	}
	if len(ev.Times) == 0 {
		return nil, invalid("evoked has no time samples")
	}
	if !ev.Finite() {
		return nil, invalid("data must be finite")
	}
	if err := cov.Validate(); err != nil {
		return nil, invalid("noise covariance: %v", err)
	}
	log := opts.logger()

	if opts.Transform != nil {
		var err error
		if model, err = forward.Transformed(model, *opts.Transform); err != nil {
			return nil, invalid("trans: %v", err)
		}
	}
	skull := model.InnerSkull()
	if opts.Position != nil {
		if d := skull.Distance(*opts.Position); d < 0 {
			return nil, invalid("pos %v is outside the inner skull surface (%0.1f mm)", *opts.Position, -d*1000)
		}
	}

	picks := pickChannels(ev, cov)
	if len(picks) == 0 {
		return nil, invalid("no channels left after picking good channels present in the noise covariance")
	}
	if opts.Rank.Mode == noise.RankExplicit && opts.Rank.Value > len(picks) {
		return nil, invalid("rank %d exceeds the %d fit channels", opts.Rank.Value, len(picks))
	}
	data, err := ev.Pick(picks)
	if err != nil {
		return nil, err
	}
	pcov, err := cov.Pick(picks)
	if err != nil {
		return nil, err
	}

	proj, nProj, warnings := buildProjector(data.Projs, picks)
	white, err := noise.NewWhitener(pcov, proj, nProj, opts.Rank)
	if err != nil {
		return nil, fmt.Errorf("whitener: %w", err)
	}

	p := &problem{
		model:   model,
		sensors: data.Sensors,
		acc:     opts.Accuracy,
		white:   white,
		skull:   skull,
		minDist: opts.MinDist / 1000,
		tol:     opts.Tol,
	}
	if opts.Position == nil {
		if err := p.makeGuesses(opts.GuessGrid, opts.GuessExclude); err != nil {
			return nil, err
		}
	}
	log.Info("fitting dipoles",
		"samples", len(data.Times),
		"channels", len(picks),
		"projectors", nProj,
		"rank", white.Rank,
		"guesses", len(p.guesses),
		"workers", opts.Workers)

	fits := make([]sampleFit, len(data.Times))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, t := range data.Times {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, err := p.fitSample(gctx, data.Column(i), opts)
			if err != nil {
				return fmt.Errorf("fitting time %0.1f ms: %w", t*1000, err)
			}
			fits[i] = f
			log.Debug("fitted sample", "time", t, "gof", f.gof, "amplitude", f.amplitude)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, f := range fits {
		if f.zero {
			warnings = append(warnings, fmt.Sprintf("Zero field found for time %g", data.Times[i]))
		}
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	res := &Result{
		Residual: residualOf(data, fits),
		Warnings: warnings,
		Rank:     white.Rank,
	}
	if opts.Position != nil && opts.Orientation != nil {
		res.Fixed, err = fixedOf(data, fits, *opts.Position, *opts.Orientation)
	} else {
		res.Dipole, err = dipoleOf(data, fits)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// pickChannels returns the good channels of ev present in cov, in ev order.
func pickChannels(ev *evoked.Evoked, cov *noise.Covariance) []string {
	index := cov.Index()
	var picks []string
	for _, s := range ev.Sensors {
		if _, ok := index[s.Name]; ok && !ev.IsBad(s.Name) {
			picks = append(picks, s.Name)
		}
	}
	return picks
}

func (p *problem) fitSample(ctx context.Context, raw []float64, opts Options) (sampleFit, error) {
	b := p.white.Apply(raw)
	b2 := floats.Dot(b, b)
	if b2 == 0 {
		return sampleFit{zero: true, residual: raw}, nil
	}

	var pos geometry.Vec3
	if opts.Position != nil {
		pos = *opts.Position
	} else {
		var err error
		if pos, err = p.search(ctx, b, b2); err != nil {
			return sampleFit{}, err
		}
	}
	lf, lw, err := p.leadfield(pos)
	if err != nil {
		return sampleFit{}, err
	}

	f := sampleFit{pos: pos}
	var m moment
	if opts.Orientation != nil {
		m, f.amplitude = solveFixed(lw, *opts.Orientation, b, b2)
		f.ori = *opts.Orientation
	} else {
		if m, err = solveFree(lw, b, b2); err != nil {
			return sampleFit{}, err
		}
		f.amplitude = m.q.Norm()
		if f.amplitude > 0 {
			f.ori = m.q.Scale(1 / f.amplitude)
		}
		if f.conf, err = p.confidence(pos, m.q, lw); err != nil {
			return sampleFit{}, err
		}
	}
	f.gof = math.Min(math.Max(100*m.gof, 0), 100)
	f.khi2 = math.Max(1-m.gof, 0) * b2
	f.nfree = p.white.Rank - m.ncomp

	pred := fieldOf(lf, m.q)
	f.residual = make([]float64, len(raw))
	floats.SubTo(f.residual, raw, pred)
	return f, nil
}

func residualOf(data *evoked.Evoked, fits []sampleFit) *evoked.Evoked {
	res := data.Copy()
	for t, f := range fits {
		for ch := range res.Data {
			res.Data[ch][t] = f.residual[ch]
		}
	}
	return res
}

func dipoleOf(data *evoked.Evoked, fits []sampleFit) (*dipole.Dipole, error) {
	n := len(fits)
	times := append([]float64(nil), data.Times...)
	pos := make([]geometry.Vec3, n)
	ori := make([]geometry.Vec3, n)
	amp := make([]float64, n)
	gof := make([]float64, n)
	khi2 := make([]float64, n)
	nfree := make([]int, n)
	conf := make([][]float64, len(dipole.ConfKinds))
	for k := range conf {
		conf[k] = make([]float64, n)
	}
	for i, f := range fits {
		pos[i], ori[i], amp[i], gof[i] = f.pos, f.ori, f.amplitude, f.gof
		khi2[i], nfree[i] = f.khi2, f.nfree
		for k := range conf {
			conf[k][i] = f.conf[k]
		}
	}
	d, err := dipole.New(times, pos, amp, ori, gof)
	if err != nil {
		return nil, err
	}
	d.Khi2 = khi2
	d.NFree = nfree
	d.Name = data.Comment
	for k, kind := range dipole.ConfKinds {
		d.Conf.Set(kind, conf[k])
	}
	return d, nil
}

func fixedOf(data *evoked.Evoked, fits []sampleFit, pos, ori geometry.Vec3) (*dipole.Fixed, error) {
	amp := make([]float64, len(fits))
	gof := make([]float64, len(fits))
	for i, f := range fits {
		amp[i], gof[i] = f.amplitude, f.gof
	}
	fd, err := dipole.NewFixed(pos, ori, data.Times, amp, gof, data.Nave)
	if err != nil {
		return nil, err
	}
	fd.Comment = data.Comment
	return fd, nil
}
