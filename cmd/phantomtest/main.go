// Command phantomtest simulates the dipoles of a calibration phantom, fits
// them back and prints the localization errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"dipfit/internal/dipole"
	"dipfit/internal/evoked"
	"dipfit/internal/fit"
	"dipfit/internal/forward"
	"dipfit/internal/logging"
	"dipfit/internal/noise"
	"dipfit/pkg/geometry"
)

func main() {
	kind := flag.String("k", "vectorview", "Phantom kind (vectorview, otaniemi)")
	nLoc := flag.Int("n", 102, "Number of sensor locations")
	amp := flag.Float64("a", 100, "Dipole amplitude, nAm")
	snr := flag.Float64("noise", 1, "Noise level relative to ad-hoc sensor noise")
	seed := flag.Uint64("seed", 1, "Random seed")
	workers := flag.Int("j", 4, "Samples fitted concurrently")
	verbose := flag.Bool("v", false, "Print every dipole")
	logLevel := flag.String("log", "warn", "Log level")
	flag.Parse()

	pos, ori, err := dipole.PhantomDipoles(*kind)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Phantom dipoles are given relative to the sphere center.
	center := geometry.NewVec3(0, 0, 0)
	model := forward.NewSphere(center, 0.09)
	sensors := forward.HelmetArray(center, 0.12, *nLoc)

	fmt.Printf("=== Simulating %d %s dipoles on %d channels ===\n", len(pos), *kind, len(sensors))
	rng := rand.New(rand.NewPCG(*seed, *seed+1))
	times := make([]float64, len(pos))
	data := make([][]float64, len(sensors))
	for c := range data {
		data[c] = make([]float64, len(pos))
	}
	for i := range pos {
		times[i] = float64(i) * 1e-3
		b, err := forward.Simulate(model, sensors, pos[i], ori[i], *amp*1e-9, forward.AccuracyNormal)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Simulation of dipole %d failed: %v\n", i+1, err)
			os.Exit(1)
		}
		for c, s := range sensors {
			data[c][i] = b[c] + *snr*noise.AdHocStd[s.Kind]*rng.NormFloat64()
		}
	}
	ev, err := evoked.New(sensors, times, data, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid evoked data: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n=== Fitting ===\n")
	opts := fit.DefaultOptions().
		WithWorkers(*workers).
		WithLogger(logging.NewLogger(*logLevel, os.Stderr))
	res, err := fit.Fit(context.Background(), ev, noise.AdHoc(sensors), model, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fit failed: %v\n", err)
		os.Exit(1)
	}
	d := res.Dipole

	posErr := make([]float64, len(pos))
	angErr := make([]float64, len(pos))
	ampErr := make([]float64, len(pos))
	if *verbose {
		fmt.Printf("%4s %8s %8s %8s %6s\n", "#", "pos/mm", "ori/deg", "amp/%", "gof/%")
	}
	for i := range pos {
		posErr[i] = d.Pos[i].Distance(pos[i]) * 1e3
		cos := math.Max(-1, math.Min(1, d.Ori[i].Dot(ori[i])))
		angErr[i] = math.Acos(cos) * 180 / math.Pi
		ampErr[i] = 100 * math.Abs(d.Amplitude[i]-*amp*1e-9) / (*amp * 1e-9)
		if *verbose {
			fmt.Printf("%4d %8.2f %8.2f %8.2f %6.1f\n", i+1, posErr[i], angErr[i], ampErr[i], d.GOF[i])
		}
	}

	fmt.Printf("\n=== Errors (rank %d) ===\n", res.Rank)
	report("position (mm)", posErr)
	report("orientation (deg)", angErr)
	report("amplitude (%)", ampErr)
	for _, w := range res.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
}

func report(name string, v []float64) {
	sorted := append([]float64(nil), v...)
	sort.Float64s(sorted)
	q := func(p float64) float64 { return stat.Quantile(p, stat.Empirical, sorted, nil) }
	fmt.Printf("  %-18s mean %6.2f  median %6.2f  p90 %6.2f  max %6.2f\n",
		name, stat.Mean(v, nil), q(0.5), q(0.9), floats.Max(v))
}
