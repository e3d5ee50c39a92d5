package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"dipfit/internal/evoked"
	"dipfit/internal/forward"
	"dipfit/internal/noise"
)

func newSimulateCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate DIR",
		Short: "Simulate evoked data of one dipole",
		Long: `Write evoked.json, cov.json and sphere.json to DIR for a single
dipole in a sphere model. The amplitude follows a half sine over the
epoch. --noise scales ad-hoc sensor noise (0 gives clean data).

Examples:
  dipfit simulate sim --pos 0,20,60 --ori 1,0,0 --amplitude 50
  dipfit simulate sim --kind eeg --noise 0.5 --seed 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			kind, _ := flags.GetString("kind")
			nLoc, _ := flags.GetInt("sensors")
			sphereStr, _ := flags.GetString("sphere")
			posStr, _ := flags.GetString("pos")
			oriStr, _ := flags.GetString("ori")
			amp, _ := flags.GetFloat64("amplitude")
			nTimes, _ := flags.GetInt("samples")
			sfreq, _ := flags.GetFloat64("sfreq")
			noiseScale, _ := flags.GetFloat64("noise")
			seed, _ := flags.GetUint64("seed")

			if nTimes < 1 || sfreq <= 0 {
				return fmt.Errorf("need at least one sample and a positive sampling rate")
			}
			model, err := loadModel("", sphereStr)
			if err != nil {
				return err
			}
			sph := model.(*forward.Sphere)
			pos, err := parseVec3(posStr, 1e-3)
			if err != nil {
				return fmt.Errorf("--pos: %w", err)
			}
			ori, err := parseVec3(oriStr, 1)
			if err != nil {
				return fmt.Errorf("--ori: %w", err)
			}
			if ori.Norm() == 0 {
				return fmt.Errorf("--ori must not be zero")
			}
			ori = ori.Unit()

			var sensors []forward.Sensor
			switch kind {
			case "meg":
				sensors = forward.HelmetArray(sph.Origin, sph.HeadRadius+0.03, nLoc)
			case "eeg":
				sensors = forward.EEGCap(sph.Origin, sph.HeadRadius, nLoc)
			default:
				return fmt.Errorf("--kind must be meg or eeg, got %q", kind)
			}

			unit, err := forward.Simulate(sph, sensors, pos, ori, 1, forward.AccuracyNormal)
			if err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
			times := make([]float64, nTimes)
			data := make([][]float64, len(sensors))
			for c := range data {
				data[c] = make([]float64, nTimes)
			}
			for i := range times {
				times[i] = float64(i) / sfreq
				q := amp * 1e-9 * math.Sin(math.Pi*float64(i+1)/float64(nTimes+1))
				for c, s := range sensors {
					data[c][i] = q*unit[c] + noiseScale*noise.AdHocStd[s.Kind]*rng.NormFloat64()
				}
			}
			ev, err := evoked.New(sensors, times, data, 1)
			if err != nil {
				return err
			}
			ev.Comment = "simulated"

			dir := args[0]
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
			paths := map[string]string{
				"evoked": filepath.Join(dir, "evoked.json"),
				"cov":    filepath.Join(dir, "cov.json"),
				"model":  filepath.Join(dir, "sphere.json"),
			}
			if err := ev.Save(paths["evoked"]); err != nil {
				return err
			}
			if err := noise.AdHoc(sensors).Save(paths["cov"]); err != nil {
				return err
			}
			if err := sph.Save(paths["model"]); err != nil {
				return err
			}
			e.log.Info("simulated evoked data", "dir", dir, "channels", len(sensors), "samples", nTimes)

			if e.jsonOut {
				return writeJSON(cmd.OutOrStdout(), paths)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d channels x %d samples to %s\n", len(sensors), nTimes, dir)
			return nil
		},
	}
	cmd.Flags().String("kind", "meg", "Sensor type: meg or eeg")
	cmd.Flags().Int("sensors", 60, "Number of sensor locations")
	cmd.Flags().String("sphere", "0,0,40,90", "Sphere model as x,y,z,radius in mm")
	cmd.Flags().String("pos", "0,20,70", "Dipole position x,y,z in mm")
	cmd.Flags().String("ori", "1,0,0", "Dipole orientation")
	cmd.Flags().Float64("amplitude", 50, "Peak amplitude, nAm")
	cmd.Flags().Int("samples", 11, "Number of time samples")
	cmd.Flags().Float64("sfreq", 1000, "Sampling rate, Hz")
	cmd.Flags().Float64("noise", 0, "Noise level relative to ad-hoc sensor noise")
	cmd.Flags().Uint64("seed", 1, "Random seed for the noise")
	return cmd
}
