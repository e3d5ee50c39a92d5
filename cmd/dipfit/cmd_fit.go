package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"dipfit/internal/config"
	"dipfit/internal/dipfile"
	"dipfit/internal/evoked"
	"dipfit/internal/fit"
	"dipfit/internal/forward"
	"dipfit/internal/noise"
	"dipfit/internal/project"
)

type fitSummary struct {
	Out      string   `json:"out"`
	Residual string   `json:"residual,omitempty"`
	Session  string   `json:"session,omitempty"`
	Samples  int      `json:"samples"`
	Rank     int      `json:"rank"`
	Summary  string   `json:"summary"`
	Warnings []string `json:"warnings,omitempty"`
}

func newFitCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit dipoles to evoked data",
		Long: `Fit one equivalent current dipole per time sample.

The head model is a sphere model file (--model) or a sphere given as
x,y,z,radius in mm (--sphere). Without --cov an ad-hoc diagonal noise
covariance is used. Fixing --pos (and --ori) fits only the amplitude
and writes a fixed-dipole .json file.

With --session the inputs and settings are read from a .dipfit.json
manifest when not given on the command line, and the manifest is
updated with the outputs and a summary of the fit.

Examples:
  dipfit fit --evoked ave.json --cov cov.json --sphere 0,0,40,90 --out fit.bdip
  dipfit fit --evoked ave.json --sphere 0,0,40,90 --pos 0,20,60 --ori 1,0,0 --out fixed.json
  dipfit fit --session run1.dipfit.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFit(cmd, e)
		},
	}
	cmd.Flags().String("evoked", "", "Evoked data (JSON)")
	cmd.Flags().String("cov", "", "Noise covariance (JSON); ad-hoc when empty")
	cmd.Flags().String("model", "", "Sphere model (JSON)")
	cmd.Flags().String("sphere", "", "Sphere model as x,y,z,radius in mm")
	cmd.Flags().String("trans", "", "MRI to head transform (JSON)")
	cmd.Flags().String("pos", "", "Fixed position x,y,z in mm")
	cmd.Flags().String("ori", "", "Fixed orientation x,y,z; needs --pos")
	cmd.Flags().Float64("min-dist", 0, "Minimum distance to the inner skull, mm")
	cmd.Flags().String("rank", "", "Noise rank: auto, info or an integer")
	cmd.Flags().String("accuracy", "", "Coil integration: normal or accurate")
	cmd.Flags().Float64("tol", 0, "Relative tolerance of the position search")
	cmd.Flags().Int("workers", 0, "Samples fitted concurrently")
	addCropFlags(cmd)
	cmd.Flags().StringP("out", "o", "", "Output dipole file")
	cmd.Flags().String("residual", "", "Write the residual evoked data here (JSON)")
	cmd.Flags().String("session", "", "Session manifest (.dipfit.json)")
	return cmd
}

func runFit(cmd *cobra.Command, e *env) error {
	flags := cmd.Flags()
	str := func(name string) string {
		v, _ := flags.GetString(name)
		return v
	}

	evokedPath, covPath, modelPath, transPath := str("evoked"), str("cov"), str("model"), str("trans")
	outPath, residualPath := str("out"), str("residual")
	settings := e.cfg.Fit

	sessionPath := str("session")
	var sess *project.File
	if sessionPath != "" {
		var err error
		sess, err = project.Load(sessionPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			name := strings.TrimSuffix(filepath.Base(sessionPath), ".dipfit.json")
			sess = project.New(name)
			sess.Settings = settings
		case err != nil:
			return err
		default:
			settings = sess.Settings
			evokedPath = firstNonEmpty(evokedPath, sess.GetEvokedPath(sessionPath))
			covPath = firstNonEmpty(covPath, sess.GetCovariancePath(sessionPath))
			modelPath = firstNonEmpty(modelPath, sess.GetModelPath(sessionPath))
			transPath = firstNonEmpty(transPath, sess.GetTransPath(sessionPath))
			residualPath = firstNonEmpty(residualPath, sess.GetResidualPath(sessionPath))
		}
		if outPath == "" {
			outPath = sess.GetDipolePath(sessionPath)
		}
	}

	if flags.Changed("min-dist") {
		settings.MinDist, _ = flags.GetFloat64("min-dist")
	}
	if flags.Changed("rank") {
		settings.Rank = str("rank")
	}
	if flags.Changed("accuracy") {
		settings.Accuracy = str("accuracy")
	}
	if flags.Changed("tol") {
		settings.Tol, _ = flags.GetFloat64("tol")
	}
	if flags.Changed("workers") {
		settings.Workers, _ = flags.GetInt("workers")
	}

	if evokedPath == "" {
		return fmt.Errorf("--evoked is required")
	}
	if outPath == "" {
		return fmt.Errorf("--out is required")
	}

	ev, err := evoked.Load(evokedPath)
	if err != nil {
		return err
	}
	tmin, tmax, crop, err := cropFlags(cmd)
	if err != nil {
		return err
	}
	if !crop && sess != nil && (sess.Tmin != nil || sess.Tmax != nil) {
		if sess.Tmin != nil {
			tmin = *sess.Tmin
		}
		if sess.Tmax != nil {
			tmax = *sess.Tmax
		}
		crop = true
	}
	if crop {
		if _, err := ev.Crop(tmin, tmax); err != nil {
			return err
		}
	}

	var cov *noise.Covariance
	if covPath != "" {
		if cov, err = noise.Load(covPath); err != nil {
			return err
		}
	} else {
		e.log.Info("using ad-hoc noise covariance")
		cov = noise.AdHoc(ev.Sensors)
	}

	model, err := loadModel(modelPath, str("sphere"))
	if err != nil {
		return err
	}

	opts, err := settingsOptions(settings)
	if err != nil {
		return err
	}
	opts = opts.WithLogger(e.log)
	if transPath != "" {
		trans, err := loadTransform(transPath)
		if err != nil {
			return err
		}
		opts = opts.WithTransform(trans)
	}
	if s := str("pos"); s != "" {
		pos, err := parseVec3(s, 1e-3)
		if err != nil {
			return fmt.Errorf("--pos: %w", err)
		}
		opts = opts.WithPosition(pos)
	}
	if s := str("ori"); s != "" {
		ori, err := parseVec3(s, 1)
		if err != nil {
			return fmt.Errorf("--ori: %w", err)
		}
		opts = opts.WithOrientation(ori)
	}

	res, err := fit.Fit(cmd.Context(), ev, cov, model, opts)
	if err != nil {
		return err
	}

	summary := fitSummary{Out: outPath, Rank: res.Rank, Warnings: res.Warnings}
	if res.Fixed != nil {
		if err := dipfile.WriteFixed(outPath, res.Fixed); err != nil {
			return err
		}
		summary.Samples = res.Fixed.Len()
		summary.Summary = res.Fixed.String()
	} else {
		if err := dipfile.Write(outPath, res.Dipole); err != nil {
			return err
		}
		summary.Samples = res.Dipole.Len()
		summary.Summary = res.Dipole.String()
	}
	if residualPath != "" {
		if err := res.Residual.Save(residualPath); err != nil {
			return err
		}
		summary.Residual = residualPath
	}
	e.log.Info("wrote dipoles", "path", outPath, "samples", summary.Samples)

	if sess != nil {
		sess.Settings = settings
		sess.SetInputs(sessionPath, evokedPath, covPath, modelPath, transPath)
		sess.SetOutputs(sessionPath, outPath, residualPath)
		if crop {
			sess.Tmin, sess.Tmax = &tmin, &tmax
		}
		if res.Fixed != nil {
			sess.RecordFixed(res.Fixed, res.Rank, res.Warnings)
		} else {
			sess.RecordDipole(res.Dipole, res.Rank, res.Warnings)
		}
		if err := sess.Save(sessionPath); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		summary.Session = sessionPath
	}

	out := cmd.OutOrStdout()
	if e.jsonOut {
		return writeJSON(out, summary)
	}
	fmt.Fprintf(out, "%s\n", summary.Summary)
	fmt.Fprintf(out, "  rank:  %d\n", summary.Rank)
	fmt.Fprintf(out, "  wrote: %s\n", summary.Out)
	if summary.Residual != "" {
		fmt.Fprintf(out, "  residual: %s\n", summary.Residual)
	}
	return nil
}

// loadModel reads a sphere model file or builds one from "x,y,z,r" in mm.
func loadModel(path, sphere string) (forward.Model, error) {
	switch {
	case path != "" && sphere != "":
		return nil, fmt.Errorf("--model and --sphere are mutually exclusive")
	case path != "":
		return forward.LoadSphere(path)
	case sphere != "":
		i := strings.LastIndex(sphere, ",")
		if i < 0 {
			return nil, fmt.Errorf("--sphere: expected x,y,z,radius, got %q", sphere)
		}
		center, err := parseVec3(sphere[:i], 1e-3)
		if err != nil {
			return nil, fmt.Errorf("--sphere: %w", err)
		}
		var r float64
		if _, err := fmt.Sscan(strings.TrimSpace(sphere[i+1:]), &r); err != nil || r <= 0 {
			return nil, fmt.Errorf("--sphere: invalid radius %q", sphere[i+1:])
		}
		return forward.NewSphere(center, r*1e-3), nil
	}
	return nil, fmt.Errorf("a head model is required (--model or --sphere)")
}

func settingsOptions(fc config.FitConfig) (fit.Options, error) {
	cfg := config.Config{Fit: fc}
	return cfg.ToOptions()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
