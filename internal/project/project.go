// Package project provides the fit session manifest and its persistence.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"dipfit/internal/config"
	"dipfit/internal/dipole"
)

// CurrentVersion is the manifest format version written by Save.
const CurrentVersion = 1

// File is a fit session manifest (.dipfit.json). It records the inputs of a
// fit, the settings used and a summary of the result. Paths are stored
// relative to the manifest.
type File struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	Description string    `json:"description,omitempty"`

	// Input paths (relative to manifest file)
	EvokedPath     string `json:"evoked,omitempty"`
	CovariancePath string `json:"covariance,omitempty"`
	ModelPath      string `json:"model,omitempty"`
	TransPath      string `json:"trans,omitempty"`

	// Time window in seconds; nil uses the whole recording.
	Tmin *float64 `json:"tmin,omitempty"`
	Tmax *float64 `json:"tmax,omitempty"`

	// Output paths (relative to manifest file)
	DipolePath   string `json:"dipoles,omitempty"`
	ResidualPath string `json:"residual,omitempty"`

	Settings config.FitConfig `json:"settings"`
	Summary  *Summary         `json:"summary,omitempty"`
}

// Summary describes a completed fit.
type Summary struct {
	Fitted    time.Time `json:"fitted"`
	Samples   int       `json:"samples"`
	Rank      int       `json:"rank"`
	MedianGOF float64   `json:"median_gof"`
	MaxGOF    float64   `json:"max_gof"`
	PeakTime  float64   `json:"peak_time"` // Time of the best fit, s
	Warnings  []string  `json:"warnings,omitempty"`
}

// New creates a manifest with default fit settings.
func New(name string) *File {
	now := time.Now()
	return &File{
		Version:  CurrentVersion,
		Name:     name,
		Created:  now,
		Modified: now,
		Settings: config.Default().Fit,
	}
}

// Load loads a manifest from path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	proj := File{Settings: config.Default().Fit}
	if err := json.Unmarshal(data, &proj); err != nil {
		return nil, fmt.Errorf("parsing session %s: %w", path, err)
	}
	if proj.Version > CurrentVersion {
		return nil, fmt.Errorf("session %s has version %d, newest supported is %d", path, proj.Version, CurrentVersion)
	}

	return &proj, nil
}

// Save saves the manifest to path.
func (p *File) Save(path string) error {
	p.Modified = time.Now()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// relative returns target relative to the manifest directory, or target
// itself when no relative path exists.
func relative(projectPath, target string) string {
	if target == "" {
		return ""
	}
	rel, err := filepath.Rel(filepath.Dir(projectPath), target)
	if err != nil {
		return target
	}
	return rel
}

// resolve turns a stored path back into one usable from the working directory.
func resolve(projectPath, stored string) string {
	if stored == "" || filepath.IsAbs(stored) {
		return stored
	}
	return filepath.Join(filepath.Dir(projectPath), stored)
}

// SetInputs records the input files relative to the manifest. Empty
// arguments clear the corresponding entry.
func (p *File) SetInputs(projectPath, evoked, cov, model, trans string) {
	p.EvokedPath = relative(projectPath, evoked)
	p.CovariancePath = relative(projectPath, cov)
	p.ModelPath = relative(projectPath, model)
	p.TransPath = relative(projectPath, trans)
	p.Modified = time.Now()
}

// SetOutputs records the output files relative to the manifest.
func (p *File) SetOutputs(projectPath, dipoles, residual string) {
	p.DipolePath = relative(projectPath, dipoles)
	p.ResidualPath = relative(projectPath, residual)
	p.Modified = time.Now()
}

// GetEvokedPath returns the usable path of the measurement file.
func (p *File) GetEvokedPath(projectPath string) string {
	return resolve(projectPath, p.EvokedPath)
}

// GetCovariancePath returns the usable path of the noise covariance file.
func (p *File) GetCovariancePath(projectPath string) string {
	return resolve(projectPath, p.CovariancePath)
}

// GetModelPath returns the usable path of the head model file.
func (p *File) GetModelPath(projectPath string) string {
	return resolve(projectPath, p.ModelPath)
}

// GetTransPath returns the usable path of the MRI to head transform.
func (p *File) GetTransPath(projectPath string) string {
	return resolve(projectPath, p.TransPath)
}

// GetDipolePath returns the usable path of the fitted dipole file.
func (p *File) GetDipolePath(projectPath string) string {
	if p.DipolePath == "" {
		// Default: <manifest base>.bdip
		base := projectPath[:len(projectPath)-len(filepath.Ext(projectPath))]
		base = base[:len(base)-len(filepath.Ext(base))]
		return base + ".bdip"
	}
	return resolve(projectPath, p.DipolePath)
}

// GetResidualPath returns the usable path of the residual, or "".
func (p *File) GetResidualPath(projectPath string) string {
	return resolve(projectPath, p.ResidualPath)
}

// RecordDipole stores a summary of a free-orientation fit.
func (p *File) RecordDipole(d *dipole.Dipole, rank int, warnings []string) {
	p.record(d.Times, d.GOF, rank, warnings)
}

// RecordFixed stores a summary of a fixed-dipole fit.
func (p *File) RecordFixed(fd *dipole.Fixed, rank int, warnings []string) {
	p.record(fd.Times, fd.GOF(), rank, warnings)
}

func (p *File) record(times, gof []float64, rank int, warnings []string) {
	s := &Summary{
		Fitted:   time.Now(),
		Samples:  len(times),
		Rank:     rank,
		Warnings: append([]string(nil), warnings...),
	}
	if len(gof) > 0 {
		sorted := append([]float64(nil), gof...)
		sort.Float64s(sorted)
		s.MedianGOF = stat.Quantile(0.5, stat.Empirical, sorted, nil)
		best := floats.MaxIdx(gof)
		s.MaxGOF = gof[best]
		s.PeakTime = times[best]
	}
	p.Summary = s
	p.Modified = time.Now()
}
