// Command dipfit fits equivalent current dipoles and converts dipole files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"dipfit/internal/config"
	"dipfit/internal/logging"
	"dipfit/pkg/geometry"
)

// env is the state shared by all subcommands once the root flags are parsed.
type env struct {
	cfg     *config.Config
	log     *slog.Logger
	jsonOut bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	e := &env{}
	rootCmd := &cobra.Command{
		Use:   "dipfit",
		Short: "Equivalent current dipole fitting",
		Long: `dipfit fits equivalent current dipoles to averaged MEG/EEG data.

It reads and writes text (.dip) and binary (.bdip) dipole files, fits
free or fixed dipoles in a spherical head model, and renders dipole
time courses.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup(cmd)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: warn, info, debug or trace")
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")

	rootCmd.AddCommand(
		newVersionCmd(e),
		newInfoCmd(e),
		newConvertCmd(e),
		newFitCmd(e),
		newSimulateCmd(e),
		newPhantomCmd(e),
		newPlotCmd(e),
		newCoregCmd(e),
	)
	return rootCmd
}

func (e *env) setup(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	e.cfg = cfg
	e.jsonOut, _ = cmd.Flags().GetBool("json")
	if cfg.Logging.Format == "json" {
		e.log = logging.NewJSONLogger(cfg.Logging.Level, cmd.ErrOrStderr())
	} else {
		e.log = logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())
	}
	slog.SetDefault(e.log)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseVec3 parses "x,y,z" scaled by factor.
func parseVec3(s string, factor float64) (geometry.Vec3, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return geometry.Vec3{}, fmt.Errorf("expected x,y,z, got %q", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geometry.Vec3{}, fmt.Errorf("invalid coordinate %q: %w", p, err)
		}
		v[i] = f * factor
	}
	return geometry.NewVec3(v[0], v[1], v[2]), nil
}

// loadTransform reads a JSON geometry.Transform.
func loadTransform(path string) (geometry.Transform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return geometry.Transform{}, fmt.Errorf("failed to read transform: %w", err)
	}
	var t geometry.Transform
	if err := json.Unmarshal(data, &t); err != nil {
		return geometry.Transform{}, fmt.Errorf("failed to parse transform %s: %w", path, err)
	}
	return t, nil
}
