package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dipfit/internal/dipfile"
	"dipfit/internal/dipole"
	"dipfit/pkg/geometry"
)

type phantomDipole struct {
	Index int           `json:"index"`
	Pos   geometry.Vec3 `json:"pos"`
	Ori   geometry.Vec3 `json:"ori"`
}

func newPhantomCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phantom KIND",
		Short: "List the dipoles of a calibration phantom",
		Long: `List the true dipole positions and orientations of a calibration
phantom. KIND is vectorview or otaniemi.

With --out the dipoles are written as a dipole file, one per millisecond.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, ori, err := dipole.PhantomDipoles(args[0])
			if err != nil {
				return err
			}
			if out, _ := cmd.Flags().GetString("out"); out != "" {
				amp, _ := cmd.Flags().GetFloat64("amplitude")
				times := make([]float64, len(pos))
				amps := make([]float64, len(pos))
				gof := make([]float64, len(pos))
				for i := range pos {
					times[i] = float64(i) * 1e-3
					amps[i] = amp * 1e-9
					gof[i] = 100
				}
				d, err := dipole.New(times, pos, amps, ori, gof)
				if err != nil {
					return err
				}
				d.Name = args[0]
				if err := dipfile.Write(out, d); err != nil {
					return err
				}
				e.log.Info("wrote phantom dipoles", "path", out, "count", len(pos))
			}

			w := cmd.OutOrStdout()
			if e.jsonOut {
				list := make([]phantomDipole, len(pos))
				for i := range pos {
					list[i] = phantomDipole{Index: i + 1, Pos: pos[i], Ori: ori[i]}
				}
				return writeJSON(w, list)
			}
			fmt.Fprintf(w, "%4s %8s %8s %8s %7s %7s %7s\n", "#", "x/mm", "y/mm", "z/mm", "ox", "oy", "oz")
			for i := range pos {
				p, o := pos[i].Scale(1e3), ori[i]
				fmt.Fprintf(w, "%4d %8.1f %8.1f %8.1f %7.3f %7.3f %7.3f\n", i+1, p.X, p.Y, p.Z, o.X, o.Y, o.Z)
			}
			return nil
		},
	}
	cmd.Flags().StringP("out", "o", "", "Write the dipoles to this file")
	cmd.Flags().Float64("amplitude", 100, "Amplitude written with --out, nAm")
	return cmd
}
