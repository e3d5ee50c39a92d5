package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"dipfit/internal/atlas"
	"dipfit/internal/dipfile"
	"dipfit/pkg/geometry"
)

type infoResult struct {
	Path     string          `json:"path"`
	Format   string          `json:"format"`
	Summary  string          `json:"summary"`
	Samples  int             `json:"samples"`
	Name     string          `json:"name,omitempty"`
	GOFRange [2]float64      `json:"gof_range"`
	Conf     []string        `json:"conf,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
	MRI      []geometry.Vec3 `json:"mri_mm,omitempty"`
	MNI      []geometry.Vec3 `json:"mni_mm,omitempty"`
	Labels   []string        `json:"labels,omitempty"`
}

func newInfoCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info FILE",
		Short: "Describe a dipole file",
		Long: `Print a summary of a .dip, .bdip or fixed-dipole .json file.

With --trans the positions are also given in MRI coordinates, with
--mni in MNI coordinates and with --atlas as anatomical labels.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			transPath, _ := cmd.Flags().GetString("trans")
			mniPath, _ := cmd.Flags().GetString("mni")
			atlasPath, _ := cmd.Flags().GetString("atlas")

			f, err := dipfile.Read(args[0])
			if err != nil {
				return err
			}
			res := infoResult{Path: args[0], Format: f.Format.String(), Warnings: f.Warnings}
			switch {
			case f.Fixed != nil:
				res.Summary = f.Fixed.String()
				res.Samples = f.Fixed.Len()
				res.GOFRange = gofRange(f.Fixed.GOF())
			case f.Dipole != nil:
				d := f.Dipole
				res.Summary = d.String()
				res.Samples = d.Len()
				res.Name = d.Name
				res.GOFRange = gofRange(d.GOF)
				for _, k := range d.Conf.Kinds() {
					res.Conf = append(res.Conf, k.String())
				}
				if transPath != "" {
					trans, err := loadTransform(transPath)
					if err != nil {
						return err
					}
					if res.MRI, err = d.ToMRI(trans); err != nil {
						return err
					}
					if mniPath != "" {
						mni, err := loadTransform(mniPath)
						if err != nil {
							return err
						}
						if res.MNI, err = d.ToMNI(trans, mni); err != nil {
							return err
						}
					}
					if atlasPath != "" {
						vol, err := atlas.Load(atlasPath)
						if err != nil {
							return err
						}
						if res.Labels, err = d.ToVolumeLabels(trans, vol); err != nil {
							return err
						}
					}
				} else if atlasPath != "" || mniPath != "" {
					return fmt.Errorf("--atlas and --mni need --trans")
				}
			}

			out := cmd.OutOrStdout()
			if e.jsonOut {
				return writeJSON(out, res)
			}
			fmt.Fprintf(out, "%s (%s)\n", res.Summary, res.Format)
			fmt.Fprintf(out, "  samples:    %d\n", res.Samples)
			fmt.Fprintf(out, "  gof:        %.1f - %.1f %%\n", res.GOFRange[0], res.GOFRange[1])
			if len(res.Conf) > 0 {
				fmt.Fprintf(out, "  confidence: %s\n", strings.Join(res.Conf, ", "))
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(out, "  warning:    %s\n", w)
			}
			for i, p := range res.MRI {
				line := fmt.Sprintf("  %4d  MRI (%7.1f, %7.1f, %7.1f) mm", i, p.X, p.Y, p.Z)
				if res.MNI != nil {
					q := res.MNI[i]
					line += fmt.Sprintf("  MNI (%7.1f, %7.1f, %7.1f) mm", q.X, q.Y, q.Z)
				}
				if res.Labels != nil {
					line += "  " + res.Labels[i]
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().String("trans", "", "Head to MRI transform (JSON)")
	cmd.Flags().String("mni", "", "MRI to MNI transform (JSON)")
	cmd.Flags().String("atlas", "", "Label volume (JSON)")
	return cmd
}

func gofRange(gof []float64) [2]float64 {
	if len(gof) == 0 {
		return [2]float64{}
	}
	return [2]float64{floats.Min(gof), floats.Max(gof)}
}
