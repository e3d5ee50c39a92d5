package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dipfit/internal/dipfile"
)

func newConvertCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert IN OUT",
		Short: "Convert between dipole file formats",
		Long: `Convert dipole files. The format of OUT follows its extension:
.dip or .txt for text, .bdip for binary, .json for fixed dipoles.
Add .gz to compress.

Examples:
  dipfit convert fit.bdip fit.dip
  dipfit convert fit.dip fit.bdip.gz --tmin 0.05 --tmax 0.1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := dipfile.Read(args[0])
			if err != nil {
				return err
			}
			tmin, tmax, crop, err := cropFlags(cmd)
			if err != nil {
				return err
			}
			shift, _ := cmd.Flags().GetFloat64("shift")
			n := 0
			switch {
			case f.Fixed != nil:
				fd := f.Fixed
				if crop {
					if _, err := fd.Crop(tmin, tmax); err != nil {
						return err
					}
				}
				if shift != 0 {
					fd.ShiftTime(shift, true)
				}
				if err := dipfile.WriteFixed(args[1], fd); err != nil {
					return err
				}
				n = fd.Len()
			default:
				d := f.Dipole
				if crop {
					if _, err := d.Crop(tmin, tmax); err != nil {
						return err
					}
				}
				if shift != 0 {
					d.ShiftTime(shift, true)
				}
				if err := dipfile.Write(args[1], d); err != nil {
					return err
				}
				n = d.Len()
			}
			e.log.Info("converted dipole file", "in", args[0], "out", args[1], "samples", n)
			if e.jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"in": args[0], "out": args[1], "samples": n})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d samples to %s\n", n, args[1])
			return err
		},
	}
	addCropFlags(cmd)
	cmd.Flags().Float64("shift", 0, "Shift all times by this many seconds")
	return cmd
}

func addCropFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("tmin", 0, "Start of the time window, s")
	cmd.Flags().Float64("tmax", 0, "End of the time window, s")
}

// cropFlags returns the requested window. Unset bounds are open.
func cropFlags(cmd *cobra.Command) (tmin, tmax float64, crop bool, err error) {
	tmin, tmax = -1e300, 1e300
	if cmd.Flags().Changed("tmin") {
		tmin, _ = cmd.Flags().GetFloat64("tmin")
		crop = true
	}
	if cmd.Flags().Changed("tmax") {
		tmax, _ = cmd.Flags().GetFloat64("tmax")
		crop = true
	}
	if tmin > tmax {
		return 0, 0, false, fmt.Errorf("tmin %g must not exceed tmax %g", tmin, tmax)
	}
	return tmin, tmax, crop, nil
}
