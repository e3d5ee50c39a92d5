package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dipfit/internal/dipfile"
	"dipfit/internal/plot"
)

func newPlotCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plot FILE IMAGE",
		Short: "Plot dipole time courses",
		Long: `Render amplitude, goodness of fit and (for free dipoles) position
over time. The image format follows the extension: .png or .tiff.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			width, _ := cmd.Flags().GetInt("width")
			height, _ := cmd.Flags().GetInt("height")
			f, err := dipfile.Read(args[0])
			if err != nil {
				return err
			}
			var chart *plot.Chart
			if f.Fixed != nil {
				chart = plot.FixedChart(f.Fixed)
			} else {
				chart = plot.DipoleChart(f.Dipole)
			}
			if title, _ := cmd.Flags().GetString("title"); title != "" {
				chart.Title = title
			}
			if err := chart.Save(args[1], width, height); err != nil {
				return err
			}
			e.log.Debug("rendered chart", "path", args[1], "width", width, "height", height)
			if e.jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"image": args[1], "width": width, "height": height})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", args[1])
			return err
		},
	}
	cmd.Flags().Int("width", 800, "Image width, pixels")
	cmd.Flags().Int("height", 600, "Image height, pixels")
	cmd.Flags().String("title", "", "Chart title")
	return cmd
}
