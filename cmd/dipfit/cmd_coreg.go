package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dipfit/internal/coreg"
)

func newCoregCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coreg SRC DST",
		Short: "Fit a rigid transform between two landmark sets",
		Long: `Fit the rotation and translation that maps the landmarks in SRC onto
the landmarks with the same names in DST, for example digitized head
fiducials onto their MRI locations. The result can be passed to
"dipfit fit --trans" and "dipfit info --trans".

Landmark files are JSON: {"frame": "head", "points": [{"name": "nasion",
"pos": {"x": 0, "y": 0.1, "z": 0}}, ...]} with positions in meters.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := coreg.LoadPoints(args[0])
			if err != nil {
				return err
			}
			dst, err := coreg.LoadPoints(args[1])
			if err != nil {
				return err
			}
			opts := coreg.DefaultOptions()
			opts.RANSAC, _ = cmd.Flags().GetBool("ransac")
			threshold, _ := cmd.Flags().GetFloat64("threshold")
			opts.Threshold = threshold * 1e-3

			res, err := coreg.Fit(src, dst, opts)
			if err != nil {
				return err
			}
			e.log.Info("fitted transform", "from", res.Transform.From, "to", res.Transform.To,
				"inliers", len(res.Inliers), "mean_error_mm", res.MeanError*1e3)

			if out, _ := cmd.Flags().GetString("out"); out != "" {
				data, err := json.MarshalIndent(res.Transform, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0644); err != nil {
					return fmt.Errorf("failed to write transform: %w", err)
				}
			}

			w := cmd.OutOrStdout()
			if e.jsonOut {
				return writeJSON(w, res)
			}
			t := res.Transform
			fmt.Fprintf(w, "%s -> %s, %d of %d points, mean error %.2f mm\n",
				t.From, t.To, len(res.Inliers), len(res.Errors), res.MeanError*1e3)
			for i := 0; i < 3; i++ {
				fmt.Fprintf(w, "  [% .6f % .6f % .6f] % .4f\n", t.R[i][0], t.R[i][1], t.R[i][2], t.T.At(i))
			}
			return nil
		},
	}
	cmd.Flags().StringP("out", "o", "", "Write the transform to this file (JSON)")
	cmd.Flags().Bool("ransac", false, "Reject badly matched points with RANSAC")
	cmd.Flags().Float64("threshold", 5, "RANSAC inlier distance, mm")
	return cmd
}
