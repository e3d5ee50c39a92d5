// Package atlas looks up anatomical labels in a segmentation volume.
package atlas

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"dipfit/pkg/geometry"
)

// Unknown is returned for points outside the volume or with no label.
const Unknown = "Unknown"

// Volume is a labelled voxel grid. Data is indexed x fastest, then y, then z.
type Volume struct {
	Shape    [3]int             `json:"shape"`
	Data     []int32            `json:"data"`
	VoxToRAS geometry.Transform `json:"vox_to_ras"` // Voxel indices to MRI surface RAS, mm
	LUT      map[int32]string   `json:"lut"`

	rasToVox geometry.Transform
}

// NewVolume validates the grid and prepares the inverse transform.
func NewVolume(shape [3]int, data []int32, voxToRAS geometry.Transform, lut map[int32]string) (*Volume, error) {
	v := &Volume{Shape: shape, Data: data, VoxToRAS: voxToRAS, LUT: lut}
	if err := v.init(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Volume) init() error {
	n := v.Shape[0] * v.Shape[1] * v.Shape[2]
	if v.Shape[0] <= 0 || v.Shape[1] <= 0 || v.Shape[2] <= 0 {
		return fmt.Errorf("volume shape %v must be positive", v.Shape)
	}
	if len(v.Data) != n {
		return fmt.Errorf("volume has %d voxels, shape %v needs %d", len(v.Data), v.Shape, n)
	}
	inv, err := v.VoxToRAS.Inverse()
	if err != nil {
		return fmt.Errorf("vox_to_ras: %w", err)
	}
	v.rasToVox = inv
	return nil
}

// LabelAt returns the label of the voxel nearest to rasMM.
func (v *Volume) LabelAt(rasMM geometry.Vec3) string {
	ijk := v.rasToVox.Apply(rasMM)
	var idx [3]int
	for d := 0; d < 3; d++ {
		f := math.Round(ijk.At(d))
		if math.IsNaN(f) || f < 0 || int(f) >= v.Shape[d] {
			return Unknown
		}
		idx[d] = int(f)
	}
	id := v.Data[idx[0]+v.Shape[0]*(idx[1]+v.Shape[1]*idx[2])]
	if name, ok := v.LUT[id]; ok {
		return name
	}
	return Unknown
}

// Labels returns the distinct label names present in the volume, sorted.
func (v *Volume) Labels() []string {
	seen := make(map[string]bool)
	for _, id := range v.Data {
		if name, ok := v.LUT[id]; ok {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Load reads a volume saved with Save.
func Load(path string) (*Volume, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read atlas: %w", err)
	}
	var v Volume
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to parse atlas: %w", err)
	}
	if err := v.init(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &v, nil
}

// Save writes the volume as JSON.
func (v *Volume) Save(path string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal atlas: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write atlas: %w", err)
	}
	return nil
}

// Spheres builds an isotropic volume of the given voxel size (mm) centered
// on the RAS origin, labelling every voxel by the first sphere containing it.
func Spheres(size float64, n int, centers []geometry.Vec3, radii []float64, names []string) (*Volume, error) {
	if len(centers) != len(radii) || len(centers) != len(names) {
		return nil, fmt.Errorf("spheres need matching centers, radii and names")
	}
	half := float64(n-1) / 2
	vox := geometry.Scaling(geometry.FrameVoxel, geometry.FrameMRI, size)
	vox.T = geometry.NewVec3(-half*size, -half*size, -half*size)
	lut := map[int32]string{0: Unknown}
	for i, name := range names {
		lut[int32(i+1)] = name
	}
	data := make([]int32, n*n*n)
	for k := 0; k < n; k++ {
		for j := 0; j < n; j++ {
			for i := 0; i < n; i++ {
				r := vox.Apply(geometry.NewVec3(float64(i), float64(j), float64(k)))
				for s, c := range centers {
					if r.Distance(c) <= radii[s] {
						data[i+n*(j+n*k)] = int32(s + 1)
						break
					}
				}
			}
		}
	}
	return NewVolume([3]int{n, n, n}, data, vox, lut)
}
