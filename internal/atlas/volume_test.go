package atlas

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dipfit/internal/dipole"
	"dipfit/pkg/geometry"
)

func sample(t *testing.T) *Volume {
	t.Helper()
	v, err := Spheres(2, 41,
		[]geometry.Vec3{geometry.NewVec3(-20, 0, 0), geometry.NewVec3(20, 0, 0)},
		[]float64{10, 10},
		[]string{"Left-Hippocampus", "Right-Hippocampus"})
	require.NoError(t, err)
	return v
}

func TestLabelAt(t *testing.T) {
	v := sample(t)
	assert.Equal(t, "Left-Hippocampus", v.LabelAt(geometry.NewVec3(-20, 1, 0)))
	assert.Equal(t, "Right-Hippocampus", v.LabelAt(geometry.NewVec3(21.2, 0, -3)))
	assert.Equal(t, Unknown, v.LabelAt(geometry.NewVec3(0, 0, 0)))
	// Outside the 80 mm grid.
	assert.Equal(t, Unknown, v.LabelAt(geometry.NewVec3(0, 0, 90)))
	assert.Equal(t, []string{"Left-Hippocampus", "Right-Hippocampus", Unknown}, v.Labels())
}

func TestNewVolumeValidates(t *testing.T) {
	id := geometry.Identity(geometry.FrameVoxel, geometry.FrameMRI)
	_, err := NewVolume([3]int{2, 2, 2}, make([]int32, 7), id, nil)
	require.Error(t, err)
	_, err = NewVolume([3]int{0, 2, 2}, nil, id, nil)
	require.Error(t, err)
	_, err = NewVolume([3]int{1, 1, 1}, []int32{0}, geometry.Scaling(geometry.FrameVoxel, geometry.FrameMRI, 0), nil)
	require.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	v := sample(t)
	path := filepath.Join(t.TempDir(), "aseg.json")
	require.NoError(t, v.Save(path))
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, v.Shape, back.Shape)
	assert.Equal(t, v.LabelAt(geometry.NewVec3(20, 0, 0)), back.LabelAt(geometry.NewVec3(20, 0, 0)))
}

func TestDipoleVolumeLabels(t *testing.T) {
	v := sample(t)
	d, err := dipole.New(
		[]float64{0, 0.01},
		[]geometry.Vec3{geometry.NewVec3(0.02, 0, 0.04), geometry.NewVec3(0, 0, 0.04)},
		[]float64{1e-8, 1e-8},
		[]geometry.Vec3{geometry.NewVec3(1, 0, 0), geometry.NewVec3(1, 0, 0)},
		[]float64{90, 90})
	require.NoError(t, err)
	// Head origin sits 40 mm above the MRI origin.
	headToMRI := geometry.Translation(geometry.FrameHead, geometry.FrameMRI, geometry.NewVec3(0, 0, -0.04))
	labels, err := d.ToVolumeLabels(headToMRI, v)
	require.NoError(t, err)
	assert.Equal(t, []string{"Right-Hippocampus", Unknown}, labels)
}
