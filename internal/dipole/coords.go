package dipole

import (
	"fmt"

	"dipfit/pkg/geometry"
)

// LabelLookup maps a point in MRI surface RAS coordinates (millimeters) to an
// anatomical label. Implementations typically wrap a segmentation volume.
type LabelLookup interface {
	LabelAt(rasMM geometry.Vec3) string
}

// ToMRI returns the dipole positions in MRI surface RAS coordinates, in
// millimeters. headToMRI may map head to MRI or MRI to head; it is inverted
// as needed.
func (d *Dipole) ToMRI(headToMRI geometry.Transform) ([]geometry.Vec3, error) {
	mri, err := headToMRI.ApplyFrames(d.Pos, geometry.FrameHead, geometry.FrameMRI)
	if err != nil {
		return nil, fmt.Errorf("head to MRI: %w", err)
	}
	for i := range mri {
		mri[i] = mri[i].Scale(1000)
	}
	return mri, nil
}

// ToMNI returns the dipole positions in MNI coordinates (millimeters).
// mriToMNI maps MRI surface RAS millimeters to MNI millimeters, as a
// subject's Talairach transform does.
func (d *Dipole) ToMNI(headToMRI, mriToMNI geometry.Transform) ([]geometry.Vec3, error) {
	mri, err := d.ToMRI(headToMRI)
	if err != nil {
		return nil, err
	}
	mni, err := mriToMNI.ApplyFrames(mri, geometry.FrameMRI, geometry.FrameMNI)
	if err != nil {
		return nil, fmt.Errorf("MRI to MNI: %w", err)
	}
	return mni, nil
}

// ToVolumeLabels returns the anatomical label at each dipole position.
func (d *Dipole) ToVolumeLabels(headToMRI geometry.Transform, atlas LabelLookup) ([]string, error) {
	mri, err := d.ToMRI(headToMRI)
	if err != nil {
		return nil, err
	}
	labels := make([]string, len(mri))
	for i, p := range mri {
		labels[i] = atlas.LabelAt(p)
	}
	return labels, nil
}
