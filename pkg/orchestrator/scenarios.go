package orchestrator

import (
	"diffspect/pkg/study"
)

// RegistrationScenario names one alignment of the protocol
type RegistrationScenario int

const (
	Atlas2Interictal RegistrationScenario = iota
	Interictal2Ictal
	Atlas2MRI
	MRI2Interictal
)

// RegistrationSpec describes which slots a registration reads and writes
type RegistrationSpec struct {
	Reference study.Slot
	Target    study.Slot
	Transform study.Slot
	Resliced  study.Slot

	// Nonlinear marks atlas registrations that may use a nonlinear model
	Nonlinear bool
}

var registrationSpecs = map[RegistrationScenario]RegistrationSpec{
	Interictal2Ictal: {study.Interictal, study.Ictal, study.InterToIctalXform, study.InterToIctalReslice, false},
	Atlas2MRI:        {study.AtlasSpect, study.MRI, study.AtlasToMRIXform, study.AtlasToMRIReslice, true},
	MRI2Interictal:   {study.MRI, study.Interictal, study.MRIToInterictalXform, study.MRIToInterictalReslice, false},
	Atlas2Interictal: {study.AtlasSpect, study.Interictal, study.AtlasToInterXform, study.AtlasToInterReslice, true},
}

var registrationNames = map[RegistrationScenario]string{
	Atlas2Interictal: "atlas2interictal",
	Interictal2Ictal: "interictal2ictal",
	Atlas2MRI:        "atlas2mri",
	MRI2Interictal:   "mri2interictal",
}

// String returns the scenario key
func (s RegistrationScenario) String() string {
	if name, ok := registrationNames[s]; ok {
		return name
	}
	return "unknown"
}

// Spec returns the slots of the scenario
func (s RegistrationScenario) Spec() (RegistrationSpec, bool) {
	spec, ok := registrationSpecs[s]
	return spec, ok
}

// ParseRegistrationScenario looks a scenario up by key
func ParseRegistrationScenario(name string) (RegistrationScenario, bool) {
	for s, n := range registrationNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// ResliceScenario names one resampling of an image into another space
type ResliceScenario int

const (
	Ictal2Atlas ResliceScenario = iota
	Inter2Atlas
	Inter2Ictal
)

// ResliceSpec describes an image resampled through a list of transforms.
// The transforms are composed in listed order.
type ResliceSpec struct {
	Input      study.Slot
	Reference  study.Slot
	Transforms []study.Slot
	Output     study.Slot
}

var resliceNames = map[ResliceScenario]string{
	Ictal2Atlas: "ictal2Atlas",
	Inter2Atlas: "inter2Atlas",
	Inter2Ictal: "inter2ictal",
}

// String returns the scenario key
func (s ResliceScenario) String() string {
	if name, ok := resliceNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseResliceScenario looks a scenario up by key
func ParseResliceScenario(name string) (ResliceScenario, bool) {
	for s, n := range resliceNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// Spec returns the slots of the scenario for the given protocol variant.
// With a structural reference the atlas is reached through the MRI.
func (s ResliceScenario) Spec(hasStructuralReference bool) (ResliceSpec, bool) {
	switch s {
	case Ictal2Atlas:
		xforms := []study.Slot{study.AtlasToInterXform, study.InterToIctalXform}
		if hasStructuralReference {
			xforms = []study.Slot{study.AtlasToMRIXform, study.MRIToInterictalXform, study.InterToIctalXform}
		}
		return ResliceSpec{study.Ictal, study.AtlasSpect, xforms, study.AtlasToIctalReslice}, true
	case Inter2Atlas:
		xforms := []study.Slot{study.AtlasToInterXform}
		if hasStructuralReference {
			xforms = []study.Slot{study.AtlasToMRIXform, study.MRIToInterictalXform}
		}
		return ResliceSpec{study.Interictal, study.AtlasSpect, xforms, study.AtlasToInterReslice}, true
	case Inter2Ictal:
		return ResliceSpec{study.Ictal, study.Interictal, []study.Slot{study.InterToIctalXform}, study.InterToIctalReslice}, true
	default:
		return ResliceSpec{}, false
	}
}

// Protocol returns the registrations of a full run, in order
func Protocol(hasStructuralReference bool) []RegistrationScenario {
	if hasStructuralReference {
		return []RegistrationScenario{Atlas2MRI, MRI2Interictal, Interictal2Ictal}
	}
	return []RegistrationScenario{Atlas2Interictal, Interictal2Ictal}
}
