// Package study holds the state of one differential-SPECT study: the named
// slots caching every input, atlas image, transformation, resliced image and
// statistics table, plus the study's protocol flags.
package study

// Slot names one cached artifact of a study
type Slot int

const (
	Interictal Slot = iota
	Ictal
	MRI
	AtlasSpect
	AtlasMRI
	AtlasStdSpect
	AtlasMask
	TMap
	InterToIctalXform
	AtlasToMRIXform
	MRIToInterictalXform
	AtlasToInterXform
	AtlasToInterReslice
	AtlasToIctalReslice
	InterToIctalReslice
	AtlasToMRIReslice
	MRIToInterictalReslice
	Hyper
	Hypo

	numSlots
)

// Kind is the type of value a slot holds
type Kind int

const (
	KindImage Kind = iota
	KindTransform
	KindStats

	// KindUnknown is reported for slots outside the table
	KindUnknown Kind = -1
)

// String returns the kind name stored alongside persisted slots
func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindTransform:
		return "transform"
	case KindStats:
		return "stats"
	default:
		return "unknown"
	}
}

// Role describes where a slot's value comes from
type Role int

const (
	RoleInput Role = iota
	RoleAtlas
	RoleDerived

	// RoleUnknown is reported for slots outside the table
	RoleUnknown Role = -1
)

type slotInfo struct {
	name      string
	kind      Kind
	role      Role
	persisted bool
}

var slotTable = [numSlots]slotInfo{
	Interictal:             {"interictal", KindImage, RoleInput, true},
	Ictal:                  {"ictal", KindImage, RoleInput, true},
	MRI:                    {"mri", KindImage, RoleInput, true},
	AtlasSpect:             {"ATLAS_spect", KindImage, RoleAtlas, false},
	AtlasMRI:               {"ATLAS_mri", KindImage, RoleAtlas, false},
	AtlasStdSpect:          {"ATLAS_stdspect", KindImage, RoleAtlas, false},
	AtlasMask:              {"ATLAS_mask", KindImage, RoleAtlas, false},
	TMap:                   {"tmap", KindImage, RoleDerived, true},
	InterToIctalXform:      {"intertoictal_xform", KindTransform, RoleDerived, true},
	AtlasToMRIXform:        {"atlastomri_xform", KindTransform, RoleDerived, true},
	MRIToInterictalXform:   {"mritointerictal_xform", KindTransform, RoleDerived, true},
	AtlasToInterXform:      {"atlastointer_xform", KindTransform, RoleDerived, true},
	AtlasToInterReslice:    {"atlastointer_reslice", KindImage, RoleDerived, false},
	AtlasToIctalReslice:    {"atlastoictal_reslice", KindImage, RoleDerived, false},
	InterToIctalReslice:    {"intertoictal_reslice", KindImage, RoleDerived, false},
	AtlasToMRIReslice:      {"atlastomri_reslice", KindImage, RoleDerived, false},
	MRIToInterictalReslice: {"mritointerictal_reslice", KindImage, RoleDerived, false},
	Hyper:                  {"hyper", KindStats, RoleDerived, true},
	Hypo:                   {"hypo", KindStats, RoleDerived, true},
}

// String returns the persisted key of the slot
func (s Slot) String() string {
	if !s.Valid() {
		return "unknown"
	}
	return slotTable[s].name
}

// Valid reports whether s is one of the defined slots
func (s Slot) Valid() bool {
	return s >= 0 && s < numSlots
}

// Kind returns the type of value the slot holds
func (s Slot) Kind() Kind {
	if !s.Valid() {
		return KindUnknown
	}
	return slotTable[s].kind
}

// Role returns where the slot's value comes from
func (s Slot) Role() Role {
	if !s.Valid() {
		return RoleUnknown
	}
	return slotTable[s].role
}

// Persisted reports whether the slot is part of a saved study
func (s Slot) Persisted() bool {
	return s.Valid() && slotTable[s].persisted
}

// ParseSlot looks a slot up by its persisted key
func ParseSlot(name string) (Slot, bool) {
	for s := Slot(0); s < numSlots; s++ {
		if slotTable[s].name == name {
			return s, true
		}
	}
	return 0, false
}

// AllSlots returns every slot in declaration order
func AllSlots() []Slot {
	out := make([]Slot, numSlots)
	for i := range out {
		out[i] = Slot(i)
	}
	return out
}

// BaseImages are the slots whose reload invalidates every derived slot
var BaseImages = []Slot{Interictal, Ictal, MRI}

// AtlasImages are the four reference images shipped with the atlas
var AtlasImages = []Slot{AtlasSpect, AtlasMRI, AtlasStdSpect, AtlasMask}

// DerivedSlots returns the slots cleared when a base image is loaded:
// every transform, every resliced image, the statistics and the t-map
func DerivedSlots() []Slot {
	var out []Slot
	for _, s := range AllSlots() {
		if s.Role() == RoleDerived {
			out = append(out, s)
		}
	}
	return out
}

// PersistedSlots returns the slots written when a study is saved
func PersistedSlots() []Slot {
	var out []Slot
	for _, s := range AllSlots() {
		if s.Persisted() {
			out = append(out, s)
		}
	}
	return out
}
