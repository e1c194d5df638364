package unlock

import (
	"fmt"
	"strings"

	"github.com/shaunagostinho/kwp1281-tool/internal/kwp"
)

// Family is a radio family with a known unlock procedure.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyPremium4Clarion
	FamilyPremium5Delco
	FamilySeatLiceoDelco
	FamilyRhapsodyTechnisat
	FamilyGamma5Technisat
)

var familyNames = map[Family]string{
	FamilyUnknown:           "UNKNOWN RADIO",
	FamilyPremium4Clarion:   "VW PREMIUM 4 (CLARION)",
	FamilyPremium5Delco:     "VW PREMIUM 5 (DELCO)",
	FamilySeatLiceoDelco:    "SEAT LICEO (DELCO)",
	FamilyRhapsodyTechnisat: "VW RHAPSODY (TECHNISAT)",
	FamilyGamma5Technisat:   "VW GAMMA 5 (TECHNISAT)",
}

// Name returns the human-readable family name.
func (f Family) Name() string {
	if n, ok := familyNames[f]; ok {
		return n
	}
	return familyNames[FamilyUnknown]
}

func (f Family) String() string { return f.Name() }

// MarshalText renders the family name in JSON and CSV output.
func (f Family) MarshalText() ([]byte, error) {
	return []byte(f.Name()), nil
}

func (f *Family) UnmarshalText(text []byte) error {
	for fam, name := range familyNames {
		if name == string(text) {
			*f = fam
			return nil
		}
	}
	return fmt.Errorf("unlock: unknown family %q", text)
}

// Technisat reports whether the family is unlocked over the Technisat protocol.
func (f Family) Technisat() bool {
	return f == FamilyRhapsodyTechnisat || f == FamilyGamma5Technisat
}

// componentOffset is where the 3-character model marker starts in the
// component description, e.g. " RADIO DE2       0003".
const componentOffset = 7

type marker struct {
	component  string // 3-character marker at componentOffset
	partNumber string // VAG part number prefix
	family     Family
}

// markers are evaluated in order; the first match wins.
var markers = []marker{
	{component: "3CP", family: FamilyPremium4Clarion},
	{component: "DE2", family: FamilyPremium5Delco},
	{component: "FF6", family: FamilySeatLiceoDelco},
	{partNumber: "1J0035156", family: FamilyRhapsodyTechnisat},
	{component: "YD5", family: FamilyGamma5Technisat},
}

// Identify maps a radio's identity to its family. Unknown radios return
// FamilyUnknown.
func Identify(id kwp.Identity) Family {
	model := componentMarker(id.Component)
	for _, m := range markers {
		if m.component != "" && model == m.component {
			return m.family
		}
		if m.partNumber != "" && strings.HasPrefix(id.PartNumber, m.partNumber) {
			return m.family
		}
	}
	return FamilyUnknown
}

func componentMarker(component string) string {
	if len(component) < componentOffset+3 {
		return ""
	}
	return component[componentOffset : componentOffset+3]
}
