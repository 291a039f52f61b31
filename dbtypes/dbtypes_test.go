package dbtypes

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNextVersion(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"v1.0.0", "v1.0.1"},
		{"v1.0.9", "v1.0.10"},
		{"v1.0.98", "v1.0.99"},
		{"v1.0.99", "v1.1.0"},
		{"v1.5.99", "v1.6.0"},
		{"v1.99.99", "v2.0.0"},
		{"2.3.4", "v2.3.5"},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := NextVersion(tc.in)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("NextVersion(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseSemVerRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "v1", "v1.0", "v1.0.x", "v1.-1.0", "v1.0.0.0"} {
		if _, err := ParseSemVer(in); err == nil {
			t.Errorf("ParseSemVer(%q) succeeded", in)
		}
	}
}

func TestSemVerLess(t *testing.T) {
	a := SemVer{1, 0, 10}
	b := SemVer{1, 1, 0}
	if !a.Less(b) || b.Less(a) || a.Less(a) {
		t.Errorf("Bad ordering between %v and %v", a, b)
	}
}

func TestParseKinds(t *testing.T) {
	if got := ParseNodeKind("Room"); got != NodeRoom || got.IsCustom() {
		t.Errorf("ParseNodeKind(Room) = %q", got)
	}
	if got := ParseNodeKind("Parking Lot"); got != "parking_lot" || !got.IsCustom() {
		t.Errorf("ParseNodeKind(Parking Lot) = %q", got)
	}
	if got := ParsePathType("Via-Overpass"); got != PathViaOverpass {
		t.Errorf("ParsePathType(Via-Overpass) = %q", got)
	}
	if got := ParsePathType("Via Bridge"); got != "via_bridge" || !got.IsCustom() {
		t.Errorf("ParsePathType(Via Bridge) = %q", got)
	}
	if got := ParseElevation(" FLAT "); got != ElevationFlat || got.IsCustom() {
		t.Errorf("ParseElevation(FLAT) = %q", got)
	}
}

func TestVersionCloneIsDeep(t *testing.T) {
	v := &Version{
		Nodes: []*Node{{NodeID: "ND-001", Indoor: &IndoorPlacement{Floor: 2}}},
		Edges: []*Edge{{EdgeID: "EDG-001"}},
	}
	c := v.Clone()
	c.Nodes[0].Name = "changed"
	c.Nodes[0].Indoor.Floor = 3
	c.Edges[0].IsDeleted = true

	if v.Nodes[0].Name != "" || v.Nodes[0].Indoor.Floor != 2 || v.Edges[0].IsDeleted {
		t.Errorf("Clone shares state with the original: %+v", v)
	}
	if c.FindNode("ND-001") == nil || c.FindEdge("EDG-001") == nil || c.FindNode("ND-002") != nil {
		t.Errorf("Find helpers returned wrong elements")
	}
}

func TestGlobalInfoFlags(t *testing.T) {
	var g GlobalInfo
	if g.Any() {
		t.Fatalf("Zero GlobalInfo reports dirty")
	}
	g.Mark(CollectionBuildings)
	g.Mark(CollectionIndoorInfrastructure)
	g.Mark("Unknown")

	exported := GlobalInfo{Buildings: true}
	g.Clear(&exported)

	if diff := cmp.Diff(g, GlobalInfo{Indoor: true}); diff != "" {
		t.Errorf("Bad flags; diff (-got +want)\n%s", diff)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	wrapped := fmt.Errorf("while saving: %w", ErrNoMapForCampus)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Errorf("ErrNoMapForCampus does not wrap ErrNotFound")
	}
	if !errors.Is(ErrVersionConflict, ErrConflict) || !errors.Is(ErrLegendInUse, ErrConflict) {
		t.Errorf("Conflict errors do not wrap ErrConflict")
	}
	if !IsValidation(fmt.Errorf("x: %w", Required("name"))) {
		t.Errorf("IsValidation missed a wrapped ValidationError")
	}
	if IsValidation(ErrNotFound) {
		t.Errorf("IsValidation matched a non-validation error")
	}
}
