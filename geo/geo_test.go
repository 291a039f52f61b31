package geo

import (
	"math"
	"testing"
)

func TestHaversineIdenticalPoints(t *testing.T) {
	points := []Coordinate{
		{0, 0},
		DefaultOrigin,
		{-33.8688, 151.2093},
		{89.9, -179.9},
	}
	for _, p := range points {
		if d := HaversineMeters(p.Lat, p.Lng, p.Lat, p.Lng); d != 0 {
			t.Errorf("HaversineMeters(%v, %v) = %v, want 0", p, p, d)
		}
	}
}

func TestHaversineHundredthDegree(t *testing.T) {
	got := HaversineMeters(6.913341, 122.063693, 6.914341, 122.063693)
	want := 111.19
	if math.Abs(got-want) > want*0.01 {
		t.Errorf("HaversineMeters = %v, want %v +-1%%", got, want)
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a := HaversineMeters(6.9130, 122.0630, 6.9150, 122.0650)
	b := HaversineMeters(6.9150, 122.0650, 6.9130, 122.0630)
	if a != b {
		t.Errorf("Not symmetric: %v != %v", a, b)
	}
}

func TestRoundedDistance(t *testing.T) {
	got := RoundedDistance(6.913341, 122.063693, 6.914341, 122.063693)
	if got != math.Round(got*100)/100 {
		t.Errorf("RoundedDistance = %v, not rounded to 2 decimals", got)
	}
}

func TestProjectOrigin(t *testing.T) {
	p := ProjectToPlane(DefaultOrigin.Lat, DefaultOrigin.Lng, DefaultOrigin)
	if p.X != 0 || p.Y != 0 {
		t.Errorf("ProjectToPlane(origin) = %+v, want {0 0}", p)
	}
}

func TestProjectRoundTrip(t *testing.T) {
	in := Coordinate{Lat: 6.9152, Lng: 122.0671}
	p := ProjectToPlane(in.Lat, in.Lng, DefaultOrigin)
	out := PlaneToLatLng(p, DefaultOrigin)

	if d := HaversineMeters(in.Lat, in.Lng, out.Lat, out.Lng); d > 0.01 {
		t.Errorf("Round trip drifted %v m: in %+v out %+v", d, in, out)
	}
}

func TestProjectAgreesWithHaversine(t *testing.T) {
	// At campus scale the planar distance should agree with the great-circle
	// distance to within a metre.
	lat, lng := 6.9160, 122.0660
	p := ProjectToPlane(lat, lng, DefaultOrigin)
	planar := math.Hypot(p.X, p.Y)
	gc := HaversineMeters(DefaultOrigin.Lat, DefaultOrigin.Lng, lat, lng)
	if math.Abs(planar-gc) > 1 {
		t.Errorf("planar %v vs great-circle %v", planar, gc)
	}
}
