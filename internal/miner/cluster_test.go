package miner

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
)

func geoPt(lat, lon float64, ts time.Time) GeoPoint {
	return GeoPoint{EventID: uuid.New(), Timestamp: ts, Lat: lat, Lon: lon}
}

// ~0.0001 deg latitude is about 11 meters.
func jittered(lat, lon float64, n int, start time.Time) []GeoPoint {
	pts := make([]GeoPoint, 0, n)
	for i := 0; i < n; i++ {
		dLat := float64(i%5) * 0.0001
		dLon := float64(i%3) * 0.0001
		pts = append(pts, geoPt(lat+dLat, lon+dLon, start.Add(time.Duration(i)*time.Hour)))
	}
	return pts
}

func TestHaversineM(t *testing.T) {
	// One degree of latitude is ~111.2km.
	d := HaversineM(55.0, 37.0, 56.0, 37.0)
	if d < 110000 || d > 112500 {
		t.Fatalf("expected ~111km, got %.0fm", d)
	}
	if got := HaversineM(55.0, 37.0, 55.0, 37.0); got != 0 {
		t.Fatalf("expected zero distance, got %f", got)
	}
}

func TestClusterGeoPoints_FindsDenseCluster(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	pts := jittered(55.75, 37.61, 20, start)
	// Far-away noise, each point isolated.
	for i := 0; i < 5; i++ {
		pts = append(pts, geoPt(50.0+float64(i), 30.0+float64(i), start.Add(time.Duration(100+i)*time.Hour)))
	}

	clusters := ClusterGeoPoints(pts, 100, 5, 0.9)
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	c := clusters[0]
	if len(c.Members) != 20 {
		t.Fatalf("expected 20 members, got %d", len(c.Members))
	}
	if HaversineM(c.CenterLat, c.CenterLon, 55.75, 37.61) > 100 {
		t.Fatalf("centroid too far from seed: %.5f,%.5f", c.CenterLat, c.CenterLon)
	}
	if want := 20.0 / 25.0; math.Abs(c.Stability-want) > 1e-9 {
		t.Fatalf("stability = %f, want %f", c.Stability, want)
	}
	if c.FirstSeen.After(c.LastSeen) {
		t.Fatalf("first seen %v after last seen %v", c.FirstSeen, c.LastSeen)
	}
}

func TestClusterGeoPoints_PermutationInvariant(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	pts := jittered(55.75, 37.61, 12, start)
	pts = append(pts, jittered(55.80, 37.70, 8, start.Add(500*time.Hour))...)

	reversed := make([]GeoPoint, len(pts))
	for i, p := range pts {
		reversed[len(pts)-1-i] = p
	}

	a := ClusterGeoPoints(pts, 100, 5, 0.9)
	b := ClusterGeoPoints(reversed, 100, 5, 0.9)

	if len(a) != len(b) {
		t.Fatalf("cluster counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].CenterLat != b[i].CenterLat || a[i].CenterLon != b[i].CenterLon {
			t.Fatalf("cluster %d centroid differs under permutation", i)
		}
		if len(a[i].Members) != len(b[i].Members) {
			t.Fatalf("cluster %d member counts differ", i)
		}
		got := map[uuid.UUID]bool{}
		for _, m := range b[i].Members {
			got[m.EventID] = true
		}
		for _, m := range a[i].Members {
			if !got[m.EventID] {
				t.Fatalf("cluster %d membership differs under permutation", i)
			}
		}
	}
}

func TestClusterGeoPoints_TooFewPoints(t *testing.T) {
	start := time.Now().UTC()
	pts := jittered(55.75, 37.61, 3, start)
	if got := ClusterGeoPoints(pts, 100, 5, 0.9); got != nil {
		t.Fatalf("expected no clusters, got %d", len(got))
	}
}

func TestClusterGeoPoints_AllNoise(t *testing.T) {
	start := time.Now().UTC()
	var pts []GeoPoint
	for i := 0; i < 10; i++ {
		pts = append(pts, geoPt(40.0+float64(i), 20.0, start.Add(time.Duration(i)*time.Hour)))
	}
	if got := ClusterGeoPoints(pts, 100, 5, 0.9); got != nil {
		t.Fatalf("expected no clusters from scattered points, got %d", len(got))
	}
}

func TestClusterGeoPoints_DuplicateCoordinates(t *testing.T) {
	start := time.Now().UTC()
	var pts []GeoPoint
	for i := 0; i < 6; i++ {
		pts = append(pts, geoPt(55.75, 37.61, start.Add(time.Duration(i)*time.Minute)))
	}

	clusters := ClusterGeoPoints(pts, 100, 5, 0.9)
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	if len(clusters[0].Members) != 6 {
		t.Fatalf("duplicates must count as distinct points, got %d members", len(clusters[0].Members))
	}
	if clusters[0].RadiusM != 0 {
		t.Fatalf("expected zero radius for identical points, got %f", clusters[0].RadiusM)
	}
}

func TestClusterGeoPoints_RadiusExcludesTail(t *testing.T) {
	start := time.Now().UTC()
	var pts []GeoPoint
	// Nine tight points plus one straggler still inside epsilon chain.
	for i := 0; i < 9; i++ {
		pts = append(pts, geoPt(55.7500, 37.6100, start.Add(time.Duration(i)*time.Minute)))
	}
	pts = append(pts, geoPt(55.7508, 37.6100, start.Add(time.Hour))) // ~89m out

	clusters := ClusterGeoPoints(pts, 100, 5, 0.9)
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	c := clusters[0]
	if len(c.Members) != 10 {
		t.Fatalf("expected 10 members, got %d", len(c.Members))
	}
	// 90th percentile of 10 distances is the 9th smallest: the tight group,
	// not the straggler.
	if c.RadiusM > 40 {
		t.Fatalf("percentile radius should exclude the straggler, got %.1fm", c.RadiusM)
	}
}
