package miner

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	types "github.com/soulmesh/lifestream-backend/internal/domain"
)

// GeoPoint is one located event, the unit of spatial clustering.
type GeoPoint struct {
	EventID   uuid.UUID
	Timestamp time.Time
	Lat       float64
	Lon       float64
}

// Cluster is a significant location: a dense group of geo events with a
// centroid, a characteristic radius, and a stability score in [0, 1]
// measuring what share of the subject's geo activity it absorbs.
type Cluster struct {
	CenterLat float64
	CenterLon float64
	RadiusM   float64
	Stability float64
	FirstSeen time.Time
	LastSeen  time.Time
	Members   []GeoPoint
}

const earthRadiusM = 6371000.0

// HaversineM returns the great-circle distance in meters between two
// lat/lon points.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	const deg = math.Pi / 180
	dLat := (lat2 - lat1) * deg
	dLon := (lon2 - lon1) * deg
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*deg)*math.Cos(lat2*deg)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(a)))
}

// ClusterGeoPoints runs density clustering over the subject's geo events.
// A core point has at least minPoints OTHER points within epsilonM; clusters
// grow from core points, border points attach to the first cluster that
// reaches them, and everything else is noise. Input is sorted canonically by
// (timestamp, event id) first, so the result does not depend on the order
// points arrive in. Duplicate coordinates are kept as distinct points.
func ClusterGeoPoints(points []GeoPoint, epsilonM float64, minPoints int, radiusPercentile float64) []Cluster {
	if len(points) < minPoints {
		return nil
	}

	pts := make([]GeoPoint, len(points))
	copy(pts, points)
	sort.Slice(pts, func(i, j int) bool {
		if !pts[i].Timestamp.Equal(pts[j].Timestamp) {
			return pts[i].Timestamp.Before(pts[j].Timestamp)
		}
		return pts[i].EventID.String() < pts[j].EventID.String()
	})

	n := len(pts)
	neighbors := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if HaversineM(pts[i].Lat, pts[i].Lon, pts[j].Lat, pts[j].Lon) <= epsilonM {
				neighbors[i] = append(neighbors[i], j)
				neighbors[j] = append(neighbors[j], i)
			}
		}
	}

	core := make([]bool, n)
	for i := 0; i < n; i++ {
		core[i] = len(neighbors[i]) >= minPoints
	}

	const unassigned = -1
	label := make([]int, n)
	for i := range label {
		label[i] = unassigned
	}

	nextLabel := 0
	for i := 0; i < n; i++ {
		if !core[i] || label[i] != unassigned {
			continue
		}
		// Expand a new cluster from this core point breadth-first.
		id := nextLabel
		nextLabel++
		label[i] = id
		queue := []int{i}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, nb := range neighbors[cur] {
				if label[nb] != unassigned {
					continue
				}
				label[nb] = id
				if core[nb] {
					queue = append(queue, nb)
				}
			}
		}
	}

	if nextLabel == 0 {
		return nil
	}

	clusters := make([]Cluster, 0, nextLabel)
	for id := 0; id < nextLabel; id++ {
		var members []GeoPoint
		for i := 0; i < n; i++ {
			if label[i] == id {
				members = append(members, pts[i])
			}
		}
		clusters = append(clusters, summarize(members, len(points), radiusPercentile))
	}
	return clusters
}

func summarize(members []GeoPoint, total int, radiusPercentile float64) Cluster {
	var sumLat, sumLon float64
	first, last := members[0].Timestamp, members[0].Timestamp
	for _, m := range members {
		sumLat += m.Lat
		sumLon += m.Lon
		if m.Timestamp.Before(first) {
			first = m.Timestamp
		}
		if m.Timestamp.After(last) {
			last = m.Timestamp
		}
	}
	c := Cluster{
		CenterLat: sumLat / float64(len(members)),
		CenterLon: sumLon / float64(len(members)),
		FirstSeen: first,
		LastSeen:  last,
		Members:   members,
	}
	if total > 0 {
		c.Stability = float64(len(members)) / float64(total)
	}

	dists := make([]float64, len(members))
	for i, m := range members {
		dists[i] = HaversineM(c.CenterLat, c.CenterLon, m.Lat, m.Lon)
	}
	sort.Float64s(dists)
	idx := int(math.Ceil(radiusPercentile*float64(len(dists)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(dists) {
		idx = len(dists) - 1
	}
	c.RadiusM = dists[idx]
	return c
}

// GeoPointsFromEvents filters located events into clustering inputs.
func GeoPointsFromEvents(evs []*types.Event) []GeoPoint {
	var out []GeoPoint
	for _, ev := range evs {
		if !ev.HasGeo() {
			continue
		}
		out = append(out, GeoPoint{
			EventID:   ev.ID,
			Timestamp: ev.Timestamp,
			Lat:       *ev.Lat,
			Lon:       *ev.Lon,
		})
	}
	return out
}
