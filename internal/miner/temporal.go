package miner

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	types "github.com/soulmesh/lifestream-backend/internal/domain"
)

// Candidate is one detected recurring behavior from the current window,
// before reconciliation against stored patterns.
type Candidate struct {
	PatternType types.PatternType
	Name        string
	Confidence  float64
	Data        types.PatternData
	FirstSeen   time.Time
	LastSeen    time.Time
	Occurrences int
	EvidenceIDs []uuid.UUID
}

const (
	dayScopeDaily   = "daily"
	dayScopeWeekday = "weekday"
	dayScopeWeekend = "weekend"
	dayScopeWeekly  = "weekly"
)

// ClusterCandidate turns a significant location into a pattern candidate.
// Confidence ramps with visit count and saturates below certainty.
func ClusterCandidate(c Cluster) Candidate {
	visits := len(c.Members)
	conf := math.Min(0.95, 0.5+float64(visits)/100)

	lat, lon := c.CenterLat, c.CenterLon
	radius, stability := c.RadiusM, c.Stability
	data := types.PatternData{
		CenterLat:     &lat,
		CenterLon:     &lon,
		RadiusM:       &radius,
		Stability:     &stability,
		VisitCount:    visits,
		HourHistogram: hourHistogram(memberTimes(c.Members)),
	}

	ids := make([]uuid.UUID, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.EventID
	}

	return Candidate{
		PatternType: types.PatternLocationCluster,
		Name:        PlaceLabel(c.CenterLat, c.CenterLon),
		Confidence:  conf,
		Data:        data,
		FirstSeen:   c.FirstSeen,
		LastSeen:    c.LastSeen,
		Occurrences: visits,
		EvidenceIDs: ids,
	}
}

// PlaceLabel names a location cluster by its rounded centroid. Rounding to
// three decimals (~110m) keeps the label stable as the centroid drifts
// slightly between cycles.
func PlaceLabel(lat, lon float64) string {
	return fmt.Sprintf("place near %.3f,%.3f", lat, lon)
}

// DetectRoutine finds the dominant recurring time-of-day window in a group
// of events (one cluster's visits, or one event-type sequence). It slides an
// hour window over the day, picks the window covering the most distinct
// days, and scores it by how consistently those days hit it. Sample size
// shrinks confidence so a 2-of-2 streak scores below a 20-of-20 one.
// Returns nil when fewer than the minimum distinct days recur.
func DetectRoutine(evs []*types.Event, target string, cfg Config, base types.PatternData) *Candidate {
	if len(evs) == 0 {
		return nil
	}

	width := cfg.RoutineWindowHours
	type window struct {
		days  map[string]bool
		count int
	}
	windows := make([]window, 24)
	for h := range windows {
		windows[h].days = map[string]bool{}
	}
	for _, ev := range evs {
		ts := ev.Timestamp.UTC()
		day := ts.Format("2006-01-02")
		hour := ts.Hour()
		// Each event falls inside every window that covers its hour.
		for off := 0; off < width; off++ {
			h := ((hour-off)%24 + 24) % 24
			windows[h].days[day] = true
			windows[h].count++
		}
	}

	best := -1
	for h := 0; h < 24; h++ {
		if best < 0 ||
			len(windows[h].days) > len(windows[best].days) ||
			(len(windows[h].days) == len(windows[best].days) && windows[h].count > windows[best].count) {
			best = h
		}
	}
	dominantDays := len(windows[best].days)
	if dominantDays < cfg.MinOccurrences {
		return nil
	}

	scope := classifyDays(windows[best].days)

	// Denominator: distinct active days within the routine's day scope, so a
	// weekday routine is not diluted by weekend silence.
	denom := 0
	seen := map[string]bool{}
	for _, ev := range evs {
		ts := ev.Timestamp.UTC()
		day := ts.Format("2006-01-02")
		if seen[day] {
			continue
		}
		seen[day] = true
		if scope == dayScopeDaily || scopeOf(ts.Weekday()) == scope {
			denom++
		}
	}
	if denom < dominantDays {
		denom = dominantDays
	}

	raw := float64(dominantDays) / float64(denom)
	conf := raw * float64(dominantDays) / (float64(dominantDays) + cfg.ShrinkagePrior)

	inWindow := func(hour int) bool {
		return ((hour-best)%24+24)%24 < width
	}

	var ids []uuid.UUID
	var first, last time.Time
	for _, ev := range evs {
		ts := ev.Timestamp.UTC()
		if !inWindow(ts.Hour()) {
			continue
		}
		ids = append(ids, ev.ID)
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}

	endHour := best + width
	if endHour > 24 {
		endHour -= 24
	}
	hourStart, hourEnd := best, endHour%24
	data := base
	data.HourStart = &hourStart
	data.HourEnd = &hourEnd
	data.DayScope = scope
	data.HourHistogram = hourHistogram(eventTimes(evs))

	return &Candidate{
		PatternType: types.PatternRoutine,
		Name:        fmt.Sprintf("%s %02d:00-%02d:00 at %s", scope, best, endHour, target),
		Confidence:  clamp01(conf),
		Data:        data,
		FirstSeen:   first,
		LastSeen:    last,
		Occurrences: dominantDays,
		EvidenceIDs: ids,
	}
}

// DetectHabit looks for time-of-day concentration inside one event-subtype
// group, relative to a uniform baseline. A bucket whose share of the group
// exceeds the configured multiple of uniform becomes a daily habit (hour of
// day) or a weekly one (day of week plus hour) when a single weekday
// dominates that hour. Returns nil when nothing concentrates.
func DetectHabit(evs []*types.Event, label string, cfg Config, base types.PatternData) *Candidate {
	n := len(evs)
	if n < cfg.MinOccurrences {
		return nil
	}

	var hourCount [24]int
	var dowHourCount [7][24]int
	days := map[string]bool{}
	for _, ev := range evs {
		ts := ev.Timestamp.UTC()
		hourCount[ts.Hour()]++
		dowHourCount[int(ts.Weekday())][ts.Hour()]++
		days[ts.Format("2006-01-02")] = true
	}

	bestHour := 0
	for h := 1; h < 24; h++ {
		if hourCount[h] > hourCount[bestHour] {
			bestHour = h
		}
	}
	bestDow, bestDowHour := 0, 0
	for d := 0; d < 7; d++ {
		for h := 0; h < 24; h++ {
			if dowHourCount[d][h] > dowHourCount[bestDow][bestDowHour] {
				bestDow, bestDowHour = d, h
			}
		}
	}

	hourShare := float64(hourCount[bestHour]) / float64(n)
	dowHourShare := float64(dowHourCount[bestDow][bestDowHour]) / float64(n)
	dailyThresh := cfg.HabitMinRatio / 24
	weeklyThresh := cfg.HabitMinRatio / 168

	var (
		scope   string
		hour    int
		dow     int
		bucketN int
		share   float64
	)
	switch {
	case hourShare >= dailyThresh:
		// Within the dominant hour, a single weekday owning most of the
		// activity means the habit is weekly, not daily.
		hour = bestHour
		topDow, topDowN := 0, dowHourCount[0][hour]
		for d := 1; d < 7; d++ {
			if dowHourCount[d][hour] > topDowN {
				topDow, topDowN = d, dowHourCount[d][hour]
			}
		}
		if float64(topDowN) >= 0.75*float64(hourCount[hour]) {
			scope, dow = dayScopeWeekly, topDow
			bucketN, share = topDowN, float64(topDowN)/float64(n)
		} else {
			scope = dayScopeDaily
			bucketN, share = hourCount[hour], hourShare
		}
	case dowHourShare >= weeklyThresh:
		scope, hour, dow = dayScopeWeekly, bestDowHour, bestDow
		bucketN, share = dowHourCount[bestDow][bestDowHour], dowHourShare
	default:
		return nil
	}
	if bucketN < cfg.MinOccurrences {
		return nil
	}

	conf := share * float64(bucketN) / (float64(bucketN) + cfg.ShrinkagePrior)

	inBucket := func(ts time.Time) bool {
		if ts.Hour() != hour {
			return false
		}
		return scope == dayScopeDaily || int(ts.Weekday()) == dow
	}
	var ids []uuid.UUID
	var first, last time.Time
	for _, ev := range evs {
		ts := ev.Timestamp.UTC()
		if !inBucket(ts) {
			continue
		}
		ids = append(ids, ev.ID)
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}

	hourEnd := (hour + 1) % 24
	data := base
	data.HourStart = &hour
	data.HourEnd = &hourEnd
	data.DayScope = scope
	data.HourHistogram = hourHistogram(eventTimes(evs))

	var name string
	if scope == dayScopeWeekly {
		d := dow
		data.DayOfWeek = &d
		name = fmt.Sprintf("weekly %s on %s around %02d:00", label, strings.ToLower(time.Weekday(dow).String()), hour)
	} else {
		name = fmt.Sprintf("daily %s around %02d:00", label, hour)
	}

	return &Candidate{
		PatternType: types.PatternHabit,
		Name:        name,
		Confidence:  clamp01(conf),
		Data:        data,
		FirstSeen:   first,
		LastSeen:    last,
		Occurrences: bucketN,
		EvidenceIDs: ids,
	}
}

func classifyDays(days map[string]bool) string {
	weekday, weekend := false, false
	for day := range days {
		ts, err := time.Parse("2006-01-02", day)
		if err != nil {
			continue
		}
		if scopeOf(ts.Weekday()) == dayScopeWeekend {
			weekend = true
		} else {
			weekday = true
		}
	}
	switch {
	case weekday && !weekend:
		return dayScopeWeekday
	case weekend && !weekday:
		return dayScopeWeekend
	default:
		return dayScopeDaily
	}
}

func scopeOf(d time.Weekday) string {
	if d == time.Saturday || d == time.Sunday {
		return dayScopeWeekend
	}
	return dayScopeWeekday
}

func hourHistogram(times []time.Time) map[string]int {
	if len(times) == 0 {
		return nil
	}
	hist := map[string]int{}
	for _, ts := range times {
		hist[fmt.Sprintf("%02d", ts.UTC().Hour())]++
	}
	return hist
}

func memberTimes(members []GeoPoint) []time.Time {
	out := make([]time.Time, len(members))
	for i, m := range members {
		out[i] = m.Timestamp
	}
	return out
}

func eventTimes(evs []*types.Event) []time.Time {
	out := make([]time.Time, len(evs))
	for i, ev := range evs {
		out[i] = ev.Timestamp
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// SortCandidates puts candidates in the deterministic order the reconciler
// processes them in: higher confidence first, then by type and name.
func SortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Confidence != cands[j].Confidence {
			return cands[i].Confidence > cands[j].Confidence
		}
		if cands[i].PatternType != cands[j].PatternType {
			return cands[i].PatternType < cands[j].PatternType
		}
		return cands[i].Name < cands[j].Name
	})
}
