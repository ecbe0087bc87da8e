// Package aggregate computes percentile statistics and time-bucketed series
// over web-vital samples. All functions are pure and deterministic: the same
// inputs always produce the same outputs.
package aggregate

import (
	"sort"
	"time"
)

// Unit is the width of a series bucket.
type Unit string

const (
	Hour Unit = "hour"
	Day  Unit = "day"
)

// Stat is a percentile over a sample window. Value is nil when the window is
// empty: zero is a legitimate metric value and must not stand in for "no data".
type Stat struct {
	Value *float64 `json:"value"`
	Count int      `json:"count"`
}

// Bucket is one point of a time series. Date is the UTC instant of the bucket
// start. Value and Count are nil for buckets without samples.
type Bucket struct {
	Date  time.Time `json:"date"`
	Value *float64  `json:"value"`
	Count *int      `json:"count"`
}

// RouteStat is the per-route percentile used by the top-routes breakdown.
type RouteStat struct {
	Route string   `json:"route"`
	Value *float64 `json:"value"`
	Count int      `json:"count"`
}

// Sample is a timestamped metric value.
type Sample struct {
	At    time.Time
	Value float64
}

// Percentile computes the continuous (interpolated) p-th percentile of values,
// the same statistic as PostgreSQL's percentile_cont. p is in [0,1]. values
// must be non-empty; the input slice is not modified.
func Percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}

	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	frac := rank - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// StatOf builds a Stat from a sample window.
func StatOf(values []float64, p float64) Stat {
	if len(values) == 0 {
		return Stat{Value: nil, Count: 0}
	}
	v := Percentile(values, p)
	return Stat{Value: &v, Count: len(values)}
}

// Truncate returns the start of the bucket containing t, computed on local
// time boundaries in loc and reported as the UTC instant of that boundary.
func Truncate(t time.Time, unit Unit, loc *time.Location) time.Time {
	lt := t.In(loc)
	if unit == Hour {
		return time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, loc).UTC()
	}
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc).UTC()
}

// BucketStarts generates the complete, contiguous sequence of bucket starts
// covering [start, end]. Boundaries are local-time boundaries in loc; daily
// stepping uses calendar days so DST transitions do not skew the sequence.
func BucketStarts(start, end time.Time, unit Unit, loc *time.Location) []time.Time {
	var starts []time.Time
	cur := Truncate(start, unit, loc)
	for !cur.After(end) {
		starts = append(starts, cur)
		if unit == Hour {
			cur = cur.Add(time.Hour)
		} else {
			lt := cur.In(loc)
			cur = time.Date(lt.Year(), lt.Month(), lt.Day()+1, 0, 0, 0, 0, loc).UTC()
		}
	}
	return starts
}

// FillGaps expands sparse buckets into the full sequence covering
// [start, end]. Buckets without data are present with nil value and count,
// never omitted.
func FillGaps(sparse []Bucket, start, end time.Time, unit Unit, loc *time.Location) []Bucket {
	byStart := make(map[int64]Bucket, len(sparse))
	for _, b := range sparse {
		byStart[Truncate(b.Date, unit, loc).Unix()] = b
	}

	starts := BucketStarts(start, end, unit, loc)
	filled := make([]Bucket, 0, len(starts))
	for _, s := range starts {
		if b, ok := byStart[s.Unix()]; ok {
			filled = append(filled, Bucket{Date: s, Value: b.Value, Count: b.Count})
		} else {
			filled = append(filled, Bucket{Date: s})
		}
	}
	return filled
}

// Series groups samples into buckets and computes the p-th percentile per
// bucket. The result is sparse: only buckets with samples appear, ordered by
// bucket start.
func Series(samples []Sample, unit Unit, loc *time.Location, p float64) []Bucket {
	groups := make(map[int64][]float64)
	for _, s := range samples {
		key := Truncate(s.At, unit, loc).Unix()
		groups[key] = append(groups[key], s.Value)
	}

	keys := make([]int64, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	buckets := make([]Bucket, 0, len(keys))
	for _, k := range keys {
		values := groups[k]
		v := Percentile(values, p)
		n := len(values)
		buckets = append(buckets, Bucket{Date: time.Unix(k, 0).UTC(), Value: &v, Count: &n})
	}
	return buckets
}

// TopRoutes computes the p-th percentile per route and returns up to limit
// routes ordered by sample count, busiest first. Ties break by route name so
// the result is stable.
func TopRoutes(byRoute map[string][]float64, p float64, limit int) []RouteStat {
	stats := make([]RouteStat, 0, len(byRoute))
	for route, values := range byRoute {
		if len(values) == 0 {
			continue
		}
		v := Percentile(values, p)
		stats = append(stats, RouteStat{Route: route, Value: &v, Count: len(values)})
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Route < stats[j].Route
	})

	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats
}
