package schedule

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"slotbot/internal/model"
)

// GroupDays scans rows top to bottom and collects free time labels per day.
//
// A blank day label inherits the last non-blank one; rows before the first
// day label are dropped. A bucket is created the first time its day yields
// a free slot, so buckets appear in first-seen order and a day that shows up
// again further down merges into its existing bucket.
func GroupDays(rows []model.Row) []model.DayBucket {
	var (
		buckets []model.DayBucket
		index   = make(map[string]int)
		current string
	)
	for _, row := range rows {
		day := strings.TrimSpace(row.Day)
		if day != "" {
			current = day
		}
		row.Time = strings.TrimSpace(row.Time)
		row.Occupancy = strings.TrimSpace(row.Occupancy)
		if current == "" || !row.Free() {
			continue
		}
		i, ok := index[current]
		if !ok {
			i = len(buckets)
			index[current] = i
			buckets = append(buckets, model.DayBucket{Day: current})
		}
		buckets[i].Times = append(buckets[i].Times, row.Time)
	}
	return buckets
}

// Dedup drops repeated labels, keeping the first occurrence.
func Dedup(times []string) []string {
	seen := make(map[string]bool, len(times))
	out := make([]string, 0, len(times))
	for _, t := range times {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// MinuteOfDay interprets a "H[:MM]" label written without AM/PM: hours
// 1 through 8 are afternoon (13:00-20:00), everything else is taken as
// written. Unparseable parts count as zero.
func MinuteOfDay(label string) int {
	hourPart, minutePart, _ := strings.Cut(strings.TrimSpace(label), ":")
	h := leadingInt(hourPart)
	m := leadingInt(minutePart)
	if h >= 1 && h <= 8 {
		h += 12
	}
	return h*60 + m
}

// leadingInt parses the optional sign and digits at the start of s, the way
// a lenient spreadsheet reader does ("9hs" -> 9, "x" -> 0).
func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

// SortTimes orders labels by MinuteOfDay. Equal keys keep their input order.
func SortTimes(times []string) []string {
	out := append([]string(nil), times...)
	sort.SliceStable(out, func(i, j int) bool {
		return MinuteOfDay(out[i]) < MinuteOfDay(out[j])
	})
	return out
}

// PickEvenly selects m entries spread evenly over sorted. With m >= 2 the
// first and last entries are always part of the result. Index collisions
// from rounding are filled with the lowest unused indexes.
func PickEvenly(sorted []string, m int) []string {
	n := len(sorted)
	if m <= 0 || n == 0 {
		return []string{}
	}
	if m >= n {
		return append([]string(nil), sorted...)
	}
	if m == 1 {
		return []string{sorted[0]}
	}

	step := float64(n-1) / float64(m-1)
	used := make(map[int]bool, m)
	chosen := make([]string, 0, m)

	for j := 0; j < m; j++ {
		idx := int(math.Floor(float64(j)*step + 0.5))
		idx = min(max(idx, 0), n-1)
		if used[idx] {
			continue
		}
		used[idx] = true
		chosen = append(chosen, sorted[idx])
	}
	for i := 0; len(chosen) < m && i < n; i++ {
		if used[i] {
			continue
		}
		used[i] = true
		chosen = append(chosen, sorted[i])
	}
	return chosen
}

// Select turns buckets into offers: the first len(targets) buckets are
// deduplicated, sorted and sampled down to their target count. Buckets
// with nothing left are omitted.
func Select(buckets []model.DayBucket, targets []int) []model.SlotSelection {
	out := make([]model.SlotSelection, 0, len(targets))
	for i := 0; i < len(buckets) && i < len(targets); i++ {
		times := SortTimes(Dedup(buckets[i].Times))
		chosen := PickEvenly(times, targets[i])
		if len(chosen) == 0 {
			continue
		}
		out = append(out, model.SlotSelection{Day: buckets[i].Day, Slots: chosen})
	}
	return out
}
