package core

import (
	"time"

	"timestack/pkg/domain"
)

// NotFound is the index returned when no element satisfies a closest match.
const NotFound = -1

// ClosestMatch searches a sequence of n timestamps ordered newest first, where
// at(i) yields the timestamp at index i, and returns the index of the oldest
// element whose timestamp is at or after searchDate. Equal timestamps resolve
// to the highest index. NotFound is returned for an empty sequence or when
// searchDate is newer than every element.
func ClosestMatch(n int, at func(int) time.Time, searchDate time.Time) int {
	if n <= 0 {
		return NotFound
	}
	if searchDate.Before(at(n - 1)) {
		return n - 1
	}
	if searchDate.After(at(0)) {
		return NotFound
	}

	// at(0) >= searchDate here, so found always lands on a qualifying index.
	found := 0
	lo, hi := 0, n-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		c := compareAt(at(mid), searchDate)
		if c == 0 {
			found = mid
			break
		}
		if c > 0 {
			// Newer than searchDate: qualifies, keep looking toward the older end.
			found = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	ts := at(found)
	for found+1 < n && at(found+1).Equal(ts) {
		found++
	}
	return found
}

// compareAt orders ts relative to searchDate: positive when newer, negative
// when older, zero when equal at full precision.
func compareAt(ts, searchDate time.Time) int {
	switch {
	case ts.After(searchDate):
		return 1
	case ts.Before(searchDate):
		return -1
	default:
		return 0
	}
}

// ClosestSnapshot applies ClosestMatch to a newest-first snapshot list.
func ClosestSnapshot(list []domain.Snapshot, searchDate time.Time) int {
	return ClosestMatch(len(list), func(i int) time.Time { return list[i].Timestamp }, searchDate)
}
