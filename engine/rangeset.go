package engine

import "sort"

// byteRange is a half-open [Low, High) interval of absolute byte
// offsets. rangeSet is a sorted, merged collection of disjoint
// byteRanges, used here to assert that a resumed slice layout covers
// the whole file exactly once, with no gaps or overlaps.
type byteRange struct {
	Low, High int64
}

type rangeSet []byteRange

func (s *rangeSet) Add(single int64) {
	s.AddRange(single, single+1)
}

func (s *rangeSet) AddRange(low, high int64) {
	if low >= high {
		return
	}

	i := sort.Search(len(*s), func(i int) bool { return (*s)[i].Low > low }) - 1
	j := sort.Search(len(*s), func(i int) bool { return (*s)[i].High > high })
	if i == j {
		return
	}

	var r byteRange
	if i >= 0 && low <= (*s)[i].High {
		r.Low = (*s)[i].Low
	} else {
		r.Low = low
		i++
	}
	if j < len(*s) && (*s)[j].Low <= high {
		r.High = (*s)[j].High
		j++
	} else {
		r.High = high
	}

	if i < j {
		(*s)[i] = r
	} else {
		*s = append(*s, byteRange{})
		copy((*s)[i+1:], (*s)[i:])
		(*s)[i] = r
	}
	i++

	if i < j {
		*s = append((*s)[:i], (*s)[j:]...)
	}
}

func (s *rangeSet) Delete(single int64) {
	s.DeleteRange(single, single+1)
}

func (s *rangeSet) DeleteRange(low, high int64) {
	if low >= high {
		return
	}

	i := sort.Search(len(*s), func(i int) bool { return (*s)[i].Low > low }) - 1
	j := sort.Search(len(*s), func(i int) bool { return (*s)[i].High > high })

	var r1, r2 byteRange
	if i >= 0 && low <= (*s)[i].High {
		r1.Low, r1.High = (*s)[i].Low, low
	} else {
		i++
	}
	if j < len(*s) && (*s)[j].Low <= high {
		r2.Low, r2.High = high, (*s)[j].High
		j++
	}

	if r1.Low < r1.High {
		(*s)[i] = r1
		i++
	}
	if r2.Low < r2.High {
		if i < j {
			(*s)[i] = r2
		} else {
			*s = append(*s, byteRange{})
			copy((*s)[i+1:], (*s)[i:])
			(*s)[i] = r2
		}
		i++
	}

	if i < j {
		*s = append((*s)[:i], (*s)[j:]...)
	}
}

func (s *rangeSet) Reset() {
	*s = nil
}

// TotalSize sums the length of every interval in the set.
func (s rangeSet) TotalSize() int64 {
	var total int64
	for _, r := range s {
		total += r.High - r.Low
	}
	return total
}

// coversExactly reports whether s is exactly the single interval
// [0, size), i.e. every byte in range is still accounted for and
// nothing outside it is. Used to assert the disjoint-coverage
// invariant after slices are laid out.
func coversExactly(s rangeSet, size int64) bool {
	return len(s) == 1 && s[0].Low == 0 && s[0].High == size
}
