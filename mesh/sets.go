package mesh

import "sort"

// Small sorted int sets. Adjacency lists are short, so a sorted slice beats a
// map and keeps iteration order stable.

func insertSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	if i < len(s) && s[i] == v {
		return s
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	if i == len(s) || s[i] != v {
		return s
	}
	return append(s[:i], s[i+1:]...)
}

func containsSorted(s []int, v int) bool {
	i := sort.SearchInts(s, v)
	return i < len(s) && s[i] == v
}

// IntersectSorted returns the common members of two sorted sets.
func IntersectSorted(a, b []int) (c []int) {
	var i, j int
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			c = append(c, a[i])
			i++
			j++
		}
	}
	return
}
