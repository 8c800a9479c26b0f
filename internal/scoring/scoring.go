// Package scoring ranks candidates per resource type.
//
// Sign convention differs by resource and is kept deliberately distinct:
// ambulance and hospital scores are penalties (lower is better, best = minimum),
// volunteer and donor scores are rewards (higher is better, best = maximum).
package scoring

import (
	"sort"

	"lifeline/dispatch/internal/geo"
)

// Ranked is a proximity match annotated with its score.
type Ranked[T geo.Locatable] struct {
	geo.Match[T]
	Score float64
}

func rankAscending[T geo.Locatable](items []Ranked[T]) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score == items[j].Score {
			return items[i].DistanceKm < items[j].DistanceKm
		}
		return items[i].Score < items[j].Score
	})
}

func rankDescending[T geo.Locatable](items []Ranked[T]) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score == items[j].Score {
			return items[i].DistanceKm < items[j].DistanceKm
		}
		return items[i].Score > items[j].Score
	})
}

func first[T geo.Locatable](items []Ranked[T]) (Ranked[T], bool) {
	if len(items) == 0 {
		return Ranked[T]{}, false
	}
	return items[0], true
}

func truncate[T geo.Locatable](items []Ranked[T], limit int) []Ranked[T] {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
