package reports

import (
	"fmt"
	"sort"
	"time"
)

// SelectionOptions tunes the freshness rules.
type SelectionOptions struct {
	// MaxCategorySkewDays is the largest date gap tolerated between an entity's two categories.
	MaxCategorySkewDays int
	// MaxFrontierLagDays is the largest lag tolerated behind the category-wide newest date.
	MaxFrontierLagDays int
}

// DefaultSelectionOptions returns the production thresholds.
func DefaultSelectionOptions() SelectionOptions {
	return SelectionOptions{MaxCategorySkewDays: 1, MaxFrontierLagDays: 3}
}

// DropReason explains why a latest-per-category file was not selected.
type DropReason string

const (
	DropCategorySkew DropReason = "category_skew"
	DropFrontierLag  DropReason = "frontier_lag"
)

// DroppedFile records a candidate removed by one of the rules.
type DroppedFile struct {
	File   CandidateFile
	Reason DropReason
	Detail string
}

// Selection is the outcome of a freshness pass.
type Selection struct {
	Selected []CandidateFile
	Dropped  []DroppedFile
	// Matched counts listing entries that parsed as report files.
	Matched int
	// Frontier holds the newest date per category after the skew rule.
	Frontier map[Category]time.Time
}

// Filenames returns the selected filenames in order.
func (s Selection) Filenames() []string {
	names := make([]string, 0, len(s.Selected))
	for _, f := range s.Selected {
		names = append(names, f.Filename)
	}
	return names
}

// SelectFresh picks, per entity, the newest file of each category and keeps it only when it is
// consistent with the entity's other category and not lagging the rest of the population.
func SelectFresh(filenames []string, opts SelectionOptions) Selection {
	latest := make(map[string]map[Category]CandidateFile)
	matched := 0
	for _, name := range filenames {
		file, ok := ParseFilename(name)
		if !ok {
			continue
		}
		matched++
		byCategory := latest[file.EntityID]
		if byCategory == nil {
			byCategory = make(map[Category]CandidateFile, len(Categories))
			latest[file.EntityID] = byCategory
		}
		current, exists := byCategory[file.Category]
		if !exists || newer(file, current) {
			byCategory[file.Category] = file
		}
	}

	entities := make([]string, 0, len(latest))
	for entityID := range latest {
		entities = append(entities, entityID)
	}
	sort.Strings(entities)

	result := Selection{Matched: matched, Frontier: make(map[Category]time.Time, len(Categories))}

	var candidates []CandidateFile
	for _, entityID := range entities {
		byCategory := latest[entityID]
		a, hasA := byCategory[CategoryInte100F]
		b, hasB := byCategory[CategoryInte400F]
		if hasA && hasB {
			diff := absDays(a.Day(), b.Day())
			if diff > opts.MaxCategorySkewDays {
				keep, drop := a, b
				if b.Day().After(a.Day()) {
					keep, drop = b, a
				}
				candidates = append(candidates, keep)
				result.Dropped = append(result.Dropped, DroppedFile{
					File:   drop,
					Reason: DropCategorySkew,
					Detail: fmt.Sprintf("%d days older than %s", diff, keep.Category),
				})
				continue
			}
		}
		if hasA {
			candidates = append(candidates, a)
		}
		if hasB {
			candidates = append(candidates, b)
		}
	}

	for _, file := range candidates {
		if frontier, ok := result.Frontier[file.Category]; !ok || file.Day().After(frontier) {
			result.Frontier[file.Category] = file.Day()
		}
	}

	for _, file := range candidates {
		lag := absDays(result.Frontier[file.Category], file.Day())
		if lag > opts.MaxFrontierLagDays {
			result.Dropped = append(result.Dropped, DroppedFile{
				File:   file,
				Reason: DropFrontierLag,
				Detail: fmt.Sprintf("%d days behind %s frontier", lag, file.Category),
			})
			continue
		}
		result.Selected = append(result.Selected, file)
	}

	sort.Slice(result.Selected, func(i, j int) bool {
		return result.Selected[i].Filename < result.Selected[j].Filename
	})
	return result
}

// newer orders candidates within one (entity, category) group: later timestamp first, then the
// lexicographically larger filename.
func newer(a, b CandidateFile) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Filename > b.Filename
}

func absDays(a, b time.Time) int {
	d := int(a.Sub(b).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}
