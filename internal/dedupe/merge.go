package dedupe

import (
	"cmp"
	"maps"
	"slices"

	"github.com/desertthunder/tracksync/internal/models"
)

// byRegistration orders items earliest registered first.
func byRegistration(a, b *models.CatalogItem) int {
	return cmp.Or(cmp.Compare(a.Sequence, b.Sequence), cmp.Compare(a.ID, b.ID))
}

// Merge folds a group of duplicates into one item.
//
// The base is the item with the most complete identity signals (ties: earliest registered). Ratings take the
// maximum; identity and reference fields take the first non-empty value in priority order, where items carrying
// external ids come first and the rest follow in registration order.
func (e *Engine) Merge(items []*models.CatalogItem) *models.CatalogItem {
	if len(items) == 0 {
		return nil
	}

	base := slices.MinFunc(items, func(a, b *models.CatalogItem) int {
		return cmp.Or(cmp.Compare(b.Signals.Completeness(), a.Signals.Completeness()), byRegistration(a, b))
	})
	merged := base.Clone()

	priority := slices.Clone(items)
	slices.SortStableFunc(priority, func(a, b *models.CatalogItem) int {
		hasA, hasB := len(a.Signals.SourceIDs) > 0, len(b.Signals.SourceIDs) > 0
		if hasA != hasB {
			if hasA {
				return -1
			}
			return 1
		}
		return byRegistration(a, b)
	})

	merged.Signals = models.IdentitySignals{}
	merged.Artifacts = nil
	for _, item := range priority {
		s := item.Signals
		merged.Rating = max(merged.Rating, item.Rating)

		for source, id := range s.SourceIDs {
			if id == "" {
				continue
			}
			if merged.Signals.SourceIDs == nil {
				merged.Signals.SourceIDs = make(map[string]string)
			}
			if _, ok := merged.Signals.SourceIDs[source]; !ok {
				merged.Signals.SourceIDs[source] = id
			}
		}
		merged.Signals.Fingerprint = cmp.Or(merged.Signals.Fingerprint, s.Fingerprint)
		merged.Signals.Title = cmp.Or(merged.Signals.Title, s.Title)
		merged.Signals.Artist = cmp.Or(merged.Signals.Artist, s.Artist)
		merged.Signals.Album = cmp.Or(merged.Signals.Album, s.Album)
		merged.Signals.Duration = cmp.Or(merged.Signals.Duration, s.Duration)
		if len(merged.Artifacts) == 0 && len(item.Artifacts) > 0 {
			merged.Artifacts = slices.Clone(item.Artifacts)
		}
	}
	if merged.Signals.SourceIDs != nil {
		merged.Signals.SourceIDs = maps.Clone(merged.Signals.SourceIDs)
	}

	return merged
}

// PreMerge collapses duplicates inside one fetched page.
//
// Items are grouped transitively; each group's survivor is its earliest registered member, returned with the
// group's merged identity signals and highest rating. Every other member is reported as a duplicate of the survivor. Survivors keep
// the page order.
func (e *Engine) PreMerge(page []*models.CatalogItem) (survivors []*models.CatalogItem, skipped []models.DuplicateMatch) {
	n := len(page)
	idents := make([]Identity, n)
	for i, item := range page {
		idents[i] = FromItem(item)
	}

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if _, ok := e.Compare(idents[i], idents[j]); ok {
				if ri, rj := find(i), find(j); ri != rj {
					parent[rj] = ri
				}
			}
		}
	}

	groups := make(map[int][]int)
	for i := range page {
		root := find(i)
		groups[root] = append(groups[root], i)
	}

	survivorOf := make(map[int]int, len(groups))
	for root, members := range groups {
		survivorOf[root] = slices.MinFunc(members, func(a, b int) int { return byRegistration(page[a], page[b]) })
	}

	for i, item := range page {
		root := find(i)
		s := survivorOf[root]
		if i == s {
			members := groups[root]
			if len(members) == 1 {
				survivors = append(survivors, item)
				continue
			}
			group := make([]*models.CatalogItem, len(members))
			for k, m := range members {
				group[k] = page[m]
			}
			merged := e.Merge(group)
			survivor := item.Clone()
			survivor.Signals = merged.Signals
			survivor.Rating = merged.Rating
			survivors = append(survivors, survivor)
			continue
		}

		match, ok := e.Compare(idents[i], idents[s])
		if !ok {
			match = e.strongestLink(idents, groups[root], i)
		}
		match.CandidateID, match.MatchedID = item.ID, page[s].ID
		skipped = append(skipped, match)
	}

	return survivors, skipped
}

// strongestLink returns the best direct match between member i and the rest of its group.
func (e *Engine) strongestLink(idents []Identity, members []int, i int) models.DuplicateMatch {
	others := make([]Identity, 0, len(members)-1)
	for _, m := range members {
		if m != i {
			others = append(others, idents[m])
		}
	}
	if ok, best := e.IsDuplicate(idents[i], others); ok {
		return *best
	}
	return models.DuplicateMatch{Method: models.MatchFuzzy}
}
