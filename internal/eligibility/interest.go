package eligibility

// InterestsMatch reports whether the user's interest set intersects the
// brand's category set. Both sides fail closed: a brand with no categories
// matches nobody, and a user who declared no interests matches no brand.
func InterestsMatch(userInterests, brandCategories []int64) bool {
	if len(userInterests) == 0 || len(brandCategories) == 0 {
		return false
	}

	set := make(map[int64]struct{}, len(userInterests))
	for _, id := range userInterests {
		set[id] = struct{}{}
	}

	for _, id := range brandCategories {
		if _, ok := set[id]; ok {
			return true
		}
	}

	return false
}

// MatchedCategories returns the intersection of the user's interests and the
// brand's categories, in the brand's category order. Used by the diagnostic
// endpoint.
func MatchedCategories(userInterests, brandCategories []int64) []int64 {
	if len(userInterests) == 0 || len(brandCategories) == 0 {
		return nil
	}

	set := make(map[int64]struct{}, len(userInterests))
	for _, id := range userInterests {
		set[id] = struct{}{}
	}

	var matched []int64
	for _, id := range brandCategories {
		if _, ok := set[id]; ok {
			matched = append(matched, id)
		}
	}

	return matched
}
