package matching

// SearchOrder returns the buckets a newly queueing user searches, highest
// priority first. A partner who specifically wants the user's gender ranks
// above one who accepts any gender.
func SearchOrder(g Gender, p Preference) []Bucket {
	if p == PreferAny {
		other := Female
		if g == Female {
			other = Male
		}
		return []Bucket{
			{Gender: other, Wants: Preference(g)},
			{Gender: g, Wants: Preference(g)},
			{Gender: other, Wants: PreferAny},
			{Gender: g, Wants: PreferAny},
		}
	}

	target := Gender(p)
	return []Bucket{
		{Gender: target, Wants: Preference(g)},
		{Gender: target, Wants: PreferAny},
	}
}
