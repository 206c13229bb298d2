package storage

// ConcatFeatures combines two feature containers into dst. For every image
// present in either source the combined sequence is the first container's
// keypoints followed by the second's. The returned offset table holds, per
// image, the index at which the second container's keypoints begin; match
// records referencing the second container must be shifted by it.
func ConcatFeatures(dst, first, second *FeatureStore) (map[string]int, error) {
	offsets := make(map[string]int)

	names := make(map[string]struct{})
	for _, src := range []*FeatureStore{first, second} {
		ns, err := src.Names()
		if err != nil {
			return nil, err
		}
		for _, n := range ns {
			names[n] = struct{}{}
		}
	}

	for name := range names {
		var combined []Keypoint

		n1, err := first.Count(name)
		if err != nil {
			return nil, err
		}
		if n1 > 0 {
			kps, err := first.Keypoints(name)
			if err != nil {
				return nil, err
			}
			combined = append(combined, kps...)
		}
		offsets[name] = n1

		n2, err := second.Count(name)
		if err != nil {
			return nil, err
		}
		if n2 > 0 {
			kps, err := second.Keypoints(name)
			if err != nil {
				return nil, err
			}
			combined = append(combined, kps...)
		}

		if err := dst.SetKeypoints(name, combined); err != nil {
			return nil, err
		}
	}
	return offsets, nil
}

// ConcatMatches combines two match containers into dst. Entries from the
// first container are copied verbatim; entries from the second have their
// indices shifted by the per-image offsets produced by ConcatFeatures, so
// they reference the appended half of each combined keypoint sequence.
// Shifted indices address keypoints the first container never references,
// so the concatenation cannot introduce duplicate index pairs.
func ConcatMatches(dst, first, second *MatchStore, offsets map[string]int) error {
	pairs, err := first.Pairs()
	if err != nil {
		return err
	}
	for _, p := range pairs {
		ms, err := first.Matches(p[0], p[1])
		if err != nil {
			return err
		}
		if err := dst.SetMatches(p[0], p[1], ms); err != nil {
			return err
		}
	}

	pairs, err = second.Pairs()
	if err != nil {
		return err
	}
	for _, p := range pairs {
		ms, err := second.Matches(p[0], p[1])
		if err != nil {
			return err
		}
		offA, offB := offsets[p[0]], offsets[p[1]]
		shifted := make([]Match, len(ms))
		for i, m := range ms {
			shifted[i] = Match{I: m.I + offA, J: m.J + offB, Score: m.Score}
		}
		if err := dst.AppendMatches(p[0], p[1], shifted); err != nil {
			return err
		}
	}
	return nil
}
