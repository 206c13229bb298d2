package tasks

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"parallax/internal/storage"
)

// PairsFromExhaustive returns every unordered pair of images, in canonical
// order (first member lexicographically smaller, list sorted).
func PairsFromExhaustive(images []string) [][2]string {
	sorted := append([]string(nil), images...)
	sort.Strings(sorted)

	var pairs [][2]string
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			pairs = append(pairs, [2]string{sorted[i], sorted[j]})
		}
	}
	return pairs
}

// PairsFromRetrieval ranks images by cosine similarity of their global
// descriptors and keeps the topK neighbors per image. The union of selected
// pairs is returned canonically ordered and sorted.
func PairsFromRetrieval(store *storage.FeatureStore, images []string, topK int) ([][2]string, error) {
	if topK < 1 {
		return nil, fmt.Errorf("retrieval top_k must be positive, got %d", topK)
	}

	descs := make(map[string][]float64, len(images))
	for _, name := range images {
		d, err := store.Descriptor(name)
		if err != nil {
			return nil, err
		}
		if norm := floats.Norm(d, 2); norm > 0 {
			floats.Scale(1/norm, d)
		}
		descs[name] = d
	}

	type scored struct {
		name string
		sim  float64
	}

	selected := make(map[string]struct{})
	for _, a := range images {
		var neighbors []scored
		for _, b := range images {
			if a == b {
				continue
			}
			if len(descs[a]) != len(descs[b]) {
				return nil, fmt.Errorf("descriptor dimension mismatch between %q and %q", a, b)
			}
			sim := floats.Dot(descs[a], descs[b])
			if math.IsNaN(sim) {
				sim = 0
			}
			neighbors = append(neighbors, scored{name: b, sim: sim})
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].sim > neighbors[j].sim })
		if len(neighbors) > topK {
			neighbors = neighbors[:topK]
		}
		for _, n := range neighbors {
			x, y := a, n.name
			if y < x {
				x, y = y, x
			}
			selected[storage.PairKey(x, y)] = struct{}{}
		}
	}

	keys := make([]string, 0, len(selected))
	for k := range selected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		a, b, err := storage.SplitPairKey(k)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, [2]string{a, b})
	}
	return pairs, nil
}
