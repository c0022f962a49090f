package embedder

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// SearchSimilar embeds the query and returns the top-k most similar
// observations in the project as a map of observation id to cosine
// similarity in [0,1]. Observations without stored vectors are not
// considered.
func (w *Worker) SearchSimilar(ctx context.Context, project, query string, k int) (map[int64]float64, error) {
	qvec, _, err := w.client.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	vectors, err := w.store.ListVectorsByProject(project)
	if err != nil {
		return nil, fmt.Errorf("load vectors: %w", err)
	}

	type hit struct {
		id  int64
		sim float64
	}
	hits := make([]hit, 0, len(vectors))
	for _, v := range vectors {
		sim := CosineSimilarity(qvec, v.Embedding)
		if sim <= 0 {
			continue
		}
		hits = append(hits, hit{id: v.ObservationID, sim: sim})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].sim != hits[j].sim {
			return hits[i].sim > hits[j].sim
		}
		return hits[i].id > hits[j].id
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}

	out := make(map[int64]float64, len(hits))
	for _, h := range hits {
		out[h.id] = h.sim
	}
	return out, nil
}

// CosineSimilarity returns the cosine of the angle between a and b,
// clamped to [0,1]. Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
