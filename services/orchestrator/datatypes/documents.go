package datatypes

import "fmt"

// DocumentQueryResult is the document store's query response, consumed
// unchanged from the wire. Outer slices are per-query (we always send one
// query, so index 0), inner slices are per-hit and parallel to each other.
type DocumentQueryResult struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]float64        `json:"distances"`
}

// Hits returns the number of hits for the first (only) query.
func (r *DocumentQueryResult) Hits() int {
	if len(r.Documents) == 0 {
		return 0
	}
	return len(r.Documents[0])
}

// Flatten converts the parallel-array wire shape into SearchResults.
// Title comes from the hit's filename metadata (source as fallback);
// score is 1-distance floored at zero. collectionName labels the source.
func (r *DocumentQueryResult) Flatten(collectionName string) []SearchResult {
	n := r.Hits()
	if n == 0 {
		return nil
	}

	source := collectionName
	if source == "" {
		source = "knowledge_base"
	}

	docs := r.Documents[0]
	var metas []map[string]any
	if len(r.Metadatas) > 0 {
		metas = r.Metadatas[0]
	}
	var dists []float64
	if len(r.Distances) > 0 {
		dists = r.Distances[0]
	}

	results := make([]SearchResult, 0, n)
	for i := 0; i < n; i++ {
		var meta map[string]any
		if i < len(metas) {
			meta = metas[i]
		}

		title := fmt.Sprintf("document %d", i+1)
		if meta != nil {
			if fn, ok := meta["filename"].(string); ok && fn != "" {
				title = fn
			} else if src, ok := meta["source"].(string); ok && src != "" {
				title = src
			}
		}

		score := 0.0
		if i < len(dists) {
			score = 1.0 - dists[i]
			if score < 0 {
				score = 0
			}
		}

		results = append(results, SearchResult{
			Title:    title,
			Content:  docs[i],
			Score:    score,
			Source:   source,
			Metadata: meta,
		})
	}
	return results
}
