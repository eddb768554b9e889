package searcher

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// candidate is a document with its fused relevance
type candidate struct {
	id         int64
	score      float64
	distance   *float64
	vectorRank int
	textRank   int
}

// sortCandidates orders by descending score, then ascending id.
func sortCandidates(cs []candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].score != cs[j].score {
			return cs[i].score > cs[j].score
		}
		return cs[i].id < cs[j].id
	})
}

// fuse runs the vector and keyword lists concurrently and combines them with
// the query's strategy. Either list failing fails the query.
func (s *Searcher) fuse(ctx context.Context, e *execution) ([]candidate, error) {
	var vec []vectorHit
	var text []textHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vec, err = s.vectorList(gctx, e, e.q.CandidateLimit)
		return err
	})
	g.Go(func() error {
		var err error
		text, err = s.textList(gctx, e, e.q.CandidateLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.enter(StageFused)

	if e.q.Strategy == StrategyWeighted {
		return weightedFusion(vec, text, *e.q.Weights), nil
	}
	return rrfFusion(vec, text, e.q.RRFConstant), nil
}

// merge collects both lists into one candidate per document, keeping the
// 1-based rank of each list.
func merge(vec []vectorHit, text []textHit) (map[int64]*candidate, []int64) {
	byID := make(map[int64]*candidate, len(vec)+len(text))
	var order []int64
	get := func(id int64) *candidate {
		c, ok := byID[id]
		if !ok {
			c = &candidate{id: id}
			byID[id] = c
			order = append(order, id)
		}
		return c
	}
	for i, h := range vec {
		c := get(h.id)
		if c.vectorRank == 0 {
			d := h.distance
			c.vectorRank = i + 1
			c.distance = &d
		}
	}
	for i, h := range text {
		c := get(h.id)
		if c.textRank == 0 {
			c.textRank = i + 1
		}
	}
	return byID, order
}

// rrfFusion applies Reciprocal Rank Fusion
// RRF formula: RRF(d) = Σ 1/(k + rank(d))
func rrfFusion(vec []vectorHit, text []textHit, k float64) []candidate {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	byID, order := merge(vec, text)

	out := make([]candidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		if c.vectorRank > 0 {
			c.score += 1.0 / (k + float64(c.vectorRank))
		}
		if c.textRank > 0 {
			c.score += 1.0 / (k + float64(c.textRank))
		}
		out = append(out, *c)
	}
	sortCandidates(out)
	return out
}

// weightedFusion scores w.Text*normalizedTextRank + w.Vector*normalizedSimilarity.
// The text rank normalizes as 1 - (rank-1)/len(list); vector distances are
// min-max normalized across the list, 1 for the closest. A document missing
// from a list contributes nothing for it.
func weightedFusion(vec []vectorHit, text []textHit, w Weights) []candidate {
	byID, order := merge(vec, text)

	minD, maxD := 0.0, 0.0
	for i, h := range vec {
		if i == 0 || h.distance < minD {
			minD = h.distance
		}
		if i == 0 || h.distance > maxD {
			maxD = h.distance
		}
	}

	out := make([]candidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		if c.textRank > 0 {
			c.score += w.Text * (1 - float64(c.textRank-1)/float64(len(text)))
		}
		if c.vectorRank > 0 {
			sim := 1.0
			if maxD > minD {
				sim = 1 - (*c.distance-minD)/(maxD-minD)
			}
			c.score += w.Vector * sim
		}
		out = append(out, *c)
	}
	sortCandidates(out)
	return out
}
