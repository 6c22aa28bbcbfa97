// Package ranking merges results from several sources into one ordering.
package ranking

import (
	"sort"

	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/pkg/utils"
)

// Scorer assigns the combined score of one result. Implementations must be
// pure: identical inputs give identical scores.
type Scorer interface {
	Score(q Prepared, r models.NormalizedResult) float64
}

// Prepared is the per-round scoring context, computed once per Rank call.
type Prepared struct {
	Query models.Query
	Terms []string
}

// Weights configures WeightedScorer.
type Weights struct {
	Lexical   float64
	Relevance float64
}

// WeightedScorer combines lexical overlap, the adapter's own relevance and
// the source priority:
//
//	(lexical*Wl + relevance*Wr) * priority
//
// Recency is not part of the score; Ranker only consults it between equal
// scores.
type WeightedScorer struct {
	weights    Weights
	priorities map[string]float64
}

func NewWeightedScorer(weights Weights, priorities map[string]float64) *WeightedScorer {
	return &WeightedScorer{weights: weights, priorities: priorities}
}

func (s *WeightedScorer) Score(p Prepared, r models.NormalizedResult) float64 {
	lexical := LexicalOverlap(p.Terms, r.Title, r.Description)
	relevance := clamp01(r.Relevance)
	priority := priorityOf(s.priorities, r.Source)
	return (s.weights.Lexical*lexical + s.weights.Relevance*relevance) * priority
}

// LexicalOverlap is the share of query terms found in the result, with title
// hits counting double.
func LexicalOverlap(terms []string, title, description string) float64 {
	if len(terms) == 0 {
		return 0
	}
	titleTerms := toSet(utils.Tokenize(title))
	descTerms := toSet(utils.Tokenize(description))
	var hits float64
	for _, t := range terms {
		switch {
		case has(titleTerms, t):
			hits += 2
		case has(descTerms, t):
			hits++
		}
	}
	return hits / float64(2*len(terms))
}

// Ranker orders candidates by descending score. Equal scores fall back to
// source priority, then to the newer timestamp, then to id, so the order is
// fully deterministic.
type Ranker struct {
	scorer     Scorer
	priorities map[string]float64
}

func NewRanker(scorer Scorer, priorities map[string]float64) *Ranker {
	return &Ranker{scorer: scorer, priorities: priorities}
}

// Rank scores a copy of candidates and returns it sorted.
func (r *Ranker) Rank(q models.Query, candidates []models.NormalizedResult) []models.NormalizedResult {
	prepared := Prepared{Query: q, Terms: utils.Tokenize(q.Text)}

	ranked := make([]models.NormalizedResult, len(candidates))
	copy(ranked, candidates)
	for i := range ranked {
		ranked[i].Score = r.scorer.Score(prepared, ranked[i])
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		pa, pb := priorityOf(r.priorities, a.Source), priorityOf(r.priorities, b.Source)
		if pa != pb {
			return pa > pb
		}
		// Undated results sort after dated ones.
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID < b.ID
	})
	return ranked
}

// Top ranks candidates and splits them into the page and the remainder.
func (r *Ranker) Top(q models.Query, candidates []models.NormalizedResult, limit int) (page, rest []models.NormalizedResult) {
	ranked := r.Rank(q, candidates)
	if limit >= len(ranked) {
		return ranked, nil
	}
	return ranked[:limit], ranked[limit:]
}

func priorityOf(priorities map[string]float64, source string) float64 {
	if p, ok := priorities[source]; ok && p > 0 {
		return p
	}
	return 1
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func toSet(terms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}

func has(set map[string]struct{}, t string) bool {
	_, ok := set[t]
	return ok
}
