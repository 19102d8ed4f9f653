package agent

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/cloudflare/ahocorasick"
)

const (
	defaultTopK        = 3
	maxTopK            = 10
	minRelevance       = 0.1
	excerptBefore      = 100
	excerptAfter       = 400
	fallbackExcerpt    = 500
	minQueryTermLength = 2
)

type searchReferenceInput struct {
	Query string `json:"query"`
	TopK  int    `json:"topK"`
}

// ReferenceMatch is one ranked excerpt.
type ReferenceMatch struct {
	FileName       string   `json:"fileName"`
	RelevanceScore float64  `json:"relevanceScore"`
	MatchedTerms   []string `json:"matchedTerms"`
	Excerpt        string   `json:"excerpt"`
}

// ReferenceSearch is the search_reference output.
type ReferenceSearch struct {
	SearchQuery     string           `json:"searchQuery"`
	FoundReferences []ReferenceMatch `json:"foundReferences"`
	TotalMatches    int              `json:"totalMatches"`
}

func (e *Executor) runSearchReference(_ context.Context, st *runState, raw json.RawMessage) (any, error) {
	var in searchReferenceInput
	if err := decodeInput(ToolSearchReference, raw, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, invalidInput(ToolSearchReference, "query is required")
	}
	topK := in.TopK
	if topK <= 0 {
		topK = e.cfg.ReferenceTopK
	}
	topK = min(topK, maxTopK)

	return searchReferences(st, in.Query, topK), nil
}

// queryTerms returns distinct normalized terms longer than two runes.
func queryTerms(query string) []string {
	seen := map[string]bool{}
	var terms []string
	for _, w := range wordsLongerThan(query, minQueryTermLength) {
		if !seen[w] {
			seen[w] = true
			terms = append(terms, w)
		}
	}
	return terms
}

func searchReferences(st *runState, query string, topK int) ReferenceSearch {
	out := ReferenceSearch{SearchQuery: query, FoundReferences: []ReferenceMatch{}}

	terms := queryTerms(query)
	if len(terms) == 0 || len(st.bundle.References) == 0 {
		return out
	}
	matcher := ahocorasick.NewStringMatcher(terms)

	for i, ref := range st.bundle.References {
		folded := st.normalizedReference(i)
		doc := folded.text
		hits := matcher.Match([]byte(doc))
		if len(hits) == 0 {
			continue
		}
		relevance := float64(len(hits)) / float64(len(terms))
		if relevance <= minRelevance {
			continue
		}

		matched := make([]string, 0, len(hits))
		first := -1
		for _, h := range hits {
			term := terms[h]
			matched = append(matched, term)
			if idx := strings.Index(doc, term); idx >= 0 && (first < 0 || idx < first) {
				first = idx
			}
		}
		sort.Strings(matched)

		var snippet string
		if first >= 0 {
			snippet = excerpt(ref.Content, folded.origin(first), excerptBefore, excerptAfter)
		} else {
			snippet = truncate(ref.Content, fallbackExcerpt)
		}

		out.FoundReferences = append(out.FoundReferences, ReferenceMatch{
			FileName:       ref.FileName,
			RelevanceScore: round2(relevance),
			MatchedTerms:   matched,
			Excerpt:        snippet,
		})
	}

	sort.SliceStable(out.FoundReferences, func(i, j int) bool {
		return out.FoundReferences[i].RelevanceScore > out.FoundReferences[j].RelevanceScore
	})
	out.TotalMatches = len(out.FoundReferences)
	if len(out.FoundReferences) > topK {
		out.FoundReferences = out.FoundReferences[:topK]
	}
	return out
}
