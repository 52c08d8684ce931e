package dispatch

import (
	"context"
	"sort"
	"strings"

	"github.com/taskflow/taskflow/internal/memory"
	"github.com/taskflow/taskflow/internal/types"
)

const (
	searchK           = 8
	defaultTokenBudget = 2000 // crude word-count budget, not a tokenizer
)

// composeContext implements spec §4.4 step 1: query the Memory Engine
// with domains=task.context_topics, k=8, and a query text derived from
// the task's title (task definitions carry no separate description
// field, so title stands in for "title+description" here). Results
// are concatenated, highest score first across all topic domains, up
// to a fixed word-count budget.
func composeContext(ctx context.Context, eng *memory.Engine, t *types.Task) (string, error) {
	if eng == nil || len(t.ContextTopics) == 0 {
		return "", nil
	}

	type scored struct {
		domain string
		hit    memory.SearchHit
	}
	var all []scored
	for _, domain := range t.ContextTopics {
		hits, err := eng.Search(ctx, []string{domain}, t.Title, searchK)
		if err != nil {
			return "", err
		}
		for _, h := range hits {
			all = append(all, scored{domain: domain, hit: h})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].hit.Score > all[j].hit.Score })

	var sb strings.Builder
	budget := defaultTokenBudget
	for _, s := range all {
		if budget <= 0 {
			break
		}
		content, ok, err := eng.Get(ctx, s.domain, s.hit.Key)
		if err != nil || !ok {
			continue
		}
		snippet := string(content)
		words := strings.Fields(snippet)
		if len(words) > budget {
			words = words[:budget]
			snippet = strings.Join(words, " ") + " ..."
		}
		sb.WriteString("[" + s.domain + "/" + s.hit.Key + "] " + snippet + "\n")
		budget -= len(words)
	}
	return sb.String(), nil
}
