package aggregation

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"slices"
	"sort"
	"strings"
)

const (
	// StartHash is the synthetic origin of every transition graph.
	StartHash = "__START__"

	maxVariants = 10
)

// Step is one depersonalized action in an abstract trace.
type Step struct {
	ActionType          string   `json:"action_type"`
	ToolFamily          string   `json:"tool_family"`
	EntityTypeTags      []string `json:"entity_type_tags"`
	ProcessTags         []string `json:"process_tags"`
	DeltaTimeMsFromPrev int64    `json:"delta_time_ms_from_prev"`
}

// AbstractTrace is an opted-in task with the person replaced by a hash.
type AbstractTrace struct {
	ID         string
	ProcessKey string
	Steps      []Step
	Outcome    string
	PersonHash string
}

type Edge struct {
	From        string
	To          string
	Count       int
	Probability float64
	P50Ms       int64
	P95Ms       int64
}

type Variant struct {
	Rank         int
	StepHashes   []string
	Frequency    float64
	OutcomeStats map[string]float64
}

// Pattern is a group of traces sharing a process key and step signature. Edges and
// variants are only computed for published patterns.
type Pattern struct {
	ProcessKey     string
	Signature      string
	DistinctUsers  int
	DistinctTraces int
	Published      bool
	Edges          []Edge
	Variants       []Variant
}

// StepHash identifies a step by action, tool family and entity tags. Timing and process
// tags do not contribute.
func StepHash(s Step) string {
	material := s.ActionType + "|" + s.ToolFamily + "|" + strings.Join(s.EntityTypeTags, ",")
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:16]
}

// Signature joins the step hashes of a trace with "->".
func Signature(steps []Step) string {
	return strings.Join(stepHashes(steps), "->")
}

// ProcessKey derives "<tool_family>:action=<action_type>" from the first step.
func ProcessKey(steps []Step) string {
	if len(steps) == 0 {
		return "unknown:empty"
	}
	return steps[0].ToolFamily + ":action=" + steps[0].ActionType
}

func stepHashes(steps []Step) []string {
	hashes := make([]string, len(steps))
	for i, s := range steps {
		hashes[i] = StepHash(s)
	}
	return hashes
}

// Cluster groups traces by (process key, signature) and applies the k-anonymity gate: a
// pattern is published iff at least k distinct persons and n traces contributed. The
// result is ordered by process key then signature and does not depend on input order.
func Cluster(traces []AbstractTrace, k, n int) []Pattern {
	type groupKey struct{ processKey, signature string }
	groups := make(map[groupKey][]AbstractTrace)
	for _, t := range traces {
		key := groupKey{t.ProcessKey, Signature(t.Steps)}
		groups[key] = append(groups[key], t)
	}

	keys := make([]groupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].processKey != keys[j].processKey {
			return keys[i].processKey < keys[j].processKey
		}
		return keys[i].signature < keys[j].signature
	})

	patterns := make([]Pattern, 0, len(keys))
	for _, key := range keys {
		bucket := groups[key]
		users := make(map[string]struct{})
		for _, t := range bucket {
			if t.PersonHash != "" {
				users[t.PersonHash] = struct{}{}
			}
		}
		p := Pattern{
			ProcessKey:     key.processKey,
			Signature:      key.signature,
			DistinctUsers:  len(users),
			DistinctTraces: len(bucket),
		}
		p.Published = p.DistinctUsers >= k && p.DistinctTraces >= n
		if p.Published {
			p.Edges = buildEdges(bucket)
			p.Variants = buildVariants(bucket)
		}
		patterns = append(patterns, p)
	}
	return patterns
}

func buildEdges(traces []AbstractTrace) []Edge {
	type edgeKey struct{ from, to string }
	samples := make(map[edgeKey][]int64)
	outgoing := make(map[string]int)
	for _, t := range traces {
		prev := StartHash
		for _, s := range t.Steps {
			h := StepHash(s)
			key := edgeKey{prev, h}
			samples[key] = append(samples[key], s.DeltaTimeMsFromPrev)
			outgoing[prev]++
			prev = h
		}
	}

	edges := make([]Edge, 0, len(samples))
	for key, ss := range samples {
		slices.Sort(ss)
		edges = append(edges, Edge{
			From:        key.from,
			To:          key.to,
			Count:       len(ss),
			Probability: float64(len(ss)) / float64(max(outgoing[key.from], 1)),
			P50Ms:       ss[len(ss)/2],
			P95Ms:       ss[p95Index(len(ss))],
		})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// p95Index returns max(n-1, ceil(0.95n)-1), which always selects the largest sample.
func p95Index(n int) int {
	return max(n-1, int(math.Ceil(0.95*float64(n)))-1)
}

func buildVariants(traces []AbstractTrace) []Variant {
	type variantCount struct {
		hashes []string
		count  int
	}
	counts := make(map[string]*variantCount)
	outcomes := make(map[string]int)
	for _, t := range traces {
		hashes := stepHashes(t.Steps)
		key := strings.Join(hashes, "\x00")
		if vc, ok := counts[key]; ok {
			vc.count++
		} else {
			counts[key] = &variantCount{hashes: hashes, count: 1}
		}
		outcomes[t.Outcome]++
	}

	ranked := make([]*variantCount, 0, len(counts))
	for _, vc := range counts {
		ranked = append(ranked, vc)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return slices.Compare(ranked[i].hashes, ranked[j].hashes) < 0
	})
	if len(ranked) > maxVariants {
		ranked = ranked[:maxVariants]
	}

	total := max(len(traces), 1)
	outcomeStats := make(map[string]float64, len(outcomes))
	for outcome, c := range outcomes {
		outcomeStats[outcome] = float64(c) / float64(total)
	}

	variants := make([]Variant, len(ranked))
	for i, vc := range ranked {
		stats := make(map[string]float64, len(outcomeStats))
		for k, v := range outcomeStats {
			stats[k] = v
		}
		variants[i] = Variant{
			Rank:         i + 1,
			StepHashes:   vc.hashes,
			Frequency:    float64(vc.count) / float64(total),
			OutcomeStats: stats,
		}
	}
	return variants
}
