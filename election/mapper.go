/*
mapper.go - Majority-vote cross-reference mapping (IDCC -> federation)

PURPOSE:
  Every establishment carrying a collective-agreement code (IDCC) should
  also carry a federation label, but historic ballot data is patchy. The
  mapper scans ballot records that carry BOTH values, tallies federation
  frequency per IDCC, and keeps the single most frequent label per code.
  Ingestion then consults it to backfill missing federations.

DETERMINISM:
  Frequency ties are broken by keeping the lexicographically smallest
  label. Each tie is logged as a warning naming the chosen value and the
  discarded alternatives with their counts.

OWNERSHIP:
  The mapper is an explicitly constructed component handed to its
  collaborators, not a package-level singleton. The snapshot swap is
  mutex-guarded so ingestion can Resolve while an admin Rebuild runs.
*/
package election

import (
	"log"
	"sort"
	"strings"
	"sync"
)

// CodePair is one (primary code, secondary label) observation from a
// source record.
type CodePair struct {
	Code  string
	Label string
}

// Mapper resolves a primary classification code to the federation label
// most frequently seen alongside it. Zero value is ready to use and
// resolves nothing until the first Rebuild.
type Mapper struct {
	mu      sync.RWMutex
	mapping map[string]string
}

// NewMapper returns an empty mapper.
func NewMapper() *Mapper {
	return &Mapper{mapping: map[string]string{}}
}

// Rebuild replaces the mapping from the given observations. Pairs with a
// blank code or label are ignored. Building is idempotent and
// side-effect-free apart from tie-break warnings; an empty input yields
// an empty mapping. Returns the number of codes mapped.
func (m *Mapper) Rebuild(pairs []CodePair) int {
	tallies := map[string]map[string]int{}
	for _, p := range pairs {
		code := strings.TrimSpace(p.Code)
		label := strings.TrimSpace(p.Label)
		if code == "" || label == "" {
			continue
		}
		if tallies[code] == nil {
			tallies[code] = map[string]int{}
		}
		tallies[code][label]++
	}

	mapping := make(map[string]string, len(tallies))
	for code, counts := range tallies {
		mapping[code] = pickMajorityLabel(code, counts)
	}

	m.mu.Lock()
	m.mapping = mapping
	m.mu.Unlock()

	return len(mapping)
}

// pickMajorityLabel keeps the most frequent label; on a tie the
// lexicographically smallest label wins and the discarded alternatives
// are logged with their counts.
func pickMajorityLabel(code string, counts map[string]int) string {
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return labels[i] < labels[j]
	})

	winner := labels[0]
	if len(labels) > 1 && counts[labels[1]] == counts[winner] {
		tied := []string{}
		for _, l := range labels[1:] {
			if counts[l] == counts[winner] {
				tied = append(tied, l)
			}
		}
		log.Printf("[Mapper] Tie for code %s: kept %q (%d), discarded %v", code, winner, counts[winner], tied)
	}
	return winner
}

// Resolve looks up the label for a code against the most recently built
// mapping. The second return value is false when the code is unknown.
func (m *Mapper) Resolve(code string) (string, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	label, ok := m.mapping[code]
	return label, ok
}

// Size returns the number of mapped codes.
func (m *Mapper) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mapping)
}

// Sample returns up to n mapping entries in deterministic code order,
// for the mapping stats endpoint.
func (m *Mapper) Sample(n int) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	codes := make([]string, 0, len(m.mapping))
	for code := range m.mapping {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	sample := map[string]string{}
	for _, code := range codes {
		if len(sample) >= n {
			break
		}
		sample[code] = m.mapping[code]
	}
	return sample
}
