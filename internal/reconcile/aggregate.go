package reconcile

import "math/rand/v2"

type CandidateRecord struct {
	Key         string
	Label       string
	Contributor string
}

// CandidateGroup is every record sharing one key, labelled by the first
// record seen for it.
type CandidateGroup struct {
	Key          string   `json:"key"`
	Label        string   `json:"label"`
	Contributors []string `json:"contributors"`
}

type KeySet map[string]struct{}

func NewKeySet(keys ...string) KeySet {
	set := make(KeySet, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}

func (s KeySet) Add(key string) {
	s[key] = struct{}{}
}

func (s KeySet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Aggregate folds records into groups in first-seen key order. Records whose
// key is excluded or whose label is empty are skipped.
func Aggregate(records []CandidateRecord, excluded func(key string) bool) []CandidateGroup {
	index := map[string]int{}
	groups := make([]CandidateGroup, 0)
	for _, record := range records {
		if excluded != nil && excluded(record.Key) {
			continue
		}
		if record.Label == "" {
			continue
		}
		if i, ok := index[record.Key]; ok {
			groups[i].Contributors = append(groups[i].Contributors, record.Contributor)
			continue
		}
		index[record.Key] = len(groups)
		groups = append(groups, CandidateGroup{
			Key:          record.Key,
			Label:        record.Label,
			Contributors: []string{record.Contributor},
		})
	}
	return groups
}

// Sample returns up to n items in uniformly random order. items is not
// modified. A nil rng uses the global source.
func Sample[T any](items []T, n int, rng *rand.Rand) []T {
	if n <= 0 || len(items) == 0 {
		return []T{}
	}
	out := make([]T, len(items))
	copy(out, items)
	swap := func(i, j int) { out[i], out[j] = out[j], out[i] }
	if rng != nil {
		rng.Shuffle(len(out), swap)
	} else {
		rand.Shuffle(len(out), swap)
	}
	if n < len(out) {
		out = out[:n]
	}
	return out
}
