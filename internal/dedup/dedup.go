package dedup

import "recall_pipeline/internal/calls"

// Stats summarises one deduplication pass.
type Stats struct {
	Before  int
	After   int
	Removed int
}

// Records drops all but the last-ingested record for every key.
// Survivors keep their relative order. Applying it to its own output is a no-op.
func Records(in []calls.Record) ([]calls.Record, Stats) {
	seen := make(map[calls.Key]struct{}, len(in))
	keep := make([]bool, len(in))
	kept := 0
	for i := len(in) - 1; i >= 0; i-- {
		k := in[i].Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keep[i] = true
		kept++
	}

	out := make([]calls.Record, 0, kept)
	for i, ok := range keep {
		if ok {
			out = append(out, in[i])
		}
	}
	return out, Stats{Before: len(in), After: len(out), Removed: len(in) - len(out)}
}
