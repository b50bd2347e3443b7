package sampling

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// nextSampleDelay returns how long to wait for the next multiple of
// interval since the epoch. An aligned now waits a full interval.
func nextSampleDelay(now time.Time, interval time.Duration) time.Duration {
	return interval - time.Duration(now.UnixNano()%int64(interval))
}

var fluxEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// fluxString renders s as a Flux string literal.
func fluxString(s string) string {
	return `"` + fluxEscaper.Replace(s) + `"`
}
