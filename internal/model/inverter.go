package model

import "time"

type InverterSample struct {
	Serial     string
	ReportTime time.Time
	Watts      int
	MaxWatts   int
}

// FilterNewInverterData drops samples that were already seen in prev. The
// gateway only refreshes inverter reports every few minutes, so most polls
// return stale values.
func FilterNewInverterData(cur, prev map[string]InverterSample) map[string]InverterSample {
	out := make(map[string]InverterSample)
	for serial, sample := range cur {
		old, ok := prev[serial]
		if ok && old.ReportTime.Equal(sample.ReportTime) {
			continue
		}
		out[serial] = sample
	}
	return out
}
