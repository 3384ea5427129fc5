package results

// ReportedStats are the summary fields only a worker can know. Everything
// else is derived from the merged test list.
type ReportedStats struct {
	Suites              int   `json:"suites"`
	WallClockDurationMs int64 `json:"wallClockDurationMs"`
}

// Update is one partial result report for an instance. Reports may arrive
// more than once and out of order.
type Update struct {
	Tests    []Test         `json:"tests"`
	Stats    *ReportedStats `json:"stats,omitempty"`
	Error    string         `json:"error,omitempty"`
	Complete bool           `json:"complete"`
}

// Merge folds reported tests into the current test list. Tests are keyed by
// TestID: known tests are updated in place and unknown ones are appended in
// report order. The input slices are not modified.
func Merge(current, reported []Test) []Test {
	merged := make([]Test, len(current), len(current)+len(reported))
	copy(merged, current)

	index := make(map[string]int, len(merged))
	for i, t := range merged {
		index[t.TestID] = i
	}

	for _, r := range reported {
		if r.TestID == "" {
			continue
		}

		i, ok := index[r.TestID]
		if !ok {
			if r.State == "" {
				r.State = TestStateQueued
			}

			r.Title = append([]string(nil), r.Title...)
			index[r.TestID] = len(merged)
			merged = append(merged, r)

			continue
		}

		merged[i] = mergeTest(merged[i], r)
	}

	return merged
}

func mergeTest(cur, r Test) Test {
	if len(r.Title) > 0 {
		cur.Title = append([]string(nil), r.Title...)
	}

	// A discovery report must not undo an outcome that already arrived.
	if r.State.Settled() || (r.State == TestStateQueued && !cur.State.Settled()) {
		cur.State = r.State
	}

	if r.Attempts > cur.Attempts {
		cur.Attempts = r.Attempts
	}

	if r.DisplayError != "" {
		cur.DisplayError = r.DisplayError
	}

	return cur
}

// MergeReported combines worker supplied summary fields.
func MergeReported(cur ReportedStats, r *ReportedStats) ReportedStats {
	if r == nil {
		return cur
	}

	if r.Suites > 0 {
		cur.Suites = r.Suites
	}

	if r.WallClockDurationMs > cur.WallClockDurationMs {
		cur.WallClockDurationMs = r.WallClockDurationMs
	}

	return cur
}

// Compute derives instance stats from the merged tests.
func Compute(tests []Test, reported ReportedStats) Stats {
	s := Stats{
		Suites:              reported.Suites,
		Tests:               len(tests),
		WallClockDurationMs: reported.WallClockDurationMs,
	}

	for _, t := range tests {
		switch t.State {
		case TestStatePassed:
			s.Passes++
		case TestStateFailed:
			s.Failures++
		case TestStatePending:
			s.Pending++
		case TestStateSkipped:
			s.Skipped++
		}

		if t.Attempts > 1 {
			s.Retries += t.Attempts - 1
		}
	}

	return s
}
