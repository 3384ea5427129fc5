// Package results holds the test result model shared by the store, the
// director and the hook reporters, together with the pure merge and
// counting rules applied to worker reports.
package results

// TestState is the outcome of a single test case.
type TestState string

const (
	// TestStateQueued marks a test that was discovered but has not run yet.
	TestStateQueued  TestState = "queued"
	TestStatePassed  TestState = "passed"
	TestStateFailed  TestState = "failed"
	TestStatePending TestState = "pending"
	TestStateSkipped TestState = "skipped"
)

// Valid reports whether s is a known test state.
func (s TestState) Valid() bool {
	switch s {
	case TestStateQueued, TestStatePassed, TestStateFailed,
		TestStatePending, TestStateSkipped:
		return true
	}

	return false
}

// Settled reports whether the test has produced an outcome.
func (s TestState) Settled() bool {
	return s != "" && s != TestStateQueued
}

// Test is one test case reported by a worker.
type Test struct {
	TestID       string    `json:"testId"`
	Title        []string  `json:"title"`
	State        TestState `json:"state"`
	Attempts     int       `json:"attempts"`
	DisplayError string    `json:"displayError,omitempty"`
}

// TestCounts is the aggregate of test outcomes used by progress counters.
type TestCounts struct {
	Overall  int `json:"overall"`
	Passes   int `json:"passes"`
	Failures int `json:"failures"`
	Pending  int `json:"pending"`
	Skipped  int `json:"skipped"`
	Retries  int `json:"retries"`
}

// Sub returns c - o.
func (c TestCounts) Sub(o TestCounts) TestCounts {
	return TestCounts{
		Overall:  c.Overall - o.Overall,
		Passes:   c.Passes - o.Passes,
		Failures: c.Failures - o.Failures,
		Pending:  c.Pending - o.Pending,
		Skipped:  c.Skipped - o.Skipped,
		Retries:  c.Retries - o.Retries,
	}
}

// Add returns c + o.
func (c TestCounts) Add(o TestCounts) TestCounts {
	return TestCounts{
		Overall:  c.Overall + o.Overall,
		Passes:   c.Passes + o.Passes,
		Failures: c.Failures + o.Failures,
		Pending:  c.Pending + o.Pending,
		Skipped:  c.Skipped + o.Skipped,
		Retries:  c.Retries + o.Retries,
	}
}

// IsZero reports whether every counter is zero.
func (c TestCounts) IsZero() bool {
	return c == TestCounts{}
}

// Stats are the aggregate results of one instance.
type Stats struct {
	Suites              int   `json:"suites"`
	Tests               int   `json:"tests"`
	Passes              int   `json:"passes"`
	Failures            int   `json:"failures"`
	Pending             int   `json:"pending"`
	Skipped             int   `json:"skipped"`
	Retries             int   `json:"retries"`
	WallClockDurationMs int64 `json:"wallClockDurationMs"`
}

// Counts projects the stats onto the counters tracked by Progress.
func (s Stats) Counts() TestCounts {
	return TestCounts{
		Overall:  s.Tests,
		Passes:   s.Passes,
		Failures: s.Failures,
		Pending:  s.Pending,
		Skipped:  s.Skipped,
		Retries:  s.Retries,
	}
}

// Progress is the incrementally maintained aggregate of a run or group.
type Progress struct {
	OverallSpecsCount   int        `json:"overallSpecsCount"`
	ClaimedSpecsCount   int        `json:"claimedSpecsCount"`
	CompletedSpecsCount int        `json:"completedSpecsCount"`
	Tests               TestCounts `json:"tests" gorm:"embedded;embeddedPrefix:tests_"`
}

// Apply adds a test counter delta to the progress.
func (p Progress) Apply(delta TestCounts) Progress {
	p.Tests = p.Tests.Add(delta)

	return p
}

// Successful reports whether no test has failed so far.
func (p Progress) Successful() bool {
	return p.Tests.Failures == 0
}

// AllSpecsCompleted reports whether every spec was claimed and finalized.
func (p Progress) AllSpecsCompleted() bool {
	return p.OverallSpecsCount > 0 &&
		p.ClaimedSpecsCount == p.OverallSpecsCount &&
		p.CompletedSpecsCount == p.OverallSpecsCount
}

// NeverRunSpecsCount is the number of specs that were never claimed.
func (p Progress) NeverRunSpecsCount() int {
	return p.OverallSpecsCount - p.ClaimedSpecsCount
}
