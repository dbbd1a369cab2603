package unverify

import (
	"fmt"

	"github.com/mrmod/gerrit-verify/gerrit"
)

// Outcome classifies how the handling of one event ended.
type Outcome int

const (
	// Completed means every topic was processed; Errors may still hold
	// per-vote failures.
	Completed Outcome = iota
	// Skipped means the event needed no work (no topic, trivial revision,
	// change not open).
	Skipped
	// Aborted means at least one topic matched more changes than allowed and
	// was left untouched.
	Aborted
	// Failed means a fatal error stopped processing; see Result.Err.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Skipped:
		return "skipped"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result reports what handling one event did.
type Result struct {
	Event   string
	Change  int
	Outcome Outcome
	Reason  string

	// ChangesAffected counts changes that lost at least one vote.
	ChangesAffected int
	VotesRemoved    int

	// Errors holds vote deletions that failed without stopping the run.
	Errors []error
	// Err is set when Outcome is Failed.
	Err error
}

func newResult(e gerrit.Event) Result {
	return Result{Event: e.Type, Change: e.Change.Number, Outcome: Completed}
}

func (r Result) skip(reason string) Result {
	r.Outcome = Skipped
	r.Reason = reason
	return r
}

func (r *Result) fail(err error) {
	r.Outcome = Failed
	r.Err = err
	r.Reason = err.Error()
}

func (r *Result) addTopic(t TopicResult) {
	r.ChangesAffected += t.ChangesAffected
	r.VotesRemoved += t.VotesRemoved
	r.Errors = append(r.Errors, t.Errors...)
	if t.Aborted && r.Outcome == Completed {
		r.Outcome = Aborted
		r.Reason = fmt.Sprintf("topic %q has %d open changes with Label:Verified", t.Topic, t.Matched)
	}
}

// TopicResult reports the work done for one topic.
type TopicResult struct {
	Topic string
	// Matched is the number of changes the topic query returned.
	Matched         int
	Aborted         bool
	ChangesAffected int
	VotesRemoved    int
	Errors          []error
}
