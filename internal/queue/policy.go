package queue

import "time"

// Queue names used by the workflow runner.
const (
	WorkflowRun       = "workflow-run"
	SourceQuery       = "source-query"
	PipelineExecution = "pipeline-execution"
)

// Names lists the queues of the workflow runner.
var Names = []string{WorkflowRun, SourceQuery, PipelineExecution}

// Known reports whether name is one of Names.
func Known(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// Policy is the default retry and retention behaviour of a queue.
type Policy struct {
	Attempts         int
	Backoff          Backoff
	RemoveOnComplete int
	RemoveOnFail     int
}

// DefaultPolicy applies to queues without an explicit policy.
var DefaultPolicy = Policy{
	Attempts:         1,
	Backoff:          Backoff{Type: BackoffExponential, Delay: time.Second},
	RemoveOnComplete: 100,
	RemoveOnFail:     50,
}

// DefaultPolicies returns the per-queue defaults of the workflow runner.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		WorkflowRun: {
			Attempts:         1,
			Backoff:          Backoff{Type: BackoffExponential, Delay: 2 * time.Second},
			RemoveOnComplete: 100,
			RemoveOnFail:     50,
		},
		SourceQuery: {
			Attempts:         1,
			Backoff:          Backoff{Type: BackoffExponential, Delay: 5 * time.Second},
			RemoveOnComplete: 50,
			RemoveOnFail:     25,
		},
		PipelineExecution: {
			Attempts:         1,
			Backoff:          Backoff{Type: BackoffExponential, Delay: time.Second},
			RemoveOnComplete: 100,
			RemoveOnFail:     50,
		},
	}
}

// resolve fills unset job options from the policy.
func (p Policy) resolve(opts *JobOptions) JobOptions {
	var out JobOptions
	if opts != nil {
		out = *opts
	}
	if out.Attempts <= 0 {
		out.Attempts = p.Attempts
	}
	if out.Attempts <= 0 {
		out.Attempts = 1
	}
	if out.Backoff == nil {
		backoff := p.Backoff
		out.Backoff = &backoff
	}
	if out.RemoveOnComplete <= 0 {
		out.RemoveOnComplete = p.RemoveOnComplete
	}
	if out.RemoveOnFail <= 0 {
		out.RemoveOnFail = p.RemoveOnFail
	}
	return out
}
