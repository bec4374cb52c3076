package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// Rollup derives the request-level status from the plan's task set and
// the per-task results:
//
//	any result failed or canceled        -> failed
//	every plan task succeeded            -> executed
//	any result running or queued         -> running
//	otherwise (including an empty plan)  -> executed
//
// It is a pure function of the plan's task ids and the result statuses.
func Rollup(p *ExecutionPlan, results []TaskResult) RequestStatus {
	succeeded := make(map[string]bool, len(results))
	anyPending := false
	for _, r := range results {
		switch r.Status {
		case TaskFailed, TaskCanceled:
			return StatusFailed
		case TaskSucceeded:
			succeeded[r.TaskID] = true
		case TaskRunning, TaskQueued:
			anyPending = true
		}
	}

	if p != nil && len(p.Tasks) > 0 {
		all := true
		for _, t := range p.Tasks {
			if !succeeded[t.ID] {
				all = false
				break
			}
		}
		if all {
			return StatusExecuted
		}
	}

	if anyPending {
		return StatusRunning
	}
	return StatusExecuted
}

// ResultsDigest returns a canonical digest of the results and the rolled
// up status. The runner compares digests before and after a tick so that
// a converge pass that changed nothing does not rewrite the record.
func ResultsDigest(results []TaskResult, status RequestStatus) (string, error) {
	ordered := make([]TaskResult, len(results))
	copy(ordered, results)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].TaskID < ordered[j].TaskID })

	raw, err := json.Marshal(struct {
		Status  RequestStatus `json:"status"`
		Results []TaskResult  `json:"results"`
	}{Status: status, Results: ordered})
	if err != nil {
		return "", fmt.Errorf("digest marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("digest canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
