package plan

import "fmt"

// Validate checks the structural invariants of a plan: task ids are
// non-empty and unique, every depends_on entry references a task in the
// same plan, and the dependency relation is acyclic.
func Validate(p *ExecutionPlan) error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	_, err := TopoSort(p)
	return err
}

// TopoSort returns the plan's tasks in dependency order. The order is
// deterministic: among tasks whose dependencies are all satisfied, the
// declaration order in the plan breaks ties. Unknown dependency ids and
// cycles are errors.
func TopoSort(p *ExecutionPlan) ([]ExecutionTask, error) {
	if p == nil {
		return nil, fmt.Errorf("plan is nil")
	}

	index := make(map[string]int, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task at position %d has an empty id", i)
		}
		if t.Backend == "" {
			return nil, fmt.Errorf("task %q has an empty backend", t.ID)
		}
		if _, dup := index[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		index[t.ID] = i
	}

	indegree := make([]int, len(p.Tasks))
	dependents := make([][]int, len(p.Tasks))
	for i, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
			if j == i {
				return nil, fmt.Errorf("task %q depends on itself", t.ID)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn's algorithm over declaration-order queues keeps the output
	// stable for identical plans.
	ready := make([]int, 0, len(p.Tasks))
	for i := range p.Tasks {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	sorted := make([]ExecutionTask, 0, len(p.Tasks))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		sorted = append(sorted, p.Tasks[i])
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = insertOrdered(ready, j)
			}
		}
	}

	if len(sorted) != len(p.Tasks) {
		return nil, fmt.Errorf("dependency cycle detected among %d tasks", len(p.Tasks)-len(sorted))
	}
	return sorted, nil
}

// insertOrdered keeps the ready queue sorted by declaration index.
func insertOrdered(queue []int, v int) []int {
	at := len(queue)
	for i, q := range queue {
		if v < q {
			at = i
			break
		}
	}
	queue = append(queue, 0)
	copy(queue[at+1:], queue[at:])
	queue[at] = v
	return queue
}
