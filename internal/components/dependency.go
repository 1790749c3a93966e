package components

import "sort"

// resolveOrder topologically sorts names by the dependency edges in deps
// (name -> its declared dependencies). It returns as many names as can be
// ordered; any name participating in a cycle (directly or transitively) is
// returned separately in cyclic, sorted for determinism, rather than
// aborting the whole resolution — partial successes are retained per the
// component runtime's load semantics.
func resolveOrder(names []string, deps map[string][]string) (order []string, cyclic []string) {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}

	indegree := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))
	for _, n := range names {
		indegree[n] = 0
	}
	for _, n := range names {
		for _, dep := range deps[n] {
			if !set[dep] {
				// Dependency on an undiscovered bundle: not an ordering
				// edge, so the node is still scheduled; the caller reports
				// the absent dependency (see missingDependencies).
				continue
			}
			indegree[n]++
			dependents[dep] = append(dependents[dep], n)
		}
	}

	queue := make([]string, 0, len(names))
	for _, n := range names {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		next := append([]string{}, dependents[n]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
				sort.Strings(queue)
			}
		}
	}

	if len(order) < len(names) {
		resolved := make(map[string]bool, len(order))
		for _, n := range order {
			resolved[n] = true
		}
		for _, n := range names {
			if !resolved[n] {
				cyclic = append(cyclic, n)
			}
		}
		sort.Strings(cyclic)
	}

	return order, cyclic
}

// missingDependencies returns the dependency names a bundle declares that
// are not present in discovered, preserving declaration order.
func missingDependencies(depNames []string, discovered map[string]bool) []string {
	var missing []string
	for _, d := range depNames {
		if !discovered[d] {
			missing = append(missing, d)
		}
	}
	return missing
}
