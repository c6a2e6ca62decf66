package deps

// Lookup returns the dependency lists of every live record known under
// ident, which may be a record ID or a logical name.
type Lookup func(ident string) [][]string

// FindCycle reports a dependency cycle that submitting a task named name with
// the given dependencies would close. The returned path starts and ends at
// name, e.g. [a b a]. It returns nil when the graph stays acyclic.
//
// The walk is a DFS over identifiers in declaration order, so the witness is
// stable for the same table.
func FindCycle(name string, dependencies []string, lookup Lookup) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{name: gray}
	var path []string

	var dfs func(ident string) bool
	dfs = func(ident string) bool {
		switch color[ident] {
		case gray:
			if ident == name {
				path = append(path, ident)
				return true
			}
			return false
		case black:
			return false
		}
		color[ident] = gray
		path = append(path, ident)
		for _, next := range lookup(ident) {
			for _, dep := range next {
				if dfs(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[ident] = black
		return false
	}

	for _, dep := range dependencies {
		path = path[:0]
		if dep == name {
			return []string{name, name}
		}
		if dfs(dep) {
			return append([]string{name}, path...)
		}
	}
	return nil
}
