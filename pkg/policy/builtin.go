package policy

import (
	"encoding/json"
	"fmt"
)

// MaxNodes rejects plans with more than n nodes.
func MaxNodes(n int) Policy {
	return Policy{
		Name: "builtin/max-nodes.rego",
		Rego: fmt.Sprintf(`package gustav

deny contains msg if {
	count(input.plan.nodes) > %d
	msg := sprintf("plan has %%d nodes, at most %d are allowed", [count(input.plan.nodes)])
}
`, n, n),
	}
}

// ProtectedPaths rejects plans with a node that changes a protected path,
// a path below it or one of its ancestors.
func ProtectedPaths(paths ...string) Policy {
	if paths == nil {
		paths = []string{}
	}
	// JSON arrays of strings are valid Rego.
	list, _ := json.Marshal(paths)

	return Policy{
		Name: "builtin/protected-paths.rego",
		Rego: fmt.Sprintf(`package gustav

deny contains violation if {
	some node in input.plan.nodes
	some p in %[1]s
	protected_overlap(node.path, p)
	violation := {
		"msg": sprintf("%%s at %%s would change protected path %%s", [node.task, node.path, p]),
		"node": node.id,
		"path": node.path,
	}
}

protected_overlap(path, p) if path == p

protected_overlap(path, p) if startswith(path, concat("", [p, "/"]))

protected_overlap(path, p) if startswith(p, concat("", [path, "/"]))
`, list),
	}
}
