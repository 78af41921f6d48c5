// Package policy admits or rejects plans with Rego.
//
// Every plan a worker finds is offered to an Engine before any node runs.
// The input document is the plan summary:
//
//	{
//	  "plan": {
//	    "id": "...",
//	    "nodes": [{"id": "n1", "task": "install", "path": "/apps/web", "scoped": true, ...}],
//	    "waves": [["n1"], ["n2"]],
//	    "mismatches": [{"op": "add", "path": "/apps/web", "value": {...}}]
//	  },
//	  "time": "2006-01-02T15:04:05Z"
//	}
//
// Policies live in package gustav and contribute to the deny set. A
// message is either a string or an object with msg and severity fields:
//
//	package gustav
//
//	deny contains msg if {
//	    some node in input.plan.nodes
//	    startswith(node.path, "/system")
//	    msg := sprintf("%s may not change %s", [node.task, node.path])
//	}
//
//	deny contains {"msg": "large plan", "severity": "warning"} if {
//	    count(input.plan.nodes) > 20
//	}
//
// Messages of severity error (the default) or critical reject the plan with
// a POLICY_DENIED planning error whose "reasons" detail lists them.
// Warnings and info messages are logged only. Modules are written in Rego
// v1 syntax.
package policy
