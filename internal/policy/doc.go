// Package policy authorizes administrative actions such as pre-trust updates
// and manual round closes. Decisions are evaluated by an OPA rego query over a
// built-in module, or over a module loaded from disk, with a restricted set of
// builtins.
package policy
