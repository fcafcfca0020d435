// Package policy evaluates placement preflight policies written in Rego.
//
// Every policy module must define a "deny" set. Each element is either a message
// string or an object with "message" and an optional "severity" that overrides the
// policy's default. Violations with severity "error" deny the placement; "warning"
// violations are reported and the placement proceeds.
//
// The input document is the planned placement:
//
//	{
//	    "project": "24001",
//	    "reference": "A",
//	    "module": "M01",
//	    "entry": {"canonical_name": "Filter", "display_name": "Angular Filter", ...},
//	    "suffix": "_01",
//	    "occupied": ["Filter_01"],
//	    "overwrite": false,
//	    "destination_folder": "$/Projects/24001/.../Filter"
//	}
//
// Three built-in policies are always loaded: instance-overwrite (warning),
// equipment-naming and module-identifiers (error). Custom policies are loaded from
// .rego files, named after the file, or from .json definitions:
//
//	# Filters may only go into M modules.
//	# severity: error
//	package site.filters
//
//	import rego.v1
//
//	deny contains msg if {
//	    startswith(input.entry.canonical_name, "Filter")
//	    not startswith(input.module, "M")
//	    msg := "filters belong in M modules"
//	}
//
// Usage:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	result, err := eng.EvaluatePlacement(ctx, input)
//
// Engine.Watch reloads the custom policies when files under the given paths change.
// A reload that fails to compile keeps the previous policy set.
package policy
