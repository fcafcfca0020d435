package policy

// Built-in policy names.
const (
	PolicyInstanceOverwrite = "instance-overwrite"
	PolicyEquipmentNaming   = "equipment-naming"
	PolicyModuleIdentifiers = "module-identifiers"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		instanceOverwritePolicy(),
		equipmentNamingPolicy(),
		moduleIdentifiersPolicy(),
	}
}

// instanceOverwritePolicy warns when every instance slot is taken and the last one
// will be replaced.
func instanceOverwritePolicy() Policy {
	return Policy{
		Name:        PolicyInstanceOverwrite,
		Description: "Warns when a placement overwrites the last instance slot",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package equiplace.policies.overwrite

import rego.v1

deny contains violation if {
	input.overwrite
	violation := {
		"message": sprintf("all instance slots of %s are occupied, %s will be overwritten", [input.entry.canonical_name, input.destination_folder]),
		"severity": "warning",
	}
}
`,
	}
}

// equipmentNamingPolicy rejects canonical names that cannot be used as folder names.
func equipmentNamingPolicy() Policy {
	return Policy{
		Name:        PolicyEquipmentNaming,
		Description: "Canonical names must be usable as folder names",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package equiplace.policies.naming

import rego.v1

reserved := "[/\\\\:*?\"<>|]"

deny contains violation if {
	name := input.entry.canonical_name
	regex.match(reserved, name)
	violation := {
		"message": sprintf("canonical name %q contains a path separator or reserved character", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.entry.canonical_name
	trim_space(name) != name
	violation := {
		"message": sprintf("canonical name %q has leading or trailing whitespace", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.entry.canonical_name
	endswith(name, ".")
	violation := {
		"message": sprintf("canonical name %q must not end with a dot", [name]),
		"severity": "error",
	}
}
`,
	}
}

// moduleIdentifiersPolicy rejects identifiers that would escape or break the module
// folder layout.
func moduleIdentifiersPolicy() Policy {
	return Policy{
		Name:        PolicyModuleIdentifiers,
		Description: "Project, reference and module identifiers must be plain folder names",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package equiplace.policies.identifiers

import rego.v1

identifiers := {
	"project": input.project,
	"reference": input.reference,
	"module": input.module,
}

deny contains violation if {
	some field, value in identifiers
	trim_space(value) == ""
	violation := {
		"message": sprintf("%s identifier is blank", [field]),
		"severity": "error",
	}
}

deny contains violation if {
	some field, value in identifiers
	regex.match("[/\\\\:*?\"<>|]", value)
	violation := {
		"message": sprintf("%s identifier %q contains a path separator or reserved character", [field, value]),
		"severity": "error",
	}
}

deny contains violation if {
	some field, value in identifiers
	value in {".", ".."}
	violation := {
		"message": sprintf("%s identifier %q is not a folder name", [field, value]),
		"severity": "error",
	}
}
`,
	}
}
