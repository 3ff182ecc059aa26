package policy

// Default lists exposed to built-in policies as data.realize.config.
var (
	// DefaultProtectedPaths are trees no declaration may touch.
	DefaultProtectedPaths = []string{"/proc", "/sys", "/dev"}

	// DefaultEssentialPaths may be managed but never removed.
	DefaultEssentialPaths = []string{
		"/", "/bin", "/boot", "/etc", "/home", "/lib", "/lib64",
		"/root", "/sbin", "/usr", "/var",
	}
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedPathsPolicy(),
		essentialPathsPolicy(),
		relativeSymlinkPolicy(),
	}
}

// protectedPathsPolicy rejects declarations inside kernel-managed trees.
func protectedPathsPolicy() Policy {
	return Policy{
		Name:        "protected-paths",
		Description: "Rejects declarations under /proc, /sys and /dev",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "filesystem"},
		Rego: `package realize.policies.protected

import rego.v1

deny contains violation if {
	some r in input.resources
	r.kind == "path"
	not r.implicit
	some prefix in data.realize.config.protected_paths
	under(r.key, prefix)
	violation := {
		"message": sprintf("%s is inside protected path %s", [r.key, prefix]),
		"resource": r.identity,
	}
}

under(path, prefix) if path == prefix

under(path, prefix) if startswith(path, concat("", [prefix, "/"]))
`,
	}
}

// essentialPathsPolicy refuses to remove the root and top-level system
// directories.
func essentialPathsPolicy() Policy {
	return Policy{
		Name:        "essential-paths",
		Description: "Refuses to remove / and top-level system directories",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "filesystem"},
		Rego: `package realize.policies.essential

import rego.v1

deny contains violation if {
	some r in input.resources
	r.kind == "path"
	r.desired.type == "absent"
	r.key in data.realize.config.essential_paths
	violation := {
		"message": sprintf("refusing to remove %s", [r.key]),
		"resource": r.identity,
	}
}
`,
	}
}

// relativeSymlinkPolicy warns about symlinks whose target is relative.
func relativeSymlinkPolicy() Policy {
	return Policy{
		Name:        "relative-symlink",
		Description: "Warns about symlink targets that resolve against the link's directory",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"filesystem"},
		Rego: `package realize.policies.symlinks

import rego.v1

deny contains violation if {
	some r in input.resources
	r.desired.type == "symlink"
	not startswith(r.desired.target, "/")
	violation := {
		"message": sprintf("symlink target %s is relative", [r.desired.target]),
		"resource": r.identity,
		"remediation": "use an absolute target unless the link moves with its directory",
	}
}
`,
	}
}
