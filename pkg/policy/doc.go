// Package policy provides Open Policy Agent (OPA) admission for realize runs.
//
// A policy Engine sees the whole dependency graph before any resource is
// probed. When a blocking violation is found the run is aborted with a
// policy-class engine error and the machine is left untouched.
//
// # Usage
//
//	pe, err := policy.NewEngine(logger, policy.Options{Environment: "production"})
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"/etc/realize/policies"}); err != nil {
//	    return err
//	}
//
//	eng := engine.New(engine.Options{}, engine.WithAdmitter(pe))
//	result, err := eng.Run(ctx, configure)
//
// # Input
//
// Every policy is evaluated against one document describing the graph:
//
//	{
//	  "resources": [
//	    {
//	      "identity": "/etc/app/app.conf",
//	      "kind": "path",
//	      "key": "/etc/app/app.conf",
//	      "implicit": false,
//	      "level": 2,
//	      "dependencies": ["/etc/app"],
//	      "desired": {"path": "/etc/app/app.conf", "type": "file", "mode": 420}
//	    }
//	  ],
//	  "context": {"user": "root", "hostname": "web1", "environment": "production", "dry_run": false}
//	}
//
// The protected and essential path lists are available as
// data.realize.config.protected_paths and data.realize.config.essential_paths.
//
// # Built-in Policies
//
//   - protected-paths (critical): no declaration under /proc, /sys or /dev
//   - essential-paths (critical): / and top-level system directories are never removed
//   - relative-symlink (warning): symlink targets should be absolute
//
// # Custom Policies
//
// A policy is a Rego module with a deny set in its package. Elements are
// either a message string or an object with message, resource, severity and
// remediation keys:
//
//	# Keeps configuration out of /tmp.
//	# severity: warning
//	package local.notmp
//
//	import rego.v1
//
//	deny contains msg if {
//	    some r in input.resources
//	    startswith(r.key, "/tmp/")
//	    msg := sprintf("%s is under /tmp", [r.key])
//	}
//
// Leading comments become the description and a "severity:" comment sets
// the severity of .rego files. JSON files carry a serialized Policy.
//
// Violations of severity error or critical block the run; info and warning
// are logged.
//
// # Hot Reload
//
// WatchPolicies reloads policy files on change. Built-in policies survive
// every reload and a set that fails to compile leaves the current one in
// place.
package policy
