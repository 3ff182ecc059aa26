// Package config loads filesystem declarations from YAML, CUE and Starlark
// files and feeds them to the engine.
//
// A file declares a list of resources:
//
//	resources:
//	  - path: /etc/motd
//	    source: files/motd      # relative to this file
//	  - path: /srv/app
//	    type: directory
//	    mode: "0750"
//	  - path: /srv/current
//	    type: symlink
//	    target: /srv/app
//	    after: [/srv/app]
//
// CUE files use the same shape and are unified with a built-in schema, so
// defaults and comprehensions work as usual. Starlark scripts call builtins
// instead:
//
//	app = directory("/srv/app", mode = 0o750)
//	file("/srv/app/app.conf", source = "app.conf", after = [app])
//
// Every declaration is checked with go-playground/validator after parsing,
// and Source contents are read at load time. A loaded Document plugs into
// the engine directly:
//
//	doc, err := config.NewLoader().Load(ctx, "site/")
//	if err != nil {
//	    return err
//	}
//	result, err := eng.Run(ctx, doc.Configure)
package config
