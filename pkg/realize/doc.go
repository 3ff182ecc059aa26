// Package realize is the entry point for programs that describe a machine
// in Go.
//
// A configure routine registers resources on an engine.Reality. Apply
// builds the dependency graph, checks it against admission policies,
// converges every resource, prints a report and returns the exit status:
//
//	func main() {
//	    realize.Main(func(r *engine.Reality) error {
//	        if err := r.Ensure(fs.File("/etc/app").IsDir().Mode(0o750)); err != nil {
//	            return err
//	        }
//	        return r.Ensure(fs.File("/etc/app/app.conf").ContainsString("port = 8080\n"))
//	    })
//	}
//
// Runner exposes the same pipeline for callers that run repeatedly, such as
// the watch command.
package realize
