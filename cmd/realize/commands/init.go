package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/realize/pkg/stores"
)

const sampleDeclarations = `# Declarations converged by "realize apply".
#
# Each entry names an absolute path. Parent directories are created
# automatically; "after" orders an entry behind unrelated paths.
resources:
  - path: %[1]s/motd
    content: "managed by realize\n"
    mode: "0644"

  - path: %[1]s/conf.d
    type: directory
    mode: "0755"

  - path: %[1]s/current
    type: symlink
    target: %[1]s/conf.d
`

const sampleSettings = `# realize settings. Flags and REALIZE_* environment variables take
# precedence over this file.
log:
  level: info
  format: console

parallelism: 4
fail_fast: false

report:
  diff: true
  max_diff_lines: 40

policy:
  enabled: true
  paths:
    - %[1]s

history:
  enabled: true
  path: %[2]s
  retention: 100
`

const samplePolicy = `# Keeps declarations out of /tmp, which is cleared on reboot.
# severity: warning
package local.notmp

import rego.v1

deny contains msg if {
	some r in input.resources
	not r.implicit
	startswith(r.key, "/tmp/")
	msg := sprintf("%s is under /tmp and will not survive a reboot", [r.key])
}
`

func (a *app) newInitCommand() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a starter workspace",
		Long: `Initialize a workspace with sample declarations, a settings file, a
policies directory and an empty run history database.

The sample declarations manage files below the workspace's "site"
directory so they can be applied without root.`,
		Example: `  # Initialize in the current directory
  realize init

  # Initialize elsewhere and apply
  realize init --dir ./demo
  realize --settings ./demo/realize-settings.yaml apply ./demo/realize.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			root, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			log.Info().Str("dir", root).Msg("Initializing workspace")

			fmt.Fprintf(a.out, "Initializing realize workspace in %s\n\n", root)

			policyDir := filepath.Join(root, "policies")
			dataDir := filepath.Join(root, "data")
			for _, d := range []string{root, policyDir, dataDir} {
				if err := os.MkdirAll(d, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
				fmt.Fprintf(a.out, "✓ Created directory: %s\n", d)
			}

			dbPath := filepath.Join(dataDir, "history.db")
			files := []struct {
				path    string
				content string
			}{
				{filepath.Join(root, "realize.yaml"), fmt.Sprintf(sampleDeclarations, filepath.Join(root, "site"))},
				{filepath.Join(root, "realize-settings.yaml"), fmt.Sprintf(sampleSettings, policyDir, dbPath)},
				{filepath.Join(policyDir, "notmp.rego"), samplePolicy},
			}
			for _, f := range files {
				if _, err := os.Stat(f.path); err == nil && !force {
					fmt.Fprintf(a.out, "✓ Already exists: %s\n", f.path)
					continue
				}
				if err := os.WriteFile(f.path, []byte(f.content), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", f.path, err)
				}
				fmt.Fprintf(a.out, "✓ Created file: %s\n", f.path)
			}

			store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()

			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Fprintf(a.out, "✓ Initialized history database: %s\n", dbPath)

			fmt.Fprintf(a.out, "\nNext steps:\n")
			fmt.Fprintf(a.out, "  realize --settings %s plan %s\n",
				filepath.Join(root, "realize-settings.yaml"), filepath.Join(root, "realize.yaml"))

			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "workspace directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}
