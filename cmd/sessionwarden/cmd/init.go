package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sessionwarden/sessionwarden/internal/config"
)

var (
	initOutput string
	initForce  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write a sessionwarden.yaml populated with the default settings.

The generated file documents every section with its defaults filled in.
Edit backend.base_url to point at your auth backend, or run with --dev
to use the in-memory backend instead.

Examples:
  # Write ./sessionwarden.yaml
  sessionwarden init

  # Write somewhere else
  sessionwarden init --output /etc/sessionwarden/sessionwarden.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initOutput, "output", "sessionwarden.yaml", "Path of the config file to write")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", initOutput)
		}
	}

	data, err := defaultConfigYAML()
	if err != nil {
		return err
	}

	if err := os.WriteFile(initOutput, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", initOutput, err)
	}

	fmt.Fprintf(os.Stderr, "Wrote %s\n", initOutput)
	fmt.Fprintln(os.Stderr, "Edit backend.base_url, then run: sessionwarden start")
	return nil
}

// defaultConfigYAML renders the default configuration with a usage header.
func defaultConfigYAML() ([]byte, error) {
	var cfg config.Config
	cfg.SetDefaults()
	// An example guard so the section's shape is discoverable.
	cfg.Guards = map[string]string{
		"reports": `"reports:read" in permissions`,
	}

	body, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}

	header := `# sessionwarden configuration.
#
# Every value below is the default. Environment variables override with
# the SESSIONWARDEN_ prefix, e.g. SESSIONWARDEN_IDLE_BUDGET=30m.
`
	return append([]byte(header), body...), nil
}
