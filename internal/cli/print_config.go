package cli

import (
	"context"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/rollq/internal/config"
	"github.com/calvinalkan/rollq/pkg/codec"
	"github.com/calvinalkan/rollq/pkg/rollcycle"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(s *session) *Command {
	fs := flag.NewFlagSet("print-config", flag.ContinueOnError)
	asYAML := fs.Bool("yaml", false, "Print the settings as a YAML file that --config accepts")

	return &Command{
		Flags: fs,
		Usage: "print-config [--yaml]",
		Short: "Show resolved configuration",
		Long: `Display the effective configuration and which files it was loaded from.
With --yaml the settings are printed as a config file, with dir made absolute.`,
		NoArgs: true,
		Exec: func(_ context.Context, o *IO, _ []string) error {
			if *asYAML {
				return execPrintConfigYAML(o, s.cfg)
			}

			return execPrintConfig(o, s.cfg)
		},
	}
}

func execPrintConfig(o *IO, cfg config.Config) error {
	o.Println(config.Format(cfg))

	if cfg.RollCycle == "" {
		o.Printf("# roll_cycle unset: new queues use %s, existing queues keep theirs\n", rollcycle.Default)
	}

	if cfg.Codec == "" {
		o.Printf("# codec unset: new queues use %s, existing queues keep theirs\n", codec.NameRaw)
	}

	o.Println()
	o.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		o.Println("(defaults only)")

		return nil
	}

	if cfg.Sources.Global != "" {
		o.Println("global_config=" + cfg.Sources.Global)
	}

	if cfg.Sources.Project != "" {
		o.Println("project_config=" + cfg.Sources.Project)
	}

	return nil
}

func execPrintConfigYAML(o *IO, cfg config.Config) error {
	cfg.Dir = cfg.DirAbs

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	o.Printf("%s", strings.TrimRight(string(out), "\n")+"\n")

	return nil
}
