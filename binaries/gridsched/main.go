package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	schederrors "github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/common/log/hooks"
)

// Runs a scheduler with in-process node sources and simulated executions.
//	Supported commands: (see "-h" for all options)
//		run [argv...]
//		check-config
//	Global flags:
//		--config [yaml file, repeatable; later files override earlier ones]
//		--log_level [<error|info|debug> level and above should be logged]

func main() {
	log.AddHook(hooks.NewContextHook())

	cli := newCLI()
	if err := cli.root.Execute(); err != nil {
		log.Error(err)
		os.Exit(int(schederrors.ExitCodeOf(err)))
	}
}

type cli struct {
	root *cobra.Command

	configFiles []string
	logLevel    string
}

func newCLI() *cli {
	c := &cli{}
	c.root = &cobra.Command{
		Use:               "gridsched",
		Short:             "gridsched schedules tasks on a pool of nodes",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}
	c.root.PersistentFlags().StringSliceVar(&c.configFiles, "config", nil, "yaml config files")
	c.root.PersistentFlags().StringVar(&c.logLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")

	c.addCmd(&runCmd{})
	c.addCmd(&checkConfigCmd{})
	return c
}

func (c *cli) setup(*cobra.Command, []string) error {
	level, err := log.ParseLevel(c.logLevel)
	if err != nil {
		return schederrors.NewError(err, schederrors.ConfigFailureExitCode)
	}
	log.SetLevel(level)
	return nil
}

func (c *cli) config() (Config, error) {
	cfg, err := loadConfig(c.configFiles...)
	if err != nil {
		return Config{}, schederrors.NewError(err, schederrors.ConfigFailureExitCode)
	}
	return cfg, nil
}

func (c *cli) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.root.AddCommand(cobraCmd)
}

type command interface {
	registerFlags() *cobra.Command
	run(c *cli, cmd *cobra.Command, args []string) error
}

type checkConfigCmd struct{}

func (*checkConfigCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "load and validate the configuration, then print it",
		Args:  cobra.NoArgs,
	}
}

func (*checkConfigCmd) run(c *cli, cmd *cobra.Command, _ []string) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	for i, tc := range cfg.Tasks {
		if _, err := tc.definition(); err != nil {
			return schederrors.NewError(fmt.Errorf("tasks[%d]: %v", i, err), schederrors.ConfigFailureExitCode)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), cfg.Scheduler.String())
	fmt.Fprintf(cmd.OutOrStdout(), "%d node sources, %d users, %d tasks\n", len(cfg.Sources), len(cfg.Proxy.Users), len(cfg.Tasks))
	return nil
}
