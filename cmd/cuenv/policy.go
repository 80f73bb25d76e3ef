package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rawkode/cuenv-sub002/policy"
)

func newPolicyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect security requests",
	}
	cmd.AddCommand(newPolicyCheckCmd(a))
	return cmd
}

// policyView is the printed form of a resolved policy.
type policyView struct {
	RestrictDisk    bool              `yaml:"restrict_disk"`
	ReadOnlyPaths   []string          `yaml:"read_only_paths,omitempty"`
	ReadWritePaths  []string          `yaml:"read_write_paths,omitempty"`
	ProtectedPaths  []string          `yaml:"protected_paths,omitempty"`
	RestrictNetwork bool              `yaml:"restrict_network"`
	AllowedHosts    []string          `yaml:"allowed_hosts,omitempty"`
	Decisions       map[string]string `yaml:"decisions,omitempty"`
	Warnings        []string          `yaml:"warnings,omitempty"`
}

func newPolicyCheckCmd(a *app) *cobra.Command {
	var (
		sec   securityFlags
		hosts []string
	)
	cmd := &cobra.Command{
		Use:   "check [flags]",
		Short: "Validate a security request and print the resolved policy",
		Long: `Validate the security block of a project task, or a request given as
flags, and print the policy a sandbox would enforce. Every problem is
reported before exiting with an error.`,
		Example: `  cuenv policy check --task fetch
  cuenv policy check --restrict-network --allow-host '*.github.com' --host api.github.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := targetDir(nil)
			if err != nil {
				return err
			}
			proj, err := a.loadProject(wd)
			if err != nil {
				return err
			}
			task, req, err := sec.resolve(proj)
			if err != nil {
				return err
			}
			if task != nil {
				wd = task.Dir
			}
			if req == nil {
				return errors.New("nothing to check; use --task or restriction flags")
			}

			pol, err := policy.Evaluate(req, wd)
			if err != nil {
				return err
			}
			view := policyView{
				RestrictDisk:    pol.RestrictDisk,
				ReadOnlyPaths:   pol.ReadOnlyPaths,
				ReadWritePaths:  pol.ReadWritePaths,
				ProtectedPaths:  pol.ProtectedPaths,
				RestrictNetwork: pol.RestrictNetwork,
				Warnings:        pol.Warnings,
			}
			for _, h := range pol.AllowedHosts {
				view.AllowedHosts = append(view.AllowedHosts, h.String())
			}
			if len(hosts) > 0 {
				view.Decisions = make(map[string]string, len(hosts))
				for _, h := range hosts {
					view.Decisions[h] = pol.Decide(h).String()
				}
			}
			if !pol.Unrestricted() {
				if err := pol.CheckWorkDir(wd); err != nil {
					view.Warnings = append(view.Warnings, err.Error())
				}
			}

			out, err := yaml.Marshal(view)
			if err != nil {
				return fmt.Errorf("encode policy: %w", err)
			}
			_, err = a.stdout.Write(out)
			return err
		},
	}
	sec.register(cmd.Flags())
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "Show the filter decision for this name (repeatable)")
	return cmd
}
