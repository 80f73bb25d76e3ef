package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	cuenv "github.com/rawkode/cuenv-sub002"
)

func newDoctorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Report sandbox support on this host",
		Long: `Report which isolation features this host supports and which
dependencies are missing. Exits non-zero when sandboxing is unavailable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cuenv.DefaultConfig()
			cfg.Logger = a.logger
			m, err := cuenv.NewManager(cfg)
			if err != nil {
				return err
			}
			defer m.Cleanup(context.WithoutCancel(cmd.Context()))

			caps := m.Capabilities()
			deps := m.CheckDependencies()

			w := a.stdout
			fmt.Fprintf(w, "platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Fprintf(w, "sandbox:  %s\n", availability(m.Available()))
			for _, c := range []struct {
				name string
				ok   bool
			}{
				{"filesystem isolation", caps.FilesystemIsolation},
				{"landlock", caps.Landlock},
				{"network isolation", caps.NetworkIsolation},
				{"dns filtering", caps.DNSFiltering},
				{"outbound routing (slirp4netns)", caps.OutboundRouting},
				{"pid isolation", caps.PIDIsolation},
				{"syscall filter", caps.SyscallFilter},
				{"process hardening", caps.ProcessHarden},
			} {
				fmt.Fprintf(w, "  %s %s\n", checkMark(c.ok), c.name)
			}
			for _, e := range deps.Errors {
				fmt.Fprintf(w, "error:   %s\n", e)
			}
			for _, warn := range deps.Warnings {
				fmt.Fprintf(w, "warning: %s\n", warn)
			}
			if !deps.OK() {
				return errors.New("sandboxing is unavailable; restricted tasks run unrestricted unless --strict is set")
			}
			return nil
		},
	}
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "unavailable"
}

func checkMark(ok bool) string {
	if ok {
		return "[x]"
	}
	return "[ ]"
}
