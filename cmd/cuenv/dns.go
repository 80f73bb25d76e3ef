package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/rawkode/cuenv-sub002/policy"
	"github.com/rawkode/cuenv-sub002/proxy"
)

func newDNSCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dns",
		Short: "Debug the filtering DNS proxy",
	}
	cmd.AddCommand(newDNSServeCmd(a))
	return cmd
}

func newDNSServeCmd(a *app) *cobra.Command {
	var (
		listen      string
		upstream    string
		allowHosts  []string
		strictTypes bool
		cfg         proxy.Config
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a standalone filtering DNS proxy",
		Long: `Run the DNS proxy that sandboxes use, on a host address, until
interrupted. Names matching --allow-host are forwarded upstream; others
are refused. Without --allow-host every name is refused.`,
		Example: `  cuenv dns serve --listen 127.0.0.1:5353 --allow-host example.com --allow-host '*.github.com'
  dig @127.0.0.1 -p 5353 api.github.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := policy.Evaluate(&policy.SecurityRequest{
				RestrictNetwork: true,
				AllowedHosts:    allowHosts,
			}, ".")
			if err != nil {
				return err
			}

			cfg.Upstream = upstream
			cfg.StrictTypes = strictTypes
			cfg.Logger = a.logger
			cfg.Filter = func(name string) bool { return pol.Decide(name) == policy.Allow }
			srv, err := proxy.NewServer(&cfg)
			if err != nil {
				return err
			}
			addr, err := srv.ListenAndServe(listen)
			if err != nil {
				return err
			}
			defer srv.Close()

			fmt.Fprintf(a.stderr, "cuenv: dns proxy listening on %s\n", addr)
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", net.JoinHostPort("127.0.0.1", "5353"), "UDP address to listen on")
	cmd.Flags().StringVar(&upstream, "upstream", proxy.DefaultUpstream, "Upstream resolver")
	cmd.Flags().StringSliceVar(&allowHosts, "allow-host", nil, "Host pattern to allow (repeatable)")
	cmd.Flags().BoolVar(&strictTypes, "strict-types", false, "Refuse query types other than A, AAAA and CNAME")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", proxy.DefaultTimeout, "Upstream timeout")
	cmd.Flags().IntVar(&cfg.MaxInflight, "max-inflight", proxy.DefaultMaxInflight, "Concurrent queries")
	return cmd
}
