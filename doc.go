// Package cuenv runs project tasks under optional unprivileged sandboxing.
//
// Each call carries a policy.SecurityRequest. A nil request runs the task
// directly. A request that restricts the disk or the network is evaluated
// into a policy.SandboxPolicy and the task is started inside Linux user,
// mount, pid and (for network restriction) network namespaces, with name
// lookups answered by a per-sandbox filtering DNS proxy.
//
// When isolation cannot be built, Config.FallbackPolicy decides: FallbackWarn
// runs the task unrestricted and reports the warning in ExecResult, and
// FallbackStrict returns an *IsolationUnavailableError.
//
// Programs using this package must call MaybeSandboxInit first in main,
// because the sandbox init is a re-execution of the current binary.
//
// Basic usage:
//
//	mgr, err := cuenv.NewManager(cuenv.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Cleanup(context.Background())
//
//	req := &policy.SecurityRequest{RestrictNetwork: true, AllowedHosts: []string{"proxy.golang.org"}}
//	result, err := mgr.Run(ctx, []string{"go", "mod", "download"}, req)
package cuenv
