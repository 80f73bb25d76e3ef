// Package proxy provides the filtering DNS forwarder that answers name
// lookups for network-restricted sandboxes. Most users should use the
// top-level cuenv package, which starts one proxy per sandbox and tears it
// down with the sandbox. Import this package directly only to run a
// standalone proxy, as the "cuenv dns serve" command does.
package proxy
