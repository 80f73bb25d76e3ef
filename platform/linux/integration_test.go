//go:build linux

package linux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/rawkode/cuenv-sub002/platform"
	"github.com/rawkode/cuenv-sub002/policy"
)

// envLookupName switches the test binary into the lookup helper.
const envLookupName = "CUENV_TEST_LOOKUP_NAME"

// TestHelperLookup is not a real test. Run inside a sandbox with
// CUENV_TEST_LOOKUP_NAME set, it asks the sandbox resolver for an A record
// and prints the reply code and answer count.
func TestHelperLookup(t *testing.T) {
	name := os.Getenv(envLookupName)
	if name == "" {
		return
	}
	rcode, answers, err := lookupA("127.0.0.1:53", name)
	if err != nil {
		fmt.Printf("lookup-error=%v\n", err)
		os.Exit(2)
	}
	fmt.Printf("rcode=%s answers=%d\n", rcode, answers)
	os.Exit(0)
}

func lookupA(server, name string) (dnsmessage.RCode, int, error) {
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: 0x2a2a, RecursionDesired: true})
	if err := b.StartQuestions(); err != nil {
		return 0, 0, err
	}
	if err := b.Question(dnsmessage.Question{
		Name:  dnsmessage.MustNewName(name),
		Type:  dnsmessage.TypeA,
		Class: dnsmessage.ClassINET,
	}); err != nil {
		return 0, 0, err
	}
	query, err := b.Finish()
	if err != nil {
		return 0, 0, err
	}

	conn, err := net.Dial("udp", server)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(query); err != nil {
		return 0, 0, err
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, 0, err
	}
	var m dnsmessage.Message
	if err := m.Unpack(buf[:n]); err != nil {
		return 0, 0, err
	}
	return m.Header.RCode, len(m.Answers), nil
}

// startFakeResolver answers every A query with 192.0.2.7 and counts the
// queries it sees.
func startFakeResolver(t *testing.T) (string, func() int) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	seen := make(chan struct{}, 64)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			select {
			case seen <- struct{}{}:
			default:
			}
			var p dnsmessage.Parser
			h, err := p.Start(buf[:n])
			if err != nil {
				continue
			}
			q, err := p.Question()
			if err != nil {
				continue
			}
			b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: h.ID, Response: true, RecursionDesired: h.RecursionDesired})
			_ = b.StartQuestions()
			_ = b.Question(q)
			_ = b.StartAnswers()
			_ = b.AResource(dnsmessage.ResourceHeader{Name: q.Name, Class: dnsmessage.ClassINET, TTL: 60},
				dnsmessage.AResource{A: [4]byte{192, 0, 2, 7}})
			resp, err := b.Finish()
			if err != nil {
				continue
			}
			_, _ = conn.WriteTo(resp, addr)
		}
	}()
	return conn.LocalAddr().String(), func() int { return len(seen) }
}

// runSandboxed starts cmd under pol with DNS forwarded to upstream and
// waits for it, skipping when the host cannot create a sandbox.
func runSandboxed(t *testing.T, cmd *exec.Cmd, pol *policy.SandboxPolicy, upstream string) {
	t.Helper()
	p := New()
	if !p.Available() {
		t.Skip("unprivileged user namespaces unavailable")
	}
	h, err := p.Start(context.Background(), cmd, &platform.WrapConfig{
		Policy: pol,
		DNS:    platform.DNSConfig{Upstream: upstream, Timeout: 2 * time.Second},
		Logger: testLogger(),
	})
	if errors.Is(err, platform.ErrIsolationUnavailable) {
		t.Skipf("sandbox unavailable on this host: %v", err)
	}
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := h.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("Wait() error: %v", err)
		}
	}
}

func TestIntegration_LookupThroughFilter(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	upstream, upstreamQueries := startFakeResolver(t)
	pol := &policy.SandboxPolicy{
		RestrictNetwork: true,
		AllowedHosts:    []policy.HostPattern{policy.MustHostPattern("*.allowed.test")},
	}

	tests := []struct {
		name string
		host string
		want string
	}{
		{"allowed name is answered", "pkg.allowed.test.", "rcode=RCodeSuccess answers=1"},
		{"denied name is refused", "secret.denied.test.", "rcode=RCodeRefused answers=0"},
	}
	ran := 0
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := exec.Command(exe, "-test.run=^TestHelperLookup$")
			cmd.Env = append(os.Environ(), envLookupName+"="+tt.host)
			cmd.Stdout = &out
			cmd.Stderr = &out

			runSandboxed(t, cmd, pol, upstream)
			ran++
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("lookup of %s: want %q in output:\n%s", tt.host, tt.want, out.String())
			}
		})
	}
	if ran < len(tests) {
		return
	}
	if got := upstreamQueries(); got != 1 {
		t.Errorf("upstream saw %d queries, want 1 (the allowed name only)", got)
	}
}

// openFDs counts the descriptors of the test process.
func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot list fds: %v", err)
	}
	return len(entries)
}

// childProcesses counts live processes whose parent is the test process.
func childProcesses(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc")
	if err != nil {
		t.Skipf("cannot list processes: %v", err)
	}
	self := os.Getpid()
	n := 0
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		data, err := os.ReadFile("/proc/" + e.Name() + "/stat")
		if err != nil {
			continue
		}
		// The command name may contain spaces; fields resume after ')'.
		i := bytes.LastIndexByte(data, ')')
		if i < 0 {
			continue
		}
		fields := strings.Fields(string(data[i+1:]))
		if len(fields) < 2 {
			continue
		}
		if ppid, err := strconv.Atoi(fields[1]); err == nil && ppid == self {
			n++
		}
	}
	return n
}

func TestIntegration_NoLeaksAcrossRuns(t *testing.T) {
	upstream, _ := startFakeResolver(t)
	pol := &policy.SandboxPolicy{RestrictNetwork: true}
	run := func() {
		runSandboxed(t, exec.Command("/bin/true"), pol, upstream)
	}

	run() // warm up runtime pollers and lazily opened files
	fds := openFDs(t)

	const runs = 10
	for i := 0; i < runs; i++ {
		run()
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		gotFDs, children := openFDs(t), childProcesses(t)
		if gotFDs <= fds && children == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("after %d sandboxed runs: fds %d -> %d, %d child processes left", runs, fds, gotFDs, children)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
