//go:build linux

package linux

import (
	"errors"
	"io"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rawkode/cuenv-sub002/platform"
	"github.com/rawkode/cuenv-sub002/policy"
)

func newTestControlPair(t *testing.T) (parent, child *controlConn) {
	t.Helper()
	pf, cf, err := newControlPair()
	if err != nil {
		t.Fatalf("newControlPair() error: %v", err)
	}
	parent, err = newControlConn(pf)
	if err != nil {
		t.Fatal(err)
	}
	child, err = newControlConn(cf)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = parent.Close()
		_ = child.Close()
	})
	_ = parent.setDeadline(time.Now().Add(5 * time.Second))
	_ = child.setDeadline(time.Now().Add(5 * time.Second))
	return parent, child
}

func TestControl_InitRoundTrip(t *testing.T) {
	parent, child := newTestControlPair(t)

	want := &initConfig{
		Policy: policy.SandboxPolicy{
			RestrictDisk:    true,
			ReadOnlyPaths:   []string{"/srv/data"},
			ReadWritePaths:  []string{"/work"},
			RestrictNetwork: true,
			AllowedHosts:    []policy.HostPattern{policy.MustHostPattern("*.example.com")},
			ProtectedPaths:  []string{"/work/.envrc"},
		},
		ResolvConf:     "/tmp/x/resolv.conf",
		ScratchDir:     "/tmp/x",
		WorkDir:        "/work",
		Path:           "/bin/sh",
		Args:           []string{"sh", "-c", "true"},
		Env:            []string{"A=1"},
		ResourceLimits: &platform.ResourceLimits{MaxProcesses: 5},
	}
	if err := parent.send(&message{Kind: msgInit, Init: want}); err != nil {
		t.Fatal(err)
	}

	m, files, err := child.expect(msgInit)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Fatalf("unexpected files: %v", files)
	}
	got := m.Init
	if got.Path != want.Path || got.WorkDir != want.WorkDir || !slices.Equal(got.Args, want.Args) || !slices.Equal(got.Env, want.Env) {
		t.Errorf("command fields = %+v", got)
	}
	if !got.Policy.RestrictDisk || !got.Policy.RestrictNetwork {
		t.Errorf("policy flags lost: %+v", got.Policy)
	}
	if len(got.Policy.AllowedHosts) != 1 || got.Policy.AllowedHosts[0].String() != "*.example.com" {
		t.Errorf("AllowedHosts = %v", got.Policy.AllowedHosts)
	}
	if got.Policy.Decide("api.example.com") != policy.Allow {
		t.Error("decoded policy does not allow api.example.com")
	}
	if got.ResourceLimits == nil || got.ResourceLimits.MaxProcesses != 5 {
		t.Errorf("ResourceLimits = %+v", got.ResourceLimits)
	}
}

func TestControl_PassesDescriptor(t *testing.T) {
	parent, child := newTestControlPair(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	err = child.send(&message{Kind: msgReady, Ready: &readyReport{HasDNS: true, Warnings: []string{"w1"}}}, w)
	_ = w.Close()
	if err != nil {
		t.Fatal(err)
	}

	m, files, err := parent.expect(msgReady)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Ready.HasDNS || !slices.Equal(m.Ready.Warnings, []string{"w1"}) {
		t.Errorf("Ready = %+v", m.Ready)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	if _, err := files[0].WriteString("ping"); err != nil {
		t.Fatal(err)
	}
	_ = files[0].Close()

	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("read %q, %v", buf, err)
	}
}

func TestControl_EOF(t *testing.T) {
	parent, child := newTestControlPair(t)
	_ = child.Close()

	if _, _, err := parent.recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("recv() after peer close = %v, want io.EOF", err)
	}
}

func TestControl_ExpectFailure(t *testing.T) {
	tests := []struct {
		stage string
		want  error
	}{
		{stage: "mount", want: platform.ErrIsolationUnavailable},
		{stage: platform.StageExec, want: platform.ErrSpawnFailed},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			parent, child := newTestControlPair(t)
			if err := child.send(&message{Kind: msgFailure, Failure: &failure{Stage: tt.stage, Error: "boom"}}); err != nil {
				t.Fatal(err)
			}
			_, _, err := parent.expect(msgReady)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var se *platform.StageError
			if !errors.As(err, &se) || se.Stage != tt.stage || !strings.Contains(se.Error(), "boom") {
				t.Fatalf("err = %#v", err)
			}
		})
	}
}

func TestControl_ExpectWrongKind(t *testing.T) {
	parent, child := newTestControlPair(t)
	if err := child.send(&message{Kind: msgGo}); err != nil {
		t.Fatal(err)
	}
	_, _, err := parent.expect(msgReady)
	if err == nil || !strings.Contains(err.Error(), "got go, want ready") {
		t.Fatalf("err = %v", err)
	}
}

func TestMsgKindString(t *testing.T) {
	for k, want := range map[msgKind]string{
		msgInit:     "init",
		msgReady:    "ready",
		msgGo:       "go",
		msgFailure:  "failure",
		msgKind(99): "msgKind(99)",
	} {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", k, got, want)
		}
	}
}
