//go:build linux

package linux

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rawkode/cuenv-sub002/internal/codec"
	"github.com/rawkode/cuenv-sub002/platform"
	"github.com/rawkode/cuenv-sub002/policy"
)

const (
	// maxControlMsg bounds a single control datagram.
	maxControlMsg = 1 << 20

	// maxControlFDs is the most descriptors one message may carry.
	maxControlFDs = 4
)

type msgKind uint8

const (
	msgInit msgKind = iota + 1
	msgReady
	msgGo
	msgFailure
)

func (k msgKind) String() string {
	switch k {
	case msgInit:
		return "init"
	case msgReady:
		return "ready"
	case msgGo:
		return "go"
	case msgFailure:
		return "failure"
	default:
		return fmt.Sprintf("msgKind(%d)", uint8(k))
	}
}

// message is one datagram on the control socket.
type message struct {
	Kind    msgKind      `cbor:"kind"`
	Init    *initConfig  `cbor:"init,omitempty"`
	Ready   *readyReport `cbor:"ready,omitempty"`
	Failure *failure     `cbor:"failure,omitempty"`
}

// initConfig is everything the sandbox init needs before it can exec.
type initConfig struct {
	Policy         policy.SandboxPolicy     `cbor:"policy"`
	ResolvConf     string                   `cbor:"resolv_conf,omitempty"`
	ScratchDir     string                   `cbor:"scratch_dir"`
	WorkDir        string                   `cbor:"work_dir"`
	Path           string                   `cbor:"path"`
	Args           []string                 `cbor:"args"`
	Env            []string                 `cbor:"env"`
	ResourceLimits *platform.ResourceLimits `cbor:"resource_limits,omitempty"`
	RootMapped     bool                     `cbor:"root_mapped,omitempty"`
}

// readyReport is sent once namespaces and mounts are in place. The DNS
// socket, when present, travels as SCM_RIGHTS ancillary data.
type readyReport struct {
	Warnings []string `cbor:"warnings,omitempty"`
	HasDNS   bool     `cbor:"has_dns,omitempty"`
}

type failure struct {
	Stage string `cbor:"stage"`
	Error string `cbor:"error"`
}

func (f *failure) err() error {
	return &platform.StageError{Stage: f.Stage, Err: errors.New(f.Error)}
}

// controlConn frames messages over a SOCK_SEQPACKET socket. Each message
// is exactly one datagram.
type controlConn struct {
	c *net.UnixConn
}

// newControlPair returns a connected SOCK_SEQPACKET pair. Both ends are
// close-on-exec; the caller hands the second one to the child.
func newControlPair() (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "control-parent"), os.NewFile(uintptr(fds[1]), "control-child"), nil
}

// newControlConn takes ownership of f.
func newControlConn(f *os.File) (*controlConn, error) {
	defer f.Close()
	fc, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}
	uc, ok := fc.(*net.UnixConn)
	if !ok {
		_ = fc.Close()
		return nil, fmt.Errorf("control socket: unexpected conn type %T", fc)
	}
	return &controlConn{c: uc}, nil
}

func (c *controlConn) send(m *message, files ...*os.File) error {
	b, err := codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}
	if _, _, err := c.c.WriteMsgUnix(b, oob, nil); err != nil {
		return fmt.Errorf("send %s: %w", m.Kind, err)
	}
	return nil
}

// recv reads one message. It returns io.EOF once the peer has closed its
// end, which for the parent means the child exec'd or died.
func (c *controlConn) recv() (*message, []*os.File, error) {
	buf := make([]byte, maxControlMsg)
	oob := make([]byte, unix.CmsgSpace(4*maxControlFDs))

	n, oobn, flags, _, err := c.c.ReadMsgUnix(buf, oob)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, io.EOF
		}
		return nil, nil, err
	}
	files, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, nil, err
	}
	if n == 0 && len(files) == 0 {
		return nil, nil, io.EOF
	}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		closeAll(files)
		return nil, nil, errors.New("control message truncated")
	}

	var m message
	if err := codec.Unmarshal(buf[:n], &m); err != nil {
		closeAll(files)
		return nil, nil, fmt.Errorf("decode control message: %w", err)
	}
	return &m, files, nil
}

// expect reads one message of kind want. A failure report from the peer
// is returned as its StageError.
func (c *controlConn) expect(want msgKind) (*message, []*os.File, error) {
	m, files, err := c.recv()
	if err != nil {
		return nil, nil, err
	}
	if m.Kind == msgFailure && m.Failure != nil {
		closeAll(files)
		return nil, nil, m.Failure.err()
	}
	if m.Kind != want {
		closeAll(files)
		return nil, nil, fmt.Errorf("control: got %s, want %s", m.Kind, want)
	}
	return m, files, nil
}

func (c *controlConn) setDeadline(t time.Time) error {
	return c.c.SetDeadline(t)
}

func (c *controlConn) Close() error {
	return c.c.Close()
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control ancillary data: %w", err)
	}
	var files []*os.File
	for i := range scms {
		fds, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "passed-fd"))
		}
	}
	return files, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
