package supervisor

import (
	"errors"
	"net"

	"github.com/One-com/gone/netutil"
	"github.com/One-com/gone/sd"
	"github.com/halvardss/svinit/internal/service"
)

// ErrNoListener is returned when an INETD service's ListenSpec sets
// InheritOnly and the environment handed over no matching socket.
var ErrNoListener = errors.New("inetd: no inherited listener and InheritOnly set")

// ListenerGroup implements netutil.StreamListener over a set of INETD
// services' sockets (spec.md §3 INETD: "listening socket handoff"), adapted
// from daemon/listen.go's ListenerGroup: inherit a pre-opened fd by name
// first - systemd socket activation, or this process's own prior generation
// across an sd.ReplaceProcess re-exec - and only bind fresh, then export
// under that name, when nothing was inherited. This is what lets an INETD
// service's listening socket survive a svinit restart without a connection
// drop.
type ListenerGroup []service.ListenSpec

var _ netutil.StreamListener = ListenerGroup(nil)

// Listen implements netutil.StreamListener.
func (lg ListenerGroup) Listen() (listeners []net.Listener, err error) {
	defer func() {
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
		}
	}()

	for _, spec := range lg {
		ln, err2 := listenOne(spec)
		if err2 != nil {
			err = err2
			return
		}
		listeners = append(listeners, ln)
	}
	return
}

func listenOne(spec service.ListenSpec) (net.Listener, error) {
	nett := spec.Net
	if nett == "" {
		nett = "tcp"
	}

	var taddr *net.TCPAddr
	var uaddr *net.UnixAddr
	var basictest sd.FileTest
	var err error

	switch nett {
	case "tcp", "tcp4", "tcp6":
		if spec.Addr != "" {
			if taddr, err = net.ResolveTCPAddr(nett, spec.Addr); err != nil {
				return nil, err
			}
		}
		basictest = sd.IsTCPListener(taddr)
	case "unix", "unixpacket":
		if spec.Addr != "" {
			if uaddr, err = net.ResolveUnixAddr(nett, spec.Addr); err != nil {
				return nil, err
			}
		}
		basictest = sd.IsUNIXListener(uaddr)
	}

	ln, name, err := sd.InheritNamedListener(spec.FdName, basictest)
	if err != nil {
		return nil, err
	}
	if ln != nil {
		return ln, nil
	}

	if spec.InheritOnly {
		return nil, ErrNoListener
	}

	var fresh net.Listener
	switch nett {
	case "tcp", "tcp4", "tcp6":
		fresh, err = net.ListenTCP(nett, taddr)
	case "unix", "unixpacket":
		fresh, err = net.ListenUnix(nett, uaddr)
	}
	if err != nil {
		return nil, err
	}
	if err := sd.Export(name, fresh); err != nil {
		fresh.Close()
		return nil, err
	}
	return fresh, nil
}

// InheritListener resolves a single INETD service's socket, inheriting it by
// name if the environment hands one over and binding+exporting fresh
// otherwise.
func InheritListener(spec service.ListenSpec) (net.Listener, error) {
	ls, err := ListenerGroup{spec}.Listen()
	if err != nil {
		return nil, err
	}
	return ls[0], nil
}
