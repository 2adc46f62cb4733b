package daqbone

import (
	"crypto/x509"
	"log/slog"
	"net"
	"strconv"
)

// Hostname is the identity of a peer NetDevice, as presented in its
// certificate.
type Hostname string

// Peer is a remote NetDevice reached by a QUIC connection.
type Peer struct {
	Name Hostname
	Addr string
	Port int
}

func peerOf(name Hostname, addr net.Addr) Peer {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Peer{Name: name, Addr: addr.String()}
	}
	p, _ := strconv.Atoi(port)
	return Peer{Name: name, Addr: host, Port: p}
}

// Address is the host:port form of the peer address.
func (p Peer) Address() string {
	return net.JoinHostPort(p.Addr, strconv.Itoa(p.Port))
}

func (p Peer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", string(p.Name)),
		slog.String("addr", p.Addr),
		slog.Int("port", p.Port),
	)
}

// HostnameResolver can resolve an hostname from a list of
// `x509.Certificate`, those certificates are the one received from a
// remote peer.
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the connection establishment critical path.
//
// If the resolution is successful, *Implementations* MUST return an hostname
// and a nil error.
//
// Otherwise, *Implementations* MUST return a human-friendly error string
// as a third argument, which will be sent to the remote peer, so they can
// debug the error. An empty string sends `QErrInternal` instead.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error, string)

// CommonNameResolver is the default resolver used to resolve the hostname
// from the x509 Subject Common Name of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error, string) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve, "it seems like you haven't provided client certificate"
	}

	return Hostname(certs[0].Subject.CommonName), nil, ""
}
