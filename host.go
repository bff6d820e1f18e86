package coalesce

import (
	"crypto/x509"
	"log/slog"
	"unique"
)

// Hostname is a node's name as it appears in the cluster's gossip
// membership and in peer TLS certificates.
type Hostname string

// Host is everything the transport needs to reach a peer node.
type Host struct {
	Name unique.Handle[Hostname]
	Addr string
	Port int
}

// HostnameResolver resolves a node's hostname from the certificates a peer
// presented during the mTLS handshake.
//
// Implementations MUST NOT block: this is invoked on the connection
// establishment critical path.
//
// On success, implementations MUST return a hostname and a nil error.
// Otherwise, they MUST return a human-friendly error string as a third
// value, which is sent to the remote peer so it can debug the failure. If a
// non-nil error is returned with an empty third string, a generic internal
// error is sent instead.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error, string)

// CommonNameResolver is the default resolver: it trusts the x509 Subject
// Common Name of the peer's leaf certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error, string) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve, "no client certificate was presented"
	}

	return Hostname(certs[0].Subject.CommonName), nil, ""
}

func (host *Host) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", string(host.Name.Value())),
		slog.String("addr", host.Addr),
		slog.Int("port", host.Port),
	)
}
