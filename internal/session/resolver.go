package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Resolver maps a hostname or address literal to a connectable endpoint.
// It is invoked before the stream is opened; name-resolution policy lives
// behind this interface so the session never embeds one.
type Resolver interface {
	// Resolve returns the dial address ("host:port") for the given host and
	// port. Implementations may return the input unchanged for literals.
	Resolve(ctx context.Context, host string, port int) (string, error)
}

// NetResolver resolves hostnames through the standard library resolver and
// passes IP literals through untouched. The zero value uses
// [net.DefaultResolver].
type NetResolver struct {
	// Resolver overrides the DNS resolver. Nil means [net.DefaultResolver].
	Resolver *net.Resolver
}

// Resolve implements [Resolver]. The first returned IP wins.
func (r *NetResolver) Resolve(ctx context.Context, host string, port int) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return net.JoinHostPort(host, strconv.Itoa(port)), nil
	}

	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	addrs, err := res.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("resolve %q: no addresses", host)
	}
	return net.JoinHostPort(addrs[0].IP.String(), strconv.Itoa(port)), nil
}
