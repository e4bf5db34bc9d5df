package edge

import (
	"errors"
	"net"
	"strings"
)

// ErrNoSubdomain is returned when the Host header carries no routable label.
var ErrNoSubdomain = errors.New("no routable subdomain")

// SubDomain extracts the leftmost label of host. Ports and a trailing dot are
// ignored. An empty host, a bare "localhost" and IP literals have no subdomain.
func SubDomain(host string) (string, error) {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || host == "localhost" || net.ParseIP(strings.Trim(host, "[]")) != nil {
		return "", ErrNoSubdomain
	}
	label, _, _ := strings.Cut(host, ".")
	if label == "" || label == "localhost" {
		return "", ErrNoSubdomain
	}
	return label, nil
}
