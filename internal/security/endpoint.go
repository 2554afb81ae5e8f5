package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateCallbackURL checks that a user-supplied URL is safe for the server
// to call. Private, loopback, link-local and unspecified addresses are
// rejected, both as literals and after DNS resolution.
func ValidateCallbackURL(ctx context.Context, rawURL string, requireHTTPS bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !requireHTTPS:
	case requireHTTPS:
		return fmt.Errorf("URL scheme must be https")
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not carry credentials")
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, a := range addrs {
		if err := checkIP(a.IP); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
