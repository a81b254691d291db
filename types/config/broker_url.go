package config

import (
	"context"
	"github.com/cockroachdb/errors"
	"net"
	"net/url"
	"strings"
	"time"
)

// HostResolver returns the IP addresses of host.
type HostResolver func(ctx context.Context, host string) ([]net.IP, error)

func defaultResolver(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

// ValidateBrokerURL requires an amqp(s) URL with embedded credentials. In
// production the host must not be, or resolve to, a loopback address.
func ValidateBrokerURL(raw string, production bool, resolve HostResolver) error {
	if raw == "" {
		return errors.New("broker: URL is required in broker mode")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "broker: invalid URL")
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return errors.Newf("broker: unsupported scheme %q", u.Scheme)
	}
	if u.User == nil || u.User.Username() == "" {
		return errors.New("broker: URL must include a username")
	}
	if password, ok := u.User.Password(); !ok || password == "" {
		return errors.New("broker: URL must include a password")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("broker: URL must include a host")
	}
	if !production {
		return nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return errors.Newf("broker: host %s is loopback in production", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsUnspecified() {
			return errors.Newf("broker: host %s is loopback in production", host)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ips, err := resolve(ctx, host)
	if err != nil {
		return errors.Wrapf(err, "broker: resolve %s", host)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsUnspecified() {
			return errors.Newf("broker: host %s resolves to loopback %s in production", host, ip)
		}
	}
	return nil
}
