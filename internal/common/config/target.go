package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/amoylab/timerbridge/internal/common/cnst"
)

// ParseTarget turns the device address given on the command line into a
// websocket URL. Accepted forms are "host", "host:port", "[v6]:port" and a
// full ws:// or wss:// URL, which is returned unchanged.
func ParseTarget(target string, defaultPort int, path string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", cnst.ErrMissingTarget
	}

	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("%w: %s", cnst.ErrInvalidTarget, target)
		}
		return u.String(), nil
	}
	if strings.Contains(target, "://") || strings.ContainsAny(target, "/?#") {
		return "", fmt.Errorf("%w: %s", cnst.ErrInvalidTarget, target)
	}

	host, port := target, strconv.Itoa(defaultPort)
	if h, p, err := net.SplitHostPort(target); err == nil {
		host, port = h, p
	} else if strings.Count(target, ":") > 1 {
		// bare IPv6 literal
		host = strings.Trim(target, "[]")
	} else if strings.Contains(target, ":") {
		return "", fmt.Errorf("%w: %s", cnst.ErrInvalidTarget, target)
	}
	if host == "" {
		return "", fmt.Errorf("%w: %s", cnst.ErrInvalidTarget, target)
	}

	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("%w: %s", cnst.ErrInvalidPort, port)
	}

	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, port), Path: path}
	return u.String(), nil
}
