package publisher

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/st-vunguyen/rtmp-publisher/internal/errors"
)

// target is the parsed, validated ingest address a Start() call resolves to.
type target struct {
	host string
	port int
	app  string
	tls  bool
}

// parseTarget validates rawURL per section 6.3: it must start with rtmp://
// or rtmps://, carry a host, and resolve to an app name (the first path
// segment; anything after it is ignored - the stream key is supplied
// separately to Start, not encoded in the URL).
func parseTarget(rawURL string) (target, error) {
	if !strings.HasPrefix(rawURL, "rtmp://") && !strings.HasPrefix(rawURL, "rtmps://") {
		return target{}, errors.NewInvalidInput("publisher.parse_target", fmt.Errorf("url must start with rtmp:// or rtmps://"))
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return target{}, errors.NewInvalidInput("publisher.parse_target", err)
	}
	if u.Host == "" {
		return target{}, errors.NewInvalidInput("publisher.parse_target", fmt.Errorf("url has no host"))
	}

	useTLS := u.Scheme == "rtmps"
	host := u.Hostname()
	portStr := u.Port()
	port := 1935
	if useTLS {
		port = 443
	}
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return target{}, errors.NewInvalidInput("publisher.parse_target", fmt.Errorf("invalid port %q", portStr))
		}
		port = p
	}
	app := strings.Trim(u.Path, "/")
	if idx := strings.Index(app, "/"); idx >= 0 {
		app = app[:idx]
	}

	return target{host: host, port: port, app: app, tls: useTLS}, nil
}
