package connpt

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// EnvConnect names the environment variable consulted when a program
// connects with an empty descriptor.
const EnvConnect = "VEILRPC_CONNECT"

// DefaultDescriptor is the endpoint used when neither a descriptor nor the
// environment override is present.
const DefaultDescriptor = "unix:/run/veil/rpc.sock"

// maxCookieSize bounds how much of a cookie file is trusted.
const maxCookieSize = 64

// AuthScheme selects how the connection handshake authenticates.
type AuthScheme string

const (
	// AuthInherent relies on the transport itself (unix socket
	// permissions) to prove the caller's identity.
	AuthInherent AuthScheme = "inherent"
	// AuthCookie proves identity with the contents of a secret cookie
	// file shared with the daemon.
	AuthCookie AuthScheme = "cookie"
)

// ErrUnsupportedScheme marks descriptors whose endpoint scheme is
// syntactically valid but not implemented.
var ErrUnsupportedScheme = errors.New("unsupported connect scheme")

// Point is a fully resolved connect descriptor.
type Point struct {
	Network    string // "unix" or "tcp"
	Address    string
	Auth       AuthScheme
	CookiePath string
}

// connectFile mirrors the TOML connect-file layout.
type connectFile struct {
	Connect struct {
		Socket     string `toml:"socket"`
		Auth       string `toml:"auth"`
		CookiePath string `toml:"cookie_path"`
	} `toml:"connect"`
}

// Resolve turns a descriptor into a Point, applying the environment
// override and platform default when the descriptor is empty.
func Resolve(descriptor string) (*Point, error) {
	descriptor = strings.TrimSpace(descriptor)
	if descriptor == "" {
		descriptor = strings.TrimSpace(os.Getenv(EnvConnect))
	}
	if descriptor == "" {
		descriptor = DefaultDescriptor
	}
	return Parse(descriptor)
}

// Parse interprets a single non-empty descriptor. Filesystem paths load a
// TOML connect file; everything else must be an inline endpoint.
func Parse(descriptor string) (*Point, error) {
	descriptor = strings.TrimSpace(descriptor)
	switch {
	case descriptor == "":
		return nil, errors.New("empty connect descriptor")
	case strings.HasPrefix(descriptor, "file:"):
		return ParseFile(strings.TrimPrefix(descriptor, "file:"))
	case looksLikePath(descriptor):
		return ParseFile(descriptor)
	}

	point, err := parseEndpoint(descriptor)
	if err != nil {
		return nil, err
	}
	switch point.Network {
	case "unix":
		point.Auth = AuthInherent
	case "tcp":
		// A bare tcp endpoint carries no credentials; the caller must
		// use a connect file to name the cookie.
		return nil, errors.New("tcp connect descriptor requires a connect file with cookie_path")
	}
	return point, nil
}

// ParseFile loads a TOML connect file.
func ParseFile(path string) (*Point, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connect file: %w", err)
	}
	var file connectFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse connect file %s: %w", path, err)
	}
	if file.Connect.Socket == "" {
		return nil, fmt.Errorf("connect file %s: missing connect.socket", path)
	}
	point, err := parseEndpoint(file.Connect.Socket)
	if err != nil {
		return nil, fmt.Errorf("connect file %s: %w", path, err)
	}

	auth := strings.TrimSpace(file.Connect.Auth)
	if auth == "" {
		if point.Network == "unix" {
			auth = string(AuthInherent)
		} else {
			auth = string(AuthCookie)
		}
	}
	switch AuthScheme(auth) {
	case AuthInherent:
		if point.Network != "unix" {
			return nil, fmt.Errorf("connect file %s: inherent auth requires a unix socket", path)
		}
		point.Auth = AuthInherent
	case AuthCookie:
		if file.Connect.CookiePath == "" {
			return nil, fmt.Errorf("connect file %s: cookie auth requires cookie_path", path)
		}
		cookiePath, err := expandHome(file.Connect.CookiePath)
		if err != nil {
			return nil, err
		}
		point.Auth = AuthCookie
		point.CookiePath = cookiePath
	default:
		return nil, fmt.Errorf("connect file %s: unknown auth scheme %q", path, auth)
	}
	return point, nil
}

// ReadCookie loads the point's cookie file and returns its hex encoding,
// which is what the handshake puts on the wire.
func (p *Point) ReadCookie() (string, error) {
	if p.CookiePath == "" {
		return "", errors.New("connect point has no cookie path")
	}
	data, err := os.ReadFile(p.CookiePath)
	if err != nil {
		return "", fmt.Errorf("read cookie file: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("cookie file %s is empty", p.CookiePath)
	}
	if len(data) > maxCookieSize {
		return "", fmt.Errorf("cookie file %s exceeds %d bytes", p.CookiePath, maxCookieSize)
	}
	return hex.EncodeToString(data), nil
}

// ParseEndpoint interprets an inline "scheme:address" endpoint without
// applying any auth defaults. The stream bridge uses it to parse the proxy
// listener addresses the daemon reports.
func ParseEndpoint(endpoint string) (*Point, error) {
	return parseEndpoint(endpoint)
}

// parseEndpoint interprets an inline "scheme:address" endpoint.
func parseEndpoint(endpoint string) (*Point, error) {
	scheme, rest, ok := strings.Cut(endpoint, ":")
	if !ok {
		return nil, fmt.Errorf("connect endpoint %q has no scheme", endpoint)
	}
	switch scheme {
	case "unix":
		if rest == "" {
			return nil, errors.New("unix connect endpoint has no path")
		}
		path, err := expandHome(rest)
		if err != nil {
			return nil, err
		}
		return &Point{Network: "unix", Address: path}, nil
	case "tcp":
		host, _, err := net.SplitHostPort(rest)
		if err != nil {
			return nil, fmt.Errorf("tcp connect endpoint %q: %w", rest, err)
		}
		if host == "" {
			return nil, fmt.Errorf("tcp connect endpoint %q has no host", rest)
		}
		return &Point{Network: "tcp", Address: rest}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, scheme)
	}
}

func looksLikePath(descriptor string) bool {
	return strings.HasPrefix(descriptor, "/") ||
		strings.HasPrefix(descriptor, "./") ||
		strings.HasPrefix(descriptor, "../") ||
		strings.HasPrefix(descriptor, "~")
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", path, err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
