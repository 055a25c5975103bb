// ABOUTME: Uniform storage URI model: scheme, userinfo, host, port, path, and case-insensitive params.
// ABOUTME: Well-known DB parameters get typed getters; arbitrary extras flow through untouched.
package storage

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// URI is a parsed storage locator of the form
// scheme://[user[:password]@]host[:port]/path?k1=v1&k2=v2.
// Parameter keys are case-insensitive; values are URL-decoded.
type URI struct {
	Scheme   string
	User     string
	Password string
	Host     string
	Port     int
	Path     string

	params map[string]string
	raw    string
}

// Parse parses a storage URI. Parameter keys are lowercased; duplicate keys
// keep the last value.
func Parse(raw string) (*URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse storage uri: %w", err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("storage uri %q has no scheme", raw)
	}

	out := &URI{
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Hostname(),
		Path:   u.Path,
		params: make(map[string]string),
		raw:    raw,
	}
	if u.User != nil {
		out.User = u.User.Username()
		out.Password, _ = u.User.Password()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("storage uri %q: bad port %q", raw, p)
		}
		out.Port = port
	}
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if strings.Contains(pair, ";") {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, kerr := url.QueryUnescape(k)
		val, verr := url.QueryUnescape(v)
		if key == "" || kerr != nil || verr != nil {
			continue
		}
		out.params[strings.ToLower(key)] = val
	}
	return out, nil
}

// String returns the original raw URI.
func (u *URI) String() string { return u.raw }

// Param returns the value for a case-insensitive parameter key.
func (u *URI) Param(key string) (string, bool) {
	v, ok := u.params[strings.ToLower(key)]
	return v, ok
}

// Params returns a copy of all parameters with lowercased keys.
func (u *URI) Params() map[string]string {
	out := make(map[string]string, len(u.params))
	for k, v := range u.params {
		out[k] = v
	}
	return out
}

// BoolParam returns a boolean parameter, or def when absent or malformed.
func (u *URI) BoolParam(key string, def bool) bool {
	v, ok := u.Param(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return def
	}
	return b
}

// IntParam returns an integer parameter, or def when absent or malformed.
func (u *URI) IntParam(key string, def int) int {
	v, ok := u.Param(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Well-known DB connection parameters recognized across schemes.
const (
	ParamEncrypt                = "encrypt"
	ParamTrustServerCertificate = "trustservercertificate"
	ParamConnectTimeout         = "connect timeout"
	ParamMaxPoolSize            = "max pool size"
	ParamMinPoolSize            = "min pool size"
)

// Encrypt reports the encrypt parameter (default false).
func (u *URI) Encrypt() bool { return u.BoolParam(ParamEncrypt, false) }

// TrustServerCertificate reports the trustservercertificate parameter
// (default false).
func (u *URI) TrustServerCertificate() bool {
	return u.BoolParam(ParamTrustServerCertificate, false)
}

// ConnectTimeoutSeconds returns the connect timeout in seconds (default 0).
func (u *URI) ConnectTimeoutSeconds() int { return u.IntParam(ParamConnectTimeout, 0) }

// MaxPoolSize returns the max pool size parameter (default 0 = unset).
func (u *URI) MaxPoolSize() int { return u.IntParam(ParamMaxPoolSize, 0) }

// MinPoolSize returns the min pool size parameter (default 0 = unset).
func (u *URI) MinPoolSize() int { return u.IntParam(ParamMinPoolSize, 0) }
