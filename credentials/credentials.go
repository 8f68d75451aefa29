// Package credentials derives and refreshes the peer-side auth material.
package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HostSuffix is the DNS suffix the hub name carries on the wire.
const HostSuffix = ".azure-devices.net"

const (
	// DefaultTokenValidity is how long a freshly minted token stays valid.
	DefaultTokenValidity = 365 * 24 * time.Hour

	// DefaultRefreshInterval is how often the token is re-created.
	// Must stay below DefaultTokenValidity.
	DefaultRefreshInterval = 360 * 24 * time.Hour
)

// Credentials is a hub-level authorization entity parsed
// from a service connection string.
type Credentials struct {
	HostName            string
	SharedAccessKeyName string
	SharedAccessKey     string
}

// ParseConnectionString parses a connection string of the form
// HostName=<host>;SharedAccessKeyName=<kn>;SharedAccessKey=<k>.
//
// All three keys are required; a missing one fails the parse.
func ParseConnectionString(cs string) (*Credentials, error) {
	m := &Credentials{}
	for _, chunk := range strings.Split(cs, ";") {
		c := strings.SplitN(chunk, "=", 2)
		if len(c) != 2 {
			return nil, errors.New("malformed connection string")
		}

		switch c[0] {
		case "HostName":
			m.HostName = c[1]
		case "SharedAccessKeyName":
			m.SharedAccessKeyName = c[1]
		case "SharedAccessKey":
			m.SharedAccessKey = c[1]
		}
	}
	if m.HostName == "" || m.SharedAccessKeyName == "" || m.SharedAccessKey == "" {
		return nil, errors.New("connection string requires HostName, SharedAccessKeyName and SharedAccessKey")
	}
	return m, nil
}

// HubName is the hostname portion with the known DNS suffix stripped.
func (c *Credentials) HubName() string {
	return strings.TrimSuffix(c.HostName, HostSuffix)
}

type token struct {
	duration time.Duration
	time     time.Time
}

// TokenOption is token generation option.
type TokenOption func(opts *token)

// WithDuration sets token duration.
func WithDuration(d time.Duration) TokenOption {
	return func(opts *token) {
		opts.duration = d
	}
}

// WithCurrentTime overrides current time clock.
func WithCurrentTime(t time.Time) TokenOption {
	return func(opts *token) {
		opts.time = t
	}
}

// GenerateToken generates a SAS token for the given uri.
//
// Default token duration is DefaultTokenValidity.
func (c *Credentials) GenerateToken(uri string, opts ...TokenOption) (string, error) {
	if uri == "" {
		return "", errors.New("uri is blank")
	}
	if c.SharedAccessKey == "" {
		return "", errors.New("SharedAccessKey is blank")
	}

	topts := &token{
		duration: DefaultTokenValidity,
		time:     time.Now(),
	}
	for _, opt := range opts {
		opt(topts)
	}

	sr := url.QueryEscape(uri)
	se := topts.time.Add(topts.duration).Unix()

	b, err := base64.StdEncoding.DecodeString(c.SharedAccessKey)
	if err != nil {
		return "", err
	}

	// generate signature from uri and expiration time.
	e := fmt.Sprintf("%s\n%d", sr, se)
	h := hmac.New(sha256.New, b)
	if _, err = h.Write([]byte(e)); err != nil {
		return "", err
	}

	return "SharedAccessSignature " +
		"sr=" + sr +
		"&sig=" + url.QueryEscape(base64.StdEncoding.EncodeToString(h.Sum(nil))) +
		"&se=" + url.QueryEscape(strconv.FormatInt(se, 10)) +
		"&skn=" + url.QueryEscape(c.SharedAccessKeyName), nil
}
