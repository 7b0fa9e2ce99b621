// Package urlguard decides whether an outbound URL may be fetched.
//
// A URL passes only if its scheme is allowed, it carries no credentials,
// its host is on the allowlist and not internal, and every address the
// host resolves to is public. Any failure is a hard rejection.
package urlguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"stream-gateway-go/pkg/allowlist"
	"stream-gateway-go/pkg/interfaces"
	"stream-gateway-go/pkg/netguard"
)

// ErrBlocked matches every rejection returned by Validate.
var ErrBlocked = errors.New("outbound url blocked")

// Reason identifies which check rejected a URL.
type Reason string

const (
	ReasonInvalidURL     Reason = "invalid_url"
	ReasonCredentials    Reason = "credentials"
	ReasonScheme         Reason = "scheme"
	ReasonHTTPSRequired  Reason = "https_required"
	ReasonNotAllowlisted Reason = "not_allowlisted"
	ReasonInternalHost   Reason = "internal_hostname"
	ReasonUnresolvable   Reason = "unresolvable"
	ReasonPrivateAddress Reason = "private_address"
)

// BlockedError describes a rejected URL.
type BlockedError struct {
	Reason  Reason
	Context string // caller label, diagnostic only
	Host    string
	Err     error
}

func (e *BlockedError) Error() string {
	var b strings.Builder
	b.WriteString("outbound url blocked: ")
	b.WriteString(string(e.Reason))
	if e.Host != "" {
		b.WriteString(" (host ")
		b.WriteString(e.Host)
		b.WriteString(")")
	}
	if e.Context != "" {
		b.WriteString(" [")
		b.WriteString(e.Context)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *BlockedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBlocked) true for any BlockedError.
func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }

// ReasonOf returns the rejection reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var be *BlockedError
	if errors.As(err, &be) {
		return be.Reason, true
	}
	return "", false
}

// ValidatedURL is a URL that passed every check, together with the
// addresses its host resolved to at validation time.
type ValidatedURL struct {
	URL      *url.URL
	Hostname string
	Addrs    []netip.Addr
}

// String returns the normalized URL.
func (v *ValidatedURL) String() string {
	return v.URL.String()
}

// Options adjust a single validation.
type Options struct {
	Context   string
	HTTPSOnly bool
}

// Validator checks outbound URLs against an allowlist and the host
// safety rules.
type Validator struct {
	allowlist  *allowlist.Allowlist
	resolver   interfaces.Resolver
	dnsTimeout time.Duration
	httpsOnly  bool
}

// New creates a validator. A nil resolver uses net.DefaultResolver.
func New(al *allowlist.Allowlist, resolver interfaces.Resolver, dnsTimeout time.Duration, httpsOnly bool) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if dnsTimeout <= 0 {
		dnsTimeout = 5 * time.Second
	}
	return &Validator{
		allowlist:  al,
		resolver:   resolver,
		dnsTimeout: dnsTimeout,
		httpsOnly:  httpsOnly,
	}
}

// Allowlist returns the allowlist the validator checks against.
func (v *Validator) Allowlist() *allowlist.Allowlist {
	return v.allowlist
}

// Validate runs every check against raw and returns the normalized URL
// with its resolved addresses.
func (v *Validator) Validate(ctx context.Context, raw string, opts Options) (*ValidatedURL, error) {
	block := func(reason Reason, host string, err error) error {
		return &BlockedError{Reason: reason, Context: opts.Context, Host: host, Err: err}
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, block(ReasonInvalidURL, "", errors.New("empty url"))
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, block(ReasonInvalidURL, "", err)
	}
	if !u.IsAbs() || u.Hostname() == "" {
		return nil, block(ReasonInvalidURL, "", errors.New("url must be absolute"))
	}

	switch u.Scheme {
	case "https":
	case "http":
		if v.httpsOnly || opts.HTTPSOnly {
			return nil, block(ReasonHTTPSRequired, "", nil)
		}
	default:
		return nil, block(ReasonScheme, "", fmt.Errorf("scheme %q not allowed", u.Scheme))
	}

	if u.User != nil {
		return nil, block(ReasonCredentials, "", nil)
	}

	host := allowlist.NormalizeHost(u.Hostname())
	if !v.allowlist.Matches(host) {
		return nil, block(ReasonNotAllowlisted, host, nil)
	}
	if netguard.IsInternalHostname(host) {
		return nil, block(ReasonInternalHost, host, nil)
	}

	addrs, err := v.resolve(ctx, host)
	if err != nil {
		return nil, block(ReasonUnresolvable, host, err)
	}
	for _, a := range addrs {
		if netguard.IsPrivateOrReservedAddr(a) {
			return nil, block(ReasonPrivateAddress, host, fmt.Errorf("resolves to %s", a))
		}
	}

	normalized := *u
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.Host = joinHost(host, u.Port())

	return &ValidatedURL{URL: &normalized, Hostname: host, Addrs: addrs}, nil
}

func (v *Validator) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.dnsTimeout)
	defer cancel()

	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errors.New("no addresses")
	}
	return addrs, nil
}

func joinHost(host, port string) string {
	if port != "" {
		return net.JoinHostPort(host, port)
	}
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}
