package transfer

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"strings"
)

// class is the retry decision for one attempt's outcome.
type class int

const (
	classSuccess class = iota
	classPermanent
	classTransient
)

// classify maps a transport result to the retry decision. Transport-level
// errors take precedence over the status code: a broken body read on a 200
// is still a transient receive error.
func classify(err error, status int) class {
	if err != nil {
		if isPermanentTransportError(err) {
			return classPermanent
		}
		return classTransient
	}

	switch {
	case status >= 200 && status < 300:
		return classSuccess
	case status >= 400 && status < 500:
		return classPermanent
	case status >= 500 && status < 600:
		return classTransient
	default:
		return classTransient
	}
}

// isPermanentTransportError reports whether retrying is futile: malformed
// URLs, unsupported schemes and TLS trust failures don't heal with backoff.
// Everything else (timeouts, refused connections, DNS hiccups, short reads)
// is treated as transient.
func isPermanentTransportError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		certInvalid      x509.CertificateInvalidError
		hostnameErr      x509.HostnameError
		recordHeaderErr  tls.RecordHeaderError
	)
	if errors.As(err, &unknownAuthority) ||
		errors.As(err, &certInvalid) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &recordHeaderErr) {
		return true
	}
	var certVerifyErr *tls.CertificateVerificationError
	if errors.As(err, &certVerifyErr) {
		return true
	}

	// net/http reports scheme and parse problems only as error strings.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unsupported protocol scheme"),
		strings.Contains(msg, "missing protocol scheme"),
		strings.Contains(msg, "invalid URL"),
		strings.Contains(msg, "invalid control character in URL"),
		strings.Contains(msg, "tls:"),
		strings.Contains(msg, "x509:"):
		return true
	}

	return false
}
