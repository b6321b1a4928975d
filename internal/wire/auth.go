package wire

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrUnsupportedScheme is returned for challenges that are neither Basic nor Digest.
	ErrUnsupportedScheme = errors.New("unsupported authentication scheme")

	// ErrUnsupportedAlgorithm is returned for digest algorithms without a hash here.
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")

	// ErrMissingNonce is returned for digest challenges without a nonce.
	ErrMissingNonce = errors.New("digest challenge without nonce")
)

const (
	SchemeBasic  = "basic"
	SchemeDigest = "digest"
)

// Challenge is one parsed WWW-Authenticate value.
type Challenge struct {
	Scheme string // lower case
	Params map[string]string
}

// ParseChallenge parses `Basic realm="x"` or `Digest realm="x", nonce="y", ...`.
// Parameter names are lower-cased; quoted values are unescaped.
func ParseChallenge(value string) (Challenge, error) {
	value = strings.TrimSpace(value)
	scheme, rest, _ := strings.Cut(value, " ")
	ch := Challenge{Scheme: strings.ToLower(scheme), Params: make(map[string]string)}
	if ch.Scheme == "" {
		return ch, ErrMalformedHeader
	}

	s := strings.TrimSpace(rest)
	for s != "" {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return ch, fmt.Errorf("%w: challenge parameter %q", ErrMalformedHeader, s)
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = strings.TrimLeft(s[eq+1:], " \t")

		var val string
		if strings.HasPrefix(s, `"`) {
			var b strings.Builder
			i := 1
			for ; i < len(s) && s[i] != '"'; i++ {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				b.WriteByte(s[i])
			}
			if i >= len(s) {
				return ch, fmt.Errorf("%w: unterminated quoted value", ErrMalformedHeader)
			}
			val = b.String()
			s = s[i+1:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			val = strings.TrimSpace(s[:end])
			s = s[end:]
		}
		ch.Params[key] = val

		s = strings.TrimLeft(s, " \t")
		s = strings.TrimPrefix(s, ",")
		s = strings.TrimLeft(s, " \t")
	}
	return ch, nil
}

// BasicAuthorization returns the Authorization header value for Basic auth.
func BasicAuthorization(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func hashFor(algorithm string) (func() hash.Hash, bool, error) {
	alg := strings.ToUpper(algorithm)
	sess := strings.HasSuffix(alg, "-SESS")
	alg = strings.TrimSuffix(alg, "-SESS")
	switch alg {
	case "", "MD5":
		return md5.New, sess, nil
	case "SHA", "SHA-1":
		return sha1.New, sess, nil
	case "SHA-256":
		return sha256.New, sess, nil
	}
	return nil, false, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
}

func hexHash(newHash func() hash.Hash, parts ...string) string {
	h := newHash()
	h.Write([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(h.Sum(nil))
}

// DigestResponse computes the RFC 2617 request-digest. With an empty qop the
// RFC 2069 form H(HA1:nonce:HA2) is used and nc/cnonce are ignored.
func DigestResponse(algorithm, username, realm, password, method, uri, nonce, nc, cnonce, qop string) (string, error) {
	newHash, sess, err := hashFor(algorithm)
	if err != nil {
		return "", err
	}
	ha1 := hexHash(newHash, username, realm, password)
	if sess {
		ha1 = hexHash(newHash, ha1, nonce, cnonce)
	}
	ha2 := hexHash(newHash, method, uri)
	if qop == "" {
		return hexHash(newHash, ha1, nonce, ha2), nil
	}
	return hexHash(newHash, ha1, nonce, nc, cnonce, qop, ha2), nil
}

// Digest keeps the server challenge and the nonce counter for one client.
type Digest struct {
	Realm     string
	Nonce     string
	Opaque    string
	Algorithm string
	QOP       string // "auth" or "" (legacy)

	nc        uint32
	lastNonce string

	// Cnonce generates client nonces; nil uses a random UUID.
	Cnonce func() string
}

// NewDigest builds digest state from a parsed challenge.
func NewDigest(ch Challenge) (*Digest, error) {
	d := &Digest{}
	if err := d.Update(ch); err != nil {
		return nil, err
	}
	return d, nil
}

// Update takes the parameters of a fresh challenge. The nonce counter restarts
// when the nonce changes.
func (d *Digest) Update(ch Challenge) error {
	if ch.Scheme != SchemeDigest {
		return fmt.Errorf("%w: %s", ErrUnsupportedScheme, ch.Scheme)
	}
	nonce := ch.Params["nonce"]
	if nonce == "" {
		return ErrMissingNonce
	}
	if _, _, err := hashFor(ch.Params["algorithm"]); err != nil {
		return err
	}
	d.Realm = ch.Params["realm"]
	d.Nonce = nonce
	d.Opaque = ch.Params["opaque"]
	d.Algorithm = ch.Params["algorithm"]
	d.QOP = ""
	for _, q := range strings.Split(ch.Params["qop"], ",") {
		if strings.EqualFold(strings.TrimSpace(q), "auth") {
			d.QOP = "auth"
		}
	}
	return nil
}

// NonceCount returns the last nc value sent.
func (d *Digest) NonceCount() uint32 {
	return d.nc
}

// Authorization returns the Authorization header value for one request and
// advances the nonce counter.
func (d *Digest) Authorization(method, uri, username, password string) (string, error) {
	if d.Nonce != d.lastNonce {
		d.nc = 0
		d.lastNonce = d.Nonce
	}
	d.nc++
	nc := fmt.Sprintf("%08x", d.nc)

	cnonce := ""
	if d.QOP != "" || strings.HasSuffix(strings.ToUpper(d.Algorithm), "-SESS") {
		if d.Cnonce != nil {
			cnonce = d.Cnonce()
		} else {
			cnonce = strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
		}
	}

	resp, err := DigestResponse(d.Algorithm, username, d.Realm, password, method, uri, d.Nonce, nc, cnonce, d.QOP)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		username, d.Realm, d.Nonce, uri, resp)
	if d.Opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, d.Opaque)
	}
	if d.Algorithm != "" {
		fmt.Fprintf(&b, `, algorithm="%s"`, d.Algorithm)
	}
	if d.QOP != "" {
		fmt.Fprintf(&b, `, qop="auth", nc=%s, cnonce="%s"`, nc, cnonce)
	}
	return b.String(), nil
}
