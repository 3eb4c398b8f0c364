// Package autocrypt implements the Autocrypt/Encryption Helper (§4.3):
// parsing Autocrypt/Autocrypt-Gossip headers, merging them into a
// contact's Peerstate, the prefer_encrypt transition table, the
// encryption decision for an outgoing message, and the DKIM auxiliary
// (handle_authres) that gates Autocrypt key changes on a sending
// domain's recent DKIM history.
//
// Grounded on core/envelope/dkim/verify.go's semicolon/k=v header
// scanning idiom (findDKIMSignature and its tag parser), reused here
// because an Autocrypt header and an Authentication-Results header
// are both ";"-separated "k=v" MIME parameter lists.
package autocrypt

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrNoKeyData is returned by ParseHeader when the header has no
// usable keydata attribute; callers should treat the header as absent
// rather than fail the whole message.
var ErrNoKeyData = errors.New("autocrypt: no keydata")

// Header is a parsed Autocrypt or Autocrypt-Gossip header.
type Header struct {
	Addr          string
	PreferEncrypt string // "", "mutual", or "nopreference"; Autocrypt-Gossip never sets this
	KeyData       []byte // decoded OpenPGP public key, not re-armored
}

// ParseHeader parses the value of an Autocrypt header (RFC: a
// semicolon-separated list of attr=value pairs, the mandatory "addr"
// and "keydata" among them, "keydata" base64-encoded with whitespace
// allowed inside it from header folding).
func ParseHeader(raw string) (Header, error) {
	var h Header
	for _, attr := range splitAttrs(raw) {
		k, v, ok := splitAttr(attr)
		if !ok {
			continue
		}
		switch k {
		case "addr":
			h.Addr = v
		case "prefer-encrypt":
			h.PreferEncrypt = v
		case "keydata":
			key, err := base64.StdEncoding.DecodeString(stripSpace(v))
			if err != nil {
				return Header{}, errors.New("autocrypt: bad keydata: " + err.Error())
			}
			h.KeyData = key
		default:
			// Unknown attributes (e.g. a future "type=1") flow
			// through unrecognized, per the spec's "dynamic
			// reflection on header names" redesign note: we enumerate
			// the attributes we understand and ignore the rest.
		}
	}
	if len(h.KeyData) == 0 {
		return Header{}, ErrNoKeyData
	}
	return h, nil
}

// ParseGossipHeader parses an Autocrypt-Gossip header: same shape as
// Autocrypt but without a prefer-encrypt attribute (group members
// gossip a key, not a sending preference).
func ParseGossipHeader(raw string) (Header, error) {
	h, err := ParseHeader(raw)
	h.PreferEncrypt = ""
	return h, err
}

// BuildHeader renders the Autocrypt header this account stamps on its
// own outgoing mail: "addr" is always this account's address, and
// "prefer-encrypt=mutual" is included only when preferMutual is set,
// mirroring how ParseHeader reads the same two attributes back in.
func BuildHeader(addr string, preferMutual bool, keydata []byte) string {
	var b strings.Builder
	b.WriteString("addr=")
	b.WriteString(addr)
	if preferMutual {
		b.WriteString("; prefer-encrypt=mutual")
	}
	b.WriteString("; keydata=")
	b.WriteString(base64.StdEncoding.EncodeToString(keydata))
	return b.String()
}

func splitAttrs(raw string) []string {
	return strings.Split(raw, ";")
}

func splitAttr(attr string) (key, value string, ok bool) {
	i := strings.IndexByte(attr, '=')
	if i < 0 {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(attr[:i]))
	value = strings.TrimSpace(attr[i+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

func stripSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
