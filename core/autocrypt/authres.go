package autocrypt

import "strings"

// ParseAuthenticationResults parses one Authentication-Results header
// value (RFC 8601): "<authserv-id> [;version]; dkim=pass ...; spf=...".
// It returns the authserv-id and the "dkim" result keyword (pass,
// fail, none, ...), ok is false if no dkim= result is present at all.
func ParseAuthenticationResults(raw string) (authservID, dkimResult string, ok bool) {
	parts := strings.Split(raw, ";")
	if len(parts) == 0 {
		return "", "", false
	}
	authservID = strings.TrimSpace(parts[0])
	// A bare version number ("1") can follow the authserv-id as its
	// own ";"-separated token before the method results start; it is
	// not itself an authserv-id, and has no "=" so splitAttr skips it.
	for _, part := range parts[1:] {
		k, v, attrOK := splitAttr(part)
		if !attrOK || k != "dkim" {
			continue
		}
		// v is "pass", or "fail (body hash did not verify)", etc.;
		// only the leading result keyword matters here.
		fields := strings.Fields(v)
		if len(fields) == 0 {
			continue
		}
		return authservID, fields[0], true
	}
	return authservID, "", false
}

// domainOf returns the domain part of an email address, lower-cased.
func domainOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}
