package autocrypt

import (
	"context"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"inkmail.dev/chatcore/core/keystore"
	"inkmail.dev/chatcore/core/model"
	"inkmail.dev/chatcore/internal/elog"
)

// dkimShouldWorkWindow is how long a sending domain's last observed
// dkim=pass is trusted before a later failure no longer blocks a key
// change, per §4.3.
const dkimShouldWorkWindow = 30 * 24 * time.Hour

// authservCandidatesKey is the Config row handle_authres maintains
// (§6: "authserv-id-candidates (as a config value: space-separated
// ids)").
const authservCandidatesKey = "authserv-id-candidates"

// Helper is the Autocrypt/Encryption Helper: it owns nothing of its
// own beyond a handle to the Key Store (where Peerstates live) and the
// account database (where the DKIM auxiliary's candidate set and
// sending-domain history live).
type Helper struct {
	DB       *sqlitex.Pool
	KeyStore *keystore.KeyStore
	Logf     elog.Logf
}

// New wires a Helper around an already-constructed KeyStore.
func New(db *sqlitex.Pool, ks *keystore.KeyStore) *Helper {
	return &Helper{DB: db, KeyStore: ks, Logf: elog.New("autocrypt")}
}

// Incoming is everything the receive pipeline extracts from one
// message relevant to the Autocrypt/DKIM state machine.
type Incoming struct {
	ContactID             int64
	FromAddr              string
	AutocryptHeader        string // raw "Autocrypt:" value, "" if absent
	GossipHeader           string // raw "Autocrypt-Gossip:" value, "" if absent
	AuthenticationResults []string // one per "Authentication-Results:" header seen
	IsCleartext            bool     // message arrived (or was sent) unencrypted
	OurAuthservID          string   // the authserv-id our own incoming IMAP server stamps
}

// HandleIncoming runs the merge logic of §4.3 for one message: the
// DKIM auxiliary first (it decides whether a key change is even
// allowed), then the Autocrypt header merge and prefer_encrypt
// transition, then persists the resulting Peerstate.
//
// allowKeychange reports whether this message was permitted to change
// the peer's trusted key; a caller that finds it false and the
// message nonetheless carried a new key should flag the message (per
// §7 "Policy violations") rather than silently drop it.
func (h *Helper) HandleIncoming(ctx context.Context, in Incoming) (allowKeychange bool, err error) {
	conn := h.DB.Get(ctx)
	if conn == nil {
		return false, context.Canceled
	}
	defer h.DB.Put(conn)

	allowKeychange = true
	if in.OurAuthservID != "" {
		ok, err := h.checkAuthres(conn, in)
		if err != nil {
			return false, err
		}
		allowKeychange = ok
	}

	ps, _, err := h.KeyStore.LoadPeerstate(ctx, in.ContactID)
	if err != nil {
		return allowKeychange, err
	}
	ps.ContactID = in.ContactID
	ps.Addr = in.FromAddr

	hadHeader := in.AutocryptHeader != ""
	observedPrefer := ""
	if hadHeader {
		parsed, perr := ParseHeader(in.AutocryptHeader)
		if perr != nil {
			hadHeader = false
		} else {
			observedPrefer = parsed.PreferEncrypt
			if allowKeychange || ps.PublicKeyFpr == "" {
				fpr, ferr := h.KeyStore.PGP.Fingerprint(parsed.KeyData)
				if ferr == nil && fpr != ps.PublicKeyFpr {
					ps.PublicKeyFpr = fpr
					ps.PublicKey = parsed.KeyData
					ps.PublicKeyVerified = model.PeerstateUnverified
				}
			}
			ps.LastSeenAutocrypt = time.Now()
		}
	}

	if in.GossipHeader != "" {
		if gossip, gerr := ParseGossipHeader(in.GossipHeader); gerr == nil {
			fpr, ferr := h.KeyStore.PGP.Fingerprint(gossip.KeyData)
			if ferr == nil {
				ps.GossipKeyFpr = fpr
				ps.GossipKey = gossip.KeyData
				ps.GossipTimestamp = time.Now()
			}
		}
	}

	ps.PreferEncrypt = TransitionPreferEncrypt(ps.PreferEncrypt, observedPrefer, hadHeader, in.IsCleartext)

	if err := h.KeyStore.SavePeerstate(ctx, ps); err != nil {
		return allowKeychange, err
	}
	return allowKeychange, nil
}

// checkAuthres runs handle_authres (§4.3): intersect our server's
// observed authserv-ids with the saved candidate set (replacing it on
// an empty intersection), then decide whether this message's DKIM
// result blocks a key change for its sending domain.
func (h *Helper) checkAuthres(conn *sqlite.Conn, in Incoming) (allowKeychange bool, err error) {
	observedIDs := make(map[string]bool)
	var dkimResult string
	for _, raw := range in.AuthenticationResults {
		id, result, ok := ParseAuthenticationResults(raw)
		if id == "" {
			continue
		}
		observedIDs[id] = true
		if id == in.OurAuthservID && ok {
			dkimResult = result
		}
	}
	if err := h.updateCandidates(conn, observedIDs); err != nil {
		return true, err
	}
	if _, found := observedIDs[in.OurAuthservID]; !found {
		// The header we actually watch for wasn't present on this
		// message at all; nothing to gate on.
		return true, nil
	}

	domain := domainOf(in.FromAddr)
	if domain == "" {
		return true, nil
	}

	now := time.Now()
	if dkimResult == "pass" {
		return true, h.recordDkimPass(conn, domain, now)
	}

	shouldWork, err := h.domainShouldWork(conn, domain, now)
	if err != nil {
		return true, err
	}
	if shouldWork {
		// Per §9's open question, the spec records both the refusal
		// and a warning note rather than picking one; this
		// implementation refuses the key change and leaves the
		// warning to the caller (receive pipeline records it on the
		// message, see §7 "KEYCHANGES NOT ALLOWED").
		return false, nil
	}
	return true, nil
}

func (h *Helper) updateCandidates(conn *sqlite.Conn, observed map[string]bool) error {
	if len(observed) == 0 {
		return nil
	}
	saved, err := h.loadCandidates(conn)
	if err != nil {
		return err
	}
	if len(saved) > 0 {
		var common []string
		for id := range saved {
			if observed[id] {
				common = append(common, id)
			}
		}
		if len(common) == len(saved) {
			return nil
		}
		if len(common) > 0 {
			return h.saveCandidates(conn, common)
		}
	}
	ids := make([]string, 0, len(observed))
	for id := range observed {
		ids = append(ids, id)
	}
	return h.saveCandidates(conn, ids)
}

func (h *Helper) loadCandidates(conn *sqlite.Conn) (map[string]bool, error) {
	stmt := conn.Prep(`SELECT Value FROM Config WHERE Key = $key;`)
	stmt.SetText("$key", authservCandidatesKey)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	if !hasRow {
		stmt.Reset()
		return out, nil
	}
	for _, id := range strings.Fields(stmt.GetText("Value")) {
		out[id] = true
	}
	stmt.Reset()
	return out, nil
}

func (h *Helper) saveCandidates(conn *sqlite.Conn, ids []string) error {
	stmt := conn.Prep(`INSERT INTO Config (Key, Value) VALUES ($key, $value)
		ON CONFLICT(Key) DO UPDATE SET Value=excluded.Value;`)
	stmt.SetText("$key", authservCandidatesKey)
	stmt.SetText("$value", strings.Join(ids, " "))
	_, err := stmt.Step()
	return err
}

func (h *Helper) recordDkimPass(conn *sqlite.Conn, domain string, now time.Time) error {
	stmt := conn.Prep(`INSERT INTO SendingDomains (Domain, LastDkimPass) VALUES ($domain, $ts)
		ON CONFLICT(Domain) DO UPDATE SET LastDkimPass=excluded.LastDkimPass;`)
	stmt.SetText("$domain", domain)
	stmt.SetInt64("$ts", now.Unix())
	_, err := stmt.Step()
	return err
}

func (h *Helper) domainShouldWork(conn *sqlite.Conn, domain string, now time.Time) (bool, error) {
	stmt := conn.Prep(`SELECT LastDkimPass FROM SendingDomains WHERE Domain = $domain;`)
	stmt.SetText("$domain", domain)
	hasRow, err := stmt.Step()
	if err != nil {
		return false, err
	}
	if !hasRow {
		stmt.Reset()
		return false, nil
	}
	last := time.Unix(stmt.GetInt64("LastDkimPass"), 0).UTC()
	stmt.Reset()
	return now.Sub(last) < dkimShouldWorkWindow, nil
}
