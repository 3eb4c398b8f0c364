package autocrypt

import "inkmail.dev/chatcore/core/model"

// TransitionPreferEncrypt applies §4.3's table:
//
//	current | observed                        | new
//	any     | prefer-encrypt=mutual           | Mutual
//	any     | nopreference                    | NoPreference
//	any     | no Autocrypt header, cleartext  | Reset
//	Reset   | mail with an Autocrypt header   | NoPreference
//
// hadHeader reports whether this message carried an Autocrypt header
// at all (gossip headers don't count: they carry no preference).
// isCleartext reports whether the message arrived unencrypted, the
// signal that "no Autocrypt header" should downgrade trust rather
// than simply leave the peerstate untouched.
func TransitionPreferEncrypt(current model.PeerstatePreferEncrypt, observed string, hadHeader, isCleartext bool) model.PeerstatePreferEncrypt {
	if hadHeader {
		switch observed {
		case "mutual":
			return model.PreferEncryptMutual
		default:
			// "nopreference" and any unrecognized attribute value
			// both count as explicit "not mutual" per the header's
			// own default.
			if current == model.PreferEncryptReset {
				return model.PreferEncryptNoPreference
			}
			return model.PreferEncryptNoPreference
		}
	}
	if isCleartext {
		return model.PreferEncryptReset
	}
	return current
}

// preferEncryptCount is the §4.3 encryption decision's building
// block: how many of SELF + recipients currently have Mutual set,
// counting a Reset/NoPreference peer as "encrypt-friendly" only when
// our own preference is Mutual and the peer hasn't gone explicitly
// silent (Reset), matching "Reset/NoPreference also count when own
// preference is Mutual and peer is not explicitly Reset".
func preferEncryptCount(selfPrefer model.PeerstatePreferEncrypt, peers []model.PeerstatePreferEncrypt) int {
	count := 0
	if selfPrefer == model.PreferEncryptMutual {
		count++
	}
	for _, p := range peers {
		switch {
		case p == model.PreferEncryptMutual:
			count++
		case selfPrefer == model.PreferEncryptMutual && p != model.PreferEncryptReset:
			count++
		}
	}
	return count
}

// ShouldEncrypt decides whether an outgoing message should be
// encrypted: always when e2eeGuaranteed (a reply to an encrypted
// message, a protected/verified group, or a chatmail-only peer), else
// opportunistically when a strict majority of SELF+recipients prefer
// Mutual.
func ShouldEncrypt(e2eeGuaranteed bool, selfPrefer model.PeerstatePreferEncrypt, peers []model.PeerstatePreferEncrypt) bool {
	if e2eeGuaranteed {
		return true
	}
	recipientCount := len(peers) + 1 // SELF counts as a recipient for the 2*count > N comparison
	return 2*preferEncryptCount(selfPrefer, peers) > recipientCount
}
