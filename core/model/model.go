// Package model holds the rows core/store persists: the data model
// an account context builds its chats out of. Types here carry no
// behavior beyond small enums and helpers; the components in core/
// (receive, scheduler, autocrypt, ...) own the logic that populates
// and interprets them.
package model

import "time"

// ChatType distinguishes a 1:1 conversation from the various kinds of
// multi-party chat: an ordinary Group, a VerifiedGroup (every member
// joined through a completed SecureJoin handshake, see
// core/securejoin's addVerifiedMember/promoteVerifiedGroup), a
// Mailinglist (identified by a List-Id/Precedence header rather than
// a Chat-Group-ID, receive-only), and a Broadcast.
type ChatType int

const (
	ChatTypeUndefined     ChatType = 0
	ChatTypeSingle        ChatType = 100
	ChatTypeGroup         ChatType = 120
	ChatTypeVerifiedGroup ChatType = 130
	ChatTypeMailinglist   ChatType = 135
	ChatTypeBroadcast     ChatType = 140
)

// ChatVisibility controls how a chat surfaces in the chat list.
type ChatVisibility int

const (
	VisibilityNormal   ChatVisibility = 0
	VisibilityArchived ChatVisibility = 1
	VisibilityPinned   ChatVisibility = 2
)

// ChatBlocked marks a chat (and by extension its 1:1 contact) as
// blocked: messages still land so the relationship can be restored,
// but they are hidden from the chat list.
type ChatBlocked int

const (
	NotBlocked ChatBlocked = 0
	Blocked    ChatBlocked = 1
	// Deaddrop is used for a 1:1 chat from an unknown sender:
	// it exists so a Message can reference a ChatID, but it is
	// never shown until the user accepts it (moving it to NotBlocked).
	Deaddrop ChatBlocked = 2
)

// Reserved Chat ids, mirroring the spec's §3 DEADDROP/TRASH/ARCHIVEDLINK
// allocation: ids 1..9 never denote an ordinary user-visible chat.
const (
	ChatDeaddrop     = 1
	ChatSelfSync     = 2 // holds hidden Sync Channel messages, never shown in the chat list
	ChatTrash        = 3
	ChatArchivedLink = 6
	ChatLastSpecial  = 9
)

// Chat is a conversation: either a 1:1 with one other Contact or a
// group with an associated set of ChatMember rows.
type Chat struct {
	ChatID    int64
	Type      ChatType
	Name      string
	GrpID     string // stable group id, hex_first_8_bytes(sha256(...)) for ad-hoc groups
	Blocked   ChatBlocked
	Archived  ChatVisibility
	Muted     bool
	MutedUntil time.Time

	EphemeralTimer  int // seconds, 0 disables
	ProfileImage    string

	// Verified mirrors Type == ChatTypeVerifiedGroup (and, for a 1:1,
	// the peer's PeerstateVerified); it gates the UI's "verified"
	// badge and tightens the Autocrypt encryption decision. Kept as
	// its own column rather than derived on every read because a 1:1
	// chat's verified-ness depends on Peerstate, not Type.
	Verified bool

	// LocationsSendBegin/Until bound an active location-streaming
	// session in this chat (both zero when not streaming);
	// LocationsLastSent is when the scheduler's location task last
	// delivered a location message here, used to throttle sends to
	// roughly once a minute. GossipedTimestamp is when this chat last
	// gossiped member keys to each other via Autocrypt-Gossip.
	LocationsSendBegin time.Time
	LocationsSendUntil time.Time
	LocationsLastSent  time.Time
	GossipedTimestamp  time.Time

	CreatedAt time.Time
}

// ChatMemberRole distinguishes a group creator/admin (who can add and
// remove members) from a regular member.
type ChatMemberRole int

const (
	MemberRegular ChatMemberRole = 0
	MemberAdmin   ChatMemberRole = 1
)

// ChatMember is one row of a Chat's membership. A 1:1 Chat still has
// ChatMember rows (for the peer and for SELF) so that membership
// queries don't need a special case for chat type.
type ChatMember struct {
	ChatID    int64
	ContactID int64
	Role      ChatMemberRole
	AddedAt   time.Time
}

// ContactOrigin records how we first learned of a contact, used to
// decide whether a contact should be shown to the user unprompted
// (an address found only in a Bcc should not suddenly appear in the
// contact list) and to weigh Autocrypt header trust.
type ContactOrigin int

const (
	OriginUnknown            ContactOrigin = 0  // UnknownTo
	OriginIncomingUnknownFrom ContactOrigin = 10
	OriginIncomingCc         ContactOrigin = 20
	OriginIncomingTo         ContactOrigin = 30
	OriginIncomingReplyTo    ContactOrigin = 40
	OriginOutgoingCc         ContactOrigin = 50
	OriginOutgoingTo         ContactOrigin = 60
	OriginOutgoingBcc        ContactOrigin = 70
	OriginMailinglistAddress ContactOrigin = 80
	OriginAddressBook        ContactOrigin = 90
	OriginSecurejoinInvited  ContactOrigin = 100
	OriginSecurejoinJoined   ContactOrigin = 110
	OriginCreateChat         ContactOrigin = 120
	OriginManuallyCreated    ContactOrigin = 130
	OriginConfig             ContactOrigin = 200 // this is SELF, above every real origin
)

// ContactID 1 is always SELF, the account owner; 2 is always the
// "info"/system pseudo-contact used for chat system messages.
const (
	ContactSelf = 1
	ContactInfo = 2
)

// Contact is a single address-book entry. A real-world person can
// have more than one Contact row if they write from more than one
// address that the receive pipeline hasn't learned to merge.
type Contact struct {
	ContactID   int64
	Name        string
	Addr        string // user@domain, lower-cased
	Origin      ContactOrigin
	Blocked     bool
	LastSeen    time.Time
	ProfileImage string
	Status      string // the contact's self-reported status/signature
}

// PeerstateVerified tracks how strongly a peer's key is bound to
// their identity.
type PeerstateVerified int

const (
	PeerstateUnverified        PeerstateVerified = 0
	PeerstateVerifiedManually  PeerstateVerified = 1 // SecureJoin or fingerprint comparison
	PeerstateVerifiedBidirect  PeerstateVerified = 2 // gossip from a verified group
)

// PeerstatePreferEncrypt mirrors the Autocrypt prefer-encrypt
// attribute, tracked per-peer so the encryption decision can follow
// "opportunistic" semantics: encrypt once both sides have shown they
// are willing to, fall back to plaintext the moment either stops
// including a usable Autocrypt header.
type PeerstatePreferEncrypt int

const (
	PreferEncryptNoPreference PeerstatePreferEncrypt = 0
	PreferEncryptMutual       PeerstatePreferEncrypt = 1
	PreferEncryptReset        PeerstatePreferEncrypt = 2 // peer has gone silent on Autocrypt
)

// Peerstate is the Autocrypt state machine's memory of one contact's
// public key history: their current key, a gossiped key learned from
// a group member, and the verification/prefer-encrypt state derived
// from headers seen so far.
type Peerstate struct {
	ContactID         int64
	Addr              string
	PublicKeyFpr      string // fingerprint of the key currently trusted for this peer
	PublicKey         []byte // armored OpenPGP public key
	PublicKeyVerified PeerstateVerified

	GossipKeyFpr string
	GossipKey    []byte
	GossipTimestamp time.Time

	PreferEncrypt    PeerstatePreferEncrypt
	LastSeenAutocrypt time.Time

	// DKIMPasses/DKIMTotal are stored with the Peerstate, but nothing
	// in the engine updates or reads them: the DKIM history that
	// handle_authres consults is kept per sending domain by
	// core/autocrypt.
	DKIMPasses int
	DKIMTotal  int
}

// MsgState is the lifecycle of a Message row, incoming or outgoing.
type MsgState int

const (
	MsgUndefined MsgState = 0
	MsgInFresh   MsgState = 10
	MsgInNoticed MsgState = 13
	MsgInSeen    MsgState = 16
	MsgOutPending  MsgState = 20
	MsgOutSending  MsgState = 21
	MsgOutDelivered MsgState = 26
	MsgOutFailed   MsgState = 24
	MsgOutMdnRcvd  MsgState = 28
)

// MsgViewType distinguishes how a message's primary part should be
// rendered; it does not replace MIME Content-Type, which is kept on
// the Part rows, but gives the UI a single value to switch on.
type MsgViewType int

const (
	ViewText  MsgViewType = 0
	ViewImage MsgViewType = 20
	ViewGif   MsgViewType = 21
	ViewAudio MsgViewType = 40
	ViewVoice MsgViewType = 41
	ViewVideo MsgViewType = 50
	ViewFile  MsgViewType = 60
)

// MsgSystemType marks a Message as a chat-system notice (member
// added, group renamed, ephemeral timer changed, ...) rather than
// user-authored content, so the UI can render it inline instead of
// as a bubble.
type MsgSystemType int

const (
	SystemNone               MsgSystemType = 0
	SystemMemberAddedToGroup MsgSystemType = 2
	SystemMemberRemovedFromGroup MsgSystemType = 3
	SystemGroupNameChanged   MsgSystemType = 4
	SystemGroupImageChanged  MsgSystemType = 5
	SystemEphemeralTimerChanged MsgSystemType = 6
	SystemLocationStreamingEnabled MsgSystemType = 8
	SystemSecurejoinMessage  MsgSystemType = 9
)

// Message is one chat message: the chat-domain projection of an
// envelope.Msg, after the receive pipeline has classified it, resolved
// its chat, and folded its meta parts (group image, KML) away.
type Message struct {
	MsgID        int64
	RfcMsgID     string // Message-ID header, globally unique
	ChatID       int64
	FromID       int64 // Contact, ContactSelf for outgoing
	State        MsgState
	ViewType     MsgViewType
	SystemType   MsgSystemType

	Text         string
	Timestamp    time.Time
	TimestampSent time.Time // set once an outgoing message reaches SMTP
	TimestampRcvd time.Time // local receive time, for sort-stability under time smearing

	EphemeralTimer   int       // seconds, copied from chat at send time
	EphemeralTimestamp time.Time // when the timer started (first time *Seen* for incoming)

	Location     *Location // non-nil if a location was attached

	HiddenFromSync bool // sync-channel self-sent control message

	ServerFolder   string   // IMAP folder this message currently lives in, "" for outgoing-not-yet-sent
	ServerUID      int64
	MimeInReplyTo  string   // raw In-Reply-To header value
	MimeReferences []string // raw References header, parsed
}

// Location is a single point from location streaming (KML
// attachments), one row per fix rather than per message so a single
// streaming session can accumulate a track.
type Location struct {
	LocationID int64
	ChatID     int64
	ContactID  int64
	Latitude   float64
	Longitude  float64
	Accuracy   float64
	Timestamp  time.Time
	MsgID      int64 // 0 for a fix not yet attached to an outgoing message
	Independent bool // marker pin, not part of a track
}

// Keypair is a local OpenPGP identity. Accounts usually have exactly
// one active keypair, but history is kept so old incoming mail
// encrypted to a rotated key can still be decrypted.
type Keypair struct {
	KeypairID  int64
	Addr       string
	PrivateKey []byte // armored
	PublicKey  []byte // armored
	Fingerprint string
	IsDefault  bool
	CreatedAt  time.Time
}

// JobAction names the unit of work a Job performs; the job queue
// dispatches purely on this value.
type JobAction int

const (
	JobSendMsgToSmtp     JobAction = 100
	JobDeleteMsgOnImap   JobAction = 110
	JobMarkseenMsgOnImap JobAction = 120
	JobMoveMsg           JobAction = 130
	JobEmptyServer       JobAction = 140
	JobSendMdn           JobAction = 150
	JobMarkseenMdnOnImap JobAction = 160
	JobHousekeeping      JobAction = 170
	JobConfigureImap     JobAction = 180
	JobImexImap          JobAction = 190
	JobMaybeSendLocations      JobAction = 200
	JobMaybeSendLocationsEnded JobAction = 210
)

func (a JobAction) String() string {
	switch a {
	case JobSendMsgToSmtp:
		return "SendMsgToSmtp"
	case JobDeleteMsgOnImap:
		return "DeleteMsgOnImap"
	case JobMarkseenMsgOnImap:
		return "MarkseenMsgOnImap"
	case JobMoveMsg:
		return "MoveMsg"
	case JobEmptyServer:
		return "EmptyServer"
	case JobSendMdn:
		return "SendMdn"
	case JobMarkseenMdnOnImap:
		return "MarkseenMdnOnImap"
	case JobHousekeeping:
		return "Housekeeping"
	case JobConfigureImap:
		return "ConfigureImap"
	case JobImexImap:
		return "ImexImap"
	case JobMaybeSendLocations:
		return "MaybeSendLocations"
	case JobMaybeSendLocationsEnded:
		return "MaybeSendLocationsEnded"
	default:
		return "JobAction(unknown)"
	}
}

// JobThread classifies a Job as IMAP-side or SMTP-side work (§4.2).
// core/jobqueue drains every action in a single loop and does not
// consult it, so a slow IMAP job can delay outbound sends and vice
// versa.
type JobThread int

const (
	ThreadIMAP JobThread = 0
	ThreadSMTP JobThread = 1
)

// Thread classifies a as belonging to the IMAP or SMTP loop, per §4.2's
// action split.
func (a JobAction) Thread() JobThread {
	switch a {
	case JobSendMsgToSmtp, JobMaybeSendLocations, JobMaybeSendLocationsEnded, JobSendMdn:
		return ThreadSMTP
	default:
		return ThreadIMAP
	}
}

// Exclusive reports whether a is JobConfigureImap or JobImexImap, the
// two actions whose scheduler handlers pause every IMAP folder loop
// while they run. The job drain itself is not paused for them, and
// they are persisted in the Jobs table like any other job.
func (a JobAction) Exclusive() bool {
	return a == JobConfigureImap || a == JobImexImap
}

// Job is one unit of background work, persisted so it survives a
// restart mid-retry. Tries/NotBefore implement the backoff schedule;
// see core/jobqueue for the formula.
type Job struct {
	JobID     int64
	Action    JobAction
	MsgID     int64 // 0 if the job is not about a specific message
	Param     map[string]string
	Added     time.Time
	Tries     int
	NotBefore time.Time
}

// DnsCacheEntry is one resolved-hostname record in the DNS Cache's
// persistent layer (see core/dnscache): an in-memory map backed by
// this table so a restart doesn't have to re-resolve every IMAP/SMTP
// host before the account can connect.
type DnsCacheEntry struct {
	Hostname  string
	Addrs     []string // dotted-quad or [ipv6], resolution order preserved
	Timestamp time.Time
	Failed    bool // last resolution attempt failed; Addrs holds the last-known-good set
}

// TokenNamespace scopes a Token to the handshake it authenticates.
type TokenNamespace int

const (
	TokenAuth       TokenNamespace = 100 // SecureJoin "vg-request"/"vc-request" verification
	TokenInviteNumber TokenNamespace = 110
)

// Token is a random value minted for a SecureJoin handshake (or a
// similar out-of-band verification) and checked against what the
// peer echoes back.
type Token struct {
	TokenID   int64
	Namespace TokenNamespace
	ChatID    int64 // 0 for a 1:1 setup-contact token
	Value     string
	CreatedAt time.Time
}

// SchedulerState is the I/O Scheduler's externally observable state
// machine: Stopped means no connections are attempted, Started means
// IMAP/SMTP loops run freely, Paused means the IMAP folder loops are
// stopped (their connections logged out) while the job queue and the
// helper sweeps keep running.
type SchedulerState int

const (
	SchedulerStopped SchedulerState = 0
	SchedulerStarted SchedulerState = 1
	SchedulerPaused  SchedulerState = 2
)

func (s SchedulerState) String() string {
	switch s {
	case SchedulerStopped:
		return "Stopped"
	case SchedulerStarted:
		return "Started"
	case SchedulerPaused:
		return "Paused"
	default:
		return "SchedulerState(unknown)"
	}
}

// Device is an app-password-authenticated client of this account
// context, the same role spilldb's Devices table plays for a hosted
// mailbox: a chat UI binding logs in with a device-scoped password
// rather than the account's real IMAP/SMTP credentials.
type Device struct {
	DeviceID       int64
	DeviceName     string
	AppPassHash    []byte
	Created        time.Time
	LastAccessTime time.Time
	LastAccessAddr string
	Deleted        bool
}
