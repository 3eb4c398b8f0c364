package store

// createSQL is the account context's single-file sqlite schema: one
// file per configured email account, holding its contacts, chats,
// messages and blob content end to end. It plays the role
// spilldb/spillbox's per-mailbox schema plays for that project,
// generalized from "one user's hosted mailbox" to "one configured
// IMAP/SMTP account acting as a chat peer".
const createSQL = `
PRAGMA journal_mode=WAL;
PRAGMA auto_vacuum = INCREMENTAL;

CREATE TABLE IF NOT EXISTS Config (
	Key   TEXT PRIMARY KEY,
	Value TEXT
);

CREATE TABLE IF NOT EXISTS Keypairs (
	KeypairID   INTEGER PRIMARY KEY,
	Addr        TEXT NOT NULL,
	PrivateKey  BLOB NOT NULL,
	PublicKey   BLOB NOT NULL,
	Fingerprint TEXT NOT NULL,
	IsDefault   BOOLEAN NOT NULL,
	CreatedAt   INTEGER NOT NULL
);

-- ContactID 1 is always SELF, ContactID 2 is always the info pseudo-contact.
CREATE TABLE IF NOT EXISTS Contacts (
	ContactID    INTEGER PRIMARY KEY,
	Name         TEXT NOT NULL,
	Addr         TEXT NOT NULL,
	Origin       INTEGER NOT NULL,
	Blocked      BOOLEAN NOT NULL,
	LastSeen     INTEGER,
	ProfileImage TEXT,
	Status       TEXT,

	UNIQUE(Addr)
);

CREATE TABLE IF NOT EXISTS Peerstates (
	ContactID         INTEGER PRIMARY KEY,
	Addr              TEXT NOT NULL,
	PublicKeyFpr      TEXT,
	PublicKey         BLOB,
	PublicKeyVerified INTEGER NOT NULL,
	GossipKeyFpr      TEXT,
	GossipKey         BLOB,
	GossipTimestamp   INTEGER,
	PreferEncrypt     INTEGER NOT NULL,
	LastSeenAutocrypt INTEGER,
	DKIMPasses        INTEGER NOT NULL DEFAULT 0,
	DKIMTotal         INTEGER NOT NULL DEFAULT 0,

	FOREIGN KEY(ContactID) REFERENCES Contacts(ContactID)
);

CREATE TABLE IF NOT EXISTS Chats (
	ChatID         INTEGER PRIMARY KEY,
	Type           INTEGER NOT NULL,
	Name           TEXT NOT NULL,
	GrpID          TEXT,
	Blocked        INTEGER NOT NULL,
	Archived       INTEGER NOT NULL,
	Muted          BOOLEAN NOT NULL,
	MutedUntil     INTEGER,
	EphemeralTimer INTEGER NOT NULL DEFAULT 0,
	ProfileImage   TEXT,
	Verified       BOOLEAN NOT NULL,

	-- Location-streaming state (§4.10/§5's location task) and gossip
	-- bookkeeping; 0/NULL means "not currently streaming"/"never gossiped".
	LocationsSendBegin INTEGER NOT NULL DEFAULT 0,
	LocationsSendUntil INTEGER NOT NULL DEFAULT 0,
	LocationsLastSent  INTEGER NOT NULL DEFAULT 0,
	GossipedTimestamp  INTEGER NOT NULL DEFAULT 0,

	CreatedAt      INTEGER NOT NULL,

	UNIQUE(GrpID)
);

CREATE INDEX IF NOT EXISTS ChatsGrpID ON Chats (GrpID);

CREATE TABLE IF NOT EXISTS ChatMembers (
	ChatID    INTEGER NOT NULL,
	ContactID INTEGER NOT NULL,
	Role      INTEGER NOT NULL,
	AddedAt   INTEGER NOT NULL,

	PRIMARY KEY(ChatID, ContactID),
	FOREIGN KEY(ChatID) REFERENCES Chats(ChatID),
	FOREIGN KEY(ContactID) REFERENCES Contacts(ContactID)
);

CREATE TABLE IF NOT EXISTS Msgs (
	MsgID              INTEGER PRIMARY KEY,
	RfcMsgID           TEXT NOT NULL,
	ChatID             INTEGER NOT NULL,
	FromID             INTEGER NOT NULL,
	State              INTEGER NOT NULL,
	ViewType           INTEGER NOT NULL,
	SystemType         INTEGER NOT NULL DEFAULT 0,
	Text               TEXT,
	Timestamp          INTEGER NOT NULL,
	TimestampSent      INTEGER,
	TimestampRcvd       INTEGER,
	EphemeralTimer     INTEGER NOT NULL DEFAULT 0,
	EphemeralTimestamp INTEGER,
	HiddenFromSync     BOOLEAN NOT NULL DEFAULT FALSE,

	ServerFolder  TEXT,
	ServerUID     INTEGER,
	MimeInReplyTo TEXT,
	MimeReferences TEXT, -- space-separated Message-IDs, as seen on the wire

	UNIQUE(RfcMsgID),
	FOREIGN KEY(ChatID) REFERENCES Chats(ChatID),
	FOREIGN KEY(FromID) REFERENCES Contacts(ContactID)
);

CREATE INDEX IF NOT EXISTS MsgsChatIDTimestamp ON Msgs (ChatID, Timestamp);
CREATE INDEX IF NOT EXISTS MsgsEphemeral ON Msgs (EphemeralTimestamp) WHERE EphemeralTimer > 0;

CREATE TABLE IF NOT EXISTS MsgPartContents (
	BlobID  INTEGER PRIMARY KEY,
	Content BLOB
);

CREATE TABLE IF NOT EXISTS MsgParts (
	MsgID          INTEGER NOT NULL,
	PartNum        INTEGER NOT NULL,
	Name           TEXT NOT NULL,
	IsAttachment   BOOLEAN NOT NULL,
	IsCompressed   BOOLEAN NOT NULL,
	CompressedSize INTEGER,
	ContentType    TEXT,
	ContentID      TEXT,
	BlobID         INTEGER,

	ContentTransferEncoding TEXT,
	ContentTransferSize     INTEGER,
	ContentTransferLines    INTEGER,

	PRIMARY KEY(MsgID, PartNum),
	FOREIGN KEY(MsgID) REFERENCES Msgs(MsgID),
	FOREIGN KEY(BlobID) REFERENCES MsgPartContents(BlobID)
);

CREATE TABLE IF NOT EXISTS Locations (
	LocationID  INTEGER PRIMARY KEY,
	ChatID      INTEGER NOT NULL,
	ContactID   INTEGER NOT NULL,
	Latitude    REAL NOT NULL,
	Longitude   REAL NOT NULL,
	Accuracy    REAL,
	Timestamp   INTEGER NOT NULL,
	MsgID       INTEGER,
	Independent BOOLEAN NOT NULL,

	FOREIGN KEY(ChatID) REFERENCES Chats(ChatID),
	FOREIGN KEY(ContactID) REFERENCES Contacts(ContactID)
);

CREATE INDEX IF NOT EXISTS LocationsChatIDTimestamp ON Locations (ChatID, Timestamp);

CREATE TABLE IF NOT EXISTS Jobs (
	JobID     INTEGER PRIMARY KEY,
	Action    INTEGER NOT NULL,
	MsgID     INTEGER NOT NULL DEFAULT 0,
	Param     TEXT, -- JSON object
	Added     INTEGER NOT NULL,
	Tries     INTEGER NOT NULL DEFAULT 0,
	NotBefore INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS JobsNotBefore ON Jobs (NotBefore);

CREATE TABLE IF NOT EXISTS DnsCache (
	Hostname  TEXT PRIMARY KEY,
	Addrs     TEXT NOT NULL, -- JSON array, resolution order preserved
	Timestamp INTEGER NOT NULL,
	Failed    BOOLEAN NOT NULL
);

-- ImapFolderState remembers each watched folder's UIDVALIDITY and the
-- highest UID the I/O Scheduler has already fetched, so a restart
-- resumes where it left off instead of re-downloading the mailbox. A
-- changed UIDVALIDITY invalidates LastUID (the server renumbered),
-- and JobImexImap clears a row outright to force a full refetch.
CREATE TABLE IF NOT EXISTS ImapFolderState (
	Folder       TEXT PRIMARY KEY,
	UidValidity  INTEGER NOT NULL DEFAULT 0,
	LastUID      INTEGER NOT NULL DEFAULT 0
);

-- PendingJoins holds one row per SecureJoin handshake this account
-- started as the *joiner* (§4.8): the QR contents have to survive a
-- restart between scanning the code and the inviter's reply arriving.
CREATE TABLE IF NOT EXISTS PendingJoins (
	InviterAddr TEXT PRIMARY KEY,
	Fingerprint TEXT NOT NULL,
	Invite      TEXT NOT NULL,
	Auth        TEXT NOT NULL,
	GrpID       TEXT,
	CreatedAt   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Tokens (
	TokenID   INTEGER PRIMARY KEY,
	Namespace INTEGER NOT NULL,
	ChatID    INTEGER NOT NULL DEFAULT 0,
	Value     TEXT NOT NULL,
	CreatedAt INTEGER NOT NULL,

	UNIQUE(Namespace, ChatID, Value)
);

CREATE TABLE IF NOT EXISTS Devices (
	DeviceID       INTEGER PRIMARY KEY,
	DeviceName     TEXT NOT NULL,
	AppPassHash    BLOB NOT NULL,
	Created        INTEGER NOT NULL,
	LastAccessTime INTEGER,
	LastAccessAddr TEXT,
	Deleted        BOOLEAN NOT NULL DEFAULT FALSE
);

-- SendingDomains backs the Autocrypt helper's handle_authres DKIM
-- auxiliary (§4.3): per-domain timestamp of the last observed
-- dkim=pass, so a single transient DKIM failure from a domain that
-- "should work" can refuse a key change instead of trusting it blind.
CREATE TABLE IF NOT EXISTS SendingDomains (
	Domain       TEXT PRIMARY KEY,
	LastDkimPass INTEGER NOT NULL DEFAULT 0
);

-- ConnectionHistory records when each address last completed a
-- connection for a given ALPN/port (§4.10). DNS Cache lookups do not
-- reorder cached addresses by it.
CREATE TABLE IF NOT EXISTS ConnectionHistory (
	Alpn      TEXT NOT NULL,
	Host      TEXT NOT NULL,
	Port      INTEGER NOT NULL,
	Addr      TEXT NOT NULL,
	Timestamp INTEGER NOT NULL,

	PRIMARY KEY(Alpn, Host, Port, Addr)
);

CREATE INDEX IF NOT EXISTS ConnectionHistoryRank ON ConnectionHistory (Alpn, Port, Timestamp DESC);

INSERT OR IGNORE INTO Contacts (ContactID, Name, Addr, Origin, Blocked) VALUES (1, '', '', 90, FALSE);
INSERT OR IGNORE INTO Contacts (ContactID, Name, Addr, Origin, Blocked) VALUES (2, 'chatcore', 'chatcore@local', 0, FALSE);

-- Reserved Chat rows (§3: DEADDROP=1, TRASH=3, ARCHIVEDLINK=6; plus
-- SELFSYNC=2 for the Sync Channel, within the same 1..9 reserved
-- range): these exist purely so Msgs.ChatID can reference them under
-- the foreign key constraint; none are ever shown as an ordinary chat.
INSERT OR IGNORE INTO Chats (ChatID, Type, Name, Blocked, Archived, Muted, EphemeralTimer, Verified, CreatedAt) VALUES (1, 0, '', 2, 0, FALSE, 0, FALSE, 0);
INSERT OR IGNORE INTO Chats (ChatID, Type, Name, Blocked, Archived, Muted, EphemeralTimer, Verified, CreatedAt) VALUES (2, 0, '', 1, 0, FALSE, 0, FALSE, 0);
INSERT OR IGNORE INTO Chats (ChatID, Type, Name, Blocked, Archived, Muted, EphemeralTimer, Verified, CreatedAt) VALUES (3, 0, '', 1, 0, FALSE, 0, FALSE, 0);
INSERT OR IGNORE INTO Chats (ChatID, Type, Name, Blocked, Archived, Muted, EphemeralTimer, Verified, CreatedAt) VALUES (6, 0, '', 1, 1, FALSE, 0, FALSE, 0);
`
