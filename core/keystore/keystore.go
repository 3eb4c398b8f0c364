// Package keystore owns an account's OpenPGP identity, its contacts'
// Peerstates, and the app-password devices allowed to act as this
// account's chat client. It is the Key Store component: every
// encryption decision the Autocrypt helper makes reads a Peerstate
// from here, and every key the I/O scheduler needs to decrypt
// incoming mail comes from here too.
package keystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/crypto/bcrypt"

	"inkmail.dev/chatcore/core/model"
	"inkmail.dev/chatcore/internal/elog"
	"inkmail.dev/chatcore/internal/throttle"
)

var ErrBadCredentials = errors.New("keystore: bad credentials")

// KeyStore is the account-wide keeper of keypairs, peerstates and
// devices. One is created per account context and shared by the
// receive pipeline, the Autocrypt helper and the device auth server.
type KeyStore struct {
	DB       *sqlitex.Pool
	PGP      PGPEngine
	Throttle throttle.Throttle
	Logf     elog.Logf

	SelfAddr string // the account's own email address
}

// New wires a KeyStore around an already-open pool.
func New(db *sqlitex.Pool, selfAddr string) *KeyStore {
	return &KeyStore{
		DB:       db,
		PGP:      NewOpenPGPEngine(),
		Logf:      elog.New("keystore"),
		SelfAddr: selfAddr,
	}
}

// EnsureKeypair returns the account's default keypair, generating one
// with k.PGP if none exists yet. Called once at account setup and
// then cached by callers that need it repeatedly (key generation is
// not cheap).
func (k *KeyStore) EnsureKeypair(ctx context.Context) (model.Keypair, error) {
	conn := k.DB.Get(ctx)
	if conn == nil {
		return model.Keypair{}, context.Canceled
	}
	defer k.DB.Put(conn)

	if kp, ok, err := loadDefaultKeypair(conn); err != nil {
		return model.Keypair{}, err
	} else if ok {
		return kp, nil
	}

	priv, pub, fpr, err := k.PGP.GenerateKeypair(k.SelfAddr)
	if err != nil {
		return model.Keypair{}, err
	}

	stmt := conn.Prep(`INSERT INTO Keypairs (Addr, PrivateKey, PublicKey, Fingerprint, IsDefault, CreatedAt)
		VALUES ($addr, $priv, $pub, $fpr, TRUE, $created);`)
	stmt.SetText("$addr", k.SelfAddr)
	stmt.SetBytes("$priv", priv)
	stmt.SetBytes("$pub", pub)
	stmt.SetText("$fpr", fpr)
	stmt.SetInt64("$created", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		return model.Keypair{}, err
	}

	return model.Keypair{
		KeypairID:   conn.LastInsertRowID(),
		Addr:        k.SelfAddr,
		PrivateKey:  priv,
		PublicKey:   pub,
		Fingerprint: fpr,
		IsDefault:   true,
		CreatedAt:   time.Now(),
	}, nil
}

func loadDefaultKeypair(conn *sqlite.Conn) (model.Keypair, bool, error) {
	stmt := conn.Prep(`SELECT KeypairID, Addr, PrivateKey, PublicKey, Fingerprint, CreatedAt
		FROM Keypairs WHERE IsDefault = TRUE ORDER BY KeypairID DESC LIMIT 1;`)
	hasRow, err := stmt.Step()
	if err != nil {
		return model.Keypair{}, false, err
	}
	if !hasRow {
		stmt.Reset()
		return model.Keypair{}, false, nil
	}
	kp := model.Keypair{
		KeypairID:   stmt.GetInt64("KeypairID"),
		Addr:        stmt.GetText("Addr"),
		Fingerprint: stmt.GetText("Fingerprint"),
		IsDefault:   true,
		CreatedAt:   time.Unix(stmt.GetInt64("CreatedAt"), 0).UTC(),
	}
	kp.PrivateKey = readColumnBytes(stmt, "PrivateKey")
	kp.PublicKey = readColumnBytes(stmt, "PublicKey")
	stmt.Reset()
	return kp, true, nil
}

func readColumnBytes(stmt *sqlite.Stmt, col string) []byte {
	n := stmt.GetLen(col)
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	stmt.GetBytes(col, buf)
	return buf
}

// LoadPeerstate returns the Peerstate for contactID, or the zero
// value with ok=false if the peer has never sent an Autocrypt
// header.
func (k *KeyStore) LoadPeerstate(ctx context.Context, contactID int64) (model.Peerstate, bool, error) {
	conn := k.DB.Get(ctx)
	if conn == nil {
		return model.Peerstate{}, false, context.Canceled
	}
	defer k.DB.Put(conn)

	stmt := conn.Prep(`SELECT Addr, PublicKeyFpr, PublicKey, PublicKeyVerified,
			GossipKeyFpr, GossipKey, GossipTimestamp, PreferEncrypt,
			LastSeenAutocrypt, DKIMPasses, DKIMTotal
		FROM Peerstates WHERE ContactID = $contactID;`)
	stmt.SetInt64("$contactID", contactID)
	hasRow, err := stmt.Step()
	if err != nil {
		return model.Peerstate{}, false, err
	}
	if !hasRow {
		stmt.Reset()
		return model.Peerstate{}, false, nil
	}
	ps := model.Peerstate{
		ContactID:         contactID,
		Addr:              stmt.GetText("Addr"),
		PublicKeyFpr:      stmt.GetText("PublicKeyFpr"),
		PublicKeyVerified: model.PeerstateVerified(stmt.GetInt64("PublicKeyVerified")),
		GossipKeyFpr:      stmt.GetText("GossipKeyFpr"),
		GossipTimestamp:   time.Unix(stmt.GetInt64("GossipTimestamp"), 0).UTC(),
		PreferEncrypt:     model.PeerstatePreferEncrypt(stmt.GetInt64("PreferEncrypt")),
		LastSeenAutocrypt: time.Unix(stmt.GetInt64("LastSeenAutocrypt"), 0).UTC(),
		DKIMPasses:        int(stmt.GetInt64("DKIMPasses")),
		DKIMTotal:         int(stmt.GetInt64("DKIMTotal")),
	}
	ps.PublicKey = readColumnBytes(stmt, "PublicKey")
	ps.GossipKey = readColumnBytes(stmt, "GossipKey")
	stmt.Reset()
	return ps, true, nil
}

// SavePeerstate upserts ps, the Autocrypt helper's only write path
// into the peer key history.
func (k *KeyStore) SavePeerstate(ctx context.Context, ps model.Peerstate) error {
	conn := k.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer k.DB.Put(conn)

	stmt := conn.Prep(`INSERT INTO Peerstates (
			ContactID, Addr, PublicKeyFpr, PublicKey, PublicKeyVerified,
			GossipKeyFpr, GossipKey, GossipTimestamp, PreferEncrypt,
			LastSeenAutocrypt, DKIMPasses, DKIMTotal
		) VALUES (
			$contactID, $addr, $pkFpr, $pk, $pkVerified,
			$gkFpr, $gk, $gkTs, $preferEncrypt,
			$lastSeen, $dkimPasses, $dkimTotal
		)
		ON CONFLICT(ContactID) DO UPDATE SET
			Addr=excluded.Addr, PublicKeyFpr=excluded.PublicKeyFpr,
			PublicKey=excluded.PublicKey, PublicKeyVerified=excluded.PublicKeyVerified,
			GossipKeyFpr=excluded.GossipKeyFpr, GossipKey=excluded.GossipKey,
			GossipTimestamp=excluded.GossipTimestamp, PreferEncrypt=excluded.PreferEncrypt,
			LastSeenAutocrypt=excluded.LastSeenAutocrypt,
			DKIMPasses=excluded.DKIMPasses, DKIMTotal=excluded.DKIMTotal;`)
	stmt.SetInt64("$contactID", ps.ContactID)
	stmt.SetText("$addr", ps.Addr)
	stmt.SetText("$pkFpr", ps.PublicKeyFpr)
	stmt.SetBytes("$pk", ps.PublicKey)
	stmt.SetInt64("$pkVerified", int64(ps.PublicKeyVerified))
	stmt.SetText("$gkFpr", ps.GossipKeyFpr)
	stmt.SetBytes("$gk", ps.GossipKey)
	stmt.SetInt64("$gkTs", unixOrZero(ps.GossipTimestamp))
	stmt.SetInt64("$preferEncrypt", int64(ps.PreferEncrypt))
	stmt.SetInt64("$lastSeen", unixOrZero(ps.LastSeenAutocrypt))
	stmt.SetInt64("$dkimPasses", int64(ps.DKIMPasses))
	stmt.SetInt64("$dkimTotal", int64(ps.DKIMTotal))
	_, err := stmt.Step()
	return err
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// AddDevice registers a new chat-client device with a freshly
// generated app password, grounded on spilldb/db.go's AddDevice:
// the password is bcrypt-hashed at rest, never the real IMAP/SMTP
// credential.
func (k *KeyStore) AddDevice(ctx context.Context, deviceName, appPassword string) (deviceID int64, err error) {
	conn := k.DB.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer k.DB.Put(conn)

	appPassHash, err := bcrypt.GenerateFromPassword([]byte(appPassword), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}

	stmt := conn.Prep(`INSERT INTO Devices (DeviceName, AppPassHash, Created) VALUES ($name, $hash, $created);`)
	stmt.SetText("$name", deviceName)
	stmt.SetBytes("$hash", appPassHash)
	stmt.SetInt64("$created", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return conn.LastInsertRowID(), nil
}

// AuthDevice checks a device app password, the same
// uppercase-and-strip-spaces normalization spilldb/db/auth.go applies
// (app passwords are shown to users in blocks of four characters and
// typed back in with spaces).
func (k *KeyStore) AuthDevice(ctx context.Context, remoteAddr, password string) (deviceID int64, err error) {
	conn := k.DB.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer k.DB.Put(conn)

	start := time.Now()
	entry := elog.Entry{Where: "keystore", What: "auth_device", When: start, Data: map[string]interface{}{"remote_addr": remoteAddr}}
	defer func() {
		entry.Duration = time.Since(start)
		k.Logf("%s", entry)
	}()

	norm := bytes.ToUpper([]byte(password))
	norm = bytes.Replace(norm, []byte(" "), nil, -1)

	k.Throttle.Throttle(remoteAddr)
	defer func() {
		if err != nil {
			k.Throttle.Add(remoteAddr)
		}
	}()

	stmt := conn.Prep(`SELECT DeviceID, AppPassHash, Deleted FROM Devices;`)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			entry.Err = err
			return 0, fmt.Errorf("keystore: %v", err)
		}
		if !hasRow {
			break
		}
		hash := readColumnBytes(stmt, "AppPassHash")
		if bcrypt.CompareHashAndPassword(hash, norm) == nil {
			deleted := stmt.GetInt64("Deleted") != 0
			deviceID = stmt.GetInt64("DeviceID")
			stmt.Reset()
			if deleted {
				entry.Err = errors.New("device deleted")
				return 0, ErrBadCredentials
			}
			break
		}
	}
	if deviceID == 0 {
		entry.Err = errors.New("no matching device")
		return 0, ErrBadCredentials
	}

	upd := conn.Prep(`UPDATE Devices SET LastAccessTime = $time, LastAccessAddr = $addr WHERE DeviceID = $id;`)
	upd.SetInt64("$id", deviceID)
	upd.SetInt64("$time", time.Now().Unix())
	upd.SetText("$addr", remoteAddr)
	if _, err := upd.Step(); err != nil {
		entry.Err = err
		return 0, fmt.Errorf("keystore: %v", err)
	}
	return deviceID, nil
}
