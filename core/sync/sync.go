// Package sync implements the Sync Channel (§2, §4.4): the
// device-to-device state transport that lets multiple installations
// of the same account (§2 "synchronizes device-local state across
// multiple installations of the same user") agree on things that live
// outside the ordinary chat history — the account's own display name,
// a contact rename, a chat's archive/mute state, a SecureJoin token
// minted on one device that another needs to recognize.
//
// A sync update travels as an ordinary outgoing message, addressed to
// SELF, carrying `Chat-Content: sync` and a JSON array of Items as its
// body; the receive pipeline recognizes that header (the same way it
// recognizes Secure-Join, see core/receive.SyncHandler) and routes the
// message here instead of filing it into a visible chat. This mirrors
// core/securejoin's Mailer inversion: this package does not know how
// a message actually reaches the wire, and core/receive does not know
// how a sync payload is interpreted.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"inkmail.dev/chatcore/core/envelope"
	"inkmail.dev/chatcore/core/model"
	"inkmail.dev/chatcore/internal/elog"
)

// ItemType names one kind of synchronized state change. Unknown
// values (an older device's Channel talking to a newer one that
// learned a new item type) are logged and skipped rather than
// treated as an error, so a protocol addition never breaks an
// out-of-date peer device.
type ItemType string

const (
	ItemConfig      ItemType = "config"       // Key = config key, Value = new value
	ItemContactName ItemType = "contact_name" // Key = contact addr, Value = new display name
	ItemAlterChat   ItemType = "alter_chat"   // Key = chat grpid, Value = "archive"|"unarchive"|"mute"|"unmute"
	ItemAddToken    ItemType = "add_token"    // Key = namespace:grpid, Value = token value
	ItemDeleteMsg   ItemType = "delete_msg"   // Key = rfc724_mid
)

// Item is one synchronized state change, the unit a Channel publishes
// and applies. A single sync message can carry several.
type Item struct {
	Type  ItemType `json:"type"`
	Key   string   `json:"key"`
	Value string   `json:"value,omitempty"`
}

// Mailer is the narrow send capability the Sync Channel needs: queue
// one sync protocol message, its JSON payload already serialized, to
// this account's own address. core/send.Composer implements this by
// sending a SkipEncryption-false self-addressed message the same way
// any other outgoing chat message is sent; the self recipient it
// passes carries no public key, so the encryption decision always
// comes out as plaintext.
type Mailer interface {
	SendSync(ctx context.Context, payload []byte) error
}

// Channel is the Sync Channel. One per account context.
type Channel struct {
	DB       *sqlitex.Pool
	Mailer   Mailer
	SelfAddr string
	Logf     elog.Logf
}

// New wires a Channel around an already-constructed Mailer.
func New(db *sqlitex.Pool, mailer Mailer, selfAddr string) *Channel {
	return &Channel{DB: db, Mailer: mailer, SelfAddr: selfAddr, Logf: elog.New("sync")}
}

// Publish serializes items and hands them to the Mailer for delivery
// to this account's other devices. Callers batch related changes
// into one Publish call (e.g. "archived this chat and renamed that
// contact") rather than sending one message per Item, the same way a
// single outgoing chat message can carry several group commands.
func (c *Channel) Publish(ctx context.Context, items ...Item) error {
	if len(items) == 0 {
		return nil
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("sync: marshal: %w", err)
	}
	if err := c.Mailer.SendSync(ctx, payload); err != nil {
		return fmt.Errorf("sync: send: %w", err)
	}
	return nil
}

// PublishConfig is a convenience wrapper for the common case of
// syncing a single config key (a display name change, an
// e2ee_enabled toggle the user flipped from another device).
func (c *Channel) PublishConfig(ctx context.Context, key, value string) error {
	return c.Publish(ctx, Item{Type: ItemConfig, Key: key, Value: value})
}

// Handle implements core/receive.SyncHandler: it is given first look
// at any self-addressed message whose Chat-Content is "sync", applies
// every Item found in its body, and reports handled=true so the
// receive pipeline never files it as a visible chat message — it
// belongs in model.ChatSelfSync instead, hidden from the chat list.
func (c *Channel) Handle(conn *sqlite.Conn, msg *envelope.Msg, now time.Time) (handled bool, err error) {
	content := string(msg.Headers.Get("Chat-Content"))
	if content != "sync" {
		return false, nil
	}

	var body []byte
	for i := range msg.Parts {
		if msg.Parts[i].IsBody && msg.Parts[i].Content != nil {
			if _, err = msg.Parts[i].Content.Seek(0, 0); err != nil {
				return true, fmt.Errorf("sync: seek body: %w", err)
			}
			body, err = io.ReadAll(msg.Parts[i].Content)
			if err != nil {
				return true, fmt.Errorf("sync: read body: %w", err)
			}
			break
		}
	}
	if len(body) == 0 {
		return true, nil
	}

	var items []Item
	if err := json.Unmarshal(body, &items); err != nil {
		c.Logf("sync: malformed payload: %v", err)
		return true, nil
	}

	for _, item := range items {
		if err := c.apply(conn, item, now); err != nil {
			c.Logf("sync: apply %s %s: %v", item.Type, item.Key, err)
		}
	}
	return true, nil
}

func (c *Channel) apply(conn *sqlite.Conn, item Item, now time.Time) error {
	switch item.Type {
	case ItemConfig:
		return applyConfig(conn, item.Key, item.Value)
	case ItemContactName:
		return applyContactName(conn, item.Key, item.Value)
	case ItemAlterChat:
		return applyAlterChat(conn, item.Key, item.Value)
	case ItemAddToken:
		return applyAddToken(conn, item.Key, item.Value, now)
	case ItemDeleteMsg:
		return applyDeleteMsg(conn, item.Key)
	default:
		c.Logf("sync: unknown item type %q, skipping", item.Type)
		return nil
	}
}

// applyConfig mirrors a Config row write: the same key/value table
// every other component reads (authserv-id-candidates,
// last_housekeeping, ...), so a config change made on one device is
// idempotent to replay on another — the last writer simply wins,
// which is fine for settings that are meant to be a single account-
// wide value rather than per-device.
func applyConfig(conn *sqlite.Conn, key, value string) error {
	stmt := conn.Prep(`INSERT INTO Config (Key, Value) VALUES ($key, $value)
		ON CONFLICT(Key) DO UPDATE SET Value = excluded.Value;`)
	stmt.SetText("$key", key)
	stmt.SetText("$value", value)
	_, err := stmt.Step()
	return err
}

func applyContactName(conn *sqlite.Conn, addr, name string) error {
	stmt := conn.Prep(`UPDATE Contacts SET Name = $name WHERE Addr = $addr;`)
	stmt.SetText("$name", name)
	stmt.SetText("$addr", addr)
	_, err := stmt.Step()
	return err
}

// applyAlterChat toggles a chat's archived/muted visibility by
// grpid, the only identifier stable across the devices that each
// have their own local ChatID for the same conversation.
func applyAlterChat(conn *sqlite.Conn, grpID, action string) error {
	var column, expr string
	switch action {
	case "archive":
		column, expr = "Archived", "1"
	case "unarchive":
		column, expr = "Archived", "0"
	case "mute":
		column, expr = "Muted", "TRUE"
	case "unmute":
		column, expr = "Muted", "FALSE"
	default:
		return fmt.Errorf("unknown alter_chat action %q", action)
	}
	stmt := conn.Prep(fmt.Sprintf(`UPDATE Chats SET %s = %s WHERE GrpID = $grpid;`, column, expr))
	stmt.SetText("$grpid", grpID)
	_, err := stmt.Step()
	return err
}

// applyAddToken mirrors a SecureJoin Token minted on another device
// (e.g. the device that actually showed the QR code), so the device
// receiving the sync message can also recognize a matching
// vc-request-with-auth/vg-request-with-auth without ever having run
// the mint step itself. Key is "namespace:grpid" (grpid empty for a
// 1:1 SetupContact token); INSERT OR IGNORE keeps replay idempotent.
func applyAddToken(conn *sqlite.Conn, key, value string, now time.Time) error {
	nsText, grpID, ok := strings.Cut(key, ":")
	namespace, err := strconv.ParseInt(nsText, 10, 64)
	if !ok || err != nil {
		return fmt.Errorf("malformed add_token key %q", key)
	}
	// An unknown grpid yields a NULL ChatID, which OR IGNORE skips.
	stmt := conn.Prep(`INSERT OR IGNORE INTO Tokens (Namespace, ChatID, Value, CreatedAt)
		VALUES ($ns, CASE WHEN $grpid = '' THEN 0 ELSE (SELECT ChatID FROM Chats WHERE GrpID = $grpid) END, $value, $now);`)
	stmt.SetInt64("$ns", namespace)
	stmt.SetText("$grpid", grpID)
	stmt.SetText("$value", value)
	stmt.SetInt64("$now", now.Unix())
	_, err := stmt.Step()
	return err
}

// applyDeleteMsg mirrors a message deletion made on another device:
// the spec's lifecycle (§3) moves a deleted message to TRASH with its
// text cleared, the same transformation core/ephemeral's expiry sweep
// performs, so a deletion and an ephemeral expiry converge on the same
// terminal state regardless of which device (or which mechanism)
// triggered it.
func applyDeleteMsg(conn *sqlite.Conn, rfcMsgID string) error {
	stmt := conn.Prep(`UPDATE Msgs SET ChatID = $trash, Text = '', MimeInReplyTo = '', MimeReferences = ''
		WHERE RfcMsgID = $id;`)
	stmt.SetInt64("$trash", model.ChatTrash)
	stmt.SetText("$id", rfcMsgID)
	_, err := stmt.Step()
	return err
}

