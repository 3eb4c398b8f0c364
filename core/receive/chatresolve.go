package receive

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"crawshaw.io/sqlite"

	"inkmail.dev/chatcore/core/envelope"
	"inkmail.dev/chatcore/core/event"
	"inkmail.dev/chatcore/core/model"
)

// resolveChat implements §4.4 step 5 in full: SecureJoin handshake
// messages never create a chat of their own; a Chat-Group-ID (or an
// inferable ad-hoc group id) routes to group-chat resolution; anything
// left falls back to a 1:1 chat, deaddrop-blocked when the sender
// isn't yet a known contact.
func (p *Pipeline) resolveChat(conn *sqlite.Conn, msg *envelope.Msg, fromAddr string, fromID int64, fromKnown bool, toCcIDs []int64, toCcAddrs []string, now time.Time) (chatID int64, created bool, err error) {
	if fromID == model.ContactSelf && p.Sync != nil {
		handled, err := p.Sync.Handle(conn, msg, now)
		if err != nil {
			return 0, false, err
		}
		if handled {
			// The Sync Channel owns this message's content; it lives
			// in the reserved self-sync chat, never a visible one.
			return model.ChatSelfSync, false, nil
		}
	}

	if strings.TrimSpace(string(msg.Headers.Get("Secure-Join"))) != "" && p.SecureJoin != nil {
		handled, err := p.SecureJoin.HandleSecureJoin(conn, msg, fromAddr, fromID, now)
		if err != nil {
			return 0, false, err
		}
		if handled {
			// The handshake state machine owns this message; file it
			// into SELF's own chat (hidden) so it still has somewhere
			// to live for dedup purposes without surfacing in the UI.
			cid, err := resolveOneOnOne(conn, model.ContactSelf, true, now)
			return cid, false, err
		}
	}

	if grpID := strings.TrimSpace(string(msg.Headers.Get("Chat-Group-ID"))); grpID != "" {
		return p.resolveGroupChat(conn, msg, grpID, fromID, toCcIDs, now)
	}

	if isMailinglistMessage(msg) {
		return resolveMailinglistChat(conn, msg, fromID, now)
	}

	if grpID, ok := inferAdHocGrpID(p.SelfAddr, fromAddr, toCcAddrs); ok {
		if existing, found, err := findAdHocGroup(conn, grpID); err != nil {
			return 0, false, err
		} else if found {
			return p.resolveGroupChat(conn, msg, grpID, fromID, toCcIDs, now)
		} else {
			name := strings.TrimSpace(string(msg.Headers.Get("Subject")))
			cid, err := createGroupChat(conn, grpID, name, fromID, toCcIDs, now)
			if err != nil {
				return 0, false, err
			}
			return cid, true, nil
		}
	}

	cid, err := resolveOneOnOne(conn, fromID, fromKnown, now)
	return cid, false, err
}

// resolveGroupChat looks up (or, if the grpID is unknown, creates) the
// group chat named by grpID and applies the message's group command,
// if any, per the member-removed -> member-added -> name-changed ->
// image-changed precedence §4.4 step 5 specifies.
func (p *Pipeline) resolveGroupChat(conn *sqlite.Conn, msg *envelope.Msg, grpID string, fromID int64, toCcIDs []int64, now time.Time) (chatID int64, created bool, err error) {
	chatID, ok, err := lookupChatByGrpID(conn, grpID)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		name := strings.TrimSpace(string(msg.Headers.Get("Chat-Group-Name")))
		if name == "" {
			name = strings.TrimSpace(string(msg.Headers.Get("Subject")))
		}
		chatID, err = createGroupChat(conn, grpID, name, fromID, toCcIDs, now)
		if err != nil {
			return 0, false, err
		}
		return chatID, true, nil
	}

	cmd := parseGroupCommand(msg)
	if err := applyGroupCommand(conn, chatID, fromID, cmd, append([]int64{fromID}, toCcIDs...), now); err != nil {
		return 0, false, err
	}
	if cmd.memberRemovedAddr != "" && normAddr(cmd.memberRemovedAddr) == normAddr(p.SelfAddr) && p.Events != nil {
		p.Events.Emit(event.Event{Kind: event.ErrorSelfNotInGroup, ChatID: chatID, Text: "removed from group"})
	}
	return chatID, false, nil
}

// inferAdHocGrpID computes the ad-hoc group id for a message with no
// explicit Chat-Group-ID whose From, To and Cc together name two or
// more distinct addresses other than selfAddr, per §4.4 step 5's "try
// ad-hoc group" fallback. A message with fewer is left to the plain
// 1:1 path.
func inferAdHocGrpID(selfAddr, fromAddr string, toCcAddrs []string) (string, bool) {
	members := make(map[string]bool)
	if fromAddr != "" && normAddr(fromAddr) != normAddr(selfAddr) {
		members[normAddr(fromAddr)] = true
	}
	for _, a := range toCcAddrs {
		if normAddr(a) != normAddr(selfAddr) {
			members[normAddr(a)] = true
		}
	}
	if len(members) < 2 {
		return "", false
	}
	addrs := make([]string, 0, len(members))
	for a := range members {
		addrs = append(addrs, a)
	}
	return adHocGrpID(selfAddr, addrs), true
}

// adHocGrpID computes the stable group id for a group inferred purely
// from its member list (no Chat-Group-ID header present), per §4.4
// step 5: hex_first_8_bytes(sha256(self_addr + "," + sorted
// lowercased member addrs)).
func adHocGrpID(selfAddr string, memberAddrs []string) string {
	norm := make([]string, len(memberAddrs))
	for i, a := range memberAddrs {
		norm[i] = normAddr(a)
	}
	sort.Strings(norm)

	h := sha256.New()
	h.Write([]byte(normAddr(selfAddr)))
	for _, a := range norm {
		h.Write([]byte(","))
		h.Write([]byte(a))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// resolvedChat is what chat resolution (§4.4 step 5) hands back to the
// rest of the pipeline.
type resolvedChat struct {
	chatID  int64
	created bool
}

// lookupChatByGrpID finds an existing chat by its stable group id.
func lookupChatByGrpID(conn *sqlite.Conn, grpID string) (chatID int64, ok bool, err error) {
	stmt := conn.Prep(`SELECT ChatID FROM Chats WHERE GrpID = $grpID;`)
	stmt.SetText("$grpID", grpID)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, err
	}
	if !hasRow {
		stmt.Reset()
		return 0, false, nil
	}
	chatID = stmt.GetInt64("ChatID")
	stmt.Reset()
	return chatID, true, nil
}

// createGroupChat inserts a new group Chat row plus its member rows
// (SELF included as MemberAdmin only if fromID == SELF, otherwise
// Regular, matching "the sender of the first message is presumed
// creator/admin" which is the common case this pipeline needs to
// handle without a dedicated Chat-Group-Admin header in the spec).
func createGroupChat(conn *sqlite.Conn, grpID, name string, fromID int64, memberIDs []int64, now time.Time) (chatID int64, err error) {
	stmt := conn.Prep(`INSERT INTO Chats (Type, Name, GrpID, Blocked, Archived, Muted, EphemeralTimer, Verified, CreatedAt)
		VALUES ($type, $name, $grpID, $blocked, 0, FALSE, 0, FALSE, $now);`)
	stmt.SetInt64("$type", int64(model.ChatTypeGroup))
	stmt.SetText("$name", name)
	stmt.SetText("$grpID", grpID)
	stmt.SetInt64("$blocked", int64(model.NotBlocked))
	stmt.SetInt64("$now", now.Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	chatID = conn.LastInsertRowID()

	seen := make(map[int64]bool)
	addMember := func(contactID int64, role model.ChatMemberRole) error {
		if seen[contactID] {
			return nil
		}
		seen[contactID] = true
		m := conn.Prep(`INSERT OR IGNORE INTO ChatMembers (ChatID, ContactID, Role, AddedAt) VALUES ($chatID, $contactID, $role, $now);`)
		m.SetInt64("$chatID", chatID)
		m.SetInt64("$contactID", contactID)
		m.SetInt64("$role", int64(role))
		m.SetInt64("$now", now.Unix())
		_, err := m.Step()
		return err
	}
	creatorRole := model.MemberRegular
	if fromID == model.ContactSelf {
		creatorRole = model.MemberAdmin
	}
	if err := addMember(fromID, creatorRole); err != nil {
		return 0, err
	}
	if err := addMember(model.ContactSelf, model.MemberRegular); err != nil {
		return 0, err
	}
	for _, id := range memberIDs {
		if err := addMember(id, model.MemberRegular); err != nil {
			return 0, err
		}
	}
	return chatID, nil
}

// isMember reports whether contactID currently belongs to chatID.
func isMember(conn *sqlite.Conn, chatID, contactID int64) (bool, error) {
	stmt := conn.Prep(`SELECT 1 FROM ChatMembers WHERE ChatID = $chatID AND ContactID = $contactID;`)
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$contactID", contactID)
	hasRow, err := stmt.Step()
	stmt.Reset()
	return hasRow, err
}

// groupCommand carries the parsed Chat-Group-* headers for one
// incoming message, at most one of which is meaningfully set.
type groupCommand struct {
	memberRemovedAddr string
	memberAddedAddr   string
	nameChangedTo     string
	imageChanged      bool
	imageCID          string // "" clears the image
}

// applyGroupCommand applies a single incoming message's group command
// to an existing chat, in the precedence order §4.4 step 5 specifies:
// member-removed, then member-added, then name-changed, then
// image-changed. The command is authoritative for the sender only
// when the sender is currently a member; otherwise the member list is
// recreated from To+Cc+From (the "out-of-order command" rule recorded
// as an explicit design decision in DESIGN.md).
func applyGroupCommand(conn *sqlite.Conn, chatID, fromID int64, cmd groupCommand, toCcFromIDs []int64, now time.Time) error {
	member, err := isMember(conn, chatID, fromID)
	if err != nil {
		return err
	}
	if !member {
		return recreateMembers(conn, chatID, toCcFromIDs, now)
	}

	if cmd.memberRemovedAddr != "" {
		removedID, ok, err := LookupContactByAddr(conn, cmd.memberRemovedAddr)
		if err != nil {
			return err
		}
		if ok {
			stmt := conn.Prep(`DELETE FROM ChatMembers WHERE ChatID = $chatID AND ContactID = $contactID;`)
			stmt.SetInt64("$chatID", chatID)
			stmt.SetInt64("$contactID", removedID)
			if _, err := stmt.Step(); err != nil {
				return err
			}
		}
	}

	if cmd.memberAddedAddr != "" {
		addedID, _, err := LookupContactByAddr(conn, cmd.memberAddedAddr)
		if err != nil {
			return err
		}
		if addedID == 0 {
			addedID, err = ResolveContact(conn, cmd.memberAddedAddr, "", model.OriginIncomingTo)
			if err != nil {
				return err
			}
		}
		stmt := conn.Prep(`INSERT OR IGNORE INTO ChatMembers (ChatID, ContactID, Role, AddedAt) VALUES ($chatID, $contactID, 0, $now);`)
		stmt.SetInt64("$chatID", chatID)
		stmt.SetInt64("$contactID", addedID)
		stmt.SetInt64("$now", now.Unix())
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}

	if cmd.nameChangedTo != "" {
		stmt := conn.Prep(`UPDATE Chats SET Name = $name WHERE ChatID = $chatID;`)
		stmt.SetText("$name", cmd.nameChangedTo)
		stmt.SetInt64("$chatID", chatID)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}

	if cmd.imageChanged {
		stmt := conn.Prep(`UPDATE Chats SET ProfileImage = $img WHERE ChatID = $chatID;`)
		stmt.SetText("$img", cmd.imageCID)
		stmt.SetInt64("$chatID", chatID)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}

	return nil
}

// recreateMembers replaces a chat's membership wholesale with
// to+cc+from (plus SELF), per the spec's rule for a group command
// arriving from a contact no longer recognized as a member.
func recreateMembers(conn *sqlite.Conn, chatID int64, memberIDs []int64, now time.Time) error {
	del := conn.Prep(`DELETE FROM ChatMembers WHERE ChatID = $chatID;`)
	del.SetInt64("$chatID", chatID)
	if _, err := del.Step(); err != nil {
		return err
	}
	seen := make(map[int64]bool)
	insert := func(contactID int64) error {
		if seen[contactID] {
			return nil
		}
		seen[contactID] = true
		stmt := conn.Prep(`INSERT OR IGNORE INTO ChatMembers (ChatID, ContactID, Role, AddedAt) VALUES ($chatID, $contactID, 0, $now);`)
		stmt.SetInt64("$chatID", chatID)
		stmt.SetInt64("$contactID", contactID)
		stmt.SetInt64("$now", now.Unix())
		_, err := stmt.Step()
		return err
	}
	if err := insert(model.ContactSelf); err != nil {
		return err
	}
	for _, id := range memberIDs {
		if err := insert(id); err != nil {
			return err
		}
	}
	return nil
}

// resolveOneOnOne finds or creates the 1:1 chat with contactID,
// choosing Deaddrop blocking when the caller reports the contact as
// not yet known (spec §4.4 step 5: "fall
// back to 1:1 chat (or deaddrop/request when sender is unknown)").
func resolveOneOnOne(conn *sqlite.Conn, contactID int64, known bool, now time.Time) (int64, error) {
	stmt := conn.Prep(`SELECT Chats.ChatID FROM Chats
		JOIN ChatMembers ON ChatMembers.ChatID = Chats.ChatID AND ChatMembers.ContactID = $contactID
		WHERE Chats.Type = $type;`)
	stmt.SetInt64("$contactID", contactID)
	stmt.SetInt64("$type", int64(model.ChatTypeSingle))
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if hasRow {
		chatID := stmt.GetInt64("ChatID")
		stmt.Reset()
		return chatID, nil
	}
	stmt.Reset()

	blocked := model.NotBlocked
	if !known {
		blocked = model.Deaddrop
	}

	ins := conn.Prep(`INSERT INTO Chats (Type, Name, Blocked, Archived, Muted, EphemeralTimer, Verified, CreatedAt)
		VALUES ($type, '', $blocked, 0, FALSE, 0, FALSE, $now);`)
	ins.SetInt64("$type", int64(model.ChatTypeSingle))
	ins.SetInt64("$blocked", int64(blocked))
	ins.SetInt64("$now", now.Unix())
	if _, err := ins.Step(); err != nil {
		return 0, err
	}
	chatID := conn.LastInsertRowID()

	for _, id := range []int64{model.ContactSelf, contactID} {
		m := conn.Prep(`INSERT OR IGNORE INTO ChatMembers (ChatID, ContactID, Role, AddedAt) VALUES ($chatID, $contactID, 0, $now);`)
		m.SetInt64("$chatID", chatID)
		m.SetInt64("$contactID", id)
		m.SetInt64("$now", now.Unix())
		if _, err := m.Step(); err != nil {
			return 0, err
		}
	}
	return chatID, nil
}

// findAdHocGroup looks up the chat whose GrpID equals grpID, the
// ad-hoc id computed from the member set, used when no Chat-Group-ID
// header names the group. The chat's current ChatMembers rows are not
// compared, so a chat whose membership changed after it was created
// is still found under its original id.
func findAdHocGroup(conn *sqlite.Conn, grpID string) (int64, bool, error) {
	return lookupChatByGrpID(conn, grpID)
}

// isMailinglistMessage reports whether msg came from a mailing list
// rather than a person: either it carries a List-Id header, or its
// Precedence header names bulk distribution. Grounded on
// dc_mimeparser.rs's is_mailinglist_message, which checks the same
// two signals for the same reason (a List-Id is the one header every
// mailing list software actually sets; Precedence is the older,
// looser convention some software still relies on alone).
func isMailinglistMessage(msg *envelope.Msg) bool {
	if strings.TrimSpace(string(msg.Headers.Get("List-Id"))) != "" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(string(msg.Headers.Get("Precedence")))) {
	case "list", "bulk":
		return true
	}
	return false
}

// listID extracts the stable identifier out of a List-Id header,
// which RFC 2919 allows to carry a free-text phrase before the
// bracketed id, e.g. `Go Nuts <golang-nuts.googlegroups.com>`.
func listID(msg *envelope.Msg) string {
	raw := strings.TrimSpace(string(msg.Headers.Get("List-Id")))
	if i := strings.LastIndexByte(raw, '<'); i >= 0 {
		if j := strings.IndexByte(raw[i:], '>'); j >= 0 {
			return raw[i+1 : i+j]
		}
	}
	return raw
}

// resolveMailinglistChat finds or creates the Mailinglist chat for
// msg's List-Id, keyed the same way an ad-hoc group is keyed (GrpID),
// so a restart or a second message from the same list lands in the
// same chat instead of spawning a duplicate.
func resolveMailinglistChat(conn *sqlite.Conn, msg *envelope.Msg, fromID int64, now time.Time) (chatID int64, created bool, err error) {
	grpID := listID(msg)
	if grpID == "" {
		return resolveOneOnOne(conn, fromID, true, now)
	}
	grpID = "ml-" + grpID

	if id, ok, err := lookupChatByGrpID(conn, grpID); err != nil {
		return 0, false, err
	} else if ok {
		return id, false, nil
	}

	name := strings.TrimSpace(string(msg.Headers.Get("Subject")))
	stmt := conn.Prep(`INSERT INTO Chats (Type, Name, GrpID, Blocked, Archived, Muted, EphemeralTimer, Verified, CreatedAt)
		VALUES ($type, $name, $grpID, $blocked, 0, FALSE, 0, FALSE, $now);`)
	stmt.SetInt64("$type", int64(model.ChatTypeMailinglist))
	stmt.SetText("$name", name)
	stmt.SetText("$grpID", grpID)
	stmt.SetInt64("$blocked", int64(model.NotBlocked))
	stmt.SetInt64("$now", now.Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, false, err
	}
	chatID = conn.LastInsertRowID()

	for _, id := range []int64{model.ContactSelf, fromID} {
		m := conn.Prep(`INSERT OR IGNORE INTO ChatMembers (ChatID, ContactID, Role, AddedAt) VALUES ($chatID, $contactID, 0, $now);`)
		m.SetInt64("$chatID", chatID)
		m.SetInt64("$contactID", id)
		m.SetInt64("$now", now.Unix())
		if _, err := m.Step(); err != nil {
			return 0, false, err
		}
	}
	return chatID, true, nil
}

func splitAddrList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
