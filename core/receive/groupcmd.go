package receive

import (
	"strconv"
	"strings"

	"crawshaw.io/sqlite"

	"inkmail.dev/chatcore/core/envelope"
)

// parseGroupCommand reads the Chat-Group-* headers off msg into a
// groupCommand, applying none of them yet — applyGroupCommand (in
// chatresolve.go) does that once the target chat is known.
func parseGroupCommand(msg *envelope.Msg) groupCommand {
	var cmd groupCommand
	if removed := strings.TrimSpace(string(msg.Headers.Get("Chat-Group-Member-Removed"))); removed != "" {
		cmd.memberRemovedAddr = removed
	}
	if added := strings.TrimSpace(string(msg.Headers.Get("Chat-Group-Member-Added"))); added != "" {
		cmd.memberAddedAddr = added
	}
	if name := strings.TrimSpace(string(msg.Headers.Get("Chat-Group-Name-Changed"))); name != "" {
		cmd.nameChangedTo = strings.TrimSpace(string(msg.Headers.Get("Chat-Group-Name")))
		if cmd.nameChangedTo == "" {
			cmd.nameChangedTo = name
		}
	}
	if cid := strings.TrimSpace(string(msg.Headers.Get("Chat-Group-Image"))); cid != "" {
		cmd.imageChanged = true
		cmd.imageCID = strings.Trim(cid, "<>")
	}
	return cmd
}

// resolveEphemeralTimer applies §4.7's incoming timer-update rule: an
// Ephemeral-Timer header updates the chat's timer unless references
// (References: only, never In-Reply-To:) names a message the chat
// already knows whose own EphemeralTimer differs from the header —
// that mismatch means this message is a replay of an older state and
// must not roll the timer back.
func (p *Pipeline) resolveEphemeralTimer(conn *sqlite.Conn, chatID int64, references []string, msg *envelope.Msg) (int, error) {
	raw := strings.TrimSpace(string(msg.Headers.Get("Ephemeral-Timer")))
	if raw == "" {
		return currentChatTimer(conn, chatID)
	}
	timer, err := strconv.Atoi(raw)
	if err != nil || timer < 0 {
		return currentChatTimer(conn, chatID)
	}

	for _, ref := range references {
		knownTimer, ok, err := timerOfKnownMsg(conn, chatID, ref)
		if err != nil {
			return 0, err
		}
		if ok && knownTimer != timer {
			// Rollback guard: a message referencing a chat-known
			// message with a *different* ephemeral timer is a replay
			// attempting to toggle the timer off (or to a stale
			// value); keep the chat's current timer instead.
			return currentChatTimer(conn, chatID)
		}
	}

	if err := setChatTimer(conn, chatID, timer); err != nil {
		return 0, err
	}
	return timer, nil
}

func currentChatTimer(conn *sqlite.Conn, chatID int64) (int, error) {
	stmt := conn.Prep(`SELECT EphemeralTimer FROM Chats WHERE ChatID = $chatID;`)
	stmt.SetInt64("$chatID", chatID)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if !hasRow {
		stmt.Reset()
		return 0, nil
	}
	timer := int(stmt.GetInt64("EphemeralTimer"))
	stmt.Reset()
	return timer, nil
}

func setChatTimer(conn *sqlite.Conn, chatID int64, timer int) error {
	stmt := conn.Prep(`UPDATE Chats SET EphemeralTimer = $timer WHERE ChatID = $chatID;`)
	stmt.SetInt64("$timer", int64(timer))
	stmt.SetInt64("$chatID", chatID)
	_, err := stmt.Step()
	return err
}

func timerOfKnownMsg(conn *sqlite.Conn, chatID int64, rfcMsgID string) (int, bool, error) {
	stmt := conn.Prep(`SELECT EphemeralTimer FROM Msgs WHERE RfcMsgID = $id AND ChatID = $chatID;`)
	stmt.SetText("$id", rfcMsgID)
	stmt.SetInt64("$chatID", chatID)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, err
	}
	if !hasRow {
		stmt.Reset()
		return 0, false, nil
	}
	timer := int(stmt.GetInt64("EphemeralTimer"))
	stmt.Reset()
	return timer, true, nil
}
