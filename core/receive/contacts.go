package receive

import (
	"strings"

	"crawshaw.io/sqlite"

	"inkmail.dev/chatcore/core/model"
)

// normAddr case-folds an address for matching, per the spec's
// "addr unique modulo case" invariant. Unlike spillbox/normalize.go's
// normalizeAddr, this does not apply per-provider dot/plus-address
// aliasing: the spec's uniqueness invariant is case only, and chat
// identity via provider-specific aliasing isn't part of its contract.
func normAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ResolveContact finds or creates the Contact row for addr, applying
// the monotonic-origin rule (§3: "origin monotonically non-decreasing"):
// an existing contact's origin is only ever raised, never lowered, and
// its display name is filled in the first time one is offered.
//
// Grounded on spillbox/contact.go's ResolveAddressID: look up by
// normalized address first, insert a fresh row on miss.
func ResolveContact(conn *sqlite.Conn, addr, name string, origin model.ContactOrigin) (contactID int64, err error) {
	key := normAddr(addr)

	stmt := conn.Prep(`SELECT ContactID, Name, Origin FROM Contacts WHERE Addr = $addr;`)
	stmt.SetText("$addr", key)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if hasRow {
		contactID = stmt.GetInt64("ContactID")
		existingName := stmt.GetText("Name")
		existingOrigin := model.ContactOrigin(stmt.GetInt64("Origin"))
		stmt.Reset()

		newOrigin := existingOrigin
		if origin > existingOrigin {
			newOrigin = origin
		}
		newName := existingName
		if newName == "" && name != "" {
			newName = name
		}
		if newOrigin != existingOrigin || newName != existingName {
			upd := conn.Prep(`UPDATE Contacts SET Origin = $origin, Name = $name WHERE ContactID = $id;`)
			upd.SetInt64("$origin", int64(newOrigin))
			upd.SetText("$name", newName)
			upd.SetInt64("$id", contactID)
			if _, err := upd.Step(); err != nil {
				return 0, err
			}
		}
		return contactID, nil
	}
	stmt.Reset()

	ins := conn.Prep(`INSERT INTO Contacts (Name, Addr, Origin, Blocked) VALUES ($name, $addr, $origin, FALSE);`)
	ins.SetText("$name", name)
	ins.SetText("$addr", key)
	ins.SetInt64("$origin", int64(origin))
	if _, err := ins.Step(); err != nil {
		return 0, err
	}
	return conn.LastInsertRowID(), nil
}

// LookupContactByAddr returns a Contact's id without creating one;
// used where the spec requires knowing whether a sender is already
// known (e.g. deciding IncomingTo vs IncomingUnknownTo-equivalent
// origins) before deciding to create a row for them.
func LookupContactByAddr(conn *sqlite.Conn, addr string) (contactID int64, ok bool, err error) {
	stmt := conn.Prep(`SELECT ContactID FROM Contacts WHERE Addr = $addr;`)
	stmt.SetText("$addr", normAddr(addr))
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, err
	}
	if !hasRow {
		stmt.Reset()
		return 0, false, nil
	}
	contactID = stmt.GetInt64("ContactID")
	stmt.Reset()
	return contactID, true, nil
}
