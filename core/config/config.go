// Package config loads the account bootstrap configuration: server
// addresses, credentials, and the recognized feature toggles of §6
// (inbox_watch, mvbox_move, e2ee_enabled, and the rest). Grounded on
// yingcaihuang-monitor-imap-webhook/internal/config's YAML-plus-
// environment-override loader and bdobrica-Ruriko's use of the same
// gopkg.in/yaml.v3 library for structured config; this package keeps
// the loader's pointer-field trick for telling "absent" from
// "explicitly false" apart (the teacher's fileConfig type does the
// same for its own boolean flags) but drops the flag-parsing layer,
// since a chat engine's account config is provisioned once by the
// embedding app rather than re-specified on every process launch.
//
// This is distinct from the runtime Config SQL table core/store
// opens per account: that table holds overrides the engine itself
// writes at runtime (last_housekeeping, authserv-id-candidates); this
// package loads the static values an operator or the embedding app
// sets up front.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Account is one configured IMAP/SMTP account's bootstrap config,
// named directly after the §6 recognized config keys so a reader can
// cross-reference the two without renaming.
type Account struct {
	Addr         string
	DisplayName  string
	IMAPHost     string
	IMAPPort     int
	IMAPUser     string
	IMAPPassword string
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string

	InboxWatch        bool
	MvboxWatch        bool
	SentboxWatch      bool
	MvboxMove         bool
	ShowEmails        int
	DeleteDeviceAfter time.Duration
	DeleteServerAfter time.Duration
	MdnsEnabled       bool
	BccSelf           bool
	E2eeEnabled       bool
	SyncMsgs          bool
	IsChatmail        bool
}

// fileAccount is the on-disk shape for one account: every field is a
// pointer so an absent YAML key merges as "use the default" rather
// than as Go's zero value, which for a bool would otherwise always
// read as false regardless of whether the file mentioned it.
type fileAccount struct {
	Addr         *string `yaml:"addr"`
	DisplayName  *string `yaml:"displayname"`
	IMAPHost     *string `yaml:"imap_host"`
	IMAPPort     *int    `yaml:"imap_port"`
	IMAPUser     *string `yaml:"imap_user"`
	IMAPPassword *string `yaml:"imap_password"`
	SMTPHost     *string `yaml:"smtp_host"`
	SMTPPort     *int    `yaml:"smtp_port"`
	SMTPUser     *string `yaml:"smtp_user"`
	SMTPPassword *string `yaml:"smtp_password"`

	InboxWatch        *bool          `yaml:"inbox_watch"`
	MvboxWatch        *bool          `yaml:"mvbox_watch"`
	SentboxWatch      *bool          `yaml:"sentbox_watch"`
	MvboxMove         *bool          `yaml:"mvbox_move"`
	ShowEmails        *int           `yaml:"show_emails"`
	DeleteDeviceAfter *time.Duration `yaml:"delete_device_after"`
	DeleteServerAfter *time.Duration `yaml:"delete_server_after"`
	MdnsEnabled       *bool          `yaml:"mdns_enabled"`
	BccSelf           *bool          `yaml:"bcc_self"`
	E2eeEnabled       *bool          `yaml:"e2ee_enabled"`
	SyncMsgs          *bool          `yaml:"sync_msgs"`
	IsChatmail        *bool          `yaml:"is_chatmail"`
}

type file struct {
	Accounts []fileAccount `yaml:"accounts"`
}

// defaults mirror Delta Chat / Autocrypt-style sane-by-default
// behavior: watch the inbox and mvbox, move to mvbox, keep e2ee on.
func defaults() Account {
	return Account{
		IMAPPort:     993,
		SMTPPort:     465,
		InboxWatch:   true,
		MvboxWatch:   true,
		SentboxWatch: true,
		MvboxMove:    true,
		BccSelf:      true,
		E2eeEnabled:  true,
	}
}

// Load reads path (a YAML file) and returns its configured accounts,
// each seeded with defaults() before the file's values are applied.
// A single-account file also picks up CHATCORE_IMAP_PASSWORD /
// CHATCORE_SMTP_PASSWORD environment overrides, the same
// env-beats-file precedence yingcaihuang-monitor-imap-webhook uses for
// its own credentials.
func Load(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if len(f.Accounts) == 0 {
		return nil, fmt.Errorf("config.Load: %s defines no accounts", path)
	}

	accounts := make([]Account, len(f.Accounts))
	for i, fa := range f.Accounts {
		merged := defaults()
		mergeAccount(&merged, fa)
		if merged.Addr == "" {
			return nil, fmt.Errorf("config.Load: account %d missing addr", i)
		}
		accounts[i] = merged
	}
	if len(accounts) == 1 {
		applyEnvOverrides(&accounts[0])
	}
	return accounts, nil
}

func mergeAccount(base *Account, fa fileAccount) {
	if fa.Addr != nil {
		base.Addr = *fa.Addr
	}
	if fa.DisplayName != nil {
		base.DisplayName = *fa.DisplayName
	}
	if fa.IMAPHost != nil {
		base.IMAPHost = *fa.IMAPHost
	}
	if fa.IMAPPort != nil {
		base.IMAPPort = *fa.IMAPPort
	}
	if fa.IMAPUser != nil {
		base.IMAPUser = *fa.IMAPUser
	}
	if fa.IMAPPassword != nil {
		base.IMAPPassword = *fa.IMAPPassword
	}
	if fa.SMTPHost != nil {
		base.SMTPHost = *fa.SMTPHost
	}
	if fa.SMTPPort != nil {
		base.SMTPPort = *fa.SMTPPort
	}
	if fa.SMTPUser != nil {
		base.SMTPUser = *fa.SMTPUser
	}
	if fa.SMTPPassword != nil {
		base.SMTPPassword = *fa.SMTPPassword
	}
	if fa.InboxWatch != nil {
		base.InboxWatch = *fa.InboxWatch
	}
	if fa.MvboxWatch != nil {
		base.MvboxWatch = *fa.MvboxWatch
	}
	if fa.SentboxWatch != nil {
		base.SentboxWatch = *fa.SentboxWatch
	}
	if fa.MvboxMove != nil {
		base.MvboxMove = *fa.MvboxMove
	}
	if fa.ShowEmails != nil {
		base.ShowEmails = *fa.ShowEmails
	}
	if fa.DeleteDeviceAfter != nil {
		base.DeleteDeviceAfter = *fa.DeleteDeviceAfter
	}
	if fa.DeleteServerAfter != nil {
		base.DeleteServerAfter = *fa.DeleteServerAfter
	}
	if fa.MdnsEnabled != nil {
		base.MdnsEnabled = *fa.MdnsEnabled
	}
	if fa.BccSelf != nil {
		base.BccSelf = *fa.BccSelf
	}
	if fa.E2eeEnabled != nil {
		base.E2eeEnabled = *fa.E2eeEnabled
	}
	if fa.SyncMsgs != nil {
		base.SyncMsgs = *fa.SyncMsgs
	}
	if fa.IsChatmail != nil {
		base.IsChatmail = *fa.IsChatmail
	}
}

func applyEnvOverrides(a *Account) {
	if v := os.Getenv("CHATCORE_IMAP_PASSWORD"); v != "" {
		a.IMAPPassword = v
	}
	if v := os.Getenv("CHATCORE_SMTP_PASSWORD"); v != "" {
		a.SMTPPassword = v
	}
}
