package config_test

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"inkmail.dev/chatcore/core/config"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.yaml")
	if err := ioutil.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, `
accounts:
  - addr: alice@example.com
    imap_host: imap.example.com
    smtp_host: smtp.example.com
`)
	accounts, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 {
		t.Fatalf("len(accounts) = %d, want 1", len(accounts))
	}
	a := accounts[0]
	if !a.InboxWatch || !a.MvboxWatch || !a.E2eeEnabled || !a.BccSelf {
		t.Errorf("defaults not applied: %+v", a)
	}
	if a.IMAPPort != 993 || a.SMTPPort != 465 {
		t.Errorf("default ports not applied: imap=%d smtp=%d", a.IMAPPort, a.SMTPPort)
	}
}

func TestLoadHonorsExplicitFalse(t *testing.T) {
	path := writeFile(t, `
accounts:
  - addr: alice@example.com
    mvbox_watch: false
    e2ee_enabled: false
`)
	accounts, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	a := accounts[0]
	if a.MvboxWatch {
		t.Error("mvbox_watch: false was not honored")
	}
	if a.E2eeEnabled {
		t.Error("e2ee_enabled: false was not honored")
	}
	if !a.InboxWatch {
		t.Error("inbox_watch default should still be true")
	}
}

func TestLoadRejectsMissingAddr(t *testing.T) {
	path := writeFile(t, `
accounts:
  - imap_host: imap.example.com
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for missing addr")
	}
}

func TestLoadRejectsEmptyFile(t *testing.T) {
	path := writeFile(t, `accounts: []`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for no accounts")
	}
}
