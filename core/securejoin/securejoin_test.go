package securejoin_test

import (
	"testing"

	"inkmail.dev/chatcore/core/securejoin"
)

func TestParseQRSetupContact(t *testing.T) {
	qr := "OPENPGP4FPR:ABCDEF0123456789#a=bob%40example.com&i=inv123&s=auth456"
	p, err := securejoin.ParseQR(qr)
	if err != nil {
		t.Fatal(err)
	}
	if p.Fingerprint != "ABCDEF0123456789" {
		t.Errorf("fingerprint = %q", p.Fingerprint)
	}
	if p.Addr != "bob@example.com" {
		t.Errorf("addr = %q", p.Addr)
	}
	if p.Invite != "inv123" || p.Auth != "auth456" {
		t.Errorf("invite/auth = %q/%q", p.Invite, p.Auth)
	}
	if p.GrpID != "" {
		t.Errorf("grpid = %q, want empty for a bare SetupContact QR", p.GrpID)
	}
}

func TestParseQRJoinGroup(t *testing.T) {
	qr := "OPENPGP4FPR:FEDCBA9876543210#a=bob%40example.com&i=inv&s=auth&x=deadbeef01234567"
	p, err := securejoin.ParseQR(qr)
	if err != nil {
		t.Fatal(err)
	}
	if p.GrpID != "deadbeef01234567" {
		t.Errorf("grpid = %q, want deadbeef01234567", p.GrpID)
	}
}

func TestParseQRRejectsWrongScheme(t *testing.T) {
	if _, err := securejoin.ParseQR("https://example.com"); err == nil {
		t.Fatal("expected an error for a non-OPENPGP4FPR payload")
	}
}

func TestParseQRRejectsMissingQuery(t *testing.T) {
	if _, err := securejoin.ParseQR("OPENPGP4FPR:ABCDEF"); err == nil {
		t.Fatal("expected an error for a payload missing its query part")
	}
}
