// Package send is the outbound half of the chat engine's MIME
// pipeline: it turns a chat-domain request (text, an optional batch
// of location fixes, reply headers) into wire bytes, decides whether
// those bytes should be wrapped in OpenPGP encryption per the
// Autocrypt/Encryption Helper's rule, stages the result as a blob and
// enqueues it on the Job Queue as a JobSendMsgToSmtp job.
//
// Grounded on spilldb/spillbox/insertmsg.go for the stage-then-insert
// shape (SaveBlob, then a row referencing the blob) and on
// core/envelope.Builder/BuildTree for assembling the plaintext MIME
// tree. The Composer also implements core/securejoin.Mailer, so the
// four SecureJoin handshake messages travel through the exact same
// staging/enqueue path as ordinary chat mail rather than a bespoke
// side channel.
package send

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/google/uuid"

	"inkmail.dev/chatcore/core/autocrypt"
	"inkmail.dev/chatcore/core/envelope"
	"inkmail.dev/chatcore/core/jobqueue"
	"inkmail.dev/chatcore/core/keystore"
	"inkmail.dev/chatcore/core/model"
	"inkmail.dev/chatcore/core/store"
	"inkmail.dev/chatcore/internal/elog"
)

// Recipient is one To-list target of an outgoing message, carrying
// enough of its Peerstate for the encryption decision.
type Recipient struct {
	ContactID     int64
	Addr          string
	Name          string
	PreferEncrypt model.PeerstatePreferEncrypt
	PublicKey     []byte // nil if we have no key for this peer yet
}

// Composer is the account context's outbound message composer.
type Composer struct {
	DB       *sqlitex.Pool
	Filer    *iox.Filer
	KeyStore *keystore.KeyStore
	Jobs     *jobqueue.Queue
	SelfAddr string
	SelfName string
	Logf     elog.Logf
}

// New wires a Composer around an already-open KeyStore and Job Queue.
func New(db *sqlitex.Pool, filer *iox.Filer, ks *keystore.KeyStore, jobs *jobqueue.Queue, selfAddr, selfName string) *Composer {
	return &Composer{
		DB:       db,
		Filer:    filer,
		KeyStore: ks,
		Jobs:     jobs,
		SelfAddr: selfAddr,
		SelfName: selfName,
		Logf:     elog.New("send"),
	}
}

// Request describes one outgoing chat message.
type Request struct {
	MsgID      int64 // the Msgs row this composes wire bytes for; 0 for a protocol message with no chat history entry
	Recipients []Recipient
	Subject    string
	Text       string
	InReplyTo  string
	References []string

	EphemeralTimer int
	Locations      []envelope.KMLPoint

	// E2eeGuaranteed forces encryption regardless of the opportunistic
	// majority rule: set for a reply to an encrypted message, a
	// protected/verified group, or a chatmail-only peer (§4.3).
	E2eeGuaranteed bool

	// ExtraHeaders carries protocol headers a caller needs verbatim
	// on the wire (Secure-Join, Secure-Join-Invitenumber, ...).
	ExtraHeaders map[string]string

	// SkipEncryption forces plaintext regardless of preference state,
	// used for the SecureJoin handshake's early steps where no
	// verified key exists yet to encrypt to.
	SkipEncryption bool
}

// Send builds req's wire bytes, stages them as a blob, and enqueues
// JobSendMsgToSmtp. The I/O Scheduler's JobSendMsgToSmtp handler, run
// by the Job Queue, is the consumer: it loads the staged blob by the job's "blob_id" param and hands it to
// smtp/smtpclient.
func (c *Composer) Send(ctx context.Context, req Request) (jobID int64, err error) {
	plain, err := c.buildPlain(req)
	if err != nil {
		return 0, fmt.Errorf("send: build: %v", err)
	}
	defer plain.Close()

	wire := plain
	encrypted := false
	if !req.SkipEncryption {
		encrypt, err := c.shouldEncrypt(ctx, req)
		if err != nil {
			return 0, err
		}
		if encrypt {
			wire, err = c.encryptEnvelope(ctx, plain, req)
			if err != nil {
				return 0, fmt.Errorf("send: encrypt: %v", err)
			}
			defer wire.Close()
			encrypted = true
		}
	}

	conn := c.DB.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	if _, err := wire.Seek(0, 0); err != nil {
		c.DB.Put(conn)
		return 0, err
	}
	blobID, err := store.SaveBlob(conn, wire, wire.Size())
	c.DB.Put(conn)
	if err != nil {
		return 0, err
	}

	to := make([]string, len(req.Recipients))
	for i, r := range req.Recipients {
		to[i] = r.Addr
	}
	param := map[string]string{
		"blob_id": fmt.Sprintf("%d", blobID),
		"from":    c.SelfAddr,
		"to":      strings.Join(to, ","),
	}
	if encrypted {
		param["encrypted"] = "1"
	}

	return c.Jobs.Enqueue(ctx, model.JobSendMsgToSmtp, req.MsgID, param)
}

// SendSecureJoin implements core/securejoin.Mailer: a handshake
// message is always addressed to exactly one peer, carries no visible
// body text, and is sent as plaintext (the handshake is what
// establishes the verified key in the first place, so there is
// nothing yet to encrypt to on several of its four steps).
func (c *Composer) SendSecureJoin(ctx context.Context, toAddr string, headers map[string]string, body string) error {
	_, err := c.Send(ctx, Request{
		Subject:        "Secure-Join",
		Text:           body,
		Recipients:     []Recipient{{Addr: toAddr}},
		ExtraHeaders:   headers,
		SkipEncryption: true,
	})
	return err
}

// SendSync implements core/sync.Mailer: a sync protocol message is
// addressed to this account's own address and carries payload (an
// already-serialized JSON array of sync items) as its body, tagged
// with Chat-Content: sync so the receive pipeline's SyncHandler picks
// it up instead of filing it as a visible message. Unlike SecureJoin's
// forced plaintext, a sync message goes through the same
// opportunistic encryption decision as ordinary chat mail, but its
// self recipient is passed without a PublicKey, so shouldEncrypt
// returns false and the message is sent as plaintext.
func (c *Composer) SendSync(ctx context.Context, payload []byte) error {
	_, err := c.Send(ctx, Request{
		Subject:    "Chat-Sync",
		Text:       string(payload),
		Recipients: []Recipient{{Addr: c.SelfAddr, Name: c.SelfName}},
		ExtraHeaders: map[string]string{
			"Chat-Content": "sync",
		},
	})
	return err
}

// shouldEncrypt applies the Autocrypt/Encryption Helper's §4.3 rule:
// this account's own prefer-encrypt state plus every recipient's.
func (c *Composer) shouldEncrypt(ctx context.Context, req Request) (bool, error) {
	if len(req.Recipients) == 0 {
		return false, nil
	}
	for _, r := range req.Recipients {
		if len(r.PublicKey) == 0 {
			// Can't encrypt to a peer whose key we don't have yet,
			// regardless of what the opportunistic vote would say.
			if req.E2eeGuaranteed {
				return false, fmt.Errorf("send: e2ee guaranteed but no key for %s", r.Addr)
			}
			return false, nil
		}
	}

	selfPrefer := model.PreferEncryptNoPreference
	if kp, err := c.KeyStore.EnsureKeypair(ctx); err == nil {
		_ = kp
		selfPrefer = model.PreferEncryptMutual
	}
	peers := make([]model.PeerstatePreferEncrypt, len(req.Recipients))
	for i, r := range req.Recipients {
		peers[i] = r.PreferEncrypt
	}
	return autocrypt.ShouldEncrypt(req.E2eeGuaranteed, selfPrefer, peers), nil
}

// buildPlain assembles req into a plaintext envelope.Msg and renders
// it to RFC 5322 wire bytes via the MIME Builder.
func (c *Composer) buildPlain(req Request) (*iox.BufferFile, error) {
	msg := &envelope.Msg{Seed: time.Now().UnixNano()}

	domain := domainOf(c.SelfAddr)
	msgID := fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)

	hdr := &msg.Headers
	hdr.Add("From", []byte(formatAddr(c.SelfName, c.SelfAddr)))
	var to []string
	for _, r := range req.Recipients {
		to = append(to, formatAddr(r.Name, r.Addr))
	}
	hdr.Add("To", []byte(strings.Join(to, ", ")))
	if req.Subject != "" {
		hdr.Add("Subject", []byte(req.Subject))
	}
	hdr.Add("Date", []byte(time.Now().Format(time.RFC1123Z)))
	hdr.Add("Message-ID", []byte(msgID))
	hdr.Add("Chat-Version", []byte("1.0"))
	if req.InReplyTo != "" {
		hdr.Add("In-Reply-To", []byte(req.InReplyTo))
	}
	if len(req.References) > 0 {
		hdr.Add("References", []byte(strings.Join(req.References, " ")))
	}
	if req.EphemeralTimer > 0 {
		hdr.Add("Ephemeral-Timer", []byte(fmt.Sprintf("%d", req.EphemeralTimer)))
	}
	if kp, err := c.KeyStore.EnsureKeypair(context.Background()); err == nil {
		hdr.Add("Autocrypt", []byte(autocrypt.BuildHeader(c.SelfAddr, true, kp.PublicKey)))
	}
	for k, v := range req.ExtraHeaders {
		hdr.Add(envelope.CanonicalKey([]byte(k)), []byte(v))
	}

	body := c.Filer.BufferFile(0)
	if _, err := body.Write([]byte(req.Text)); err != nil {
		body.Close()
		return nil, err
	}
	msg.Parts = append(msg.Parts, envelope.Part{
		PartNum:     0,
		IsBody:      true,
		ContentType: "text/plain",
		Content:     body,
	})

	if len(req.Locations) > 0 {
		kml := c.Filer.BufferFile(0)
		if _, err := kml.Write(envelope.BuildKML(req.Locations)); err != nil {
			kml.Close()
			return nil, err
		}
		msg.Parts = append(msg.Parts, envelope.Part{
			PartNum:     1,
			Name:        "location.kml",
			IsMeta:      true,
			ContentType: "application/vnd.google-earth.kml+xml",
			Content:     kml,
		})
	}

	builder := &envelope.Builder{Filer: c.Filer, FillOutFields: true}
	out := c.Filer.BufferFile(0)
	if err := builder.Build(out, msg); err != nil {
		out.Close()
		return nil, err
	}
	if _, err := out.Seek(0, 0); err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

// encryptEnvelope wraps plain's already-built RFC 5322 bytes in an
// RFC 3156 PGP/MIME envelope: a two-part multipart/encrypted message,
// the first part the fixed "Version: 1" control part and the second
// the OpenPGP ciphertext. This has no equivalent among the ordinary
// chat-message part kinds envelope.BuildTree knows, so it is built by
// hand here rather than by routing another Msg through the Builder.
func (c *Composer) encryptEnvelope(ctx context.Context, plain *iox.BufferFile, req Request) (*iox.BufferFile, error) {
	kp, err := c.KeyStore.EnsureKeypair(ctx)
	if err != nil {
		return nil, err
	}
	recipients := [][]byte{kp.PublicKey} // always encrypt to self too, so our own Sent copy is readable
	for _, r := range req.Recipients {
		recipients = append(recipients, r.PublicKey)
	}

	if _, err := plain.Seek(0, 0); err != nil {
		return nil, err
	}
	ciphertext := c.Filer.BufferFile(0)
	if err := c.KeyStore.PGP.Encrypt(ciphertext, plain, recipients, kp.PrivateKey); err != nil {
		ciphertext.Close()
		return nil, err
	}
	if _, err := ciphertext.Seek(0, 0); err != nil {
		ciphertext.Close()
		return nil, err
	}

	out := c.Filer.BufferFile(0)
	mw := multipart.NewWriter(out)

	outerHdr := envelope.Header{}
	outerHdr.Add("From", []byte(formatAddr(c.SelfName, c.SelfAddr)))
	var to []string
	for _, r := range req.Recipients {
		to = append(to, formatAddr(r.Name, r.Addr))
	}
	outerHdr.Add("To", []byte(strings.Join(to, ", ")))
	if req.Subject != "" {
		outerHdr.Add("Subject", []byte(req.Subject))
	}
	outerHdr.Add("Date", []byte(time.Now().Format(time.RFC1123Z)))
	outerHdr.Add("MIME-Version", []byte("1.0"))
	outerHdr.Add("Content-Type", []byte(fmt.Sprintf(
		`multipart/encrypted; protocol="application/pgp-encrypted"; boundary=%q`, mw.Boundary())))
	if _, err := outerHdr.Encode(out); err != nil {
		out.Close()
		ciphertext.Close()
		return nil, err
	}

	ctrlHdr := make(map[string][]string)
	ctrlHdr["Content-Type"] = []string{"application/pgp-encrypted"}
	ctrlW, err := mw.CreatePart(ctrlHdr)
	if err != nil {
		out.Close()
		ciphertext.Close()
		return nil, err
	}
	if _, err := ctrlW.Write([]byte("Version: 1\r\n")); err != nil {
		out.Close()
		ciphertext.Close()
		return nil, err
	}

	cipherHdr := make(map[string][]string)
	cipherHdr["Content-Type"] = []string{`application/octet-stream; name="encrypted.asc"`}
	cipherHdr["Content-Description"] = []string{"OpenPGP encrypted message"}
	cipherW, err := mw.CreatePart(cipherHdr)
	if err != nil {
		out.Close()
		ciphertext.Close()
		return nil, err
	}
	if _, err := io.Copy(cipherW, ciphertext); err != nil {
		out.Close()
		ciphertext.Close()
		return nil, err
	}
	ciphertext.Close()

	if err := mw.Close(); err != nil {
		out.Close()
		return nil, err
	}
	if _, err := out.Seek(0, 0); err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

// BuildSetupMessage assembles the Autocrypt Setup Message (§6): a
// multipart/mixed envelope whose single attachment is the account's
// default private key, armored and symmetrically PGP-encrypted under
// setupCode, with the code's first two digits disclosed in clear via
// the attachment's Passphrase-Begin header so the receiving device
// knows which code to prompt for.
func (c *Composer) BuildSetupMessage(ctx context.Context, setupCode string) (*iox.BufferFile, error) {
	kp, err := c.KeyStore.EnsureKeypair(ctx)
	if err != nil {
		return nil, err
	}

	encrypted := c.Filer.BufferFile(0)
	defer encrypted.Close()
	if err := c.KeyStore.PGP.EncryptSymmetric(encrypted, bytes.NewReader(kp.PrivateKey), autocrypt.NormalizeSetupCode(setupCode)); err != nil {
		return nil, fmt.Errorf("send: setup message: %v", err)
	}
	if _, err := encrypted.Seek(0, 0); err != nil {
		return nil, err
	}

	out := c.Filer.BufferFile(0)
	mw := multipart.NewWriter(out)

	hdr := envelope.Header{}
	hdr.Add("From", []byte(formatAddr(c.SelfName, c.SelfAddr)))
	hdr.Add("To", []byte(formatAddr(c.SelfName, c.SelfAddr)))
	hdr.Add("Subject", []byte("Autocrypt Setup Message"))
	hdr.Add("Date", []byte(time.Now().Format(time.RFC1123Z)))
	hdr.Add("MIME-Version", []byte("1.0"))
	hdr.Add("Autocrypt-Setup-Message", []byte("v1"))
	hdr.Add("Content-Type", []byte(fmt.Sprintf(`multipart/mixed; boundary=%q`, mw.Boundary())))
	if _, err := hdr.Encode(out); err != nil {
		out.Close()
		return nil, err
	}

	introHdr := make(map[string][]string)
	introHdr["Content-Type"] = []string{"text/plain; charset=utf-8"}
	introW, err := mw.CreatePart(introHdr)
	if err != nil {
		out.Close()
		return nil, err
	}
	if _, err := introW.Write([]byte(
		"This is the Autocrypt Setup Message used to transfer your key between devices.\r\n" +
			"To decrypt it, please enter the setup code presented on the device that created it.\r\n")); err != nil {
		out.Close()
		return nil, err
	}

	attHdr := make(map[string][]string)
	attHdr["Content-Type"] = []string{`application/autocrypt-setup`}
	attHdr["Content-Disposition"] = []string{`attachment; filename="autocrypt-setup-message.html"`}
	attHdr["Autocrypt-Setup-Message"] = []string{"v1"}
	attHdr["Passphrase-Format"] = []string{"numeric9x4"}
	attHdr["Passphrase-Begin"] = []string{autocrypt.SetupCodeBeginHint(setupCode)}
	attW, err := mw.CreatePart(attHdr)
	if err != nil {
		out.Close()
		return nil, err
	}
	if _, err := io.Copy(attW, encrypted); err != nil {
		out.Close()
		return nil, err
	}

	if err := mw.Close(); err != nil {
		out.Close()
		return nil, err
	}
	if _, err := out.Seek(0, 0); err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

// SendSetupMessage builds and enqueues an Autocrypt Setup Message
// addressed to this account's own address, so a second device signed
// into the same mailbox can pick it up and import the key. The
// message is deliberately not routed through the ordinary encryption
// decision: its payload is already passphrase-encrypted, and a second
// copy of OpenPGP envelope encryption around it would only make the
// setup code useless without also having a device key.
func (c *Composer) SendSetupMessage(ctx context.Context, setupCode string) (jobID int64, err error) {
	wire, err := c.BuildSetupMessage(ctx, setupCode)
	if err != nil {
		return 0, err
	}
	defer wire.Close()

	conn := c.DB.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	blobID, err := store.SaveBlob(conn, wire, wire.Size())
	c.DB.Put(conn)
	if err != nil {
		return 0, err
	}

	param := map[string]string{
		"blob_id": fmt.Sprintf("%d", blobID),
		"from":    c.SelfAddr,
		"to":      c.SelfAddr,
	}
	return c.Jobs.Enqueue(ctx, model.JobSendMsgToSmtp, 0, param)
}

func formatAddr(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%q <%s>", name, addr)
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return addr
}
