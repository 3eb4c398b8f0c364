package keystore

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"io"
	"io/ioutil"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
)

// PGPEngine is the narrow interface the Autocrypt/Encryption Helper
// needs from an OpenPGP implementation: generate an identity, encrypt
// a MIME payload to a set of recipients (optionally signing it), and
// decrypt+verify one addressed to us. Keeping it as an interface
// means the account context's engine logic is not wedded to
// golang.org/x/crypto/openpgp specifically, even though that is the
// only implementation wired up today.
type PGPEngine interface {
	GenerateKeypair(addr string) (priv, pub []byte, fingerprint string, err error)
	Fingerprint(pubKey []byte) (string, error)
	Encrypt(w io.Writer, plaintext io.Reader, recipients [][]byte, signer []byte) error
	Decrypt(r io.Reader, privateKeys [][]byte) (plaintext io.Reader, signedBy string, err error)

	// EncryptSymmetric/DecryptSymmetric back the Autocrypt Setup
	// Message (§6): the private key export is armored and
	// passphrase-encrypted rather than encrypted to a recipient key,
	// since the whole point is to hand it to a second device that
	// doesn't have a key yet.
	EncryptSymmetric(w io.Writer, plaintext io.Reader, passphrase string) error
	DecryptSymmetric(r io.Reader, passphrase string) (plaintext io.Reader, err error)
}

// openpgpEngine is the PGPEngine grounded on golang.org/x/crypto/openpgp,
// the same package family (golang.org/x/crypto) the teacher already
// depends on for bcrypt.
type openpgpEngine struct{}

// NewOpenPGPEngine returns the default PGPEngine.
func NewOpenPGPEngine() PGPEngine { return openpgpEngine{} }

func (openpgpEngine) GenerateKeypair(addr string) (priv, pub []byte, fingerprint string, err error) {
	cfg := &packet.Config{
		DefaultHash:            crypto.SHA256,
		DefaultCipher:          packet.CipherAES256,
		DefaultCompressionAlgo: packet.CompressionZLIB,
	}
	entity, err := openpgp.NewEntity(addr, "chatcore", addr, cfg)
	if err != nil {
		return nil, nil, "", fmt.Errorf("keystore: generate: %v", err)
	}
	for _, id := range entity.Identities {
		if err := id.SelfSignature.SignUserId(id.UserId.Id, entity.PrimaryKey, entity.PrivateKey, cfg); err != nil {
			return nil, nil, "", fmt.Errorf("keystore: self-sign: %v", err)
		}
	}

	var privBuf, pubBuf bytes.Buffer
	if err := writeArmored(&privBuf, openpgp.PrivateKeyType, func(w io.Writer) error {
		return entity.SerializePrivate(w, nil)
	}); err != nil {
		return nil, nil, "", err
	}
	if err := writeArmored(&pubBuf, openpgp.PublicKeyType, func(w io.Writer) error {
		return entity.Serialize(w)
	}); err != nil {
		return nil, nil, "", err
	}

	fpr := fmt.Sprintf("%X", entity.PrimaryKey.Fingerprint)
	return privBuf.Bytes(), pubBuf.Bytes(), fpr, nil
}

func (openpgpEngine) Fingerprint(pubKey []byte) (string, error) {
	el, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(pubKey))
	if err != nil {
		return "", fmt.Errorf("keystore: bad public key: %v", err)
	}
	if len(el) == 0 {
		return "", errors.New("keystore: empty keyring")
	}
	return fmt.Sprintf("%X", el[0].PrimaryKey.Fingerprint), nil
}

func (openpgpEngine) Encrypt(w io.Writer, plaintext io.Reader, recipients [][]byte, signer []byte) error {
	var recipientEntities openpgp.EntityList
	for _, pub := range recipients {
		el, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(pub))
		if err != nil {
			return fmt.Errorf("keystore: recipient key: %v", err)
		}
		recipientEntities = append(recipientEntities, el...)
	}
	if len(recipientEntities) == 0 {
		return errors.New("keystore: no recipients")
	}

	var signerEntity *openpgp.Entity
	if signer != nil {
		el, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(signer))
		if err != nil {
			return fmt.Errorf("keystore: signer key: %v", err)
		}
		if len(el) > 0 {
			signerEntity = el[0]
		}
	}

	aw, err := armor.Encode(w, "PGP MESSAGE", nil)
	if err != nil {
		return err
	}
	pw, err := openpgp.Encrypt(aw, recipientEntities, signerEntity, nil, nil)
	if err != nil {
		return fmt.Errorf("keystore: encrypt: %v", err)
	}
	if _, err := io.Copy(pw, plaintext); err != nil {
		return err
	}
	if err := pw.Close(); err != nil {
		return err
	}
	return aw.Close()
}

func (openpgpEngine) Decrypt(r io.Reader, privateKeys [][]byte) (io.Reader, string, error) {
	var keyring openpgp.EntityList
	for _, priv := range privateKeys {
		el, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(priv))
		if err != nil {
			return nil, "", fmt.Errorf("keystore: private key: %v", err)
		}
		keyring = append(keyring, el...)
	}

	block, err := armor.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("keystore: armor: %v", err)
	}
	md, err := openpgp.ReadMessage(block.Body, keyring, nil, nil)
	if err != nil {
		return nil, "", fmt.Errorf("keystore: decrypt: %v", err)
	}
	plaintext, err := ioutil.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, "", fmt.Errorf("keystore: read body: %v", err)
	}
	signedBy := ""
	if md.SignedBy != nil {
		signedBy = fmt.Sprintf("%X", md.SignedBy.PublicKey.Fingerprint)
	}
	return bytes.NewReader(plaintext), signedBy, nil
}

func (openpgpEngine) EncryptSymmetric(w io.Writer, plaintext io.Reader, passphrase string) error {
	cfg := &packet.Config{DefaultCipher: packet.CipherAES256}
	aw, err := armor.Encode(w, "PGP MESSAGE", nil)
	if err != nil {
		return err
	}
	pw, err := openpgp.SymmetricallyEncrypt(aw, []byte(passphrase), nil, cfg)
	if err != nil {
		return fmt.Errorf("keystore: symmetric encrypt: %v", err)
	}
	if _, err := io.Copy(pw, plaintext); err != nil {
		return err
	}
	if err := pw.Close(); err != nil {
		return err
	}
	return aw.Close()
}

func (openpgpEngine) DecryptSymmetric(r io.Reader, passphrase string) (io.Reader, error) {
	block, err := armor.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("keystore: armor: %v", err)
	}
	tried := false
	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if tried {
			return nil, errors.New("keystore: wrong setup code")
		}
		tried = true
		return []byte(passphrase), nil
	}
	md, err := openpgp.ReadMessage(block.Body, nil, prompt, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: symmetric decrypt: %v", err)
	}
	plaintext, err := ioutil.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("keystore: read body: %v", err)
	}
	return bytes.NewReader(plaintext), nil
}

func writeArmored(w io.Writer, blockType string, serialize func(io.Writer) error) error {
	aw, err := armor.Encode(w, blockType, nil)
	if err != nil {
		return err
	}
	if err := serialize(aw); err != nil {
		return err
	}
	return aw.Close()
}
