package envelope

import (
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"strings"

	"crawshaw.io/iox"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"inkmail.dev/chatcore/core/envelope/dkim"
	"inkmail.dev/chatcore/core/envelope/imf"
)

// Cleave splits a raw RFC 5322 message into a Msg: a parsed header
// and a flat list of Parts, one per MIME leaf. It is the MIME Parser:
// every message the receive pipeline classifies starts life here.
func Cleave(filer *iox.Filer, src io.Reader) (*Msg, error) {
	msg, err := cleave(filer, src)
	if err != nil {
		return nil, fmt.Errorf("envelope: %v", err)
	}

	// Re-encode the parts to compute the body structure fields
	// (ContentTransferEncoding/Size/Lines). There is no way to know
	// the wire size of a quoted-printable or base64 part without
	// actually encoding it.
	builder := Builder{
		Filer:         filer,
		FillOutFields: true,
	}
	lw := new(lengthWriter)
	if err := builder.Build(lw, msg); err != nil {
		msg.Close()
		return nil, fmt.Errorf("envelope: %v", err)
	}
	msg.EncodedSize = lw.n
	for i := range msg.Parts {
		msg.Parts[i].Content.Seek(0, 0)
	}

	return msg, nil
}

// Sign cleaves src, signs the rebuilt message with signer, and writes
// the result to dst.
func Sign(filer *iox.Filer, signer *dkim.Signer, dst io.Writer, src io.Reader) error {
	msg, err := cleave(filer, src)
	if err != nil {
		return fmt.Errorf("envelope: %v", err)
	}
	builder := Builder{
		Filer:         filer,
		FillOutFields: true,
		DKIM:          signer,
	}
	err = builder.Build(dst, msg)
	msg.Close()
	if err != nil {
		return fmt.Errorf("envelope: %v", err)
	}
	return nil
}

// kmlContentTypes are the media types recognised as a shared-location
// attachment; cleave also treats any part whose filename ends in
// ".kml" as one.
var kmlContentTypes = map[string]bool{
	"application/vnd.google-earth.kml+xml": true,
}

func cleave(filer *iox.Filer, src io.Reader) (msgPtr *Msg, err error) {
	msg := new(Msg)
	defer func() {
		if err != nil {
			msg.Close()
		}
	}()

	h := sha256.New()
	r := bufio.NewReader(io.TeeReader(src, h))

	imfr := imf.NewReader(r)
	msg.Headers, err = imfr.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}

	groupImageCID := strings.TrimSuffix(strings.TrimPrefix(string(msg.Headers.Get("Chat-Group-Image")), "<"), ">")

	processPartFn := func(hdr Header, parentMediaType string, localPartNum int, r io.Reader) (err error) {
		var buf *iox.BufferFile
		defer func() {
			if err != nil && buf != nil {
				buf.Close()
			}
		}()

		mediaType, params, err := mime.ParseMediaType(string(hdr.Get("Content-Type")))
		if err != nil {
			return err
		}

		switch strings.ToLower(string(hdr.Get("Content-Transfer-Encoding"))) {
		case "base64":
			r = base64.NewDecoder(base64.StdEncoding, r)
		case "quoted-printable":
			r = quotedprintable.NewReader(r)
		}

		isAttachment := false
		fileName := ""
		if d, dparams, err := mime.ParseMediaType(string(hdr.Get("Content-Disposition"))); err == nil {
			fileName = dparams["filename"]
			if strings.EqualFold(d, "attachment") {
				isAttachment = true
			}
		}
		if fileName == "" {
			fileName = params["name"]
		}

		isBody := false
		switch parentMediaType {
		case "":
			if !strings.HasPrefix(mediaType, "multipart/") {
				isBody = true
			}
		case "multipart/alternative":
			isBody = true
		case "multipart/mixed":
			isBody = localPartNum == 0
			if len(hdr.Get("Content-Disposition")) == 0 {
				isAttachment = localPartNum > 0
			}
		case "multipart/related":
			isBody = localPartNum == 0
		}

		contentID := strings.TrimSuffix(strings.TrimPrefix(string(hdr.Get("Content-ID")), "<"), ">")

		// A part is "meta" when it carries information the receive
		// pipeline folds into an existing message rather than
		// surfacing as a user-visible attachment: a shared-location
		// KML document, or the group image referenced by
		// Chat-Group-Image on this same message.
		isMeta := kmlContentTypes[mediaType] || strings.HasSuffix(strings.ToLower(fileName), ".kml")
		if groupImageCID != "" && contentID == groupImageCID {
			isMeta = true
		}
		if isMeta {
			isAttachment = false
			isBody = false
		}

		if isBody && strings.HasPrefix(mediaType, "text/") {
			if cs := params["charset"]; cs != "" && !strings.EqualFold(cs, "utf-8") && !strings.EqualFold(cs, "us-ascii") {
				if enc, err := ianaindex.MIME.Encoding(cs); err == nil && enc != nil {
					r = transform.NewReader(r, enc.NewDecoder())
				}
			}
		}

		buf = filer.BufferFile(0)
		if _, err = io.Copy(buf, r); err != nil {
			return err
		}
		if _, err := buf.Seek(0, 0); err != nil {
			return err
		}

		if mediaType == "image/jpg" { // yes people do this
			mediaType = "image/jpeg"
		}

		var compressedSize int64
		compress := true
		switch mediaType {
		case "image/jpeg", "image/png", "image/gif",
			"application/zip", "application/gzip",
			"application/x-gtar", "application/x-rar-compressed":
			compress = false // do not compress the uncompressable
		default:
			if buf.Size() < 1<<15 {
				compress = false // do not compress small parts
			}
		}
		if compress {
			lw := new(lengthWriter)
			gzw := gzip.NewWriter(lw)
			if _, err := io.Copy(gzw, buf); err != nil {
				return err
			}
			if err := gzw.Close(); err != nil {
				return err
			}
			compressedSize = lw.n
			compress = float64(lw.n)/float64(buf.Size()) < 0.9
			if _, err := buf.Seek(0, 0); err != nil {
				return err
			}
		}

		p := Part{
			PartNum:        len(msg.Parts),
			Name:           fileName,
			IsBody:         isBody,
			IsAttachment:   isAttachment,
			IsMeta:         isMeta,
			IsCompressed:   compress,
			CompressedSize: compressedSize,
			ContentType:    mediaType,
			ContentID:      contentID,
			Content:        buf,
		}
		msg.Parts = append(msg.Parts, p)

		return nil
	}
	if err := walkMime(msg.Headers, processPartFn, r); err != nil {
		return nil, fmt.Errorf("cannot process mime part: %v", err)
	}

	hash := h.Sum(make([]byte, 0, sha256.Size))
	msg.Seed = int64(binary.LittleEndian.Uint64(hash))
	msg.RawHash = base64.StdEncoding.EncodeToString(hash)

	return msg, nil
}

func walkMime(hdr Header, fn func(hdr Header, parentMediaType string, localPartNum int, r io.Reader) error, r io.Reader) error {
	return walkMimeRec(hdr, fn, "", 0, r)
}

func walkMimeRec(hdr Header, fn func(hdr Header, parentMediaType string, localPartNum int, r io.Reader) error, parentMediaType string, localPartNum int, r io.Reader) error {
	mediaType, params, err := mime.ParseMediaType(string(hdr.Get("Content-Type")))
	if err != nil {
		return fn(hdr, parentMediaType, 0, r)
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r, params["boundary"])
		for i := 0; ; i++ {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("walkMime: corrupt mime part: %v", err)
			}
			partHdr := Header{}
			for k, vs := range part.Header {
				key := CanonicalKey([]byte(k))
				for _, v := range vs {
					partHdr.Add(key, []byte(v))
				}
			}
			if err := walkMimeRec(partHdr, fn, mediaType, i, part); err != nil {
				return err
			}
		}
		return nil
	}
	return fn(hdr, parentMediaType, localPartNum, r)
}
