package envelope

import (
	"io"
	"time"
)

// Msg is a parsed (or about-to-be-built) MIME message.
//
// It is the in-memory tree the MIME Parser produces from raw IMF bytes,
// and the tree the MIME Builder consumes to produce an outbound message.
// It carries none of the chat-domain semantics (chat id, message state,
// ...) — those live on core/model.Message, which is the persisted row a
// Msg is cleaved into by the receive pipeline.
type Msg struct {
	Seed        int64 // random seed for multipart boundaries, so Build is deterministic given Seed
	RawHash     string
	Date        time.Time
	Headers     Header
	Parts       []Part // Parts[i].PartNum == i
	EncodedSize int64  // size of the encoded message, RFC822.SIZE equivalent
}

func (m *Msg) Close() {
	for i := range m.Parts {
		if m.Parts[i].Content != nil {
			m.Parts[i].Content.Close()
			m.Parts[i].Content = nil
		}
	}
}

// Part is a single part of a MIME multipart message. A Msg with a single
// text/plain part is not multipart encoded.
type Part struct {
	PartNum        int
	Name           string
	IsBody         bool // this part is the primary human-readable body
	IsAttachment   bool
	IsMeta         bool // group-image / KML attachment: merged into the first text part, not its own row
	IsCompressed   bool
	CompressedSize int64
	ContentType    string
	ContentID      string
	Content        Buffer
	BlobID         int64

	ContentTransferEncoding string // "", "quoted-printable", "base64"
	ContentTransferSize     int64
	ContentTransferLines    int64
}

// Buffer is content storage for a Part: usually an *iox.BufferFile while
// being assembled, or a *sqlite.Blob once stored.
type Buffer interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Size() int64
}
