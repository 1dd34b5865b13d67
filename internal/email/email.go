// Package email gives the agent a mailbox. An IMAP listener polls the
// configured folder for unseen messages from trusted senders and feeds
// them into the chat queue; replies and agent-initiated mail go out
// over SMTP as multipart MIME built from markdown.
package email

import (
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Envelope is one mailbox entry as listing and polling see it: headers
// and flags, no body.
type Envelope struct {
	UID     uint32 // IMAP UID within its folder
	Date    time.Time
	From    string // "Name <addr>" or bare address
	To      []string
	Subject string
	Flags   []string
	Size    uint32
}

// Message is an Envelope plus what a body fetch adds: threading
// headers from the raw message and the first text/plain and text/html
// parts of the MIME tree.
type Message struct {
	Envelope
	MessageID  string
	InReplyTo  []string
	References []string // thread chain, needed to reply in-thread
	Cc         []string
	ReplyTo    string
	TextBody   string // preferred body; HTMLBody is the fallback
	HTMLBody   string
}

// ListOptions filters a mailbox listing. Setting SinceUID turns the
// listing into a poll: only UIDs above the watermark come back, and
// Limit is ignored so no new message is lost to trimming.
type ListOptions struct {
	Folder   string // default INBOX
	Limit    int    // default 20; ignored when SinceUID is set
	Unseen   bool
	SinceUID uint32
}

// SendOptions describes outbound mail. Body is markdown.
type SendOptions struct {
	To         []string
	Subject    string
	Body       string
	InReplyTo  string
	References []string
}

// drainLiteral discards an unread IMAP literal so the stream stays in
// sync. Safe on nil.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}
