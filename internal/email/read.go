package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

const (
	// maxBodySize caps each extracted text part. The planner only ever
	// sees a slice of the body anyway; 32KB is already generous.
	maxBodySize = 32 * 1024

	// maxRawMessageSize caps how much of the RFC 822 literal is
	// buffered. Attachment-heavy mail can run to tens of megabytes;
	// the remainder is drained so the IMAP stream stays in sync.
	maxRawMessageSize = 5 * 1024 * 1024
)

// ReadMessage fetches one message by UID and extracts its text
// content. Fetching the body is what marks the message \Seen, and a
// read message should show as read.
func (c *Client) ReadMessage(ctx context.Context, folder string, uid uint32) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	var set imap.UIDSet
	set.AddNum(imap.UID(uid))

	cmd := c.client.Fetch(set, &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		Flags:       true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{{Peek: false}},
	})

	row := cmd.Next()
	if row == nil {
		_ = cmd.Close()
		return nil, fmt.Errorf("no message with UID %d in %s", uid, folder)
	}
	rec := c.decodeFetch(row, true)

	msg := &Message{
		Envelope:  rec.env,
		MessageID: rec.msgID,
		InReplyTo: rec.inReply,
		Cc:        rec.cc,
		ReplyTo:   rec.replyTo,
	}
	if len(rec.raw) > 0 {
		if err := c.parseBody(msg, bytes.NewReader(rec.raw)); err != nil {
			c.logger.Debug("body parse failed", "uid", uid, "error", err)
		}
	}

	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch UID %d: %w", uid, err)
	}
	return msg, nil
}

// fetchRecord collects the data items of one FETCH response row. raw
// holds the full RFC 822 message when the fetch asked for a body
// section.
type fetchRecord struct {
	env     Envelope
	msgID   string
	inReply []string
	cc      []string
	replyTo string
	raw     []byte
}

// decodeFetch walks a FETCH response row. Body literals are consumed
// on the spot, buffered when wantBody is set and discarded otherwise:
// go-imap streams them from the connection, and advancing past an
// unread literal loses it.
func (c *Client) decodeFetch(row *imapclient.FetchMessageData, wantBody bool) fetchRecord {
	var rec fetchRecord
	for item := row.Next(); item != nil; item = row.Next() {
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			rec.env.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				rec.env.Flags = append(rec.env.Flags, string(f))
			}
		case imapclient.FetchItemDataRFC822Size:
			rec.env.Size = uint32(data.Size)
		case imapclient.FetchItemDataEnvelope:
			rec.fill(data.Envelope)
		case imapclient.FetchItemDataBodySection:
			if wantBody {
				rec.raw = c.readLiteral(data.Literal)
			} else {
				drainLiteral(data.Literal)
			}
		}
	}
	return rec
}

// fill maps the IMAP envelope onto the record.
func (r *fetchRecord) fill(env *imap.Envelope) {
	if env == nil {
		return
	}
	r.env.Date = env.Date
	r.env.Subject = env.Subject
	if len(env.From) > 0 {
		r.env.From = formatAddress(env.From[0])
	}
	for _, a := range env.To {
		r.env.To = append(r.env.To, formatAddress(a))
	}
	r.msgID = env.MessageID
	r.inReply = env.InReplyTo
	for _, a := range env.Cc {
		r.cc = append(r.cc, formatAddress(a))
	}
	if len(env.ReplyTo) > 0 {
		r.replyTo = formatAddress(env.ReplyTo[0])
	}
}

// readLiteral buffers a body literal up to maxRawMessageSize and
// drains whatever is left.
func (c *Client) readLiteral(lit imap.LiteralReader) []byte {
	if lit == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(lit, maxRawMessageSize))
	drainLiteral(lit)
	if err != nil {
		c.logger.Debug("body literal read failed", "error", err)
		return nil
	}
	return raw
}

// parseBody walks the MIME tree for the first text/plain and
// text/html parts and pulls the References header, which the IMAP
// ENVELOPE does not carry.
//
// go-message reports unknown charsets as errors while still returning
// a usable reader. Those are warnings here: a garbled body beats no
// body.
func (c *Client) parseBody(msg *Message, r io.Reader) error {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("open message: %w", err)
	}
	if mr == nil {
		return fmt.Errorf("open message: no reader (%v)", err)
	}
	if err != nil {
		c.logger.Debug("unknown charset in message header", "error", err)
	}

	if refs, err := mr.Header.MsgIDList("References"); err == nil && len(refs) > 0 {
		msg.References = refs
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("read part: %w", err)
		}
		if part == nil {
			continue
		}
		if err != nil {
			c.logger.Debug("unknown charset in part", "error", err)
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue // attachments are not body text
		}
		ctype, _, _ := inline.ContentType()

		var dst *string
		switch ctype {
		case "text/plain":
			dst = &msg.TextBody
		case "text/html":
			dst = &msg.HTMLBody
		default:
			continue
		}
		if *dst != "" {
			continue // first part of each type wins
		}
		text, err := readCapped(part.Body)
		if err != nil {
			c.logger.Debug("part read failed", "type", ctype, "error", err)
			continue
		}
		*dst = text
	}
	return nil
}

// readCapped reads a text part up to maxBodySize, marking the cut
// when the part was larger.
func readCapped(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		return "", err
	}
	s := string(b)
	if len(b) > maxBodySize {
		s = s[:maxBodySize] + "\n\n[truncated: body exceeds 32KB]"
	}
	return strings.TrimSpace(s), nil
}
