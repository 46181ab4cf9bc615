// Package inbound normalizes messaging-gateway webhooks into queued work.
package inbound

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/insightline/internal/fault"
)

const (
	eventMessagesUpsert = "messages.upsert"
	groupSuffix         = "@g.us"
	maxDocumentRunes    = 8000
)

// Ignore reasons reported for webhooks that produce no work.
const (
	IgnoredEvent       = "event"
	IgnoredFromMe      = "from_me"
	IgnoredGroup       = "group"
	IgnoredEmpty       = "empty"
	IgnoredUnknown     = "unknown_contact"
	IgnoredWrongTenant = "instance_mismatch"
)

// Event is the gateway's messages.upsert webhook body.
type Event struct {
	Event    string    `json:"event"`
	Instance string    `json:"instance"`
	Data     EventData `json:"data"`
}

type EventData struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName    string  `json:"pushName"`
	MessageType string  `json:"messageType"`
	Message     Content `json:"message"`
}

// Content holds the message variants the receiver understands. Base64 is
// filled by the gateway for media when base64 webhooks are enabled.
type Content struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage,omitempty"`
	AudioMessage *struct {
		Mimetype string `json:"mimetype"`
	} `json:"audioMessage,omitempty"`
	DocumentMessage *struct {
		Mimetype string `json:"mimetype"`
		FileName string `json:"fileName"`
		Caption  string `json:"caption"`
	} `json:"documentMessage,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

// Message is a normalized inbound message.
type Message struct {
	Phone string
	Text  string
	Audio bool
}

// Transcriber turns audio into text; it reports false on failure.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, bool)
}

// Normalize extracts the sender and text from evt. A non-empty reason means
// the event carries no work.
func Normalize(ctx context.Context, evt Event, stt Transcriber) (Message, string) {
	if name := strings.ToLower(strings.ReplaceAll(evt.Event, "_", ".")); name != "" && name != eventMessagesUpsert {
		return Message{}, IgnoredEvent
	}
	key := evt.Data.Key
	if key.FromMe {
		return Message{}, IgnoredFromMe
	}
	if strings.HasSuffix(key.RemoteJID, groupSuffix) {
		return Message{}, IgnoredGroup
	}
	msg := Message{Phone: PhoneFromJID(key.RemoteJID)}
	if msg.Phone == "" {
		return Message{}, IgnoredEmpty
	}

	c := evt.Data.Message
	switch {
	case c.AudioMessage != nil:
		msg.Audio = true
		if stt != nil && c.Base64 != "" {
			if audio, err := base64.StdEncoding.DecodeString(c.Base64); err == nil {
				msg.Text, _ = stt.Transcribe(ctx, audio, audioFilename(c.AudioMessage.Mimetype))
			}
		}
	case c.DocumentMessage != nil:
		msg.Text = documentText(c)
	case c.ExtendedTextMessage != nil:
		msg.Text = c.ExtendedTextMessage.Text
	default:
		msg.Text = c.Conversation
	}

	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return Message{}, IgnoredEmpty
	}
	return msg, ""
}

// PhoneFromJID returns the digits of a "5511...@s.whatsapp.net" address.
func PhoneFromJID(jid string) string {
	if at := strings.IndexByte(jid, '@'); at >= 0 {
		jid = jid[:at]
	}
	if colon := strings.IndexByte(jid, ':'); colon >= 0 {
		jid = jid[:colon]
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, jid)
}

func audioFilename(mimetype string) string {
	switch {
	case strings.Contains(mimetype, "mpeg"):
		return "audio.mp3"
	case strings.Contains(mimetype, "mp4"):
		return "audio.m4a"
	default:
		return "audio.ogg"
	}
}

func documentText(c Content) string {
	doc := c.DocumentMessage
	caption := strings.TrimSpace(doc.Caption)
	isPDF := strings.Contains(doc.Mimetype, "pdf") || strings.HasSuffix(strings.ToLower(doc.FileName), ".pdf")
	if !isPDF || c.Base64 == "" {
		return caption
	}
	raw, err := base64.StdEncoding.DecodeString(c.Base64)
	if err != nil {
		return caption
	}
	body, err := ExtractPDFText(raw)
	if err != nil || body == "" {
		return caption
	}
	name := doc.FileName
	if name == "" {
		name = "documento.pdf"
	}
	var b strings.Builder
	if caption != "" {
		b.WriteString(caption)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "[Documento: %s]\n%s", name, fault.Truncate(body, maxDocumentRunes))
	return b.String()
}

// ExtractPDFText returns the plain text of a PDF with whitespace collapsed
// per line. Malformed content streams make the parser panic, so that is
// reported as an error too.
func ExtractPDFText(data []byte) (_ string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.Newf(fault.Validation, "pdf", "malformed document: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fault.New(fault.Validation, "pdf", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fault.New(fault.Validation, "pdf", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return "", fault.New(fault.Validation, "pdf", err)
	}
	var lines []string
	for _, line := range strings.Split(string(text), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}
