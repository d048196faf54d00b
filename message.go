package mailhost

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/backendutil"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/rbaliyan/mailhost/store"
	"github.com/rbaliyan/mailhost/threading"
)

const (
	// MaxTextExcerpt is the length in characters of the stored plain text excerpt.
	MaxTextExcerpt = 1024

	maxMimeDepth     = 32
	maxTextPartBytes = 4 * 1024 * 1024
)

// parsedMessage is everything derived from the raw bytes before a message
// is sequenced.
type parsedMessage struct {
	header textproto.Header
	body   []byte
	size   int64

	headers       []store.Header
	envelope      *imap.Envelope
	bodyStructure *imap.BodyStructure
	tree          *store.MimeNode
	bodies        []NodeBody

	msgID   string
	subject string
	refs    []string
	hdate   time.Time
	text    string
}

// parseMessage parses raw into its stored representation. Leaf bodies
// that are not small inline text are listed in bodies for the body store.
// idate is used when the message has no usable Date header.
func parseMessage(raw []byte, inlineLimit int, idate time.Time) (*parsedMessage, error) {
	h, body, err := splitMessage(raw)
	if err != nil {
		return nil, err
	}

	p := &parsedMessage{
		header: h,
		body:   body,
		size:   int64(len(raw)),
	}

	for f := h.Fields(); f.Next(); {
		p.headers = append(p.headers, store.Header{Key: strings.ToLower(f.Key()), Value: f.Value()})
	}

	p.envelope, err = backendutil.FetchEnvelope(h)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	p.bodyStructure, err = backendutil.FetchBodyStructure(h, bytes.NewReader(body), true)
	if err != nil {
		return nil, fmt.Errorf("bodystructure: %w", err)
	}

	p.tree = buildMimeTree(h, body, inlineLimit, 0, &p.bodies)

	mh := mail.Header{Header: message.Header{Header: h}}
	p.subject, err = mh.Subject()
	if err != nil {
		p.subject = h.Get("Subject")
	}
	if id, err := mh.MessageID(); err == nil && id != "" {
		p.msgID = "<" + id + ">"
	} else {
		p.msgID = "<" + uuid.NewString() + "@mailhost>"
	}
	p.hdate, err = mh.Date()
	if err != nil || p.hdate.IsZero() {
		p.hdate = idate
	}
	p.refs = threading.ReferenceKeys(mh)
	p.text = excerpt(extractText(raw))

	return p, nil
}

// splitMessage reads the header of raw and returns it with the body, which
// shares raw's backing array.
func splitMessage(raw []byte) (textproto.Header, []byte, error) {
	r := bytes.NewReader(raw)
	br := bufio.NewReader(r)
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, &ValidationError{Field: "raw", Message: fmt.Sprintf("invalid header: %v", err)}
	}
	offset := len(raw) - r.Len() - br.Buffered()
	return h, raw[offset:], nil
}

// buildMimeTree walks one entity. Multipart bodies are split into
// children; leaves are kept inline or queued for the body store.
func buildMimeTree(h textproto.Header, body []byte, inlineLimit, depth int, bodies *[]NodeBody) *store.MimeNode {
	mh := message.Header{Header: h}
	ct, params, err := mh.ContentType()
	if err != nil || ct == "" {
		ct, params = "text/plain", map[string]string{"charset": "us-ascii"}
	}
	disp, dparams, _ := mh.ContentDisposition()

	node := &store.MimeNode{
		ContentType: ct,
		Params:      params,
		Disposition: disp,
		Encoding:    strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding"))),
		Size:        int64(len(body)),
		Lines:       int64(bytes.Count(body, []byte("\n"))),
	}
	if name := dparams["filename"]; name != "" {
		node.Filename = name
	} else {
		node.Filename = params["name"]
	}
	var hb bytes.Buffer
	if err := textproto.WriteHeader(&hb, h); err == nil {
		node.Header = hb.Bytes()
	}

	if strings.HasPrefix(ct, "multipart/") && params["boundary"] != "" && depth < maxMimeDepth {
		if children, ok := splitMultipart(body, params["boundary"], inlineLimit, depth, bodies); ok {
			node.Children = children
			return node
		}
	}

	if len(body) == 0 || (strings.HasPrefix(ct, "text/") && disp != "attachment" && len(body) <= inlineLimit) {
		node.Body = body
		return node
	}
	hash := HashBody(body)
	node.Attachment = hash
	*bodies = append(*bodies, NodeBody{Hash: hash, ContentType: ct, Body: body})
	return node
}

func splitMultipart(body []byte, boundary string, inlineLimit, depth int, bodies *[]NodeBody) ([]*store.MimeNode, bool) {
	mark := len(*bodies)
	mr := textproto.NewMultipartReader(bytes.NewReader(body), boundary)
	var children []*store.MimeNode
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Broken multipart is stored as one opaque leaf.
			*bodies = (*bodies)[:mark]
			return nil, false
		}
		data, err := io.ReadAll(part)
		if err != nil {
			*bodies = (*bodies)[:mark]
			return nil, false
		}
		children = append(children, buildMimeTree(part.Header, data, inlineLimit, depth+1, bodies))
	}
	return children, len(children) > 0
}

// extractText returns the decoded text of the first text/plain part, or
// of the first text/html part converted to text.
func extractText(raw []byte) string {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return ""
	}

	var plain, htmlText string
	_ = e.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil || plain != "" {
			return nil
		}
		if disp, _, _ := part.Header.ContentDisposition(); disp == "attachment" {
			return nil
		}
		t, _, _ := part.Header.ContentType()
		switch {
		case t == "text/plain" || t == "":
			b, _ := io.ReadAll(io.LimitReader(part.Body, maxTextPartBytes))
			plain = string(b)
		case t == "text/html" && htmlText == "":
			htmlText = htmlToText(io.LimitReader(part.Body, maxTextPartBytes))
		}
		return nil
	})
	if plain != "" {
		return plain
	}
	return htmlText
}

// htmlToText keeps the text nodes of an HTML document, dropping scripts
// and styles and breaking lines at block elements.
func htmlToText(r io.Reader) string {
	var sb strings.Builder
	z := html.NewTokenizer(r)
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return sb.String()
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "head":
				skip++
			case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				sb.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "head":
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

// excerpt joins the non-empty lines of text with single spaces and cuts
// the result to MaxTextExcerpt characters.
func excerpt(text string) string {
	var parts []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			parts = append(parts, line)
		}
	}
	out := strings.Join(parts, " ")
	if utf8.RuneCountInString(out) > MaxTextExcerpt {
		out = string([]rune(out)[:MaxTextExcerpt])
	}
	return strings.TrimSpace(out)
}
