// Package extract pulls the latest assistant reply out of the backend's
// transcript markup and normalizes it for display. Extraction never
// fails: the worst case is a fixed placeholder, so the controller can
// always render something.
package extract

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"support-widget/internal/domain"
)

const (
	// assistantMarker identifies assistant-authored blocks structurally.
	// Transcripts may contain the whole history; only the last marked
	// block is the newest turn.
	assistantMarker = "assistant-message"

	// labelMarker is prepended to the first visual segment for UI use.
	labelMarker = `<span class="message-label"></span>`

	// placeholder is rendered when neither a transcript block nor a
	// flat answer is available.
	placeholder = "No se pudo obtener una respuesta."
)

// assistantBlockRe is the textual fallback for the structural marker.
// Same last-wins semantics as the DOM path.
var assistantBlockRe = regexp.MustCompile(
	`(?is)<div[^>]*class\s*=\s*["'][^"']*assistant-message[^"']*["'][^>]*>.*?</div>`)

// Ordered normalization passes removing reformulated-question leakage.
// The backend occasionally prefixes replies with its internal question
// restatement; none of it may reach the visitor.
var reformulatedRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<strong>\s*pregunta reformulada:?\s*</strong>[^<]*(<br\s*/?>)?\s*`),
	regexp.MustCompile(`(?i)<em>\s*pregunta reformulada:?[^<]*</em>\s*(<br\s*/?>)?\s*`),
	regexp.MustCompile(`(?i)\A\s*[\[(][^\])]*[\])]\s*(<br\s*/?>)?\s*`),
}

var structuralTagRe = regexp.MustCompile(`(?i)<(p|br|div|ul|ol|li|table)[\s/>]`)

// Extractor normalizes backend replies.
type Extractor struct {
	now func() time.Time
}

func New() *Extractor {
	return &Extractor{now: time.Now}
}

// Extract locates the newest assistant block in the transcript markup,
// strips backend leakage, synthesizes paragraph structure when needed
// and decorates the result with the presentation marker and a response
// timestamp. It falls back to the flat answer, then to a placeholder.
func (e *Extractor) Extract(fullConversation string, raw domain.Reply) domain.NormalizedReply {
	block := lastAssistantBlock(fullConversation)
	if block == "" {
		return e.fallbackReply(raw)
	}

	open, inner, closing, wellFormed := splitBlock(block)
	if !wellFormed {
		// Degraded insertion point: the wrapper close could not be
		// located, so the timestamp goes after the block instead.
		return domain.NormalizedReply{HTML: block + e.timestamp()}
	}

	inner = stripReformulated(inner)
	if !hasStructure(inner) {
		inner = synthesizeParagraphs(inner)
	}
	inner = annotateFirstSegment(inner)

	return domain.NormalizedReply{HTML: open + inner + e.timestamp() + closing}
}

// fallbackReply renders the flat answer field, or the placeholder when
// that is absent too.
func (e *Extractor) fallbackReply(raw domain.Reply) domain.NormalizedReply {
	answer := strings.TrimSpace(raw.Answer)
	if answer == "" {
		answer = placeholder
	} else {
		answer = strings.ReplaceAll(html.EscapeString(answer), "\n", "<br>")
	}
	htmlOut := `<div class="chat-message assistant-message">` +
		labelMarker + answer + e.timestamp() + `</div>`
	return domain.NormalizedReply{HTML: htmlOut, Degraded: true}
}

func (e *Extractor) timestamp() string {
	return `<span class="response-timestamp">` + e.now().Format("15:04") + `</span>`
}

// lastAssistantBlock returns the newest assistant block, rendered
// verbatim with its wrapping element. Structural parsing is attempted
// first; the textual pattern is the guaranteed-equivalent fallback.
func lastAssistantBlock(markup string) string {
	if strings.TrimSpace(markup) == "" {
		return ""
	}
	if block, ok := lastAssistantNode(markup); ok {
		return block
	}
	matches := assistantBlockRe.FindAllString(markup, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

// lastAssistantNode walks the parsed document and renders the last
// element whose class attribute carries the assistant marker.
func lastAssistantNode(markup string) (string, bool) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return "", false
	}

	var last *html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hasClassToken(n, assistantMarker) {
			last = n
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if last == nil {
		return "", false
	}
	var sb strings.Builder
	if err := html.Render(&sb, last); err != nil {
		return "", false
	}
	return sb.String(), true
}

func hasClassToken(n *html.Node, token string) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, field := range strings.Fields(attr.Val) {
			if field == token {
				return true
			}
		}
	}
	return false
}

// splitBlock separates a rendered block into its opening tag, inner
// content and closing tag.
func splitBlock(block string) (open, inner, closing string, ok bool) {
	openEnd := strings.Index(block, ">")
	closeStart := strings.LastIndex(block, "</")
	if openEnd < 0 || closeStart <= openEnd {
		return "", "", "", false
	}
	return block[:openEnd+1], block[openEnd+1 : closeStart], block[closeStart:], true
}

func stripReformulated(inner string) string {
	for _, re := range reformulatedRes {
		inner = re.ReplaceAllString(inner, "")
	}
	return inner
}

func hasStructure(inner string) bool {
	return structuralTagRe.MatchString(inner)
}

// synthesizeParagraphs wraps blank-line-separated segments in <p> and
// converts remaining single newlines to <br>. Only called when the
// backend sent no structural tags of its own.
func synthesizeParagraphs(inner string) string {
	trimmed := strings.TrimSpace(inner)
	if trimmed == "" {
		return inner
	}
	segments := regexp.MustCompile(`\n\s*\n`).Split(trimmed, -1)
	if len(segments) == 1 {
		return strings.ReplaceAll(trimmed, "\n", "<br>")
	}
	var sb strings.Builder
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		sb.WriteString("<p>")
		sb.WriteString(strings.ReplaceAll(seg, "\n", "<br>"))
		sb.WriteString("</p>")
	}
	return sb.String()
}

// annotateFirstSegment prepends the presentation marker to the first
// visual segment. Existing markers are left untouched.
func annotateFirstSegment(inner string) string {
	if strings.Contains(inner, `class="message-label"`) ||
		strings.Contains(inner, `class='message-label'`) {
		return inner
	}
	trimmed := strings.TrimLeft(inner, " \t\n")
	lead := inner[:len(inner)-len(trimmed)]
	if strings.HasPrefix(trimmed, "<p") {
		if end := strings.Index(trimmed, ">"); end >= 0 {
			return lead + trimmed[:end+1] + labelMarker + trimmed[end+1:]
		}
	}
	return lead + labelMarker + trimmed
}
