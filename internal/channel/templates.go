package channel

import (
	"html"
	"net/url"
	"strings"

	"tecbrain/internal/domain"
)

const (
	labelNotice     = "TEC Digital"
	labelEvaluation = "Evaluación"
	labelSaved      = "Abrir en Drive"
	labelDocuments  = "Documentos del curso"
)

func esc(s string) string { return html.EscapeString(s) }

func bold(s string) string { return "<b>" + esc(s) + "</b>" }

func link(text, href string) string {
	return `<a href="` + esc(href) + `">` + esc(text) + `</a>`
}

func htmlMessage(lines ...string) Message {
	kept := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		kept = append(kept, l)
	}
	return Message{Text: strings.Join(kept, "\n"), ParseMode: ParseModeHTML}
}

// NoticeMessage renders an informational notification.
func NoticeMessage(h domain.Header) Message {
	return htmlMessage(bold(h.Course), esc(h.Description), link(labelNotice, h.Link))
}

// EvaluationMessage renders an evaluation notification.
func EvaluationMessage(h domain.Header) Message {
	return htmlMessage(bold(h.Course), esc(h.Description), link(labelEvaluation, h.Link))
}

// DocumentSavedMessage announces a stored file. stored.Link wins over the Drive view URL.
func DocumentSavedMessage(h domain.Header, fileName string, stored Stored) Message {
	href := stored.Link
	if href == "" {
		href = DriveViewURL(stored.Ref)
	}
	return htmlMessage(bold(h.Course), esc(fileName), link(labelSaved, href))
}

// DocumentLinkMessage points the user at the course documents on the source.
func DocumentLinkMessage(h domain.Header) Message {
	return htmlMessage(bold(h.Course), esc(h.Description), link(labelDocuments, h.Link))
}

// DriveViewURL is the browser URL of a Drive file id.
func DriveViewURL(fileID string) string {
	return "https://drive.google.com/file/d/" + url.PathEscape(fileID) + "/view"
}
