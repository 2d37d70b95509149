package ingest

// security.go is the document security gate. It screens raw document text
// for entity-expansion and external-entity attack markers before any
// structural parsing, then produces the sanitized text that is the only
// input the parsers are permitted to consume.
//
// The gate fails closed: any hard finding aborts the whole document. Safe
// but unusual input (a handful of entity references) is allowed through
// with a warning, and the references are stripped rather than resolved.

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// DefaultMaxDocumentSize is the ceiling applied when the caller does not
// configure one (10 MiB).
const DefaultMaxDocumentSize = 10 << 20

// entityRefThreshold is the number of generic entity references above which
// a document is treated as an expansion attack.
const entityRefThreshold = 1000

// SecurityError marks a document-level security violation. Documents that
// trip it must never be partially processed.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string {
	return "document rejected: " + e.Reason
}

var (
	entityDeclPattern  = regexp.MustCompile(`(?i)<!ENTITY`)
	doctypeSubsetPat   = regexp.MustCompile(`(?i)<!DOCTYPE[^>]*\[`)
	externalIDPattern  = regexp.MustCompile(`(?i)\b(SYSTEM|PUBLIC)\s+["']`)
	entityRefPattern   = regexp.MustCompile(`&[A-Za-z][A-Za-z0-9._\-]*;`)
	doctypeDeclPattern = regexp.MustCompile(`(?is)<!DOCTYPE[^>]*>`)
	procInstPattern    = regexp.MustCompile(`(?s)<\?.*?\?>`)
	xmlDeclPattern     = regexp.MustCompile(`(?is)^<\?xml[^?]*\?>`)
	cdataPattern       = regexp.MustCompile(`(?s)<!\[CDATA\[(.*?)\]\]>`)
)

// standard XML predefined entities that survive sanitization.
var predefinedEntities = map[string]bool{
	"&amp;":  true,
	"&lt;":   true,
	"&gt;":   true,
	"&apos;": true,
	"&quot;": true,
}

// Harden screens and sanitizes raw document text. maxSize <= 0 selects
// DefaultMaxDocumentSize. On success it returns the sanitized text plus any
// warnings; on a hard finding it returns a *SecurityError and no text.
func Harden(doc string, maxSize int64) (string, []string, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxDocumentSize
	}
	warnings, err := screen(doc, maxSize)
	if err != nil {
		return "", nil, err
	}
	return sanitize(doc), warnings, nil
}

// screen runs the pre-parse checks in a fixed order and fails closed on the
// first hard finding.
func screen(doc string, maxSize int64) ([]string, error) {
	if int64(len(doc)) > maxSize {
		return nil, &SecurityError{Reason: fmt.Sprintf("document exceeds maximum size of %d bytes", maxSize)}
	}

	if entityDeclPattern.MatchString(doc) {
		return nil, &SecurityError{Reason: "entity declaration detected (possible external entity attack)"}
	}
	if doctypeSubsetPat.MatchString(doc) {
		return nil, &SecurityError{Reason: "DOCTYPE with internal subset detected (possible entity expansion attack)"}
	}
	if externalIDPattern.MatchString(doc) {
		return nil, &SecurityError{Reason: "external identifier (SYSTEM/PUBLIC) detected"}
	}

	var warnings []string
	refs := 0
	for _, ref := range entityRefPattern.FindAllString(doc, -1) {
		if !predefinedEntities[ref] {
			refs++
		}
	}
	if refs > entityRefThreshold {
		return nil, &SecurityError{Reason: fmt.Sprintf("document contains %d entity references (limit %d, possible expansion attack)", refs, entityRefThreshold)}
	}
	if refs > 0 {
		warnings = append(warnings, fmt.Sprintf("stripped %d non-standard entity references", refs))
	}

	for _, m := range cdataPattern.FindAllStringSubmatch(doc, -1) {
		inner := m[1]
		if entityDeclPattern.MatchString(inner) || strings.Contains(strings.ToUpper(inner), "<!DOCTYPE") {
			return nil, &SecurityError{Reason: "CDATA section contains nested entity or DOCTYPE markers"}
		}
	}

	return warnings, nil
}

// sanitize rewrites screened text into the form the parsers consume:
// DOCTYPE declarations removed, processing instructions other than the XML
// declaration removed, non-predefined entity references stripped (never
// resolved) and CDATA payloads HTML-encoded instead of passed through raw.
func sanitize(doc string) string {
	// Preserve a leading XML declaration before stripping other PIs.
	var decl string
	if m := xmlDeclPattern.FindString(doc); m != "" {
		decl = m
		doc = doc[len(m):]
	}

	doc = doctypeDeclPattern.ReplaceAllString(doc, "")
	doc = procInstPattern.ReplaceAllString(doc, "")

	doc = cdataPattern.ReplaceAllStringFunc(doc, func(m string) string {
		inner := cdataPattern.FindStringSubmatch(m)[1]
		return html.EscapeString(inner)
	})

	doc = entityRefPattern.ReplaceAllStringFunc(doc, func(ref string) string {
		if predefinedEntities[ref] {
			return ref
		}
		return ""
	})

	return decl + doc
}
