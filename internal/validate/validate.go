// Package validate provides field-level sanitization and validation for
// untrusted user data before it reaches parsers or the identity directory.
//
// Every validator follows the same contract:
//   - Trim surrounding whitespace
//   - Strip control characters and HTML-significant characters
//   - Check a field-specific allow-list pattern and a hard maximum length
//   - Report all failures through Result; validators never panic
//
// Callers must check Result.Valid before trusting Result.Sanitized. Invalid
// input is never coerced into a default value.
package validate

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Result is returned by every validator.
type Result struct {
	Valid     bool
	Errors    []string
	Warnings  []string
	Sanitized string
}

// Maximum lengths per field. Anything longer is rejected, not truncated.
const (
	MaxEmailLength    = 254
	MaxNameLength     = 100
	MaxIDLength       = 64
	MaxClassLength    = 50
	MaxURLLength      = 2048
	MaxFilenameLength = 255
)

var (
	// emailPattern is deliberately conservative: local@domain.tld with a
	// restricted character set. Exotic but RFC-legal addresses are rejected.
	emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

	// namePattern allows extended Latin letters (including diacritics),
	// with hyphens, apostrophes, periods and internal spaces between parts.
	namePattern = regexp.MustCompile(`^[A-Za-zÀ-ÖØ-öø-ÿĀ-ſ]+(?:[ '\-.]+[A-Za-zÀ-ÖØ-öø-ÿĀ-ſ]+)*\.?$`)

	// idPattern covers institutional identifiers such as ID-123456-78901.
	idPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

	// classPattern covers class labels such as "10A", "EF", "Q2 LK1".
	classPattern = regexp.MustCompile(`^[A-Za-z0-9ÄÖÜäöüß][A-Za-z0-9ÄÖÜäöüß ./\-]*$`)
)

// stripControl removes ASCII control characters that have no place in any
// imported field (U+0000-U+0008, U+000B-U+000C, U+000E-U+001F, U+007F).
// Tab, LF and CR survive so multi-line free text stays intact.
func stripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 0x00 && r <= 0x08,
			r == 0x0B, r == 0x0C,
			r >= 0x0E && r <= 0x1F,
			r == 0x7F:
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// stripHTML removes characters that are significant to HTML/XML parsers.
// Applied to free-text fields so imported data can never smuggle markup
// into a downstream renderer.
func stripHTML(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '\'', '"', '&':
			return -1
		}
		return r
	}, s)
}

// clean applies the shared sanitization pipeline: trim, control-char strip
// and, for free-text fields, HTML-significant-char strip.
func clean(s string, freeText bool) string {
	s = strings.TrimSpace(stripControl(s))
	if freeText {
		s = strings.TrimSpace(stripHTML(s))
	}
	return s
}

// invalid builds a failed Result with the given error messages.
func invalid(errs ...string) Result {
	return Result{Valid: false, Errors: errs}
}

// Email validates an email address. An empty value is valid: emails are
// optional in several ingestion formats and absence is reported elsewhere
// as a batch-level warning.
func Email(raw string) Result {
	s := clean(raw, false)
	if s == "" {
		return Result{Valid: true, Sanitized: ""}
	}
	if len(s) > MaxEmailLength {
		return invalid(fmt.Sprintf("email exceeds maximum length of %d characters", MaxEmailLength))
	}
	if !emailPattern.MatchString(s) {
		return invalid(fmt.Sprintf("email %q is not a valid address", s))
	}
	return Result{Valid: true, Sanitized: s}
}

// PersonName validates a first or last name. Names must be non-empty after
// sanitization and may contain extended Latin letters, hyphens, apostrophes,
// periods and internal spaces.
func PersonName(raw string) Result {
	s := clean(raw, true)
	if s == "" {
		return invalid("name is empty after sanitization")
	}
	if len(s) > MaxNameLength {
		return invalid(fmt.Sprintf("name exceeds maximum length of %d characters", MaxNameLength))
	}
	if !namePattern.MatchString(s) {
		return invalid(fmt.Sprintf("name %q contains disallowed characters", s))
	}
	return Result{Valid: true, Sanitized: s}
}

// InstitutionID validates an institutional identifier. Only alphanumerics,
// hyphen and underscore are allowed.
func InstitutionID(raw string) Result {
	s := clean(raw, false)
	if s == "" {
		return invalid("institutional ID is empty")
	}
	if len(s) > MaxIDLength {
		return invalid(fmt.Sprintf("institutional ID exceeds maximum length of %d characters", MaxIDLength))
	}
	if !idPattern.MatchString(s) {
		return invalid(fmt.Sprintf("institutional ID %q contains disallowed characters", s))
	}
	return Result{Valid: true, Sanitized: s}
}

// ClassLabel validates a class/group label such as "10A". Empty labels are
// valid: teachers carry no class label.
func ClassLabel(raw string) Result {
	s := clean(raw, true)
	if s == "" {
		return Result{Valid: true, Sanitized: ""}
	}
	if len(s) > MaxClassLength {
		return invalid(fmt.Sprintf("class label exceeds maximum length of %d characters", MaxClassLength))
	}
	if !classPattern.MatchString(s) {
		return invalid(fmt.Sprintf("class label %q contains disallowed characters", s))
	}
	return Result{Valid: true, Sanitized: s}
}

// URL validates an absolute http(s) URL.
func URL(raw string) Result {
	s := clean(raw, false)
	if s == "" {
		return invalid("URL is empty")
	}
	if len(s) > MaxURLLength {
		return invalid(fmt.Sprintf("URL exceeds maximum length of %d characters", MaxURLLength))
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return invalid(fmt.Sprintf("URL %q is not a valid absolute URL", s))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid(fmt.Sprintf("URL scheme %q is not allowed (http/https only)", u.Scheme))
	}
	return Result{Valid: true, Sanitized: s}
}

// Filename sanitizes an uploaded file name: path components are removed and
// characters outside a safe set are replaced with underscores. Unlike the
// field validators, Filename always produces a usable value; a fully
// replaced name yields a warning instead of an error.
func Filename(raw string) Result {
	s := clean(raw, false)
	// Drop any path components, both Unix and Windows style.
	if i := strings.LastIndexAny(s, `/\`); i >= 0 {
		s = s[i+1:]
	}
	var b strings.Builder
	replaced := 0
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			replaced++
		}
	}
	out := b.String()
	if len(out) > MaxFilenameLength {
		out = out[:MaxFilenameLength]
	}
	res := Result{Valid: out != "" && out != strings.Repeat("_", len(out)), Sanitized: out}
	if !res.Valid {
		res.Errors = append(res.Errors, "filename is empty after sanitization")
	} else if replaced > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("replaced %d unsafe characters in filename", replaced))
	}
	return res
}

// UserFields is the per-field input for the composite User validator.
type UserFields struct {
	FirstName     string
	LastName      string
	Email         string
	InstitutionID string
	ClassLabel    string
}

// User runs the field validators over a full record and aggregates their
// outcomes. The returned Result carries no Sanitized value; callers read
// sanitized fields from the individual validators.
func User(f UserFields) Result {
	agg := Result{Valid: true}

	checks := []struct {
		name string
		res  Result
	}{
		{"firstName", PersonName(f.FirstName)},
		{"lastName", PersonName(f.LastName)},
		{"email", Email(f.Email)},
		{"institutionalId", InstitutionID(f.InstitutionID)},
		{"classLabel", ClassLabel(f.ClassLabel)},
	}

	for _, c := range checks {
		if !c.res.Valid {
			agg.Valid = false
			for _, e := range c.res.Errors {
				agg.Errors = append(agg.Errors, c.name+": "+e)
			}
		}
		for _, w := range c.res.Warnings {
			agg.Warnings = append(agg.Warnings, c.name+": "+w)
		}
	}
	return agg
}
