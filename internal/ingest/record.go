// Package ingest converts untrusted institutional export documents (XML and
// CSV) into canonical user records.
//
// All document text passes through the security gate (security.go) before
// any structural parsing. Parsers recover from per-record problems by
// skipping the record and collecting a warning; only document-level security
// violations or malformed input abort the whole document.
package ingest

import "fmt"

// UserType classifies an imported record.
type UserType string

const (
	TypeStudent UserType = "student"
	TypeTeacher UserType = "teacher"
)

// UserRecord is the canonical record produced by the parsers and consumed
// read-only by the provisioning engine. FirstName and LastName are non-empty
// after sanitization; Email is either empty or RFC-shaped; ID is unique
// within one ingestion batch.
type UserRecord struct {
	ID            string   `json:"id"`
	FirstName     string   `json:"firstName"`
	LastName      string   `json:"lastName"`
	Email         string   `json:"email"`
	UserType      UserType `json:"userType"`
	InstitutionID string   `json:"institutionalId"`
	ClassLabel    string   `json:"classLabel,omitempty"`

	// SyntheticID is true when ID was derived from the email hash rather
	// than supplied by the source system. Public-school imports may be
	// configured to reject synthetic IDs.
	SyntheticID bool `json:"syntheticId,omitempty"`
}

// ParseResult is the outcome of parsing one document. Warnings describe
// skipped records and recoverable oddities; they never indicate partial
// corruption of the returned records.
type ParseResult struct {
	Users    []UserRecord `json:"users"`
	Warnings []string     `json:"warnings"`
}

// dedupeByID drops records whose ID was already seen in this batch,
// appending a warning per duplicate. First occurrence wins.
func dedupeByID(users []UserRecord, warnings []string) ([]UserRecord, []string) {
	seen := make(map[string]bool, len(users))
	out := users[:0]
	for _, u := range users {
		if seen[u.ID] {
			warnings = append(warnings, fmt.Sprintf("skipping duplicate record ID %q", u.ID))
			continue
		}
		seen[u.ID] = true
		out = append(out, u)
	}
	return out, warnings
}
