package ingest

// csv.go parses delimited exports via intelligent header-to-field mapping.
//
// Headers are matched against per-field synonym lists (English and German)
// case- and diacritic-insensitively, by exact match first and substring
// containment second. When the automatic mapping cannot resolve either name
// column, parsing halts early and hands back the raw headers plus a short
// row sample so an external manual-mapping step can supply the mapping and
// re-run the same document.

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/tfunke/schulsync/internal/validate"
)

// ErrNoUserData is returned when a document yields zero usable rows.
var ErrNoUserData = errors.New("no valid user data found")

// LogicalField names a canonical column the mapper resolves.
type LogicalField string

const (
	FieldID        LogicalField = "id"
	FieldFirstName LogicalField = "firstName"
	FieldLastName  LogicalField = "lastName"
	FieldEmail     LogicalField = "email"
	FieldUserType  LogicalField = "userType"
)

// FieldMapping maps logical fields to source column indexes. It is produced
// once per document by automatic header matching and may be superseded by a
// user-supplied override before re-processing the same raw document.
type FieldMapping map[LogicalField]int

// sampleRowCount is how many data rows accompany a manual-mapping handoff.
const sampleRowCount = 3

// minContainmentLength guards substring matching against spurious hits on
// very short synonyms.
const minContainmentLength = 3

// CSVResult is the outcome of parsing one delimited document. When
// NeedsMapping is set, Users is empty and Headers/SampleRows carry the
// manual-mapping handoff; otherwise Users/Warnings carry the parse result
// and Mapping records the column resolution that produced it.
type CSVResult struct {
	Users    []UserRecord `json:"users"`
	Warnings []string     `json:"warnings"`

	NeedsMapping bool         `json:"needsMapping,omitempty"`
	Headers      []string     `json:"headers,omitempty"`
	SampleRows   [][]string   `json:"sampleRows,omitempty"`
	Mapping      FieldMapping `json:"mapping,omitempty"`
}

// headerSynonyms drives automatic mapping. Order matters twice over: fields
// are resolved top to bottom (first match wins a column, no reuse) and
// within a field more specific synonyms come before generic ones.
var headerSynonyms = []struct {
	field    LogicalField
	synonyms []string
}{
	{FieldFirstName, []string{"vorname", "firstname", "first_name", "first name", "givenname", "given", "rufname"}},
	{FieldLastName, []string{"nachname", "lastname", "last_name", "last name", "surname", "familienname", "familyname", "name"}},
	{FieldEmail, []string{"email", "e-mail", "mailadresse", "mail"}},
	{FieldID, []string{"schild_id", "schildid", "schild-id", "identnummer", "kennung", "nummer", "id"}},
	{FieldUserType, []string{"rolle", "role", "usertype", "funktion", "typ", "type", "art"}},
}

var teacherKeywords = []string{"lehrer", "lehrkraft", "teacher", "faculty", "dozent", "instructor"}
var studentKeywords = []string{"schuler", "schueler", "student", "pupil"}

// foldTransformer lowercases and removes diacritics so "Schüler" matches
// "schueler"-free forms and "É" matches "e".
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldKey normalizes a header or keyword for matching.
func foldKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		return s
	}
	return out
}

// sniffDelimiter picks the delimiter by counting candidates in the first
// line. Semicolon wins ties because German spreadsheet exports default
// to it.
func sniffDelimiter(text string) rune {
	line := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		line = text[:i]
	}
	if strings.Count(line, ";") >= strings.Count(line, ",") && strings.Contains(line, ";") {
		return ';'
	}
	return ','
}

// readRows parses the document into raw rows with the sniffed delimiter,
// tolerating ragged rows and escaped embedded quotes.
func readRows(text string) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = sniffDelimiter(text)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid csv: %w", err)
	}
	return rows, nil
}

// AutoMapHeaders resolves logical fields to column indexes. The mapping
// never assigns two fields to the same column.
func AutoMapHeaders(headers []string) FieldMapping {
	folded := make([]string, len(headers))
	for i, h := range headers {
		folded[i] = foldKey(h)
	}

	mapping := make(FieldMapping)
	used := make(map[int]bool)

	claim := func(field LogicalField, idx int) {
		mapping[field] = idx
		used[idx] = true
	}

	// Pass 1: exact matches.
	for _, entry := range headerSynonyms {
		if _, done := mapping[entry.field]; done {
			continue
		}
		for _, syn := range entry.synonyms {
			for i, h := range folded {
				if !used[i] && h == foldKey(syn) {
					claim(entry.field, i)
					break
				}
			}
			if _, done := mapping[entry.field]; done {
				break
			}
		}
	}

	// Pass 2: substring containment, guarded by a minimum length.
	for _, entry := range headerSynonyms {
		if _, done := mapping[entry.field]; done {
			continue
		}
		for _, syn := range entry.synonyms {
			key := foldKey(syn)
			if len(key) < minContainmentLength {
				continue
			}
			for i, h := range folded {
				if !used[i] && strings.Contains(h, key) {
					claim(entry.field, i)
					break
				}
			}
			if _, done := mapping[entry.field]; done {
				break
			}
		}
	}

	return mapping
}

// ParseCSV parses a delimited document with automatic header mapping. When
// neither name column can be resolved, it returns a manual-mapping handoff
// (NeedsMapping true) instead of records.
func ParseCSV(text string) (*CSVResult, error) {
	rows, err := readRows(text)
	if err != nil {
		return nil, err
	}
	if len(rows) < 1 {
		return nil, ErrNoUserData
	}

	headers := rows[0]
	mapping := AutoMapHeaders(headers)

	_, haveFirst := mapping[FieldFirstName]
	_, haveLast := mapping[FieldLastName]
	if !haveFirst && !haveLast {
		sample := rows[1:]
		if len(sample) > sampleRowCount {
			sample = sample[:sampleRowCount]
		}
		return &CSVResult{
			NeedsMapping: true,
			Headers:      headers,
			SampleRows:   sample,
		}, nil
	}

	return convertRows(rows[1:], mapping)
}

// ParseCSVWithMapping parses a delimited document with an externally
// supplied mapping, the second half of the manual-mapping handoff.
func ParseCSVWithMapping(text string, mapping FieldMapping) (*CSVResult, error) {
	rows, err := readRows(text)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, ErrNoUserData
	}
	return convertRows(rows[1:], mapping)
}

// cell safely reads a mapped column from a row.
func cell(row []string, mapping FieldMapping, field LogicalField) string {
	idx, ok := mapping[field]
	if !ok || idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// convertRows turns data rows into canonical records under a resolved
// mapping. Per-row problems are warnings; only a fully unusable document is
// an error.
func convertRows(rows [][]string, mapping FieldMapping) (*CSVResult, error) {
	res := &CSVResult{Users: []UserRecord{}, Mapping: mapping}
	missingEmails := 0

	for i, row := range rows {
		lineNum := i + 2 // 1-based, after the header row

		if isBlankRow(row) {
			continue
		}

		first := cell(row, mapping, FieldFirstName)
		last := cell(row, mapping, FieldLastName)
		if first == "" && last == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("line %d: no name fields populated, row skipped", lineNum))
			continue
		}

		email := cell(row, mapping, FieldEmail)
		if email == "" {
			missingEmails++
		}

		userType := classifyUserType(cell(row, mapping, FieldUserType))

		id := cell(row, mapping, FieldID)
		synthetic := false
		switch {
		case id != "":
			id = NormalizeInstitutionID(id)
		case email != "":
			id = GenerateUserIDFromEmail(email)
			synthetic = true
		default:
			id = fmt.Sprintf("row-%d", lineNum)
			synthetic = true
		}

		v := validate.User(validate.UserFields{
			FirstName:     first,
			LastName:      last,
			Email:         email,
			InstitutionID: id,
		})
		if !v.Valid {
			res.Warnings = append(res.Warnings, fmt.Sprintf("line %d: %s", lineNum, strings.Join(v.Errors, "; ")))
			continue
		}

		res.Users = append(res.Users, UserRecord{
			ID:            validate.InstitutionID(id).Sanitized,
			FirstName:     validate.PersonName(first).Sanitized,
			LastName:      validate.PersonName(last).Sanitized,
			Email:         validate.Email(email).Sanitized,
			UserType:      userType,
			InstitutionID: validate.InstitutionID(id).Sanitized,
			SyntheticID:   synthetic,
		})
	}

	if len(res.Users) == 0 {
		return nil, ErrNoUserData
	}

	if missingEmails > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d rows have no email address; verification emails cannot be sent for them", missingEmails))
	}

	res.Users, res.Warnings = dedupeByID(res.Users, res.Warnings)
	return res, nil
}

// isBlankRow reports whether every cell is empty after trimming.
func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// classifyUserType resolves a role cell via keyword lists, defaulting to
// teacher when unresolvable: this importer provisions teacher accounts.
func classifyUserType(raw string) UserType {
	key := foldKey(raw)
	if key == "" {
		return TypeTeacher
	}
	for _, kw := range studentKeywords {
		if strings.Contains(key, kw) {
			return TypeStudent
		}
	}
	for _, kw := range teacherKeywords {
		if strings.Contains(key, kw) {
			return TypeTeacher
		}
	}
	return TypeTeacher
}

// NormalizeInstitutionID rewrites any identifier containing exactly 11
// digits into the canonical ID-XXXXXX-XXXXX shape, whatever punctuation
// surrounds the digits. Other values pass through trimmed and the result is
// stable under re-normalization.
func NormalizeInstitutionID(raw string) string {
	raw = strings.TrimSpace(raw)
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) != 11 {
		return raw
	}
	return fmt.Sprintf("ID-%s-%s", d[:6], d[6:])
}

// GenerateUserIDFromEmail deterministically synthesizes an institutional ID
// from an email address using a DJB2-style rolling hash. Equal emails
// (case-insensitive) always yield equal IDs and the output always matches
// ID-\d{6}-\d{5}.
func GenerateUserIDFromEmail(email string) string {
	var h uint64 = 5381
	for _, b := range []byte(strings.ToLower(strings.TrimSpace(email))) {
		h = h*33 + uint64(b)
	}
	d := fmt.Sprintf("%011d", h%100000000000)
	return fmt.Sprintf("ID-%s-%s", d[:6], d[6:])
}
