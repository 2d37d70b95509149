package ingest

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

// Scenario: German headers auto-map and the row classifies as teacher by
// default.
func TestParseCSVGermanHeaders(t *testing.T) {
	text := "Vorname,Nachname,E-Mail\nMaria,Weber,maria.weber@schule.de\n"

	res, err := ParseCSV(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NeedsMapping {
		t.Fatal("mapping should have resolved automatically")
	}
	if len(res.Users) != 1 {
		t.Fatalf("expected 1 user, got %d (warnings: %v)", len(res.Users), res.Warnings)
	}

	u := res.Users[0]
	if u.FirstName != "Maria" || u.LastName != "Weber" || u.Email != "maria.weber@schule.de" {
		t.Errorf("record = %+v", u)
	}
	if u.UserType != TypeTeacher {
		t.Errorf("userType = %q, want teacher (default)", u.UserType)
	}
	if !u.SyntheticID {
		t.Error("record without an ID column must carry a synthetic ID")
	}
}

func TestParseCSVSemicolonDelimiter(t *testing.T) {
	text := "Vorname;Nachname;Rolle\nJan;Vogel;Lehrer\nEmil;Krause;Schüler\n"

	res, err := ParseCSV(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(res.Users))
	}
	if res.Users[0].UserType != TypeTeacher {
		t.Errorf("Jan should classify as teacher, got %q", res.Users[0].UserType)
	}
	if res.Users[1].UserType != TypeStudent {
		t.Errorf("Emil should classify as student, got %q", res.Users[1].UserType)
	}
}

func TestParseCSVQuotedFields(t *testing.T) {
	text := "Vorname,Nachname,E-Mail\n\"Anna\",\"Meyer-Landrut\",\"anna@schule.de\"\n"
	res, err := ParseCSV(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Users[0].LastName != "Meyer-Landrut" {
		t.Errorf("LastName = %q", res.Users[0].LastName)
	}
}

// Mapping safety: no header may serve two logical fields.
func TestAutoMapHeadersNoColumnReuse(t *testing.T) {
	headerSets := [][]string{
		{"Name", "Vorname", "Nachname", "E-Mail", "ID"},
		{"vorname", "name", "mail"},
		{"Lehrer-ID", "Vorname", "Nachname", "Rolle", "E-Mail-Adresse"},
	}

	for _, headers := range headerSets {
		mapping := AutoMapHeaders(headers)
		seen := make(map[int]LogicalField)
		for field, idx := range mapping {
			if other, dup := seen[idx]; dup {
				t.Errorf("headers %v: column %d assigned to both %s and %s", headers, idx, other, field)
			}
			seen[idx] = field
		}
	}
}

func TestAutoMapHeadersDiacriticInsensitive(t *testing.T) {
	mapping := AutoMapHeaders([]string{"VORNAME", "Nächname"})
	if _, ok := mapping[FieldFirstName]; !ok {
		t.Error("uppercase VORNAME should map to firstName")
	}
	if _, ok := mapping[FieldLastName]; !ok {
		t.Error("Nächname should map to lastName after diacritic folding")
	}
}

// When neither name column resolves, parsing halts early and returns the
// manual-mapping handoff.
func TestParseCSVManualMappingHandoff(t *testing.T) {
	text := "Spalte1,Spalte2,Spalte3\na1,b1,c1\na2,b2,c2\na3,b3,c3\na4,b4,c4\n"

	res, err := ParseCSV(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NeedsMapping {
		t.Fatal("expected a manual-mapping handoff")
	}
	if len(res.Users) != 0 {
		t.Errorf("handoff must not carry parsed users, got %d", len(res.Users))
	}
	if len(res.Headers) != 3 {
		t.Errorf("headers = %v", res.Headers)
	}
	if len(res.SampleRows) != 3 {
		t.Errorf("expected a 3-row sample, got %d rows", len(res.SampleRows))
	}

	// The externally supplied mapping completes the handoff.
	mapped, err := ParseCSVWithMapping(text, FieldMapping{
		FieldFirstName: 0,
		FieldLastName:  1,
		FieldEmail:     2,
	})
	if err == nil {
		// c1..c4 are not RFC-shaped emails; rows survive only because email
		// validation rejects them -> all rows skipped -> hard error expected.
		t.Fatalf("expected no-valid-data error, got %d users", len(mapped.Users))
	}
}

func TestParseCSVWithMappingOverride(t *testing.T) {
	text := "A;B;C\nWeber;Maria;maria@schule.de\n"
	res, err := ParseCSVWithMapping(text, FieldMapping{
		FieldLastName:  0,
		FieldFirstName: 1,
		FieldEmail:     2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Users[0].FirstName != "Maria" || res.Users[0].LastName != "Weber" {
		t.Errorf("record = %+v", res.Users[0])
	}
}

func TestParseCSVRowIsolation(t *testing.T) {
	text := "Vorname,Nachname\n" +
		"Maria,Weber\n" +
		",\n" + // fully blank: skipped silently
		"   ,   \n" + // fully blank: skipped silently
		"NurVorname,\n" + // last name empty: fails validation, warned
		"123,456\n" // numeric names: validation failure, warned

	res, err := ParseCSV(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Users) != 1 {
		t.Fatalf("expected 1 surviving user, got %d (warnings: %v)", len(res.Users), res.Warnings)
	}
	if len(res.Warnings) < 2 {
		t.Errorf("expected warnings for both failed rows, got %v", res.Warnings)
	}
}

func TestParseCSVNoUsableRows(t *testing.T) {
	_, err := ParseCSV("Vorname,Nachname\n,\n")
	if !errors.Is(err, ErrNoUserData) {
		t.Fatalf("expected ErrNoUserData, got %v", err)
	}
}

func TestParseCSVMissingEmailBatchWarning(t *testing.T) {
	text := "Vorname,Nachname,E-Mail\nMaria,Weber,\nJan,Vogel,\n"
	res, err := ParseCSV(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "no email") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected batch-level missing-email warning, got %v", res.Warnings)
	}
}

// Round-trip ID normalization: any 11-digit identifier normalizes to the
// canonical shape and is stable under re-normalization.
func TestNormalizeInstitutionID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"12345678901", "ID-123456-78901"},
		{"123.456.789-01", "ID-123456-78901"},
		{"ID-123456-78901", "ID-123456-78901"},
		{" (123) 456 78901 ", "ID-123456-78901"},
		{"1234567890", "1234567890"},     // 10 digits: untouched
		{"123456789012", "123456789012"}, // 12 digits: untouched
		{"teacher-1", "teacher-1"},
	}

	for _, tt := range tests {
		got := NormalizeInstitutionID(tt.input)
		if got != tt.want {
			t.Errorf("NormalizeInstitutionID(%q) = %q, want %q", tt.input, got, tt.want)
		}
		if again := NormalizeInstitutionID(got); again != got {
			t.Errorf("normalization not stable: %q -> %q", got, again)
		}
	}
}

// Deterministic synthesis: equal emails (case-insensitive) yield equal IDs
// and the output always matches the canonical shape.
func TestGenerateUserIDFromEmail(t *testing.T) {
	shape := regexp.MustCompile(`^ID-\d{6}-\d{5}$`)

	emails := []string{
		"maria.weber@schule.de",
		"a@b.co",
		"x.very.long.address+tag@subdomain.example.org",
	}
	for _, e := range emails {
		id := GenerateUserIDFromEmail(e)
		if !shape.MatchString(id) {
			t.Errorf("GenerateUserIDFromEmail(%q) = %q, want ID-\\d{6}-\\d{5}", e, id)
		}
		if id != GenerateUserIDFromEmail(strings.ToUpper(e)) {
			t.Errorf("synthesis must be case-insensitive for %q", e)
		}
		if id != GenerateUserIDFromEmail("  " + e + "  ") {
			t.Errorf("synthesis must ignore surrounding whitespace for %q", e)
		}
	}

	if GenerateUserIDFromEmail("a@b.co") == GenerateUserIDFromEmail("c@d.co") {
		t.Error("distinct emails should hash to distinct IDs")
	}
}
