package ingest

import (
	"errors"
	"strings"
	"testing"
)

const primaryDoc = `<?xml version="1.0" encoding="UTF-8"?>
<enterprise>
  <person>
    <sourcedid><id>ID-100200-30040</id></sourcedid>
    <name><n><given>Lena</given><family>Schmidt</family></n></name>
    <email>lena.schmidt@schule.de</email>
    <institutionrole institutionroletype="Student"/>
    <group><description><short>10A</short></description></group>
  </person>
  <person>
    <sourcedid><id>ID-100200-30041</id></sourcedid>
    <name><n><given>Tim</given><family>Becker</family></n></name>
    <email>tim.becker@schule.de</email>
    <x-schildnrw-grade>10B</x-schildnrw-grade>
  </person>
  <person>
    <sourcedid><id>ID-100200-30042</id></sourcedid>
    <name><n><given>Maria</given><family>Weber</family></n></name>
    <email>maria.weber@schule.de</email>
    <institutionrole institutionroletype="faculty"/>
  </person>
</enterprise>`

// Scenario: two students (classes 10A, 10B) and one faculty person.
func TestParseXMLPrimarySchema(t *testing.T) {
	res, err := ParseXML(primaryDoc, XMLOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Users) != 3 {
		t.Fatalf("expected 3 users, got %d (warnings: %v)", len(res.Users), res.Warnings)
	}

	var students, teachers []UserRecord
	for _, u := range res.Users {
		if u.UserType == TypeTeacher {
			teachers = append(teachers, u)
		} else {
			students = append(students, u)
		}
	}
	if len(students) != 2 || len(teachers) != 1 {
		t.Fatalf("expected 2 students + 1 teacher, got %d + %d", len(students), len(teachers))
	}

	if students[0].ClassLabel != "10A" || students[1].ClassLabel != "10B" {
		t.Errorf("student class labels = %q, %q; want 10A, 10B", students[0].ClassLabel, students[1].ClassLabel)
	}
	if teachers[0].ClassLabel != "" {
		t.Errorf("teacher must carry no class label, got %q", teachers[0].ClassLabel)
	}
	if teachers[0].FirstName != "Maria" || teachers[0].LastName != "Weber" {
		t.Errorf("teacher name = %s %s, want Maria Weber", teachers[0].FirstName, teachers[0].LastName)
	}
}

// Scenario: an empty root yields an empty list, not an error.
func TestParseXMLEmptyDocument(t *testing.T) {
	res, err := ParseXML(`<enterprise></enterprise>`, XMLOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Users == nil || len(res.Users) != 0 {
		t.Fatalf("expected empty (non-nil) user list, got %#v", res.Users)
	}
}

// Scenario: malformed XML is a hard error.
func TestParseXMLMalformed(t *testing.T) {
	_, err := ParseXML(`<invalid><unclosed>`, XMLOptions{})
	if !errors.Is(err, ErrInvalidXML) {
		t.Fatalf("expected ErrInvalidXML, got %v", err)
	}
}

// Scenario: a person missing the family name is silently excluded while the
// sibling valid person is still returned.
func TestParseXMLSkipsIncompletePerson(t *testing.T) {
	doc := `<enterprise>
	  <person>
	    <name><n><given>Nur</given></n></name>
	    <email>nur@schule.de</email>
	  </person>
	  <person>
	    <sourcedid><id>p2</id></sourcedid>
	    <name><n><given>Jan</given><family>Vogel</family></n></name>
	    <email>jan.vogel@schule.de</email>
	    <institutionrole institutionroletype="faculty"/>
	  </person>
	</enterprise>`

	res, err := ParseXML(doc, XMLOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(res.Users))
	}
	if res.Users[0].LastName != "Vogel" {
		t.Errorf("surviving record = %+v", res.Users[0])
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning for the skipped person")
	}
}

// Fallback dispatch: a document with zero person elements is routed to the
// flat schueler/lehrer schema before being declared empty.
func TestParseXMLFallbackSchema(t *testing.T) {
	doc := `<export>
	  <schueler>
	    <vorname>Emil</vorname>
	    <nachname>Krause</nachname>
	    <email>emil.krause@schule.de</email>
	    <klasse>7C</klasse>
	    <schild_id>12345678901</schild_id>
	  </schueler>
	  <lehrer>
	    <vorname>Sabine</vorname>
	    <nachname>Brandt</nachname>
	    <email>sabine.brandt@schule.de</email>
	  </lehrer>
	</export>`

	res, err := ParseXML(doc, XMLOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Users) != 2 {
		t.Fatalf("expected 2 users, got %d (warnings: %v)", len(res.Users), res.Warnings)
	}

	student := res.Users[0]
	if student.UserType != TypeStudent || student.ClassLabel != "7C" {
		t.Errorf("student = %+v", student)
	}
	// The 11-digit schild_id must be normalized to canonical shape.
	if student.InstitutionID != "ID-123456-78901" {
		t.Errorf("InstitutionID = %q, want ID-123456-78901", student.InstitutionID)
	}

	teacher := res.Users[1]
	if teacher.UserType != TypeTeacher {
		t.Errorf("teacher = %+v", teacher)
	}
	// No source ID: positional fallback.
	if teacher.InstitutionID != "teacher-1" {
		t.Errorf("teacher InstitutionID = %q, want teacher-1", teacher.InstitutionID)
	}
}

func TestParseXMLRecordCeiling(t *testing.T) {
	var b strings.Builder
	b.WriteString("<enterprise>")
	for i := 0; i < 4; i++ {
		b.WriteString(`<person><sourcedid><id>p`)
		b.WriteByte(byte('0' + i))
		b.WriteString(`</id></sourcedid><name><n><given>A</given><family>B</family></n></name></person>`)
	}
	b.WriteString("</enterprise>")

	_, err := ParseXML(b.String(), XMLOptions{MaxRecords: 3})
	if err == nil || !strings.Contains(err.Error(), "exceeding the maximum") {
		t.Fatalf("expected record-ceiling error, got %v", err)
	}
}

func TestParseXMLDepthBound(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("<a>")
	}
	for i := 0; i < 60; i++ {
		b.WriteString("</a>")
	}
	_, err := ParseXML(b.String(), XMLOptions{})
	if err == nil || !strings.Contains(err.Error(), "depth") {
		t.Fatalf("expected depth error, got %v", err)
	}
}

func TestParseXMLDuplicateIDs(t *testing.T) {
	doc := `<enterprise>
	  <person><sourcedid><id>dup</id></sourcedid><name><n><given>A</given><family>Ab</family></n></name></person>
	  <person><sourcedid><id>dup</id></sourcedid><name><n><given>B</given><family>Bc</family></n></name></person>
	</enterprise>`
	res, err := ParseXML(doc, XMLOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Users) != 1 {
		t.Fatalf("expected first-wins dedupe, got %d users", len(res.Users))
	}
	if len(res.Warnings) == 0 {
		t.Error("expected duplicate-ID warning")
	}
}

func TestParseXMLInstitutionalRoleAttribute(t *testing.T) {
	doc := `<enterprise>
	  <person>
	    <sourcedid><id>t1</id></sourcedid>
	    <name><given>Ute</given><family>Lang</family></name>
	    <institutionalrole role="Instructor"/>
	  </person>
	</enterprise>`
	res, err := ParseXML(doc, XMLOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Users) != 1 || res.Users[0].UserType != TypeTeacher {
		t.Fatalf("expected one teacher, got %+v", res.Users)
	}
}
