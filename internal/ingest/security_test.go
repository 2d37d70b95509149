package ingest

import (
	"errors"
	"strings"
	"testing"
)

func TestHardenRejectsOversizedDocument(t *testing.T) {
	doc := strings.Repeat("a", 101)
	_, _, err := Harden(doc, 100)
	var secErr *SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("expected SecurityError, got %v", err)
	}
	if !strings.Contains(err.Error(), "maximum size") {
		t.Errorf("error should mention the size ceiling: %v", err)
	}
}

// Any document containing entity/DOCTYPE declaration syntax must always be
// a hard error, never a parsed partial result.
func TestHardenFailsClosedOnEntityMarkers(t *testing.T) {
	docs := map[string]string{
		"entity decl":     `<?xml version="1.0"?><!DOCTYPE foo [<!ENTITY x "y">]><root>&x;</root>`,
		"doctype subset":  `<!DOCTYPE lolz [ <!ELEMENT lolz (#PCDATA)> ]><lolz>x</lolz>`,
		"system id":       `<!DOCTYPE root SYSTEM "http://evil.example/x.dtd"><root/>`,
		"public id":       `<!DOCTYPE root PUBLIC "-//EVIL//DTD//EN" "x.dtd"><root/>`,
		"lowercase decl":  `<!doctype r [<!entity a "b">]><r/>`,
		"cdata smuggling": `<root><![CDATA[<!ENTITY x "y">]]></root>`,
	}

	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			_, _, err := Harden(doc, 0)
			var secErr *SecurityError
			if !errors.As(err, &secErr) {
				t.Fatalf("expected SecurityError, got %v", err)
			}
		})
	}
}

func TestHardenEntityReferenceThreshold(t *testing.T) {
	var b strings.Builder
	b.WriteString("<root>")
	for i := 0; i < 1001; i++ {
		b.WriteString("&ref;")
	}
	b.WriteString("</root>")

	_, _, err := Harden(b.String(), 0)
	var secErr *SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("expected SecurityError above the threshold, got %v", err)
	}
}

func TestHardenStripsSubThresholdEntityReferences(t *testing.T) {
	doc := `<root><a>&nbsp;value</a><b>&amp;kept;</b></root>`
	out, warnings, err := Harden(doc, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out, "&nbsp;") {
		t.Error("non-standard entity reference should be stripped, not resolved")
	}
	if !strings.Contains(out, "&amp;") {
		t.Error("predefined entities must survive sanitization")
	}
	if len(warnings) == 0 {
		t.Error("expected a warning about stripped entity references")
	}
}

func TestHardenSanitization(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>` +
		`<?xml-stylesheet href="x.xsl"?>` +
		`<root><note><![CDATA[<b>bold</b>]]></note></root>`

	out, _, err := Harden(doc, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out, `<?xml version="1.0"`) {
		t.Error("XML declaration must be preserved")
	}
	if strings.Contains(out, "xml-stylesheet") {
		t.Error("non-declaration processing instructions must be stripped")
	}
	if strings.Contains(out, "CDATA") {
		t.Error("CDATA wrappers must not survive sanitization")
	}
	if !strings.Contains(out, "&lt;b&gt;") {
		t.Errorf("CDATA payload should be HTML-encoded, got %q", out)
	}
}

func TestHardenPlainDocumentPassesUntouched(t *testing.T) {
	doc := `<?xml version="1.0"?><enterprise><person><name><n><given>Maria</given></n></name></person></enterprise>`
	out, warnings, err := Harden(doc, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("clean document should produce no warnings, got %v", warnings)
	}
	if out != doc {
		t.Errorf("clean document should pass unchanged\n got: %q\nwant: %q", out, doc)
	}
}
