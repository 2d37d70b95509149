package ingest

// xml.go parses sanitized institutional export documents.
//
// Two schemas are supported. The primary schema is the person-element export
// produced by the source school-information system: a root containing
// <person> elements with structured names, sourced IDs and role markers.
// When a document contains no person elements at all, the parser falls back
// to the flat legacy schema of <schueler> and <lehrer> elements with
// vorname/nachname/email/klasse/schild_id children before declaring the
// document empty.
//
// Per-record problems (missing names, failed validation, unexpected element
// tags) skip the record with a warning. Only malformed XML, pathological
// nesting and the record-count ceiling abort the document.

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tfunke/schulsync/internal/validate"
)

// ErrInvalidXML is returned for documents that fail basic XML parsing.
var ErrInvalidXML = errors.New("Invalid XML format")

const (
	// maxElementDepth bounds nesting to reject pathological documents.
	maxElementDepth = 50

	// DefaultMaxRecords is the per-document record ceiling.
	DefaultMaxRecords = 10000
)

// recordElements is the allow-list of element names that may produce a
// user record. Anything else that reaches record extraction is skipped.
var recordElements = map[string]bool{
	"person":   true,
	"schueler": true,
	"lehrer":   true,
}

// xmlNode is a minimal element-tree node. The sanitized input is small
// enough (size-gated upstream) that a full tree is simpler and safer than
// streaming extraction across two schemas.
type xmlNode struct {
	name     string
	attrs    map[string]string
	children []*xmlNode
	text     string
}

// attr returns the named attribute, case-insensitively, or "".
func (n *xmlNode) attr(name string) string {
	for k, v := range n.attrs {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// child returns the first direct child with the given name, or nil.
func (n *xmlNode) child(name string) *xmlNode {
	for _, c := range n.children {
		if strings.EqualFold(c.name, name) {
			return c
		}
	}
	return nil
}

// path walks a chain of child names and returns the trimmed text of the
// final node, or "".
func (n *xmlNode) path(names ...string) string {
	cur := n
	for _, name := range names {
		cur = cur.child(name)
		if cur == nil {
			return ""
		}
	}
	return strings.TrimSpace(cur.text)
}

// findAll collects descendants (any depth) with the given element name.
func (n *xmlNode) findAll(name string) []*xmlNode {
	var out []*xmlNode
	for _, c := range n.children {
		if strings.EqualFold(c.name, name) {
			out = append(out, c)
		}
		out = append(out, c.findAll(name)...)
	}
	return out
}

// buildTree decodes sanitized document text into an element tree, enforcing
// the depth bound. It returns ErrInvalidXML for malformed documents.
func buildTree(doc string) (*xmlNode, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	root := &xmlNode{name: ""}
	stack := []*xmlNode{root}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ErrInvalidXML
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) > maxElementDepth {
				return nil, fmt.Errorf("element depth exceeds maximum of %d", maxElementDepth)
			}
			node := &xmlNode{name: t.Name.Local, attrs: make(map[string]string, len(t.Attr))}
			for _, a := range t.Attr {
				node.attrs[a.Name.Local] = a.Value
			}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, node)
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) <= 1 {
				return nil, ErrInvalidXML
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			stack[len(stack)-1].text += string(t)
		}
	}

	if len(stack) != 1 {
		// Unclosed elements left on the stack.
		return nil, ErrInvalidXML
	}
	return root, nil
}

// XMLOptions configures ParseXML. The zero value selects the defaults.
type XMLOptions struct {
	MaxRecords int
}

// ParseXML converts sanitized document text into canonical user records.
// The input must already have passed through Harden; ParseXML performs no
// security screening of its own.
//
// A document with zero matching elements yields an empty record list, not
// an error.
func ParseXML(doc string, opts XMLOptions) (*ParseResult, error) {
	maxRecords := opts.MaxRecords
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}

	root, err := buildTree(doc)
	if err != nil {
		return nil, err
	}

	res := &ParseResult{Users: []UserRecord{}}

	persons := root.findAll("person")
	if len(persons) > 0 {
		if len(persons) > maxRecords {
			return nil, fmt.Errorf("document contains %d records, exceeding the maximum of %d", len(persons), maxRecords)
		}
		teacherIdx, studentIdx := 0, 0
		for _, p := range persons {
			rec, warns := extractPerson(p, &teacherIdx, &studentIdx)
			res.Warnings = append(res.Warnings, warns...)
			if rec != nil {
				res.Users = append(res.Users, *rec)
			}
		}
		res.Users, res.Warnings = dedupeByID(res.Users, res.Warnings)
		return res, nil
	}

	// Fallback: flat legacy schema with separate student and teacher
	// element kinds.
	flat := collectFlatElements(root, res)
	if len(flat) > maxRecords {
		return nil, fmt.Errorf("document contains %d records, exceeding the maximum of %d", len(flat), maxRecords)
	}
	teacherIdx, studentIdx := 0, 0
	for _, f := range flat {
		rec, warns := extractFlat(f, &teacherIdx, &studentIdx)
		res.Warnings = append(res.Warnings, warns...)
		if rec != nil {
			res.Users = append(res.Users, *rec)
		}
	}
	res.Users, res.Warnings = dedupeByID(res.Users, res.Warnings)
	return res, nil
}

// collectFlatElements gathers schueler/lehrer elements and warns about
// sibling elements outside the record allow-list that carry record-like
// children (so genuinely structural wrappers stay silent).
func collectFlatElements(root *xmlNode, res *ParseResult) []*xmlNode {
	var out []*xmlNode
	var walk func(n *xmlNode)
	walk = func(n *xmlNode) {
		for _, c := range n.children {
			name := strings.ToLower(c.name)
			if name == "schueler" || name == "lehrer" {
				out = append(out, c)
				continue
			}
			if looksLikeRecord(c) && !recordElements[name] {
				res.Warnings = append(res.Warnings, fmt.Sprintf("skipping unexpected element <%s>", c.name))
				continue
			}
			walk(c)
		}
	}
	walk(root)
	return out
}

// looksLikeRecord reports whether an element carries flat name children,
// i.e. was probably intended to be a record element.
func looksLikeRecord(n *xmlNode) bool {
	return n.child("vorname") != nil || n.child("nachname") != nil
}

// extractPerson maps a primary-schema person element to a record. A nil
// record with warnings means the element was skipped.
func extractPerson(p *xmlNode, teacherIdx, studentIdx *int) (*UserRecord, []string) {
	given := firstNonEmpty(
		p.path("name", "n", "given"),
		p.path("name", "given"),
		p.path("given"),
	)
	family := firstNonEmpty(
		p.path("name", "n", "family"),
		p.path("name", "family"),
		p.path("family"),
	)
	if given == "" || family == "" {
		return nil, []string{personLabel(p) + ": missing first or last name, record skipped"}
	}

	email := p.path("email")
	if email == "" {
		// Some exports carry the address in the login field instead.
		if login := firstNonEmpty(p.path("userid"), p.path("login")); strings.Contains(login, "@") {
			email = login
		}
	}

	userType := TypeStudent
	if isFaculty(p) {
		userType = TypeTeacher
	}

	classLabel := ""
	if userType == TypeStudent {
		classLabel = firstNonEmpty(
			groupDescription(p),
			p.path("x-schildnrw-grade"),
			p.path("membership", "sourcedid", "id"),
		)
	}

	sourceID := p.path("sourcedid", "id")
	return assembleRecord(sourceID, given, family, email, userType, classLabel, teacherIdx, studentIdx)
}

// extractFlat maps a fallback-schema schueler/lehrer element to a record.
func extractFlat(n *xmlNode, teacherIdx, studentIdx *int) (*UserRecord, []string) {
	userType := TypeStudent
	if strings.EqualFold(n.name, "lehrer") {
		userType = TypeTeacher
	}

	given := n.path("vorname")
	family := n.path("nachname")
	if given == "" || family == "" {
		return nil, []string{fmt.Sprintf("<%s>: missing first or last name, record skipped", n.name)}
	}

	classLabel := ""
	if userType == TypeStudent {
		classLabel = n.path("klasse")
	}

	return assembleRecord(n.path("schild_id"), given, family, n.path("email"), userType, classLabel, teacherIdx, studentIdx)
}

// assembleRecord resolves the institutional ID, runs field validation and
// produces the final record. Validation failures skip the record.
func assembleRecord(sourceID, given, family, email string, userType UserType, classLabel string, teacherIdx, studentIdx *int) (*UserRecord, []string) {
	// Positional fallback IDs count per role so re-parses stay stable.
	var index int
	if userType == TypeTeacher {
		*teacherIdx++
		index = *teacherIdx
	} else {
		*studentIdx++
		index = *studentIdx
	}

	instID := strings.TrimSpace(sourceID)
	if instID == "" {
		instID = fmt.Sprintf("%s-%d", userType, index)
	} else {
		instID = NormalizeInstitutionID(instID)
	}

	v := validate.User(validate.UserFields{
		FirstName:     given,
		LastName:      family,
		Email:         email,
		InstitutionID: instID,
		ClassLabel:    classLabel,
	})
	if !v.Valid {
		return nil, []string{fmt.Sprintf("record %q %q skipped: %s", given, family, strings.Join(v.Errors, "; "))}
	}

	fn := validate.PersonName(given)
	ln := validate.PersonName(family)
	em := validate.Email(email)
	cl := validate.ClassLabel(classLabel)
	id := validate.InstitutionID(instID)

	return &UserRecord{
		ID:            id.Sanitized,
		FirstName:     fn.Sanitized,
		LastName:      ln.Sanitized,
		Email:         em.Sanitized,
		UserType:      userType,
		InstitutionID: id.Sanitized,
		ClassLabel:    cl.Sanitized,
	}, v.Warnings
}

// isFaculty reports whether a person element carries an explicit teacher
// role marker in either of the overlapping schema locations.
func isFaculty(p *xmlNode) bool {
	for _, r := range p.findAll("institutionrole") {
		if strings.EqualFold(r.attr("institutionroletype"), "faculty") {
			return true
		}
	}
	for _, r := range p.findAll("institutionalrole") {
		role := r.attr("role")
		if strings.EqualFold(role, "teacher") || strings.EqualFold(role, "instructor") {
			return true
		}
	}
	return false
}

// groupDescription resolves a class label from a person's group element,
// preferring the short description over the long one.
func groupDescription(p *xmlNode) string {
	g := p.child("group")
	if g == nil {
		return ""
	}
	d := g.child("description")
	if d == nil {
		return ""
	}
	if s := d.path("short"); s != "" {
		return s
	}
	if l := d.path("long"); l != "" {
		return l
	}
	return strings.TrimSpace(d.text)
}

// personLabel builds a best-effort identifier for warnings about a skipped
// person element.
func personLabel(p *xmlNode) string {
	if id := p.path("sourcedid", "id"); id != "" {
		return fmt.Sprintf("person %q", id)
	}
	return "person"
}

// firstNonEmpty returns the first non-empty trimmed value.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
