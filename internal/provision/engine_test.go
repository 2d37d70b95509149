package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/tfunke/schulsync/internal/auth"
	"github.com/tfunke/schulsync/internal/ingest"
)

// fakeDirectory scripts existence answers and records creations.
type fakeDirectory struct {
	existing    map[string]bool
	failCreate  map[string]bool
	failVerify  bool
	failEnable  map[string]bool
	created     []NewUser
	verifySent  []string
	enabledSet  map[string]bool
	deleted     []string
	lookupsByID []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		existing:   make(map[string]bool),
		failCreate: make(map[string]bool),
		failEnable: make(map[string]bool),
		enabledSet: make(map[string]bool),
	}
}

func (d *fakeDirectory) FindByEmail(_ context.Context, email string) (bool, error) {
	return d.existing[email], nil
}

func (d *fakeDirectory) FindByUsername(_ context.Context, username string) (bool, error) {
	d.lookupsByID = append(d.lookupsByID, username)
	return d.existing[username], nil
}

func (d *fakeDirectory) Create(_ context.Context, user NewUser) (string, error) {
	if d.failCreate[user.Username] {
		return "", errors.New("directory rejected the payload")
	}
	d.created = append(d.created, user)
	return "id-" + user.Username, nil
}

func (d *fakeDirectory) SendVerifyEmail(_ context.Context, userID string) error {
	if d.failVerify {
		return errors.New("mail relay unavailable")
	}
	d.verifySent = append(d.verifySent, userID)
	return nil
}

func (d *fakeDirectory) SetEnabled(_ context.Context, userID string, enabled bool) error {
	if d.failEnable[userID] {
		return errors.New("directory rejected the toggle")
	}
	d.enabledSet[userID] = enabled
	return nil
}

func (d *fakeDirectory) Delete(_ context.Context, userID string) error {
	d.deleted = append(d.deleted, userID)
	return nil
}

func record(id, first, last, email string) ingest.UserRecord {
	return ingest.UserRecord{
		ID:        id,
		FirstName: first,
		LastName:  last,
		Email:     email,
		UserType:  ingest.TypeStudent,
	}
}

func TestSyncCreatesMissingUsers(t *testing.T) {
	dir := newFakeDirectory()
	profile := &auth.ProviderProfile{
		InstitutionNumber: "168921",
		Roles:             []string{"schuladmin"},
		InstitutionAdmin:  true,
	}
	e := NewEngine(dir, profile, nil)

	rec := record("r1", "Maria", "Weber", "m.weber@schule.de")
	rec.ClassLabel = "10A"
	results := e.Sync(context.Background(), []ingest.UserRecord{rec}, Options{
		Attributes: []Attribute{AttrClassLabel, AttrUserType},
	})

	if len(results) != 1 || !results[0].Success || results[0].AlreadyExisted {
		t.Fatalf("results = %+v", results)
	}
	if len(dir.created) != 1 {
		t.Fatalf("created = %+v", dir.created)
	}

	u := dir.created[0]
	if u.Username != "m.weber@schule.de" || u.FirstName != "Maria" {
		t.Errorf("user = %+v", u)
	}
	if got := u.Attributes["klasse"]; len(got) != 1 || got[0] != "10A" {
		t.Errorf("klasse = %v", got)
	}
	if got := u.Attributes["typ"]; len(got) != 1 || got[0] != "student" {
		t.Errorf("typ = %v", got)
	}
	// Organizational attributes come from the operator's profile.
	if got := u.Attributes["schulnummer"]; len(got) != 1 || got[0] != "168921" {
		t.Errorf("schulnummer = %v", got)
	}
	if got := u.Attributes["schuladmin"]; len(got) != 1 || got[0] != "true" {
		t.Errorf("schuladmin = %v", got)
	}
	if len(dir.verifySent) != 1 {
		t.Errorf("verify emails = %v", dir.verifySent)
	}
}

// An unselected attribute must never leak into the payload.
func TestSyncOmitsUnselectedAttributes(t *testing.T) {
	dir := newFakeDirectory()
	e := NewEngine(dir, nil, nil)

	rec := record("r1", "Maria", "Weber", "m.weber@schule.de")
	rec.ClassLabel = "10A"
	rec.InstitutionID = "ID-123456-78901"
	e.Sync(context.Background(), []ingest.UserRecord{rec}, Options{})

	u := dir.created[0]
	if _, ok := u.Attributes["klasse"]; ok {
		t.Error("klasse carried without being selected")
	}
	if _, ok := u.Attributes["schild_id"]; ok {
		t.Error("schild_id carried without being selected")
	}
}

func TestSyncExistingUserIsSuccess(t *testing.T) {
	dir := newFakeDirectory()
	dir.existing["m.weber@schule.de"] = true
	e := NewEngine(dir, nil, nil)

	results := e.Sync(context.Background(), []ingest.UserRecord{
		record("r1", "Maria", "Weber", "m.weber@schule.de"),
	}, Options{})

	if !results[0].Success || !results[0].AlreadyExisted {
		t.Errorf("result = %+v", results[0])
	}
	if len(dir.created) != 0 {
		t.Error("creation must never be attempted for an existing identity")
	}
}

// Running the engine twice must create nothing on the second pass.
func TestSyncIdempotentSecondPass(t *testing.T) {
	dir := newFakeDirectory()
	e := NewEngine(dir, nil, nil)
	records := []ingest.UserRecord{
		record("r1", "Maria", "Weber", "m.weber@schule.de"),
		record("r2", "Tim", "Kaiser", "t.kaiser@schule.de"),
	}

	e.Sync(context.Background(), records, Options{})
	for _, u := range dir.created {
		dir.existing[u.Username] = true
	}
	createdAfterFirst := len(dir.created)

	second := e.Sync(context.Background(), records, Options{})
	for _, res := range second {
		if !res.Success || !res.AlreadyExisted {
			t.Errorf("second pass result = %+v", res)
		}
	}
	if len(dir.created) != createdAfterFirst {
		t.Error("second pass created duplicates")
	}
}

func TestSyncFailureIsolation(t *testing.T) {
	dir := newFakeDirectory()
	dir.failCreate["b@schule.de"] = true
	e := NewEngine(dir, nil, nil)

	results := e.Sync(context.Background(), []ingest.UserRecord{
		record("r1", "A", "Aa", "a@schule.de"),
		record("r2", "B", "Bb", "b@schule.de"),
		record("r3", "C", "Cc", "c@schule.de"),
	}, Options{})

	if !results[0].Success || !results[2].Success {
		t.Error("siblings of a failing record must still succeed")
	}
	if results[1].Success || results[1].Error == "" {
		t.Errorf("failing record = %+v", results[1])
	}
}

func TestSyncVerifyEmailFailureDoesNotFailRecord(t *testing.T) {
	dir := newFakeDirectory()
	dir.failVerify = true
	e := NewEngine(dir, nil, nil)

	results := e.Sync(context.Background(), []ingest.UserRecord{
		record("r1", "Maria", "Weber", "m.weber@schule.de"),
	}, Options{})

	if !results[0].Success {
		t.Errorf("result = %+v, verification mail is best effort", results[0])
	}
}

// Records without an email are reconciled under their batch ID.
func TestSyncEmaillessRecordUsesID(t *testing.T) {
	dir := newFakeDirectory()
	e := NewEngine(dir, nil, nil)

	results := e.Sync(context.Background(), []ingest.UserRecord{
		record("schueler-1", "Maria", "Weber", ""),
	}, Options{})

	if !results[0].Success {
		t.Fatalf("result = %+v", results[0])
	}
	if len(dir.lookupsByID) != 1 || dir.lookupsByID[0] != "schueler-1" {
		t.Errorf("lookups = %v", dir.lookupsByID)
	}
	if len(dir.verifySent) != 0 {
		t.Error("no verification mail without an address")
	}
}

func TestSetEnabledAllIsolation(t *testing.T) {
	dir := newFakeDirectory()
	dir.failEnable["u-2"] = true
	e := NewEngine(dir, nil, nil)

	results := e.SetEnabledAll(context.Background(), []string{"u-1", "u-2", "u-3"}, false)
	if !results[0].Success || results[1].Success || !results[2].Success {
		t.Errorf("results = %+v", results)
	}
	if v, ok := dir.enabledSet["u-3"]; !ok || v {
		t.Errorf("u-3 toggle not applied: %v %v", v, ok)
	}
}

func TestDeleteAll(t *testing.T) {
	dir := newFakeDirectory()
	e := NewEngine(dir, nil, nil)

	results := e.DeleteAll(context.Background(), []string{"u-1", "u-2"})
	if len(results) != 2 || !results[0].Success || !results[1].Success {
		t.Errorf("results = %+v", results)
	}
	if len(dir.deleted) != 2 {
		t.Errorf("deleted = %v", dir.deleted)
	}
}

// With both simulation rates at zero a rehearsal of five valid records
// yields five plain successes.
func TestDryRunAllClean(t *testing.T) {
	dry := NewDryRun("batch-1", nil)
	dry.ExistRate = 0
	dry.FailRate = 0
	e := NewEngine(dry, nil, nil)

	records := []ingest.UserRecord{
		record("r1", "A", "Aa", "a@schule.de"),
		record("r2", "B", "Bb", "b@schule.de"),
		record("r3", "C", "Cc", "c@schule.de"),
		record("r4", "D", "Dd", "d@schule.de"),
		record("r5", "E", "Ee", "e@schule.de"),
	}
	results := e.Sync(context.Background(), records, Options{})

	if len(results) != 5 {
		t.Fatalf("got %d results", len(results))
	}
	for _, res := range results {
		if !res.Success || res.AlreadyExisted {
			t.Errorf("result = %+v", res)
		}
	}
}

// A dry-run second pass sees the first pass's creations as existing.
func TestDryRunRemembersCreations(t *testing.T) {
	dry := NewDryRun("batch-1", nil)
	dry.ExistRate = 0
	dry.FailRate = 0
	e := NewEngine(dry, nil, nil)

	records := []ingest.UserRecord{record("r1", "A", "Aa", "a@schule.de")}
	e.Sync(context.Background(), records, Options{})
	second := e.Sync(context.Background(), records, Options{})

	if !second[0].AlreadyExisted {
		t.Errorf("second pass = %+v", second[0])
	}
}
