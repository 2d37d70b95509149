// Package provision reconciles parsed user records against the remote
// identity directory. Reconciliation is idempotent by business key: an
// existing identity is reported, never re-created.
package provision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tfunke/schulsync/internal/auth"
	"github.com/tfunke/schulsync/internal/ingest"
)

// Attribute names a record field the caller wants carried into the
// directory as a custom attribute. First/last name and email are always
// first-class fields and never optional.
type Attribute string

const (
	AttrUserType      Attribute = "userType"
	AttrInstitutionID Attribute = "institutionId"
	AttrClassLabel    Attribute = "classLabel"
)

// NewUser is the directory-neutral creation payload.
type NewUser struct {
	Username   string
	FirstName  string
	LastName   string
	Email      string
	Attributes map[string][]string
}

// Directory is the remote identity store boundary. The live implementation
// talks to the provider's admin API; the dry-run implementation simulates it.
type Directory interface {
	FindByEmail(ctx context.Context, email string) (bool, error)
	FindByUsername(ctx context.Context, username string) (bool, error)
	Create(ctx context.Context, user NewUser) (string, error)
	SendVerifyEmail(ctx context.Context, userID string) error
	SetEnabled(ctx context.Context, userID string, enabled bool) error
	Delete(ctx context.Context, userID string) error
}

// SyncResult is the per-record outcome of one reconciliation attempt.
// A record that already exists is a success, not a conflict.
type SyncResult struct {
	RecordID       string `json:"recordId"`
	Username       string `json:"username"`
	Success        bool   `json:"success"`
	AlreadyExisted bool   `json:"alreadyExisted"`
	Error          string `json:"error,omitempty"`
}

// Options selects which record fields beyond the identity core are carried
// into the directory.
type Options struct {
	Attributes []Attribute
}

// Engine drives sequential reconciliation of a record batch. One request is
// in flight at any time: this bounds load on the directory and gives the
// caller monotonic progress, so no internal locking is needed.
type Engine struct {
	dir     Directory
	profile *auth.ProviderProfile
	log     *slog.Logger
}

// NewEngine creates an Engine. The profile supplies the organizational
// attributes stamped onto every created account; input records never
// dictate organizational placement.
func NewEngine(dir Directory, profile *auth.ProviderProfile, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{dir: dir, profile: profile, log: log}
}

// Sync reconciles records in order. A failing record yields a failed
// SyncResult and processing continues; there is no batch-level abort.
func (e *Engine) Sync(ctx context.Context, records []ingest.UserRecord, opts Options) []SyncResult {
	results := make([]SyncResult, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			results = append(results, SyncResult{
				RecordID: rec.ID,
				Error:    fmt.Sprintf("batch aborted: %v", err),
			})
			continue
		}
		results = append(results, e.syncOne(ctx, rec, opts))
	}
	return results
}

func (e *Engine) syncOne(ctx context.Context, rec ingest.UserRecord, opts Options) SyncResult {
	username := businessKey(rec)
	res := SyncResult{RecordID: rec.ID, Username: username}

	var (
		found bool
		err   error
	)
	if rec.Email != "" {
		found, err = e.dir.FindByEmail(ctx, rec.Email)
	} else {
		found, err = e.dir.FindByUsername(ctx, username)
	}
	if err != nil {
		res.Error = fmt.Sprintf("existence check: %v", err)
		return res
	}
	if found {
		res.Success = true
		res.AlreadyExisted = true
		return res
	}

	userID, err := e.dir.Create(ctx, e.buildUser(rec, username, opts))
	if err != nil {
		res.Error = fmt.Sprintf("create: %v", err)
		return res
	}

	// Verification mail is best effort: the account already exists, a mail
	// hiccup must not fail the record.
	if rec.Email != "" {
		if err := e.dir.SendVerifyEmail(ctx, userID); err != nil {
			e.log.Warn("verification email not sent", "record", rec.ID, "error", err)
		}
	}

	res.Success = true
	return res
}

// buildUser maps the identity core plus the selected attributes, then stamps
// the session profile's organizational attributes on top.
func (e *Engine) buildUser(rec ingest.UserRecord, username string, opts Options) NewUser {
	attrs := make(map[string][]string)
	for _, a := range opts.Attributes {
		switch a {
		case AttrUserType:
			attrs["typ"] = []string{string(rec.UserType)}
		case AttrInstitutionID:
			if rec.InstitutionID != "" {
				attrs["schild_id"] = []string{rec.InstitutionID}
			}
		case AttrClassLabel:
			if rec.ClassLabel != "" {
				attrs["klasse"] = []string{rec.ClassLabel}
			}
		}
	}

	if e.profile != nil {
		if e.profile.InstitutionNumber != "" {
			attrs["schulnummer"] = []string{e.profile.InstitutionNumber}
		}
		if len(e.profile.Roles) > 0 {
			attrs["rolle"] = e.profile.Roles
		}
		if e.profile.InstitutionAdmin {
			attrs["schuladmin"] = []string{"true"}
		}
	}

	return NewUser{
		Username:   username,
		FirstName:  rec.FirstName,
		LastName:   rec.LastName,
		Email:      rec.Email,
		Attributes: attrs,
	}
}

// businessKey is the identity a record is reconciled under: its email when
// present, otherwise its batch ID.
func businessKey(rec ingest.UserRecord) string {
	if rec.Email != "" {
		return rec.Email
	}
	return rec.ID
}

// SetEnabledAll toggles each user one at a time with per-record isolation.
func (e *Engine) SetEnabledAll(ctx context.Context, userIDs []string, enabled bool) []SyncResult {
	results := make([]SyncResult, 0, len(userIDs))
	for _, id := range userIDs {
		res := SyncResult{RecordID: id}
		if err := e.dir.SetEnabled(ctx, id, enabled); err != nil {
			res.Error = fmt.Sprintf("set enabled=%t: %v", enabled, err)
		} else {
			res.Success = true
		}
		results = append(results, res)
	}
	return results
}

// DeleteAll removes each user one at a time with per-record isolation.
func (e *Engine) DeleteAll(ctx context.Context, userIDs []string) []SyncResult {
	results := make([]SyncResult, 0, len(userIDs))
	for _, id := range userIDs {
		res := SyncResult{RecordID: id}
		if err := e.dir.Delete(ctx, id); err != nil {
			res.Error = fmt.Sprintf("delete: %v", err)
		} else {
			res.Success = true
		}
		results = append(results, res)
	}
	return results
}
