package provision

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"

	"github.com/google/uuid"
)

// Default simulation rates for rehearsal runs.
const (
	defaultExistRate = 0.2
	defaultFailRate  = 0.1
)

// DryRunDirectory simulates the remote directory without network access.
// Existence and failures are rolled pseudo-randomly from a fixed seed so a
// rehearsal is reproducible; accounts "created" during the run are
// remembered, which preserves the idempotence property across a second pass.
type DryRunDirectory struct {
	ExistRate float64
	FailRate  float64

	rng     *rand.Rand
	log     *slog.Logger
	created map[string]bool
}

// NewDryRun creates a simulated directory. The seed (typically the batch ID)
// fixes the roll sequence.
func NewDryRun(seed string, log *slog.Logger) *DryRunDirectory {
	if log == nil {
		log = slog.Default()
	}
	h := fnv.New64a()
	h.Write([]byte(seed))
	return &DryRunDirectory{
		ExistRate: defaultExistRate,
		FailRate:  defaultFailRate,
		rng:       rand.New(rand.NewSource(int64(h.Sum64()))),
		log:       log,
		created:   make(map[string]bool),
	}
}

func (d *DryRunDirectory) FindByEmail(ctx context.Context, email string) (bool, error) {
	return d.exists(email), nil
}

func (d *DryRunDirectory) FindByUsername(ctx context.Context, username string) (bool, error) {
	return d.exists(username), nil
}

func (d *DryRunDirectory) exists(key string) bool {
	if d.created[key] {
		return true
	}
	return d.rng.Float64() < d.ExistRate
}

func (d *DryRunDirectory) Create(ctx context.Context, user NewUser) (string, error) {
	if d.rng.Float64() < d.FailRate {
		return "", fmt.Errorf("simulated directory rejection for %q", user.Username)
	}
	d.created[user.Username] = true
	id := uuid.NewString()
	d.log.Info("dry run: would create user",
		"username", user.Username,
		"email", user.Email,
		"attributes", len(user.Attributes),
	)
	return id, nil
}

func (d *DryRunDirectory) SendVerifyEmail(ctx context.Context, userID string) error {
	d.log.Info("dry run: would send verification email", "user_id", userID)
	return nil
}

func (d *DryRunDirectory) SetEnabled(ctx context.Context, userID string, enabled bool) error {
	if d.rng.Float64() < d.FailRate {
		return fmt.Errorf("simulated directory rejection for %q", userID)
	}
	d.log.Info("dry run: would set enabled", "user_id", userID, "enabled", enabled)
	return nil
}

func (d *DryRunDirectory) Delete(ctx context.Context, userID string) error {
	if d.rng.Float64() < d.FailRate {
		return fmt.Errorf("simulated directory rejection for %q", userID)
	}
	d.log.Info("dry run: would delete user", "user_id", userID)
	return nil
}
