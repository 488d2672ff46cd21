package certificate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// numberRetries bounds regeneration after a certificate number collision.
const numberRetries = 3

// IssuerConfig holds dependencies for the Issuer.
type IssuerConfig struct {
	Store    Store
	Verifier *Verifier
	Now      func() time.Time
	// NewNumber overrides number generation; tests use it to force collisions.
	NewNumber func() (string, error)
}

// Issuer mints certificates idempotently.
type Issuer struct {
	store     Store
	verifier  *Verifier
	now       func() time.Time
	newNumber func() (string, error)
}

// NewIssuer creates an Issuer.
func NewIssuer(cfg IssuerConfig) *Issuer {
	i := &Issuer{
		store:     cfg.Store,
		verifier:  cfg.Verifier,
		now:       cfg.Now,
		newNumber: cfg.NewNumber,
	}
	if i.store == nil {
		i.store = NewMemoryStore()
	}
	if i.verifier == nil {
		i.verifier = NewVerifier("")
	}
	if i.now == nil {
		i.now = time.Now
	}
	if i.newNumber == nil {
		i.newNumber = NewNumber
	}
	return i
}

// IssueIfAbsent returns the learner's certificate for the course, creating it
// if none exists. Concurrent callers all receive the same certificate; created
// is true only for the caller whose insert succeeded.
func (i *Issuer) IssueIfAbsent(ctx context.Context, learnerID, courseID string) (cert Certificate, created bool, err error) {
	existing, err := i.store.Get(ctx, learnerID, courseID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Certificate{}, false, err
	}

	for try := 0; try < numberRetries; try++ {
		number, err := i.newNumber()
		if err != nil {
			return Certificate{}, false, err
		}
		c := Certificate{
			ID:               uuid.NewString(),
			Number:           number,
			LearnerID:        learnerID,
			CourseID:         courseID,
			VerificationCode: i.verifier.Code(number, learnerID, courseID),
			IssuedAt:         i.now().UTC(),
		}

		err = i.store.Insert(ctx, c)
		switch {
		case err == nil:
			slog.Info("certificate issued",
				"learner_id", learnerID,
				"course_id", courseID,
				"certificate_number", number,
			)
			return c, true, nil
		case errors.Is(err, ErrAlreadyIssued):
			slog.Debug("certificate issuance lost race", "learner_id", learnerID, "course_id", courseID)
			winner, err := i.store.Get(ctx, learnerID, courseID)
			if err != nil {
				return Certificate{}, false, fmt.Errorf("reload issued certificate: %w", err)
			}
			return winner, false, nil
		case errors.Is(err, ErrNumberTaken):
			slog.Warn("certificate number collision", "certificate_number", number)
			continue
		default:
			return Certificate{}, false, err
		}
	}
	return Certificate{}, false, fmt.Errorf("issue certificate after %d number collisions: %w", numberRetries, ErrNumberTaken)
}

// Get returns the learner's certificate for a course.
func (i *Issuer) Get(ctx context.Context, learnerID, courseID string) (Certificate, error) {
	return i.store.Get(ctx, learnerID, courseID)
}

// ListForLearner returns every certificate a learner holds.
func (i *Issuer) ListForLearner(ctx context.Context, learnerID string) ([]Certificate, error) {
	return i.store.ListForLearner(ctx, learnerID)
}

// Verify looks up a certificate by number and checks its verification code.
// An unknown number and a wrong code both report false.
func (i *Issuer) Verify(ctx context.Context, number, code string) (Certificate, bool, error) {
	c, err := i.store.GetByNumber(ctx, number)
	if errors.Is(err, ErrNotFound) {
		return Certificate{}, false, nil
	}
	if err != nil {
		return Certificate{}, false, err
	}
	if !i.verifier.Verify(c, code) {
		return Certificate{}, false, nil
	}
	return c, true, nil
}

// GetByNumber returns the certificate with the given number.
func (i *Issuer) GetByNumber(ctx context.Context, number string) (Certificate, error) {
	return i.store.GetByNumber(ctx, number)
}

// Unrendered returns up to limit certificates still waiting for an artifact.
func (i *Issuer) Unrendered(ctx context.Context, limit int) ([]Certificate, error) {
	return i.store.ListUnrendered(ctx, limit)
}

// AttachArtifact records the rendered artifact URL on a certificate.
func (i *Issuer) AttachArtifact(ctx context.Context, number, url string) error {
	return i.store.SetArtifactURL(ctx, number, url)
}
