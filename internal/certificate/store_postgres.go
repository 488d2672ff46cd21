package certificate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-lms/internal/platform/database"
)

const (
	dbTimeout = 5 * time.Second

	ownerConstraint  = "certificates_learner_id_course_id_key"
	numberConstraint = "certificates_certificate_number_key"
)

// PostgresStore is a PostgreSQL-backed certificate Store. The table's unique
// constraints are the final arbiter between concurrent issuers.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed certificate store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const certificateColumns = `id::text, certificate_number, learner_id, course_id, verification_code, artifact_url, issued_at`

func (s *PostgresStore) Get(ctx context.Context, learnerID, courseID string) (Certificate, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	c, err := scanCertificate(s.pool.QueryRow(ctx,
		`SELECT `+certificateColumns+` FROM certificates WHERE learner_id = $1 AND course_id = $2`,
		learnerID, courseID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Certificate{}, fmt.Errorf("certificate for %s/%s: %w", learnerID, courseID, ErrNotFound)
	}
	if err != nil {
		return Certificate{}, fmt.Errorf("get certificate: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetByNumber(ctx context.Context, number string) (Certificate, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	c, err := scanCertificate(s.pool.QueryRow(ctx,
		`SELECT `+certificateColumns+` FROM certificates WHERE certificate_number = $1`,
		number,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Certificate{}, fmt.Errorf("certificate %s: %w", number, ErrNotFound)
	}
	if err != nil {
		return Certificate{}, fmt.Errorf("get certificate: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Insert(ctx context.Context, c Certificate) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO certificates (id, certificate_number, learner_id, course_id, verification_code, artifact_url, issued_at)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Number, c.LearnerID, c.CourseID, c.VerificationCode, c.ArtifactURL, c.IssuedAt,
	)
	switch {
	case err == nil:
		return nil
	case database.IsUniqueViolation(err, ownerConstraint):
		return fmt.Errorf("certificate for %s/%s: %w", c.LearnerID, c.CourseID, ErrAlreadyIssued)
	case database.IsUniqueViolation(err, numberConstraint):
		return fmt.Errorf("certificate %s: %w", c.Number, ErrNumberTaken)
	default:
		return fmt.Errorf("insert certificate: %w", err)
	}
}

func (s *PostgresStore) SetArtifactURL(ctx context.Context, number, url string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE certificates SET artifact_url = $2 WHERE certificate_number = $1`,
		number, url,
	)
	if err != nil {
		return fmt.Errorf("set artifact url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("certificate %s: %w", number, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListForLearner(ctx context.Context, learnerID string) ([]Certificate, error) {
	return s.list(ctx,
		`SELECT `+certificateColumns+` FROM certificates
		 WHERE learner_id = $1
		 ORDER BY issued_at, certificate_number`,
		learnerID,
	)
}

func (s *PostgresStore) ListUnrendered(ctx context.Context, limit int) ([]Certificate, error) {
	return s.list(ctx,
		`SELECT `+certificateColumns+` FROM certificates
		 WHERE artifact_url = ''
		 ORDER BY issued_at, certificate_number
		 LIMIT $1`,
		limit,
	)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Certificate, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query certificates: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Certificate, error) {
		return scanCertificate(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan certificates: %w", err)
	}
	return out, nil
}

func scanCertificate(row pgx.Row) (Certificate, error) {
	var c Certificate
	err := row.Scan(&c.ID, &c.Number, &c.LearnerID, &c.CourseID, &c.VerificationCode, &c.ArtifactURL, &c.IssuedAt)
	return c, err
}
