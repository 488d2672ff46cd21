package certificate_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/p-n-ai/pai-lms/internal/catalog"
	"github.com/p-n-ai/pai-lms/internal/certificate"
	"github.com/p-n-ai/pai-lms/internal/platform/database/dbtest"
)

func newStores(t *testing.T) map[string]func(t *testing.T) certificate.Store {
	t.Helper()
	return map[string]func(t *testing.T) certificate.Store{
		"memory": func(t *testing.T) certificate.Store { return certificate.NewMemoryStore() },
		"postgres": func(t *testing.T) certificate.Store {
			pool := dbtest.NewPool(t)
			cat := catalog.NewPostgresStore(pool)
			for _, id := range []string{"c1", "c2"} {
				if err := cat.PutCourse(t.Context(), catalog.Course{ID: id, Title: id}); err != nil {
					t.Fatalf("PutCourse() error = %v", err)
				}
			}
			return certificate.NewPostgresStore(pool)
		},
	}
}

func TestIssueIfAbsent_ConcurrentCallersShareOneCertificate(t *testing.T) {
	for name, newStore := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			issuer := certificate.NewIssuer(certificate.IssuerConfig{
				Store:    store,
				Verifier: certificate.NewVerifier("test-secret"),
			})
			ctx := context.Background()

			const n = 12
			var wg sync.WaitGroup
			var mu sync.Mutex
			numbers := map[string]int{}
			created := 0
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c, isNew, err := issuer.IssueIfAbsent(ctx, "learner-1", "c1")
					if err != nil {
						t.Errorf("IssueIfAbsent() error = %v", err)
						return
					}
					mu.Lock()
					defer mu.Unlock()
					numbers[c.Number]++
					if isNew {
						created++
					}
				}()
			}
			wg.Wait()

			if len(numbers) != 1 {
				t.Errorf("distinct certificate numbers = %d, want 1 (%v)", len(numbers), numbers)
			}
			if created != 1 {
				t.Errorf("created = %d, want 1", created)
			}

			all, err := store.ListForLearner(ctx, "learner-1")
			if err != nil {
				t.Fatalf("ListForLearner() error = %v", err)
			}
			if len(all) != 1 {
				t.Errorf("stored certificates = %d, want 1", len(all))
			}
		})
	}
}

func TestIssueIfAbsent_RetriesNumberCollision(t *testing.T) {
	for name, newStore := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			// Another learner already holds CERT-FIXED.
			seq := []string{"CERT-FIXED", "CERT-FIXED", "CERT-FRESH"}
			var mu sync.Mutex
			next := func() (string, error) {
				mu.Lock()
				defer mu.Unlock()
				n := seq[0]
				seq = seq[1:]
				return n, nil
			}
			issuer := certificate.NewIssuer(certificate.IssuerConfig{Store: store, NewNumber: next})

			first, created, err := issuer.IssueIfAbsent(ctx, "learner-a", "c1")
			if err != nil || !created || first.Number != "CERT-FIXED" {
				t.Fatalf("first issue = %+v, %v, %v", first, created, err)
			}

			second, created, err := issuer.IssueIfAbsent(ctx, "learner-b", "c1")
			if err != nil {
				t.Fatalf("IssueIfAbsent() error = %v", err)
			}
			if !created || second.Number != "CERT-FRESH" {
				t.Errorf("second issue = %+v, created %v, want CERT-FRESH", second, created)
			}
		})
	}
}

func TestIssueIfAbsent_GivesUpAfterRepeatedCollisions(t *testing.T) {
	store := certificate.NewMemoryStore()
	issuer := certificate.NewIssuer(certificate.IssuerConfig{
		Store:     store,
		NewNumber: func() (string, error) { return "CERT-SAME", nil },
	})
	ctx := context.Background()

	if _, _, err := issuer.IssueIfAbsent(ctx, "a", "c1"); err != nil {
		t.Fatalf("IssueIfAbsent() error = %v", err)
	}
	_, _, err := issuer.IssueIfAbsent(ctx, "b", "c1")
	if !errors.Is(err, certificate.ErrNumberTaken) {
		t.Errorf("IssueIfAbsent() error = %v, want ErrNumberTaken", err)
	}
}

func TestVerify(t *testing.T) {
	store := certificate.NewMemoryStore()
	issuer := certificate.NewIssuer(certificate.IssuerConfig{
		Store:    store,
		Verifier: certificate.NewVerifier("secret"),
		Now:      func() time.Time { return time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC) },
	})
	ctx := context.Background()

	c, _, err := issuer.IssueIfAbsent(ctx, "learner-1", "c2")
	if err != nil {
		t.Fatalf("IssueIfAbsent() error = %v", err)
	}

	tests := []struct {
		name   string
		number string
		code   string
		want   bool
	}{
		{"exact code", c.Number, c.VerificationCode, true},
		{"lower case with spaces", c.Number, "  " + strings.ToLower(c.VerificationCode) + " ", true},
		{"wrong code", c.Number, "AAAAAAAAAAAA", false},
		{"unknown number", "CERT-NOPE", c.VerificationCode, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := issuer.Verify(ctx, tt.number, tt.code)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if ok != tt.want {
				t.Errorf("Verify() = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestArtifactLifecycle(t *testing.T) {
	for name, newStore := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			issuer := certificate.NewIssuer(certificate.IssuerConfig{Store: store})
			ctx := context.Background()

			c, _, err := issuer.IssueIfAbsent(ctx, "learner-1", "c1")
			if err != nil {
				t.Fatalf("IssueIfAbsent() error = %v", err)
			}

			pending, err := issuer.Unrendered(ctx, 10)
			if err != nil || len(pending) != 1 {
				t.Fatalf("Unrendered() = %v, %v, want one certificate", pending, err)
			}

			if err := issuer.AttachArtifact(ctx, c.Number, "http://example.test/"+c.Number+".png"); err != nil {
				t.Fatalf("AttachArtifact() error = %v", err)
			}
			pending, _ = issuer.Unrendered(ctx, 10)
			if len(pending) != 0 {
				t.Errorf("Unrendered() after attach = %d, want 0", len(pending))
			}

			got, err := issuer.GetByNumber(ctx, c.Number)
			if err != nil || got.ArtifactURL == "" {
				t.Errorf("GetByNumber() = %+v, %v, want artifact URL", got, err)
			}

			if err := issuer.AttachArtifact(ctx, "CERT-MISSING", "x"); !errors.Is(err, certificate.ErrNotFound) {
				t.Errorf("AttachArtifact(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestNewNumber_Format(t *testing.T) {
	pattern := regexp.MustCompile(`^CERT-[0-9A-F]{32}$`)
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		n, err := certificate.NewNumber()
		if err != nil {
			t.Fatalf("NewNumber() error = %v", err)
		}
		if !pattern.MatchString(n) {
			t.Fatalf("NewNumber() = %q, want CERT- plus 32 hex digits", n)
		}
		if seen[n] {
			t.Fatalf("NewNumber() repeated %q", n)
		}
		seen[n] = true
	}
}

func TestVerifier_CodeDependsOnKeyAndOwner(t *testing.T) {
	a := certificate.NewVerifier("one")
	b := certificate.NewVerifier("two")

	code := a.Code("CERT-1", "learner", "course")
	if len(code) != 12 {
		t.Errorf("len(Code()) = %d, want 12", len(code))
	}
	if code != a.Code("CERT-1", "learner", "course") {
		t.Error("Code() is not deterministic")
	}
	if code == b.Code("CERT-1", "learner", "course") {
		t.Error("Code() identical under different secrets")
	}
	if code == a.Code("CERT-1", "other", "course") {
		t.Error("Code() identical for different learners")
	}
}
