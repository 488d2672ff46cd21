package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/p-n-ai/pai-lms/internal/quiz"
)

// Document is one seed file: a course, its content items and any learners
// to register alongside it.
type Document struct {
	Course   CourseDoc    `yaml:"course"`
	Items    []ItemDoc    `yaml:"items"`
	Learners []LearnerDoc `yaml:"learners"`

	path string
}

type CourseDoc struct {
	ID               string `yaml:"id"`
	Title            string `yaml:"title"`
	CompletionPoints *int   `yaml:"completion_points"`
}

type ItemDoc struct {
	ID       string   `yaml:"id"`
	Title    string   `yaml:"title"`
	Kind     string   `yaml:"kind"`
	Required *bool    `yaml:"required"`
	Position int      `yaml:"position"`
	Quiz     *QuizDoc `yaml:"quiz"`
}

type QuizDoc struct {
	ID           string        `yaml:"id"`
	Title        string        `yaml:"title"`
	PassingScore int           `yaml:"passing_score"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Questions    []QuestionDoc `yaml:"questions"`
}

type QuestionDoc struct {
	ID            string `yaml:"id"`
	Type          string `yaml:"type"`
	CorrectAnswer string `yaml:"correct_answer"`
	Points        int    `yaml:"points"`
}

type LearnerDoc struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["course", "items"],
  "properties": {
    "course": {
      "type": "object",
      "required": ["id", "title"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "title": {"type": "string", "minLength": 1},
        "completion_points": {"type": "integer", "minimum": 0}
      }
    },
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "kind"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "kind": {"enum": ["video", "document", "quiz"]},
          "required": {"type": "boolean"},
          "position": {"type": "integer"},
          "quiz": {
            "type": "object",
            "required": ["id", "passing_score", "questions"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "passing_score": {"type": "integer", "minimum": 0, "maximum": 100},
              "max_attempts": {"type": "integer", "minimum": 0},
              "questions": {
                "type": "array",
                "minItems": 1,
                "items": {
                  "type": "object",
                  "required": ["id", "type", "points"],
                  "properties": {
                    "id": {"type": "string", "minLength": 1},
                    "type": {"enum": ["multiple_choice", "true_false", "short_answer", "essay"]},
                    "correct_answer": {"type": "string"},
                    "points": {"type": "integer", "minimum": 1}
                  }
                }
              }
            }
          }
        }
      }
    },
    "learners": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"}
        }
      }
    }
  }
}`

var schema = mustSchema()

func mustSchema() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	if err != nil {
		panic(fmt.Sprintf("catalog: compile document schema: %v", err))
	}
	return s
}

// ParseDocument validates raw YAML against the document schema and decodes it.
func ParseDocument(data []byte) (Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("decode yaml: %w", err)
	}

	res, err := schema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return Document{}, fmt.Errorf("validate document: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return Document{}, fmt.Errorf("invalid document: %s", strings.Join(msgs, "; "))
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	for _, item := range doc.Items {
		if item.Quiz != nil && item.Kind != string(KindQuiz) {
			return Document{}, fmt.Errorf("item %s has a quiz but kind %q", item.ID, item.Kind)
		}
	}
	return doc, nil
}

// LoadDir parses every .yaml/.yml file under dir, in lexical path order.
// Any invalid file fails the whole load.
func LoadDir(dir string) ([]Document, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(paths)

	docs := make([]Document, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		doc, err := ParseDocument(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		doc.path = path
		docs = append(docs, doc)
	}
	return docs, nil
}

// QuizWriter is the part of the quiz store the seeder needs.
type QuizWriter interface {
	PutQuiz(ctx context.Context, q quiz.Quiz) error
}

// Seed writes documents into the catalog and quiz stores. Courses that omit
// completion_points get defaultPoints. Seeding is an upsert and can be re-run.
func Seed(ctx context.Context, store Store, quizzes QuizWriter, docs []Document, defaultPoints int) error {
	for _, doc := range docs {
		points := defaultPoints
		if doc.Course.CompletionPoints != nil {
			points = *doc.Course.CompletionPoints
		}
		if err := store.PutCourse(ctx, Course{ID: doc.Course.ID, Title: doc.Course.Title, CompletionPoints: points}); err != nil {
			return fmt.Errorf("seed course %s: %w", doc.Course.ID, err)
		}

		for _, it := range doc.Items {
			required := true
			if it.Required != nil {
				required = *it.Required
			}
			item := ContentItem{
				ID:         it.ID,
				CourseID:   doc.Course.ID,
				Title:      it.Title,
				Kind:       ContentKind(it.Kind),
				IsRequired: required,
				Position:   it.Position,
			}
			if err := store.PutContentItem(ctx, item); err != nil {
				return fmt.Errorf("seed item %s: %w", it.ID, err)
			}
			if it.Quiz == nil {
				continue
			}
			q := it.Quiz.toQuiz(it.ID)
			if err := q.Validate(); err != nil {
				return fmt.Errorf("seed quiz %s: %w", q.ID, err)
			}
			if err := quizzes.PutQuiz(ctx, q); err != nil {
				return fmt.Errorf("seed quiz %s: %w", q.ID, err)
			}
		}

		for _, l := range doc.Learners {
			if err := store.PutLearner(ctx, Learner{ID: l.ID, Name: l.Name}); err != nil {
				return fmt.Errorf("seed learner %s: %w", l.ID, err)
			}
		}

		slog.Info("catalog seeded",
			"course_id", doc.Course.ID,
			"items", len(doc.Items),
			"learners", len(doc.Learners),
			"path", doc.path,
		)
	}
	return nil
}

func (d QuizDoc) toQuiz(contentItemID string) quiz.Quiz {
	q := quiz.Quiz{
		ID:            d.ID,
		ContentItemID: contentItemID,
		Title:         d.Title,
		PassingScore:  d.PassingScore,
		MaxAttempts:   d.MaxAttempts,
		Questions:     make([]quiz.Question, 0, len(d.Questions)),
	}
	for i, qd := range d.Questions {
		q.Questions = append(q.Questions, quiz.Question{
			ID:            qd.ID,
			Type:          quiz.QuestionType(qd.Type),
			CorrectAnswer: qd.CorrectAnswer,
			Points:        qd.Points,
			Position:      i + 1,
		})
	}
	return q
}
