package services

import (
	"errors"
	"strings"
	"testing"

	"github.com/credential-registry/registry-api/models"
)

func TestMetadataValidator(t *testing.T) {
	v := NewMetadataValidator()

	data := []struct {
		name     string
		dt       models.DocumentType
		metadata string
		valid    bool
	}{
		{"transcript", models.DocumentTranscript, transcriptMetadata, true},
		{"certification", models.DocumentCertification, certificationMetadata, true},
		{"empty", models.DocumentTranscript, "", false},
		{"not_json", models.DocumentTranscript, `{"studentName":`, false},
		{"missing_courses", models.DocumentTranscript, `{"studentName":"Ada","program":"Maths"}`, false},
		{"course_without_grade", models.DocumentTranscript, `{"studentName":"Ada","program":"Maths","courses":[{"code":"M1"}]}`, false},
		{"unknown_field", models.DocumentCertification, `{"recipientName":"Ada","certificateName":"DE","issueDate":"2024-06-30","extra":1}`, false},
		{"wrong_type", models.DocumentCertification, transcriptMetadata, false},
	}

	for _, d := range data {
		t.Run(d.name, func(t *testing.T) {
			err := v.Validate(d.dt, []byte(d.metadata))
			if d.valid && err != nil {
				t.Fatalf("Expected valid metadata, got %v", err)
			}
			if !d.valid && !errors.Is(err, &ValidationError{}) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
		})
	}

	// Every violation is reported.
	err := v.Validate(models.DocumentCertification, []byte(`{}`))
	if err == nil || strings.Count(err.Error(), ";") < 2 {
		t.Fatalf("Expected three violations, got %v", err)
	}

	if err := v.Validate("DIPLOMA", []byte(`{}`)); err == nil || errors.Is(err, &ValidationError{}) {
		t.Fatalf("Expected a missing schema error, got %v", err)
	}
}
