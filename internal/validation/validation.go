package validation

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gaoqiangz/svn-commit-wt/internal/errors"
	shared "github.com/gaoqiangz/svn-commit-wt/shared/types"

	"github.com/go-playground/validator/v10"
)

const maxBodySize = 64 << 10

var validate = validator.New()

// Struct validates v by its `validate` tags and reports each failing field.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return errors.ValidationError(err.Error(), nil)
	}
	details := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return errors.ValidationError("invalid request", details)
}

// DecodeCommitRequest reads and validates a commit notification.
func DecodeCommitRequest(r *http.Request) (*shared.CommitRequest, error) {
	var req shared.CommitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		return nil, errors.ValidationError("invalid request body: "+err.Error(), nil)
	}
	if err := Struct(&req); err != nil {
		return nil, err
	}
	return &req, nil
}
