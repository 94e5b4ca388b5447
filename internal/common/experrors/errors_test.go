package experrors

import (
	"io"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStatusFromError(t *testing.T) {
	tests := map[string]struct {
		err  error
		want int
	}{
		"ErrValidation":                  {&ErrValidation{}, http.StatusBadRequest},
		"ErrInvalidArgument":             {&ErrInvalidArgument{}, http.StatusBadRequest},
		"ErrNotFound":                    {&ErrNotFound{}, http.StatusNotFound},
		"ErrAlreadyExists":               {&ErrAlreadyExists{}, http.StatusConflict},
		"ErrInvalidTransition":           {&ErrInvalidTransition{}, http.StatusConflict},
		"ErrExhaustedRange":              {&ErrExhaustedRange{}, http.StatusServiceUnavailable},
		"pkg.Error => ErrNotFound":       {errors.WithMessage(&ErrNotFound{}, "foo"), http.StatusNotFound},
		"pkg.Error => ErrExhaustedRange": {errors.WithStack(&ErrExhaustedRange{}), http.StatusServiceUnavailable},
		"ErrStorage":                     {&ErrStorage{Err: io.ErrUnexpectedEOF}, http.StatusInternalServerError},
		"pkg.Error":                      {errors.New("foo"), http.StatusInternalServerError},
		"nil":                            {nil, http.StatusOK},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, StatusFromError(tc.err))
		})
	}
}

func TestErrValidation_Error(t *testing.T) {
	err := &ErrValidation{
		Service: "tensorboard",
		Fields: []FieldError{
			{Field: "version", Message: "must be 1"},
			{Field: "run.image", Message: "is required"},
		},
	}
	assert.Equal(t, "invalid tensorboard configuration: [version: must be 1; run.image: is required]", err.Error())
}

func TestErrStorage_Unwrap(t *testing.T) {
	err := errors.WithStack(&ErrStorage{Source: "a", Dest: "b", Err: io.ErrUnexpectedEOF})
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	var storageErr *ErrStorage
	assert.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "a", storageErr.Source)
}

func TestIsHelpers(t *testing.T) {
	assert.True(t, IsNotFound(errors.Wrap(&ErrNotFound{Type: "project", Value: "p"}, "lookup")))
	assert.False(t, IsNotFound(errors.New("other")))
	assert.True(t, IsInvalidTransition(errors.WithStack(&ErrInvalidTransition{From: "stopped", To: "running"})))
	assert.True(t, IsInvalidArgument(errors.WithStack(&ErrInvalidArgument{Name: "user", Value: "a/b"})))
}

func TestErrInvalidArgument_Error(t *testing.T) {
	assert.Equal(t, `value "a/b" is invalid for field "user"`, (&ErrInvalidArgument{Name: "user", Value: "a/b"}).Error())
	assert.Equal(t,
		`value "../x" is invalid for field "name"; must match ^[a-z]+$`,
		(&ErrInvalidArgument{Name: "name", Value: "../x", Message: "must match ^[a-z]+$"}).Error())
}
