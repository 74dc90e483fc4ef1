package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{MissingFilter("no filter"), http.StatusBadRequest},
		{NotFound("nothing"), http.StatusNotFound},
		{InvalidDateID("bad id %d", -1), http.StatusBadRequest},
		{Conflict("dup"), http.StatusBadRequest},
		{Validation("bad body"), http.StatusBadRequest},
		{Dependency(errors.New("db down"), "store failure"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(KindOf(tt.err)))
		})
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("ingest: %w", NotFound("date mapping %d", 4))

	assert.True(t, IsKind(err, KindNotFound))
	assert.True(t, errors.Is(err, &Error{Kind: KindNotFound}))
	assert.False(t, errors.Is(err, &Error{Kind: KindConflict}))
}

func TestDependencyHidesCause(t *testing.T) {
	err := Dependency(errors.New("password authentication failed"), "database unavailable")

	assert.Equal(t, "database unavailable", Detail(err))
	assert.Contains(t, err.Error(), "password authentication failed")
	assert.Nil(t, Dependency(nil, "x"))
}

func TestFromStatus(t *testing.T) {
	assert.Equal(t, KindNotFound, FromStatus(404))
	assert.Equal(t, KindValidation, FromStatus(400))
	assert.Equal(t, KindDependency, FromStatus(503))
}
