package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogAndHTTPError(t *testing.T) {
	w := httptest.NewRecorder()
	LogAndHTTPError(w, errors.New("bad actor"), "getting posts", http.StatusBadRequest)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.JSONEq(t, `{"error":"bad actor"}`, w.Body.String())

	w = httptest.NewRecorder()
	WriteHTTPError(w, nil, http.StatusInternalServerError)
	require.JSONEq(t, `{"error":"unknown error"}`, w.Body.String())
}

func TestShouldLog(t *testing.T) {
	require.True(t, shouldLog(errors.New("boom")))
	require.False(t, shouldLog(fmt.Errorf("request: %w", context.Canceled)))
}
