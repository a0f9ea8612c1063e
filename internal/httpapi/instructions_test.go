package httpapi

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstructions struct {
	text string
	err  error
}

func (f *fakeInstructions) Get() (string, error) { return f.text, f.err }

func TestInstructionsGet_ReturnsTrimmedText(t *testing.T) {
	s, _, _, _ := newTestServer()
	s.instructions = &fakeInstructions{text: "be concise and helpful"}

	req := httptest.NewRequest("GET", "/api/mcp/instructions", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "be concise and helpful", resp["instructions"])
}

func TestInstructionsGet_NotConfiguredIs404(t *testing.T) {
	s, _, _, _ := newTestServer()

	req := httptest.NewRequest("GET", "/api/mcp/instructions", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, 404, rec.Code)
}

func TestInstructionsGet_EmptyFileIs500(t *testing.T) {
	s, _, _, _ := newTestServer()
	s.instructions = &fakeInstructions{err: errors.New("instructions file is empty")}

	req := httptest.NewRequest("GET", "/api/mcp/instructions", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, 500, rec.Code)
}
