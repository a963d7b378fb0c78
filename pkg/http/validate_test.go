package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type assetRequest struct {
	Asset string `param:"asset" validate:"required,alphanum,max=16"`
}

type intervalRequest struct {
	Interval int    `query:"interval" validate:"omitempty,min=5,max=300"`
	Mode     string `query:"mode" default:"quote" validate:"oneof=quote stage"`
}

func newContext(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestReadAndValidateRequestPasses(t *testing.T) {
	c := newContext("/?interval=10")
	req := &intervalRequest{}

	assert.Nil(t, ReadAndValidateRequest(c, req))
	assert.Equal(t, 10, req.Interval)
	assert.Equal(t, "quote", req.Mode)
}

func TestReadAndValidateRequestReportsClientFieldNames(t *testing.T) {
	c := newContext("/")
	c.SetParamNames("asset")
	c.SetParamValues("sol-usd")

	errs, ok := ReadAndValidateRequest(c, &assetRequest{}).([]ValidationError)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Equal(t, "ERR_ALPHANUM", errs[0].Code)
	assert.Equal(t, "asset", errs[0].Field)
	assert.Equal(t, "asset must contain only letters and digits", errs[0].Message)
}

func TestReadAndValidateRequestRangeAndOptions(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		code    string
		field   string
		message string
		params  map[string]interface{}
	}{
		{"below min", "/?interval=2", "ERR_MIN", "interval", "interval must be at least 5", map[string]interface{}{"min": "5"}},
		{"above max", "/?interval=301", "ERR_MAX", "interval", "interval must be at most 300", map[string]interface{}{"max": "300"}},
		{"unknown mode", "/?mode=candles", "ERR_ONEOF", "mode", "mode must be one of: quote, stage",
			map[string]interface{}{"options": []string{"quote", "stage"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs, ok := ReadAndValidateRequest(newContext(tt.target), &intervalRequest{}).([]ValidationError)
			require.True(t, ok)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.code, errs[0].Code)
			assert.Equal(t, tt.field, errs[0].Field)
			assert.Equal(t, tt.message, errs[0].Message)
			assert.Equal(t, tt.params, errs[0].Params)
		})
	}
}

func TestReadAndValidateRequestBindFailure(t *testing.T) {
	errs, ok := ReadAndValidateRequest(newContext("/?interval=soon"), &intervalRequest{}).([]ValidationError)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Equal(t, "ERR_BIND", errs[0].Code)
	assert.Empty(t, errs[0].Field)
}
