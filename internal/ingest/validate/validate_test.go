package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidate_RequiredFieldMissingIsSkippedByDefault(t *testing.T) {
	v := &Validator{}
	ok, fatal, warnings := v.Validate(map[string]any{"name": ""}, []string{"name"}, "", nil, nil)
	assert.False(t, ok)
	assert.False(t, fatal)
	assert.NotEmpty(t, warnings)
	assert.Equal(t, int64(1), v.Summary().Skipped)
}

func TestValidate_FailOnInvalidReturnsFatal(t *testing.T) {
	v := &Validator{FailOnInvalid: true}
	ok, fatal, _ := v.Validate(map[string]any{"name": ""}, []string{"name"}, "", nil, nil)
	assert.False(t, ok)
	assert.True(t, fatal)
}

func TestValidate_IdentifierFormatWarning(t *testing.T) {
	v := &Validator{}
	ok, fatal, warnings := v.Validate(map[string]any{"code": "12"}, nil, "code", nil, nil)
	assert.True(t, ok)
	assert.False(t, fatal)
	assert.NotEmpty(t, warnings)
	assert.Equal(t, int64(1), v.Summary().Warnings)
}

func TestValidate_DateParsingDottedAndISO(t *testing.T) {
	v := &Validator{}
	ok, _, warnings := v.Validate(map[string]any{"expiry": "31.12.2020"}, nil, "", []string{"expiry"}, nil)
	assert.True(t, ok)
	assert.Empty(t, warnings)

	ok, _, warnings = v.Validate(map[string]any{"expiry": "2020-12-31"}, nil, "", []string{"expiry"}, nil)
	assert.True(t, ok)
	assert.Empty(t, warnings)
}

func TestValidate_DateFarInFutureWarns(t *testing.T) {
	v := &Validator{}
	future := time.Now().AddDate(2, 0, 0).Format("2006-01-02")
	_, _, warnings := v.Validate(map[string]any{"expiry": future}, nil, "", []string{"expiry"}, nil)
	assert.NotEmpty(t, warnings)
}

func TestValidate_NumericUnparseableWarns(t *testing.T) {
	v := &Validator{}
	_, _, warnings := v.Validate(map[string]any{"amount": "not-a-number"}, nil, "", nil, []string{"amount"})
	assert.NotEmpty(t, warnings)
}

func TestValidate_Summary(t *testing.T) {
	v := &Validator{}
	v.Validate(map[string]any{"name": "ok"}, []string{"name"}, "", nil, nil)
	v.Validate(map[string]any{"name": ""}, []string{"name"}, "", nil, nil)

	s := v.Summary()
	assert.Equal(t, int64(2), s.Total)
	assert.Equal(t, int64(1), s.Valid)
	assert.Equal(t, int64(1), s.Skipped)
}
