package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"individual jid", "5511999990000@s.whatsapp.net", "5511999990000"},
		{"bare number", "5511999990000", "5511999990000"},
		{"formatted number", "+55 (11) 99999-0000", "5511999990000"},
		{"no digits", "status@broadcast", ""},
		{"empty", "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, NormalizePhone(tc.input))
		})
	}
}

func TestIsGroupRemoteID(t *testing.T) {
	assert.True(t, IsGroupRemoteID("123456789-987654@g.us"))
	assert.True(t, IsGroupRemoteID("120363041234567890@g.us"))
	assert.True(t, IsGroupRemoteID("123456789-987654"), "bare legacy group id")
	assert.False(t, IsGroupRemoteID("5511999990000@s.whatsapp.net"))
	assert.False(t, IsGroupRemoteID("12345-678@s.whatsapp.net"), "hyphen under an individual domain is not a group")
	assert.False(t, IsGroupRemoteID("5511999990000"))
	assert.False(t, IsGroupRemoteID("abc-def"), "non-numeric halves are not a legacy group id")
}
