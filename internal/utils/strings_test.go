package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty string", input: "", expected: nil},
		{name: "whitespace only", input: "  ,  , ", expected: nil},
		{name: "single factor", input: "R_MKT", expected: []string{"R_MKT"}},
		{name: "padded factors", input: " R_MKT , R_SIZE,R_VAL ", expected: []string{"R_MKT", "R_SIZE", "R_VAL"}},
		{name: "empty entries skipped", input: "R_MKT,,R_MOM,", expected: []string{"R_MKT", "R_MOM"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseCSV(tt.input))
		})
	}
}
