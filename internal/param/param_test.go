package param

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromString(t *testing.T) {
	tests := []struct {
		in   string
		want Value
	}{
		{"12", Number(12)},
		{" 0.5 ", Number(0.5)},
		{"true", Bool(true)},
		{"True", Text("True")},
		{`"hello"`, Text("hello")},
		{"inf", Text("inf")},
		{"-Inf", Text("-Inf")},
		{"NaN", Text("NaN")},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FromString(tt.in), tt.in)
	}
}

func TestCoerceRejectsNonFinite(t *testing.T) {
	for _, in := range []string{"inf", "+Inf", "nan", "1e999"} {
		_, ok := Coerce(FromString(in), KindNumber)
		assert.False(t, ok, in)
	}

	v, ok := Coerce(Text(" 42 "), KindNumber)
	assert.True(t, ok)
	assert.Equal(t, Number(42), v)
}

func TestParseSkipsNonFiniteNumbers(t *testing.T) {
	params, err := Parse(strings.NewReader("a = inf;\nb = nan;\nc = 3; // [0:inf]\n"))
	assert.NoError(t, err)
	if assert.Len(t, params, 1) {
		assert.Equal(t, "c", params[0].Name)
		assert.Nil(t, params[0].Range)
	}
}
