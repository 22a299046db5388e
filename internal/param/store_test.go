package param

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func num(name string, v float64) Parameter { return Parameter{Name: name, Default: Number(v)} }

func TestOverrideRoundTrip(t *testing.T) {
	s := NewStore(nil)
	s.SetDeclarations([]Parameter{
		num("width", 10),
		{Name: "label", Default: Text("hi")},
		{Name: "hollow", Default: Bool(false)},
	})

	assert.Equal(t, []string{`width=10`, `label="hi"`, `hollow=false`}, s.RenderArgs())

	s.SetOverride("width", Number(20.5))
	assert.Equal(t, []string{`width=20.5`, `label="hi"`, `hollow=false`}, s.RenderArgs())

	s.SetOverride("width", nil)
	assert.Equal(t, []string{`width=10`, `label="hi"`, `hollow=false`}, s.RenderArgs())
	assert.Empty(t, s.Overrides())
}

func TestDeclarationRefreshPrunesStaleOverrides(t *testing.T) {
	s := NewStore(nil)
	s.SetDeclarations([]Parameter{num("A", 1), num("B", 2)})
	s.SetOverride("A", Number(10))
	s.SetOverride("B", Number(20))

	s.SetDeclarations([]Parameter{num("A", 1), num("C", 3)})

	assert.Equal(t, map[string]Value{"A": Number(10)}, s.Overrides())
	assert.Equal(t, []string{"A=10", "C=3"}, s.RenderArgs())
}

func TestSetOverrideUnknownNameIsNoop(t *testing.T) {
	changes := 0
	s := NewStore(func() { changes++ })
	s.SetDeclarations([]Parameter{num("width", 10)})

	s.SetOverride("depth", Number(3))
	assert.Empty(t, s.Overrides())
	assert.Zero(t, changes)

	s.SetOverride("width", Number(3))
	assert.Equal(t, 1, changes)
}

func TestSetOverrideCoercesKind(t *testing.T) {
	s := NewStore(nil)
	s.SetDeclarations([]Parameter{num("width", 10), {Name: "solid", Default: Bool(true)}})

	s.SetOverride("width", Text("12"))
	s.SetOverride("solid", Text("nope"))

	v, ok := s.Value("width")
	require.True(t, ok)
	assert.Equal(t, Number(12), v)
	v, _ = s.Value("solid")
	assert.Equal(t, Bool(true), v)
}

func TestOverrideDroppedWhenKindChanges(t *testing.T) {
	s := NewStore(nil)
	s.SetDeclarations([]Parameter{num("size", 10)})
	s.SetOverride("size", Number(4))

	s.SetDeclarations([]Parameter{{Name: "size", Default: Bool(true)}})

	assert.Empty(t, s.Overrides())
}

func TestParametersKeepDeclarationOrder(t *testing.T) {
	s := NewStore(nil)
	s.SetDeclarations([]Parameter{num("z", 1), num("a", 2), num("m", 3)})

	var names []string
	for _, p := range s.Parameters() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"z", "a", "m"}, names)
}

func TestLiterals(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Number(10), "10"},
		{Number(0.25), "0.25"},
		{Number(-3), "-3"},
		{Bool(true), "true"},
		{Text(`say "hi"`), `"say \"hi\""`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.v.Literal())
	}
}

func TestFromJSON(t *testing.T) {
	v, err := FromJSON(json.RawMessage(`30`))
	require.NoError(t, err)
	assert.Equal(t, Number(30), v)

	v, err = FromJSON(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = FromJSON(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestParameterJSON(t *testing.T) {
	lo, hi := 0.0, 100.0
	p := Parameter{Name: "width", Group: "Size", Default: Number(10), Range: &Range{Min: &lo, Max: &hi}}

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"width","type":"number","value":10,"group":"Size","min":0,"max":100}`, string(data))
}
