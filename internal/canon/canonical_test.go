package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"bool true", Bool(true), "true"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"array of ints", Array{Int(1), Int(2), Int(3)}, "[1,2,3]"},
		{"plain map", map[string]any{"b": "x", "a": int64(1)}, `{"a":1,"b":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalSortedKeysIndependentOfInsertion(t *testing.T) {
	a := Object{"zebra": Int(1), "alpha": Int(2), "beta": Int(3)}
	b := Object{"beta": Int(3), "zebra": Int(1), "alpha": Int(2)}

	ab, err := Marshal(a)
	require.NoError(t, err)
	bb, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, `{"alpha":2,"beta":3,"zebra":1}`, string(ab))
	assert.Equal(t, ab, bb)
}

func TestMarshalUTF16KeyOrdering(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...), which sorts before
	// U+FF5E in UTF-16 but after it in UTF-8.
	obj := Object{"～": Int(1), "\U0001F600": Int(2)}

	result, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"～\":1}", string(result))
}

func TestMarshalRejectsFloatsAndNull(t *testing.T) {
	_, err := Marshal(Object{"score": nil})
	assert.Error(t, err)

	_, err = Marshal(map[string]any{"score": 0.5})
	assert.Error(t, err)

	_, err = Marshal(3.14)
	assert.Error(t, err)
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	result, err := Marshal(String("<a&b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(result))
}

func TestMarshalLineSeparatorsStayLiteral(t *testing.T) {
	result, err := Marshal(String("a\u2028b"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(result))

	// A literal backslash followed by the text u2028 must stay escaped.
	result, err = Marshal(String(`a\u2028`))
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028"`, string(result))
}

func TestMarshalNFCNormalization(t *testing.T) {
	composed := String("caf\u00e9")
	decomposed := String("cafe\u0301")
	assert.True(t, Equal(composed, decomposed))
}

func TestDecodeRoundTrip(t *testing.T) {
	obj := Object{
		"asset_id":   String("A1"),
		"price":      Int(9007199254740993),
		"active":     Bool(true),
		"proof_refs": Strings([]string{"p1", "p2"}),
		"nested":     Object{"k": String("v")},
	}

	data, err := Marshal(obj)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, Equal(obj, back))
	assert.Equal(t, int64(9007199254740993), back.GetInt("price"))
	assert.Equal(t, []string{"p1", "p2"}, back.GetStrings("proof_refs"))
}

func TestDecodeRejectsFloats(t *testing.T) {
	_, err := Decode([]byte(`{"score":0.5}`))
	assert.Error(t, err)
}

func TestFromAnyAcceptsIntegralFloat64(t *testing.T) {
	v, err := FromAny(map[string]any{"version": float64(7)})
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.(Object).GetInt("version"))

	_, err = FromAny(map[string]any{"version": 7.5})
	assert.Error(t, err)
}

func TestMessageDomainSeparation(t *testing.T) {
	obj := Object{"id": String("T1")}

	m1, err := Message(DomainTransfer, obj)
	require.NoError(t, err)
	m2, err := Message(DomainEvidence, obj)
	require.NoError(t, err)

	assert.Len(t, m1, 32)
	assert.NotEqual(t, m1, m2)

	d, err := Digest(DomainTransfer, obj)
	require.NoError(t, err)
	assert.Len(t, d, 64)
}
