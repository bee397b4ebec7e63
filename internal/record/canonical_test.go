package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_SortsKeys(t *testing.T) {
	got, err := Canonicalize([]byte(`{"b": 1, "a": {"d": true, "c": null}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":null,"d":true},"b":1}`, string(got))
}

func TestCanonicalize_PreservesNumberText(t *testing.T) {
	got, err := Canonicalize([]byte(`{"big": 12345678901234567890, "f": 1.50}`))
	require.NoError(t, err)
	assert.Equal(t, `{"big":12345678901234567890,"f":1.50}`, string(got))
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	got, err := Canonicalize([]byte(`{"s": "<a & b>"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"s":"<a & b>"}`, string(got))
}

func TestCanonicalize_NFCNormalization(t *testing.T) {
	// "e" + combining acute accent normalizes to the precomposed form.
	decomposed := []byte("{\"name\": \"cafe\u0301\"}")
	precomposed := []byte("{\"name\": \"caf\u00e9\"}")

	a, err := Canonicalize(decomposed)
	require.NoError(t, err)
	b, err := Canonicalize(precomposed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
	assert.Equal(t, "{\"name\":\"caf\u00e9\"}", string(a))
}

func TestCanonicalize_LineSeparatorsLiteral(t *testing.T) {
	got, err := Canonicalize([]byte("\"x\u2028y\""))
	require.NoError(t, err)
	assert.Equal(t, "\"x\u2028y\"", string(got))
}

func TestCanonicalize_EscapedBackslashKept(t *testing.T) {
	got, err := Canonicalize([]byte(`"\\u2028"`))
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(got))
}

func TestCanonicalize_UTF16KeyOrder(t *testing.T) {
	// U+10000 encodes as a surrogate pair (0xD800...) which sorts before U+FF61.
	got, err := Canonicalize([]byte("{\"\uff61\": 1, \"\U00010000\": 2}"))
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uff61\":1}", string(got))
}

func TestCanonicalize_RejectsTrailingData(t *testing.T) {
	_, err := Canonicalize([]byte(`{} {}`))
	assert.Error(t, err)
}

func TestCanonicalize_RejectsInvalidJSON(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestMarshalCanonical_Struct(t *testing.T) {
	v := struct {
		Zeta  string `json:"zeta"`
		Alpha int    `json:"alpha"`
	}{Zeta: "z", Alpha: 3}

	got, err := MarshalCanonical(v)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":3,"zeta":"z"}`, string(got))
}
