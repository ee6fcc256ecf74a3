package xmlconv

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleForm = `<?xml version="1.0" encoding="UTF-8"?>
<data xmlns="http://openrosa.org/formdesigner/household" version="3">
  <name>Amina</name>
  <household>
    <member id="1">Tariq</member>
    <member id="2">Noor</member>
  </household>
  <notes/>
  <case xmlns="http://commcarehq.org/case/transaction/v2" case_id="c1" user_id="u1" date_modified="2024-03-01T10:00:00.000000Z">
    <create>
      <case_type>household</case_type>
      <case_name>Amina</case_name>
      <owner_id>u1</owner_id>
    </create>
  </case>
  <meta>
    <instanceID>f-1</instanceID>
    <userID>u1</userID>
  </meta>
</data>`

func TestToStructuredGolden(t *testing.T) {
	m, err := ToStructured([]byte(sampleForm))
	require.NoError(t, err)

	out, err := json.MarshalIndent(m, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "household_form", out)
}

func TestToStructuredShape(t *testing.T) {
	m, err := ToStructured([]byte(sampleForm))
	require.NoError(t, err)

	assert.Equal(t, "data", m[TypeKey])
	assert.Equal(t, "http://openrosa.org/formdesigner/household", m["@xmlns"])
	assert.Equal(t, "Amina", m["name"])
	assert.Equal(t, "", m["notes"])

	members := m["household"].(Mapping)["member"]
	require.IsType(t, []any{}, members)
	list := members.([]any)
	require.Len(t, list, 2)
	assert.Equal(t, Mapping{"@id": "1", "#text": "Tariq"}, list[0])
	assert.Equal(t, Mapping{"@id": "2", "#text": "Noor"}, list[1])
}

func TestRoundTrip(t *testing.T) {
	docs := map[string]string{
		"sample":     sampleForm,
		"empty_root": `<data/>`,
		"root_text":  `<data>hello</data>`,
		"mixed":      `<data>lead<a>1</a>tail<a>2</a><b x="y"/></data>`,
		"prefixed":   `<h:data xmlns:h="urn:h" xmlns:n0="urn:n0"><n0:q n0:attr="v">x</n0:q></h:data>`,
		"escapes":    `<data a="&lt;&amp;&quot;&#xA;"><t>&lt;tag&gt; &amp; "q"</t><w>  </w></data>`,
		"cdata":      `<data><c><![CDATA[<raw>]]></c></data>`,
		"deep":       `<data><a><b><c><d>1</d><d><e>2</e></d></c></b></a></data>`,
	}

	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			m, err := ToStructured([]byte(doc))
			require.NoError(t, err)

			out, err := ToXML(m)
			require.NoError(t, err)

			back, err := ToStructured(out)
			require.NoError(t, err)

			if diff := cmp.Diff(m, back); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestToStructuredSyntaxErrors(t *testing.T) {
	cases := map[string]string{
		"empty":        ``,
		"unclosed":     `<data><a>1</a>`,
		"mismatched":   `<data><a>1</b></data>`,
		"two_roots":    `<a/><b/>`,
		"stray_text":   `<a/>junk`,
		"bad_entity":   `<data>&nope;</data>`,
		"not_xml":      `{"json": true}`,
		"stray_closer": `</data>`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ToStructured([]byte(doc))
			require.Error(t, err)
			assert.True(t, IsSyntaxError(err), "expected SyntaxError, got %T: %v", err, err)
			assert.False(t, IsFormatError(err))
		})
	}
}

func TestToXMLFormatErrors(t *testing.T) {
	cases := map[string]Mapping{
		"missing_type":    {"a": "1"},
		"bad_sentinel":    {TypeKey: "data", "$weird": "1"},
		"unknown_hash":    {TypeKey: "data", "#comment": "1"},
		"int_leaf":        {TypeKey: "data", "age": 72},
		"bool_attr":       {TypeKey: "data", "@flag": true},
		"nil_leaf":        {TypeKey: "data", "x": nil},
		"nested_list":     {TypeKey: "data", "x": []any{[]any{"1"}}},
		"nested_type":     {TypeKey: "data", "x": Mapping{TypeKey: "inner"}},
		"bad_child_name":  {TypeKey: "data", "x": Mapping{"not good": "1"}},
		"float_in_list":   {TypeKey: "data", "x": []any{"1", 2.5}},
		"non_string_text": {TypeKey: "data", TextKey: 3},
	}

	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ToXML(m)
			require.Error(t, err)
			assert.True(t, IsFormatError(err), "expected FormatError, got %T: %v", err, err)
			assert.False(t, IsSyntaxError(err))
		})
	}
}

func TestToXMLDeterministic(t *testing.T) {
	m := Mapping{TypeKey: "data", "b": "2", "a": "1", "@z": "q", "@y": "p"}
	out1, err := ToXML(m)
	require.NoError(t, err)
	out2, err := ToXML(m)
	require.NoError(t, err)

	assert.Equal(t, out1, out2)
	assert.Contains(t, string(out1), `<data y="p" z="q"><a>1</a><b>2</b></data>`)
}

func TestIsValidElementName(t *testing.T) {
	valid := []string{"age", "_x", "case_name", "n0:q", "a-b.c", "dob2", "a〇", "x\u3021", "名前"}
	invalid := []string{"", "not good", "1abc", "-x", "a/b", "@x", "$weird", "a=b", "?xml"}

	for _, s := range valid {
		assert.True(t, IsValidElementName(s), s)
	}
	for _, s := range invalid {
		assert.False(t, IsValidElementName(s), s)
	}

	assert.True(t, IsNCName("age"))
	assert.True(t, IsNCName("a〇"))
	assert.False(t, IsNCName("n0:q"))
	assert.False(t, IsNCName("1abc"))
}

func TestNamesFromDecoderEncode(t *testing.T) {
	for _, doc := range []string{
		`<data><a〇>x</a〇></data>`,
		"<data><b\u3021 c\u3029=\"1\"/></data>",
		"<data><g\u0387h>y</g\u0387h></data>",
	} {
		m, err := ToStructured([]byte(doc))
		if err != nil {
			continue
		}
		_, err = ToXML(m)
		assert.NoError(t, err, doc)
	}
}

func FuzzRoundTrip(f *testing.F) {
	for _, doc := range []string{
		sampleForm,
		`<data>lead<a>1</a>tail<a>2</a><b x="y"/></data>`,
		`<h:data xmlns:h="urn:h"><h:q h:attr="v">x</h:q></h:data>`,
		`<data><a〇>x</a〇></data>`,
	} {
		f.Add([]byte(doc))
	}

	f.Fuzz(func(t *testing.T, doc []byte) {
		m, err := ToStructured(doc)
		if err != nil {
			return
		}
		out, err := ToXML(m)
		require.NoError(t, err, "%q", doc)

		back, err := ToStructured(out)
		require.NoError(t, err, "%q", out)
		if diff := cmp.Diff(m, back); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestParseDateTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, s := range []string{
		"2024-03-01T10:00:00Z",
		"2024-03-01T10:00:00.000000Z",
		"2024-03-01T12:00:00.000+02",
		"2024-03-01T12:00:00+02:00",
		"2024-03-01T10:00:00",
	} {
		got, err := ParseDateTime(s)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), "%s parsed as %s", s, got)
	}

	day, err := ParseDateTime("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), day)

	_, err = ParseDateTime("yesterday")
	assert.Error(t, err)

	assert.Equal(t, "2024-03-01T10:00:00.000000Z", FormatDateTime(want))
}
