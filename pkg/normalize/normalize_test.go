package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestRegistryLookup(t *testing.T) {
	registry := DefaultRegistry()

	n, err := registry.Lookup(models.SourceKindCongressAPI, models.EntityTypeBill)
	require.NoError(t, err)
	assert.NotNil(t, n)

	_, err = registry.Lookup(models.SourceKindCongressAPI, "treaty")
	assert.Error(t, err)

	_, err = registry.Lookup("unknown_kind", models.EntityTypeBill)
	assert.Error(t, err)
}

func TestNormalizeCongressBill(t *testing.T) {
	raw := []byte(`{
		"congress": 119,
		"type": "HR",
		"number": "1234",
		"title": "  An Act   to do things ",
		"originChamber": "House of Representatives",
		"updateDate": "2026-03-15",
		"latestAction": {"actionDate": "2026-03-14", "text": "Referred to committee"}
	}`)

	records, err := normalizeCongressBill(raw)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, models.EntityTypeBill, rec.EntityType)
	assert.Equal(t, "119|hr|1234", rec.NaturalKey)
	assert.Equal(t, "An Act to do things", rec.Data["title"])
	assert.Equal(t, "house", rec.Data["origin_chamber"])
	assert.Equal(t, "2026-03-15", rec.Data["update_date"])
}

func TestNormalizeCongressBillRejects(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"malformed json", `{not json`, ""},
		{"missing congress", `{"type":"hr","number":"1","title":"t"}`, "congress"},
		{"unknown bill type", `{"congress":119,"type":"xyz","number":"1","title":"t"}`, "type"},
		{"missing number", `{"congress":119,"type":"hr","title":"t"}`, "number"},
		{"missing title", `{"congress":119,"type":"hr","number":"1"}`, "title"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := normalizeCongressBill([]byte(tt.raw))
			require.Error(t, err)

			var nerr *NormalizationError
			require.ErrorAs(t, err, &nerr)
			assert.Equal(t, tt.field, nerr.Field)
		})
	}
}

func TestNormalizeCongressVote(t *testing.T) {
	raw := []byte(`{
		"congress": 119,
		"chamber": "Senate",
		"session": 2,
		"rollNumber": 57,
		"date": "2026-02-01",
		"result": "Passed",
		"totals": {"yea": 60, "nay": 38, "present": 0, "notVoting": 2}
	}`)

	records, err := normalizeCongressVote(raw)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, models.EntityTypeVote, rec.EntityType)
	assert.Equal(t, "119|senate|2|57", rec.NaturalKey)

	totals, ok := rec.Data["totals"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 60, totals["yea"])
}

func TestNormalizeCongressMember(t *testing.T) {
	raw := []byte(`{"bioguideId":"a000360","name":"  Doe,   Jane ","state":"ny","party":"D","chamber":"Senate"}`)

	records, err := normalizeCongressMember(raw)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "A000360", rec.NaturalKey, "bioguide ids are uppercased")
	assert.Equal(t, "Doe, Jane", rec.Data["name"])
	assert.Equal(t, "NY", rec.Data["state"])
	assert.Equal(t, "senate", rec.Data["chamber"])
}

func TestNormalizeStateFeedBill(t *testing.T) {
	raw := []byte(`<item id="b1" type="bill">
		<bill>
			<session>2026</session>
			<number>a123</number>
			<title>An act relating to  parks</title>
			<status>In_Committee</status>
			<chamber>Assembly</chamber>
			<updated>2026-04-01</updated>
		</bill>
	</item>`)

	records, err := normalizeStateFeedBill(raw)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "2026|A123", rec.NaturalKey)
	assert.Equal(t, "in_committee", rec.Data["status"])
	assert.Equal(t, "house", rec.Data["chamber"], "assembly maps to house")
	assert.Equal(t, "2026-04-01", rec.Data["updated"])
}

func TestNormalizeStateFeedBillRejects(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"malformed xml", `<item><bill>`, ""},
		{"missing session", `<item><bill><number>A1</number><title>t</title></bill></item>`, "session"},
		{"missing number", `<item><bill><session>2026</session><title>t</title></bill></item>`, "number"},
		{"unknown status", `<item><bill><session>2026</session><number>A1</number><title>t</title><status>bogus</status></bill></item>`, "status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := normalizeStateFeedBill([]byte(tt.raw))
			require.Error(t, err)

			var nerr *NormalizationError
			require.ErrorAs(t, err, &nerr)
			assert.Equal(t, tt.field, nerr.Field)
		})
	}
}

func TestNormalizeStateFeedVote(t *testing.T) {
	raw := []byte(`<item id="v1" type="vote">
		<vote>
			<session>2026</session>
			<bill_number>a123</bill_number>
			<chamber>upper</chamber>
			<date>2026-04-02</date>
			<yes>40</yes>
			<no>20</no>
			<passed>true</passed>
		</vote>
	</item>`)

	records, err := normalizeStateFeedVote(raw)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "2026|A123|senate|2026-04-02", rec.NaturalKey)
	assert.Equal(t, 40, rec.Data["yes"])
	assert.Equal(t, true, rec.Data["passed"])
}

func TestNormalizeStateFeedVoteRequiresDate(t *testing.T) {
	raw := []byte(`<item><vote><session>2026</session><bill_number>A1</bill_number><chamber>senate</chamber></vote></item>`)

	_, err := normalizeStateFeedVote(raw)
	var nerr *NormalizationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "date", nerr.Field)
}

func TestNormalizeStateFeedMember(t *testing.T) {
	raw := []byte(`<item><member><member_id>m-42</member_id><name>Jane Doe</name><party>Ind</party><district>12</district></member></item>`)

	records, err := normalizeStateFeedMember(raw)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "m-42", records[0].NaturalKey)
	assert.Equal(t, "12", records[0].Data["district"])
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "a b c", cleanText("  a \t b\n c "))
	assert.Equal(t, "", cleanText("   "))
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2026-03-15", "2026-03-15", true},
		{"2026-03-15T10:30:00Z", "2026-03-15", true},
		{"03/15/2026", "2026-03-15", true},
		{"March 15, 2026", "2026-03-15", true},
		{"not a date", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := parseDate(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNormalizeChamber(t *testing.T) {
	for in, want := range map[string]string{
		"House": "house", "house of representatives": "house", "Assembly": "house", "lower": "house",
		"Senate": "senate", "upper": "senate",
	} {
		got, ok := normalizeChamber(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got)
	}

	_, ok := normalizeChamber("parliament")
	assert.False(t, ok)
}
