package cgminer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhive/minerctl/pkg/miner"
)

const antminerStats = `{"STATUS":[{"STATUS":"S","When":1700000000,"Code":70,"Msg":"CGMiner stats","Description":"cgminer 4.9.0"}],
"STATS":[{"BMMiner":"2.0.0","Miner":"16.8.1.3","CompileTime":"Fri Nov 17 2017","Type":"Antminer S9"},
{"STATS":0,"ID":"BC50","Elapsed":100,"GHS 5s":"13500.11"}],"id":1}`

func TestParseReplyStats(t *testing.T) {
	r, err := ParseReply([]byte(antminerStats))
	require.NoError(t, err)
	require.NotNil(t, r.Stats)
	assert.Nil(t, r.Bare)

	require.Len(t, r.Stats.Stats, 2)
	assert.Equal(t, SectionAntminerVersion, r.Stats.Stats[0].Kind())
	assert.Equal(t, SectionDevice, r.Stats.Stats[1].Kind())

	typ, ok := r.Stats.Stats[0].String("Type")
	assert.True(t, ok)
	assert.Equal(t, "Antminer S9", typ)
}

func TestParseReplyBareStatus(t *testing.T) {
	in := `{"STATUS":"E","When":"1700000000","Code":14,"Msg":"invalid cmd","Description":"whatsminer v1.3"}`
	r, err := ParseReply([]byte(in))
	require.NoError(t, err)
	require.NotNil(t, r.Bare)
	assert.Equal(t, StatusError, r.Bare.Status)
	assert.Equal(t, 14, r.Bare.Code)
	assert.Equal(t, Number(1700000000), r.Bare.When)
}

func TestParseReplyInvalid(t *testing.T) {
	for _, in := range []string{`not json`, `{"id":1}`, `{"STATUS":5}`} {
		_, err := ParseReply([]byte(in))
		assert.ErrorIs(t, err, miner.ErrInvalidResponse, in)
	}
}

func TestSectionKinds(t *testing.T) {
	tests := []struct {
		in   Section
		want SectionKind
	}{
		{Section{"Pool Calls": nil, "STATS": nil, "ID": nil, "Elapsed": nil}, SectionPool},
		{Section{AvalonKey: nil, "STATS": nil, "ID": nil, "Elapsed": nil}, SectionAvalon},
		{Section{"STATS": nil, "ID": nil, "Elapsed": nil, "Type": nil}, SectionDevice},
		{Section{"Miner": nil, "CompileTime": nil}, SectionAntminerVersion},
		{Section{"foo": nil}, SectionUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.Kind())
	}
}

func TestSanitize(t *testing.T) {
	in := `{"SUMMARY":[{"MHS av":inf,"Temp":nan,"x":"info",},],"id":1}`
	var out struct {
		Summary []struct {
			MHSav Number `json:"MHS av"`
			X     string `json:"x"`
		} `json:"SUMMARY"`
	}
	require.NoError(t, Unmarshal([]byte(in), &out))
	require.Len(t, out.Summary, 1)
	assert.Equal(t, "info", out.Summary[0].X)
}

func TestCheckStatus(t *testing.T) {
	assert.NoError(t, CheckStatus(miner.VendorAvalon, "ascset", []Status{{Status: StatusInfo}}))

	err := CheckStatus(miner.VendorAvalon, "ascset", []Status{{Status: StatusError, Code: 45, Msg: "Access denied"}})
	var apiErr *miner.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Access denied", apiErr.Message)

	assert.ErrorIs(t, CheckStatus(miner.VendorAvalon, "x", nil), miner.ErrInvalidResponse)
}
