package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	a, err := Parse(ElectionConfigFilename)
	require.NoError(t, err)
	assert.Equal(t, VariantConfig, a.Variant)
	assert.Equal(t, "comum/config/ele-c.json", a.RemotePath)
}

func TestParseRegularFixed(t *testing.T) {
	a, err := Parse("br-e000544-f.json")
	require.NoError(t, err)
	assert.Equal(t, VariantRegular, a.Variant)
	assert.Equal(t, "br", a.Region)
	assert.Equal(t, "544", a.Election)
	assert.Equal(t, "f", a.Type)
	assert.Equal(t, "544/dados/br/br-e000544-f.json", a.RemotePath)
}

func TestParseRegularIndex(t *testing.T) {
	a, err := Parse("sp-e000544-i.json")
	require.NoError(t, err)
	assert.Equal(t, "sp", a.Region)
	assert.Equal(t, "i", a.Type)
	assert.Equal(t, "544/config/sp/sp-e000544-i.json", a.RemotePath)
}

func TestParseRegularCountryWidePrefix(t *testing.T) {
	a, err := Parse("cert-e000544-a.json")
	require.NoError(t, err)
	assert.Equal(t, "cert", a.Prefix)
	assert.Equal(t, "544", a.Election)
	assert.Equal(t, "a", a.Type)
}

func TestParseSectionConfig(t *testing.T) {
	a, err := Parse("sp-p000407-cs.json")
	require.NoError(t, err)
	assert.Equal(t, "sp", a.Region)
	assert.Equal(t, "407", a.Plea)
	assert.Equal(t, "cs", a.Type)
}

func TestParseSectionAux(t *testing.T) {
	a, err := Parse("p000407-sp-m12345-z0001-s0010-aux.json")
	require.NoError(t, err)
	assert.Equal(t, VariantSectionAux, a.Variant)
	assert.Equal(t, "407", a.Plea)
	assert.Equal(t, "sp", a.Region)
	assert.Equal(t, "12345", a.City)
	assert.Equal(t, "1", a.Zone)
	assert.Equal(t, "10", a.Section)
	assert.Equal(t, "arquivo-urna/407/dados/sp/12345/0001/0010/p000407-sp-m12345-z0001-s0010-aux.json", a.RemotePath)
}

func TestParseVotingMachine(t *testing.T) {
	a, err := Parse("o00407-1234500010010.logjez")
	require.NoError(t, err)
	assert.Equal(t, VariantVotingMachine, a.Variant)
	assert.Equal(t, "407", a.Plea)
	assert.Equal(t, "12345", a.City)
	assert.Equal(t, "1", a.Zone)
	assert.Equal(t, "10", a.Section)
	assert.Empty(t, a.RemotePath)
}

func TestParseVotingMachineContingency(t *testing.T) {
	a, err := Parse("1234567820221002193000-01.dat")
	require.NoError(t, err)
	assert.Equal(t, VariantVotingMachineContingency, a.Variant)
	assert.Equal(t, "12345678", a.VotingMachineID)
	assert.Equal(t, "01", a.Seq)
}

func TestParsePicture(t *testing.T) {
	a, err := Parse("010000000123.jpeg")
	require.NoError(t, err)
	assert.Equal(t, VariantPicture, a.Variant)
	assert.Equal(t, "010000000123", a.SqCand)
	assert.Equal(t, "ac", a.Region)
}

func TestParsePictureCountryWide(t *testing.T) {
	a, err := Parse("280000000999.jpeg")
	require.NoError(t, err)
	assert.Equal(t, "br", a.Region)
}

func TestParseUnrecognized(t *testing.T) {
	_, err := Parse("totally-not-a-valid-name")
	require.Error(t, err)
}

func TestVotingMachinePath(t *testing.T) {
	path := VotingMachinePath("407", "sp", "12345", "0001", "0010", "abc123", "o00407-1234500010010.logjez")
	assert.Equal(t, "arquivo-urna/407/dados/sp/12345/0001/0010/abc123/o00407-1234500010010.logjez", path)
}

func TestPicturePath(t *testing.T) {
	assert.Equal(t, "544/fotos/sp/010000000123.jpeg", PicturePath("544", "sp", "010000000123"))
}

func TestSigFilename(t *testing.T) {
	assert.Equal(t, "arquivo-urna/407/config/sp/sp-p000407-cs.sig", SigFilename("arquivo-urna/407/config/sp/sp-p000407-cs.json"))
}

func TestPriorityCountryWideBeatsStateWide(t *testing.T) {
	country := &Artifact{Type: "f"}
	state := &Artifact{Type: "f", Region: "sp"}
	assert.Greater(t, Priority(country, 0, true), Priority(state, 0, false))
}

func TestPriorityEarlierElectionWins(t *testing.T) {
	a := &Artifact{Type: "f"}
	assert.Greater(t, Priority(a, 0, false), Priority(a, 1, false))
}

func TestPrioritySignatureLowest(t *testing.T) {
	sig := &Artifact{Type: "cs", Ext: "sig"}
	variable := &Artifact{Type: "v"}
	assert.Less(t, Priority(sig, 0, false), Priority(variable, 0, false))
}

func TestPriorityFixedMatchesConfigTier(t *testing.T) {
	fixed := &Artifact{Type: "f"}
	config := &Artifact{Type: "cs"}
	results := &Artifact{Type: "r"}
	assert.Equal(t, Priority(config, 0, false), Priority(fixed, 0, false))
	assert.Greater(t, Priority(fixed, 0, false), Priority(results, 0, false))
}
