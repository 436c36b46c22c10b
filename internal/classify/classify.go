// Package classify implements the path classifier (C1): it parses opaque
// TSE artifact filenames into typed descriptors, derives canonical remote
// and local paths, and assigns scheduling priorities.
//
// Grounded on _examples/original_source/tse/common/pathinfo.py — the four
// ordered regexes, the leading-zero stripping, and the path-construction
// table are carried over field for field.
package classify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Variant discriminates the kinds of artifact a filename can describe.
type Variant int

const (
	VariantUnknown Variant = iota
	VariantConfig
	VariantRegular
	VariantSectionAux
	VariantVotingMachine
	VariantVotingMachineContingency
	VariantPicture
)

func (v Variant) String() string {
	switch v {
	case VariantConfig:
		return "config"
	case VariantRegular:
		return "regular"
	case VariantSectionAux:
		return "section_aux"
	case VariantVotingMachine:
		return "voting_machine"
	case VariantVotingMachineContingency:
		return "voting_machine_contingency"
	case VariantPicture:
		return "picture"
	default:
		return "unknown"
	}
}

// ErrFormatNotRecognized is returned by Parse when no pattern matches.
var ErrFormatNotRecognized = errors.New("filename format not recognized")

// ElectionConfigFilename is the single global configuration artifact.
const ElectionConfigFilename = "ele-c.json"

var (
	reRegular = regexp.MustCompile(
		`^(cert|mun)?([a-z]{2})?(\d{5})?(?:-?p(\d{6}))?(?:-c(\d{4}))?(?:-e(\d{6}))?(?:-(\d{3}))?-(\w{1,3}?)\.(\w+)$`)
	reSectionAux = regexp.MustCompile(
		`^p(\d{6})-([a-z]{2})-m(\d{5})?-z(\d{4})?-s(\d{4})?-(\w{1,3}?)\.(\w+)$`)
	reVotingMachine = regexp.MustCompile(
		`^(o|s|t)(\d{5})-(\d{5})(\d{4})(\d{4})\.(\w+)$`)
	reVotingMachineContingency = regexp.MustCompile(
		`^(\d{8})(\d{14})-(\d{2})\.(\w+)$`)
)

// regionTable maps 1-indexed candidate-state codes to region codes, exactly
// as tse/common/pathinfo.py:_cand_state_codes_order (index 28 is country-wide).
var regionTable = []string{
	"ac", "al", "ap", "am", "ba", "ce", "df", "es", "go", "ma", "mt", "ms", "mg",
	"pa", "pb", "pr", "pe", "pi", "rj", "rn", "rs", "ro", "rr", "sc", "sp", "se", "to", "br",
}

// Artifact is the descriptor produced by Parse.
type Artifact struct {
	Filename string
	Variant  Variant

	Prefix   string // "cert" or "mun", regular variant only
	Region   string
	City     string
	Candidate string
	Election string
	Plea     string
	Version  string
	Type     string // artifact-type code
	Ext      string

	Zone    string
	Section string

	VotingMachineID string
	Seq             string

	SqCand string // picture candidate sequence id

	// RemotePath is the canonical on-disk/on-wire path suffix, relative to
	// the cycle (or comum/) root. Empty when it cannot be computed from the
	// filename alone (voting_machine needs an out-of-band hash).
	RemotePath string
}

// stripLeadingZeros removes leading zeros from a numeric token, as the
// original does with str.lstrip("0"); an all-zero token collapses to "0".
func stripLeadingZeros(s string) string {
	if s == "" {
		return s
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

// padLeft re-pads a numeric token to width when reconstructing a path.
func padLeft(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// Parse classifies filename into an Artifact descriptor.
func Parse(filename string) (*Artifact, error) {
	if filename == ElectionConfigFilename {
		return &Artifact{
			Filename:   filename,
			Variant:    VariantConfig,
			Type:       "c",
			Ext:        "json",
			RemotePath: "comum/config/" + filename,
		}, nil
	}

	if strings.HasSuffix(filename, ".jpeg") {
		sqcand := strings.TrimSuffix(filename, ".jpeg")
		region, err := RegionFromSqCand(sqcand)
		if err != nil {
			return nil, err
		}
		return &Artifact{
			Filename: filename,
			Variant:  VariantPicture,
			SqCand:   sqcand,
			Region:   region,
			Ext:      "jpeg",
		}, nil
	}

	if m := reRegular.FindStringSubmatch(filename); m != nil {
		a := &Artifact{
			Filename:  filename,
			Variant:   VariantRegular,
			Prefix:    m[1],
			Region:    m[2],
			City:      numOrEmpty(m[3]),
			Plea:      numOrEmpty(m[4]),
			Candidate: numOrEmpty(m[5]),
			Election:  numOrEmpty(m[6]),
			Version:   numOrEmpty(m[7]),
			Type:      m[8],
			Ext:       m[9],
		}
		a.RemotePath = regularRemotePath(a)
		return a, nil
	}

	if m := reSectionAux.FindStringSubmatch(filename); m != nil {
		a := &Artifact{
			Filename: filename,
			Variant:  VariantSectionAux,
			Plea:     numOrEmpty(m[1]),
			Region:   m[2],
			City:     numOrEmpty(m[3]),
			Zone:     numOrEmpty(m[4]),
			Section:  numOrEmpty(m[5]),
			Type:     m[6],
			Ext:      m[7],
		}
		if a.Type == "aux" {
			a.RemotePath = fmt.Sprintf("arquivo-urna/%s/dados/%s/%s/%s/%s/%s",
				a.Plea, a.Region, padLeft(a.City, 5), padLeft(a.Zone, 4), padLeft(a.Section, 4), filename)
		}
		return a, nil
	}

	if m := reVotingMachine.FindStringSubmatch(filename); m != nil {
		a := &Artifact{
			Filename: filename,
			Variant:  VariantVotingMachine,
			Plea:     numOrEmpty(m[2]),
			City:     numOrEmpty(m[3]),
			Zone:     numOrEmpty(m[4]),
			Section:  numOrEmpty(m[5]),
			Ext:      m[6],
		}
		// RemotePath cannot be computed: depends on an out-of-band hash.
		return a, nil
	}

	if m := reVotingMachineContingency.FindStringSubmatch(filename); m != nil {
		return &Artifact{
			Filename:        filename,
			Variant:         VariantVotingMachineContingency,
			VotingMachineID: numOrEmpty(m[1]),
			Seq:             m[3],
			Ext:             m[4],
		}, nil
	}

	return nil, errors.Wrapf(ErrFormatNotRecognized, "filename %q", filename)
}

func numOrEmpty(s string) string {
	if s == "" {
		return ""
	}
	return stripLeadingZeros(s)
}

// regularRemotePath assembles the remote path for a "regular" artifact from
// its classified type code, per the path table in spec.md §4.1.
func regularRemotePath(a *Artifact) string {
	switch a.Type {
	case "a", "cm":
		return fmt.Sprintf("%s/config/%s", a.Election, a.Filename)
	case "i":
		return fmt.Sprintf("%s/config/%s/%s", a.Election, a.Region, a.Filename)
	case "r":
		return fmt.Sprintf("%s/dados-simplificados/%s/%s", a.Election, a.Region, a.Filename)
	case "f", "v", "t", "e", "ab":
		return fmt.Sprintf("%s/dados/%s/%s", a.Election, a.Region, a.Filename)
	case "cs":
		return fmt.Sprintf("arquivo-urna/%s/config/%s/%s", a.Plea, a.Region, a.Filename)
	default:
		return ""
	}
}

// RegionFromSqCand derives a candidate picture's region from the first two
// digits of its (right-justified to 12 digits) sequence id.
func RegionFromSqCand(sqcand string) (string, error) {
	padded := padLeft(sqcand, 12)
	idx, err := strconv.Atoi(padded[0:2])
	if err != nil || idx < 1 || idx > len(regionTable) {
		return "", errors.Errorf("invalid candidate sequence id %q", sqcand)
	}
	return regionTable[idx-1], nil
}

// VotingMachinePath derives the remote path for a voting_machine artifact,
// given the hash directory selected out-of-band from a section auxiliary.
func VotingMachinePath(plea, region, city, zone, section, hash, filename string) string {
	return fmt.Sprintf("arquivo-urna/%s/dados/%s/%s/%s/%s/%s/%s",
		plea, region, padLeft(city, 5), padLeft(zone, 4), padLeft(section, 4), hash, filename)
}

// PicturePath derives the remote path for a candidate picture.
func PicturePath(election, region, sqcand string) string {
	return fmt.Sprintf("%s/fotos/%s/%s.jpeg", election, region, sqcand)
}

// SectionConfigFilename builds the "cs" filename for a region.
func SectionConfigFilename(plea int, region string) string {
	return fmt.Sprintf("%s-p%s-cs.json", region, padLeft(strconv.Itoa(plea), 6))
}

// SectionAuxFilename builds the "aux" filename for a section triple.
func SectionAuxFilename(plea int, region, city, zone, section string) string {
	return fmt.Sprintf("p%s-%s-m%s-z%s-s%s-aux.json",
		padLeft(strconv.Itoa(plea), 6), region, padLeft(city, 5), padLeft(zone, 4), padLeft(section, 4))
}

// IndexFilename builds the "i" index manifest filename for (election, region).
func IndexFilename(election int, region string) string {
	return fmt.Sprintf("%s-e%s-i.json", region, padLeft(strconv.Itoa(election), 6))
}

// SigFilename derives the sibling ".sig" path for a primary JSON path, per
// tse/spiders/urna.py:query_sig (os.path.splitext(path)[0] + ".sig").
func SigFilename(path string) string {
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 {
		return path[:idx] + ".sig"
	}
	return path + ".sig"
}

// Priority computes the scheduling priority for a regular/section_aux/
// voting_machine/picture artifact, per spec.md §4.1. electionOrdinal is the
// artifact's election's 0-based position in Config.Elections (favoring
// earlier-configured elections); countryWide reports whether the artifact's
// region is the distinguished country-wide code.
func Priority(a *Artifact, electionOrdinal int, countryWide bool) int {
	p := -30 * electionOrdinal

	switch {
	case countryWide:
		p += 20
	case a.Region != "" && a.Region != "br":
		p += 10
	}

	if a.Ext == "sig" {
		p -= 2
	} else {
		switch a.Type {
		case "a", "cm", "i", "cs", "f":
			p += 6
		case "r", "aux":
			p += 4
		case "v":
			p += 2
		}
	}

	if a.Variant == VariantPicture {
		p += 1
	}

	return p
}

// ManifestPriority computes the base priority of an index-manifest fetch for
// (electionOrdinal, countryWide), per spec.md §4.1: base 1000, +50 for
// country-wide.
func ManifestPriority(electionOrdinal int, countryWide bool) int {
	p := 1000 + 30*electionOrdinal
	if countryWide {
		p += 50
	}
	return p
}

// ReindexPriority is the constant priority for re-scheduling a manifest poll.
const ReindexPriority = 3
