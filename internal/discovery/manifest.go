package discovery

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// manifestDateLayout matches the origin's "dd/mm/yyyy HH:MM:SS" timestamps,
// per tse/common/index.py:Index.expand's strptime format.
const manifestDateLayout = "02/01/2006 15:04:05"

// manifestEntry is one row of an index manifest ("arq" array).
type manifestEntry struct {
	Name string `json:"nm"`
	Date string `json:"dh"`
}

type manifestDoc struct {
	Entries []manifestEntry `json:"arq"`
	Carg    struct {
		Agr []struct {
			Par []struct {
				Cand []candidateEntry `json:"cand"`
			} `json:"par"`
		} `json:"agr"`
	} `json:"carg"`
}

type candidateEntry struct {
	SqCand string `json:"sqcand"`
}

func parseManifestDate(s string) (time.Time, error) {
	t, err := time.Parse(manifestDateLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parsing manifest date %q", s)
	}
	return t, nil
}

func parseManifest(body []byte) (manifestDoc, error) {
	var doc manifestDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return manifestDoc{}, errors.Wrap(err, "decoding manifest")
	}
	return doc, nil
}

// sectionConfigDoc is the "cs" section-configuration shape consumed by the
// urna pipeline, mirroring tse/spiders/urna.py:expand_sections's "abr"
// nesting.
type sectionConfigDoc struct {
	Abr []struct {
		Mu []struct {
			Code string `json:"cd"`
			Zon  []struct {
				Code string `json:"cd"`
				Sec  []struct {
					Number string `json:"ns"`
				} `json:"sec"`
			} `json:"zon"`
		} `json:"mu"`
	} `json:"abr"`
}

// sectionAuxDoc is the per-section auxiliary document ("aux") checked for
// totalization state and listing ballot-box file hashes.
type sectionAuxDoc struct {
	Status string           `json:"st"`
	Hashes []sectionAuxHash `json:"hashes"`
}

// sectionAuxHash is one candidate hash directory for a section, per
// spec.md §4.3's section-auxiliary shape.
type sectionAuxHash struct {
	Status    string   `json:"st"`
	Hash      string   `json:"hash"`
	Date      string   `json:"dr"`
	Hour      string   `json:"hr"`
	Filenames []string `json:"nmarq"`
}

// timestamp combines dr/hr into the hashdate, using the same layout as
// manifest entries.
func (h sectionAuxHash) timestamp() (time.Time, error) {
	t, err := time.Parse(manifestDateLayout, h.Date+" "+h.Hour)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parsing hash timestamp %q %q", h.Date, h.Hour)
	}
	return t, nil
}

// selectHash applies spec.md §4.5.2's auxiliary selection rule: among
// hashes with a complete per-hash status and hash != "0", pick the one with
// the newest (dr, hr) timestamp.
func selectHash(hashes []sectionAuxHash) (sectionAuxHash, bool) {
	var best sectionAuxHash
	var bestTime time.Time
	found := false

	for _, h := range hashes {
		if !hashIsComplete(h.Status) || h.Hash == "0" {
			continue
		}
		ts, err := h.timestamp()
		if err != nil {
			continue
		}
		if !found || ts.After(bestTime) {
			best, bestTime, found = h, ts, true
		}
	}

	return best, found
}

const (
	sectionStatusNotInstalled = "Não instalada"
	sectionStatusTotaled      = "Totalizada"
	sectionStatusReceived     = "Recebida"

	hashStatusTotaled  = "Totalizado"
	hashStatusReceived = "Recebido"
)

func sectionIsTotalized(status string) bool {
	return status == sectionStatusTotaled || status == sectionStatusReceived
}

func hashIsComplete(status string) bool {
	return status == hashStatusTotaled || status == hashStatusReceived
}
