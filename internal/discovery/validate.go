package discovery

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/capyvara/divulga-crawler/internal/classify"
	"github.com/capyvara/divulga-crawler/internal/config"
	"github.com/capyvara/divulga-crawler/internal/index"
	"github.com/capyvara/divulga-crawler/internal/persist"
)

// mtimeTolerance is the slack spec.md §4.5.4 allows between an entry's
// stored last_modified and its local file's actual mtime before the entry
// is considered stale.
const mtimeTolerance = 2 * time.Second

// NewValidatePredicate builds the index validation sweep's predicate
// (spec.md §4.5.4): for every entry, classify its filename, reconstruct the
// canonical local path (synthesizing it from Entry.Metadata for the
// variants whose path depends on out-of-band state), and drop the entry if
// the local file is missing, its mtime has drifted from the stored
// last_modified by more than mtimeTolerance, or its embedded plea/election
// does not match the current run's configuration.
func NewValidatePredicate(cfg config.Config, eng *persist.Engine) index.ValidatePredicate {
	return func(filename string, e index.Entry) (bool, error) {
		a, err := classify.Parse(filename)
		if err != nil {
			return false, nil
		}

		relPath, ok := validationPath(a, e)
		if !ok {
			return true, nil
		}

		if !electionOrPleaMatches(cfg, a, e) {
			return false, nil
		}

		info, err := os.Stat(eng.LocalPath(relPath))
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		drift := info.ModTime().Sub(e.LastModified)
		if drift < 0 {
			drift = -drift
		}
		return drift <= mtimeTolerance, nil
	}
}

// validationPath reconstructs filename's canonical local path for the
// validation sweep. Variants whose path cannot be derived from the
// filename alone fall back to the metadata blob stamped at persist time
// (ballotFileMetadata for voting_machine, pictureMetadata for picture); ok
// is false when neither the filename nor the metadata yields a path, in
// which case the entry is left untouched rather than dropped.
func validationPath(a *classify.Artifact, e index.Entry) (relPath string, ok bool) {
	switch a.Variant {
	case classify.VariantVotingMachine:
		var md ballotFileMetadata
		if err := json.Unmarshal([]byte(e.Metadata), &md); err != nil || md.State == "" || md.Hash == "" {
			return "", false
		}
		return classify.VotingMachinePath(a.Plea, md.State, a.City, a.Zone, a.Section, md.Hash, a.Filename), true

	case classify.VariantPicture:
		var md pictureMetadata
		if err := json.Unmarshal([]byte(e.Metadata), &md); err != nil || md.Election == "" {
			return "", false
		}
		return classify.PicturePath(md.Election, a.Region, a.SqCand), true

	case classify.VariantVotingMachineContingency:
		// Never scheduled by either pipeline; nothing to validate against.
		return "", false

	default:
		if a.RemotePath == "" {
			return "", false
		}
		return a.RemotePath, true
	}
}

// electionOrPleaMatches reports whether a's embedded election or plea (the
// dimension relevant to its variant) is among the current run's configured
// set, per spec.md §4.5.4's "embedded plea/election does not match the
// current run's configuration."
func electionOrPleaMatches(cfg config.Config, a *classify.Artifact, e index.Entry) bool {
	switch a.Variant {
	case classify.VariantRegular:
		if a.Election == "" {
			return true
		}
		election, err := strconv.Atoi(a.Election)
		if err != nil {
			return false
		}
		return intInSlice(cfg.Elections, election)

	case classify.VariantSectionAux, classify.VariantVotingMachine:
		if a.Plea == "" {
			return true
		}
		plea, err := strconv.Atoi(a.Plea)
		if err != nil {
			return false
		}
		return plea == cfg.Plea

	case classify.VariantPicture:
		var md pictureMetadata
		if err := json.Unmarshal([]byte(e.Metadata), &md); err != nil || md.Election == "" {
			return true
		}
		election, err := strconv.Atoi(md.Election)
		if err != nil {
			return false
		}
		return intInSlice(cfg.Elections, election)

	default:
		return true
	}
}

func intInSlice(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
