package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/capyvara/divulga-crawler/internal/classify"
	"github.com/capyvara/divulga-crawler/internal/config"
	"github.com/capyvara/divulga-crawler/internal/fetch"
	"github.com/capyvara/divulga-crawler/internal/index"
	"github.com/capyvara/divulga-crawler/internal/persist"
	"github.com/capyvara/divulga-crawler/internal/stats"
)

// Urnas is the polling-section "urna" pipeline: section config per region →
// section enumeration → section auxiliary → ballot-box files, grounded on
// tse/spiders/urna.py.
type Urnas struct {
	*shared
	ctx context.Context
}

// NewUrnas constructs the polling-section pipeline.
func NewUrnas(ctx context.Context, cfg config.Config, store *index.Store, eng *persist.Engine, sched *fetch.Scheduler, logger log.Logger, st *stats.Stats) *Urnas {
	return &Urnas{shared: newShared(cfg, store, eng, sched, logger, st), ctx: ctx}
}

// Start schedules one section-config request per non-country-wide region,
// per tse/spiders/urna.py:query_sections_configs.
func (u *Urnas) Start() {
	for _, region := range u.cfg.States {
		if u.cfg.IsCountryWide(region) {
			continue
		}
		u.querySectionConfig(region)
	}
}

func (u *Urnas) querySectionConfig(region string) {
	filename := classify.SectionConfigFilename(u.cfg.Plea, region)
	remotePath := fmt.Sprintf("arquivo-urna/%d/config/%s/%s", u.cfg.Plea, region, filename)
	localPath := u.persist.LocalPath(remotePath)

	u.queueSig(filename, remotePath, 3)

	if body, err := os.ReadFile(localPath); err == nil {
		level.Info(u.logger).Log("msg", "reading sections config file", "filename", filename)
		var doc sectionConfigDoc
		if err := json.Unmarshal(body, &doc); err == nil {
			u.querySections(region, doc)
			return
		}
	}

	level.Info(u.logger).Log("msg", "queueing sections config file", "filename", filename)
	u.scheduler.Enqueue(fetch.Intent{
		RemotePath:  remotePath,
		Priority:    3,
		Conditional: u.conditional(u.ctx, filename, remotePath),
		Meta:        sectionConfigMeta{region: region, filename: filename},
		OnDone:      u.onSectionConfig,
	})
}

// queueSig schedules the sibling .sig request for a primary JSON path, per
// tse/spiders/urna.py:query_sig, one priority step below the primary. It is
// called unconditionally before the primary's own cache check, matching the
// open-question decision recorded in DESIGN.md.
func (u *Urnas) queueSig(primaryFilename, primaryRemotePath string, primaryPriority int) {
	sigRemotePath := classify.SigFilename(primaryRemotePath)
	localSigPath := u.persist.LocalPath(sigRemotePath)
	if _, err := os.Stat(localSigPath); err == nil {
		return
	}

	sigFilename := primaryFilename + ".sig"
	u.scheduler.Enqueue(fetch.Intent{
		RemotePath:  sigRemotePath,
		Priority:    primaryPriority - 1,
		Conditional: u.conditional(u.ctx, sigFilename, sigRemotePath),
		Meta:        sigMeta{filename: sigFilename},
		OnDone:      u.onSig,
	})
}

type sigMeta struct {
	filename string
}

func (u *Urnas) onSig(res fetch.Result) {
	if res.Err != nil || res.Outcome != fetch.OutcomeNew {
		return
	}
	if _, err := u.persist.Persist(u.ctx, res.Intent.Meta.(sigMeta).filename, res.Intent.RemotePath, toResponse(res)); err != nil {
		level.Error(u.logger).Log("msg", "failed to persist sig", "err", err)
	}
}

type sectionConfigMeta struct {
	region   string
	filename string
}

func (u *Urnas) onSectionConfig(res fetch.Result) {
	meta := res.Intent.Meta.(sectionConfigMeta)
	if res.Err != nil {
		level.Error(u.logger).Log("msg", "failed to fetch section config", "region", meta.region, "err", res.Err)
		return
	}
	if res.Outcome != fetch.OutcomeNew {
		return
	}

	if _, err := u.persist.Persist(u.ctx, meta.filename, res.Intent.RemotePath, toResponse(res)); err != nil {
		level.Error(u.logger).Log("msg", "failed to persist section config", "err", err)
	}

	var doc sectionConfigDoc
	if err := json.Unmarshal(res.Body, &doc); err != nil {
		level.Warn(u.logger).Log("msg", "malformed section config json, skipping parse", "region", meta.region)
		return
	}
	u.querySections(meta.region, doc)
}

type sectionTriple struct {
	city, zone, section string
}

func expandSections(doc sectionConfigDoc) []sectionTriple {
	var out []sectionTriple
	for _, mu := range doc.Abr {
		for _, top := range mu.Mu {
			city := stripZeros(top.Code)
			for _, zon := range top.Zon {
				zone := stripZeros(zon.Code)
				for _, sec := range zon.Sec {
					out = append(out, sectionTriple{city: city, zone: zone, section: stripZeros(sec.Number)})
				}
			}
		}
	}
	return out
}

func stripZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}

func (u *Urnas) querySections(region string, doc sectionConfigDoc) {
	triples := expandSections(doc)

	size := 0
	queued := 0

	for _, t := range triples {
		size++
		u.stats.SectionsSeen.Inc()

		filename := classify.SectionAuxFilename(u.cfg.Plea, region, t.city, t.zone, t.section)
		remotePath := fmt.Sprintf("arquivo-urna/%d/dados/%s/%s/%s/%s/%s",
			u.cfg.Plea, region, pad5(t.city), pad4(t.zone), pad4(t.section), filename)
		localPath := u.persist.LocalPath(remotePath)

		u.queueSig(filename, remotePath, 2)

		if body, err := os.ReadFile(localPath); err == nil {
			var aux sectionAuxDoc
			if err := json.Unmarshal(body, &aux); err == nil {
				if aux.Status == sectionStatusNotInstalled {
					u.stats.SectionsNotFound.Inc()
					continue
				}
				if sectionIsTotalized(aux.Status) {
					u.downloadBallotFiles(region, t, aux)
					continue
				}
			}
		}

		queued++
		level.Debug(u.logger).Log("msg", "queueing section file", "filename", filename)
		u.scheduler.Enqueue(fetch.Intent{
			RemotePath:  remotePath,
			Priority:    2,
			Conditional: u.conditional(u.ctx, filename, remotePath),
			Meta:        sectionMeta{region: region, triple: t, filename: filename},
			OnDone:      u.onSection,
		})
	}

	level.Info(u.logger).Log("msg", "queued section files", "region", region, "queued", queued, "size", size)
}

type sectionMeta struct {
	region   string
	triple   sectionTriple
	filename string
}

func (u *Urnas) onSection(res fetch.Result) {
	meta := res.Intent.Meta.(sectionMeta)
	if res.Err != nil {
		level.Error(u.logger).Log("msg", "failed to fetch section file", "filename", meta.filename, "err", res.Err)
		return
	}
	if res.Outcome != fetch.OutcomeNew {
		return
	}

	if _, err := u.persist.Persist(u.ctx, meta.filename, res.Intent.RemotePath, toResponse(res)); err != nil {
		level.Error(u.logger).Log("msg", "failed to persist section file", "err", err)
	}

	var aux sectionAuxDoc
	if err := json.Unmarshal(res.Body, &aux); err != nil {
		level.Warn(u.logger).Log("msg", "malformed section json, skipping parse", "filename", meta.filename)
		return
	}
	if aux.Status == sectionStatusNotInstalled {
		u.stats.SectionsNotFound.Inc()
		return
	}
	if !sectionIsTotalized(aux.Status) {
		return
	}
	u.downloadBallotFiles(meta.region, meta.triple, aux)
}

// downloadBallotFiles schedules the voting-machine files listed under a
// totalized section's auxiliary. spec.md §4.5.2/scenario 6: a section can
// accumulate several hash directories as totalization retries; only the
// files under the single newest (dr, hr) complete hash are fetched, never
// the union of every complete hash.
func (u *Urnas) downloadBallotFiles(region string, t sectionTriple, aux sectionAuxDoc) {
	basePath := fmt.Sprintf("arquivo-urna/%d/dados/%s/%s/%s/%s",
		u.cfg.Plea, region, pad5(t.city), pad4(t.zone), pad4(t.section))

	u.stats.SectionsProcessed.Inc()

	h, ok := selectHash(aux.Hashes)
	if !ok {
		return
	}

	for _, filename := range h.Filenames {
		u.stats.MachineFilesSeen.Inc()

		if ignore := u.cfg.IgnoreRegexp(); ignore != nil && ignore.MatchString(filename) {
			continue
		}

		remotePath := fmt.Sprintf("%s/%s/%s", basePath, h.Hash, filename)
		localPath := u.persist.LocalPath(remotePath)
		if _, err := os.Stat(localPath); err == nil {
			continue
		}

		level.Debug(u.logger).Log("msg", "queueing ballot file", "filename", filename)
		u.scheduler.Enqueue(fetch.Intent{
			RemotePath:  remotePath,
			Priority:    1,
			Conditional: u.conditional(u.ctx, filename, remotePath),
			Meta:        ballotFileMeta{filename: filename, region: region, hash: h.Hash},
			OnDone:      u.onBallotFile,
		})
	}
}

type ballotFileMeta struct {
	filename string
	region   string
	hash     string
}

// ballotFileMetadata is the index Entry.Metadata blob for a voting-machine
// file, carrying the state/hash pair needed to reconstruct its remote path
// for a validation sweep (spec.md §4.5.4).
type ballotFileMetadata struct {
	State string `json:"state"`
	Hash  string `json:"hash"`
}

func (u *Urnas) onBallotFile(res fetch.Result) {
	meta := res.Intent.Meta.(ballotFileMeta)
	if res.Err != nil {
		level.Error(u.logger).Log("msg", "failed to fetch ballot file", "filename", meta.filename, "err", res.Err)
		return
	}
	if res.Outcome != fetch.OutcomeNew {
		return
	}

	result, err := u.persist.Persist(u.ctx, meta.filename, res.Intent.RemotePath, toResponse(res))
	if err != nil {
		level.Error(u.logger).Log("msg", "failed to persist ballot file", "err", err)
		return
	}

	md, err := json.Marshal(ballotFileMetadata{State: meta.region, Hash: meta.hash})
	if err != nil {
		level.Error(u.logger).Log("msg", "failed to encode ballot file metadata", "filename", meta.filename, "err", err)
		return
	}
	entry := result.Entry
	entry.Metadata = string(md)
	if err := u.store.Put(u.ctx, meta.filename, entry); err != nil {
		level.Error(u.logger).Log("msg", "failed to stamp ballot file metadata", "filename", meta.filename, "err", err)
	}

	u.stats.MachineFilesProcessed.Inc()
}

func pad5(s string) string { return padN(s, 5) }
func pad4(s string) string { return padN(s, 4) }

func padN(s string, n int) string {
	for len(s) < n {
		s = "0" + s
	}
	return s
}
