package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/capyvara/divulga-crawler/internal/classify"
	"github.com/capyvara/divulga-crawler/internal/config"
	"github.com/capyvara/divulga-crawler/internal/fetch"
	"github.com/capyvara/divulga-crawler/internal/index"
	"github.com/capyvara/divulga-crawler/internal/persist"
	"github.com/capyvara/divulga-crawler/internal/stats"
)

// Regional is the "divulga" pipeline: config → per-(election,region) index
// manifests → files → candidate picture fan-out, grounded on
// tse/spiders/divulga.py.
type Regional struct {
	*shared
	ctx        context.Context
	continuous bool
}

// NewRegional constructs the regional pipeline. When continuous is true,
// each index manifest re-schedules itself as a deferred low-priority
// request after processing, per tse/spiders/divulga.py's reindex_request.
func NewRegional(ctx context.Context, cfg config.Config, store *index.Store, eng *persist.Engine, sched *fetch.Scheduler, logger log.Logger, st *stats.Stats, continuous bool) *Regional {
	return &Regional{shared: newShared(cfg, store, eng, sched, logger, st), ctx: ctx, continuous: continuous}
}

// Start fetches the global election config and, on success, schedules one
// index manifest request per (election, region) pair.
func (r *Regional) Start() {
	remotePath := "comum/config/" + classify.ElectionConfigFilename
	r.scheduler.Enqueue(fetch.Intent{
		RemotePath:  remotePath,
		Priority:    classify.ManifestPriority(0, true) + 100,
		Conditional: r.conditional(r.ctx, classify.ElectionConfigFilename, remotePath),
		OnDone:      r.onConfig,
	})
}

func (r *Regional) onConfig(res fetch.Result) {
	if res.Err != nil {
		level.Error(r.logger).Log("msg", "failed to fetch election config", "err", res.Err)
		return
	}

	if res.Outcome == fetch.OutcomeNew {
		if _, err := r.persist.Persist(r.ctx, classify.ElectionConfigFilename, "comum/config/"+classify.ElectionConfigFilename, toResponse(res)); err != nil {
			level.Error(r.logger).Log("msg", "failed to persist election config", "err", err)
		}
	}

	for _, election := range r.cfg.Elections {
		level.Info(r.logger).Log("msg", "queueing election", "election", election)
		r.queueElectionManifests(election)
	}
}

func (r *Regional) queueElectionManifests(election int) {
	ord := electionOrdinal(r.cfg, election)

	for _, region := range r.cfg.States {
		region := region
		filename := classify.IndexFilename(election, region)
		remotePath := fmt.Sprintf("%d/config/%s/%s", election, region, filename)
		countryWide := r.cfg.IsCountryWide(region)

		r.scheduler.Enqueue(fetch.Intent{
			RemotePath:  remotePath,
			Priority:    classify.ManifestPriority(ord, countryWide),
			Conditional: r.conditional(r.ctx, filename, remotePath),
			Meta:        manifestMeta{election: election, electionOrdinal: ord, region: region, reindexCount: 0},
			OnDone:      r.onManifest,
		})
	}
}

type manifestMeta struct {
	election        int
	electionOrdinal int
	region          string
	reindexCount    int
}

func (r *Regional) onManifest(res fetch.Result) {
	meta := res.Intent.Meta.(manifestMeta)

	if res.Err != nil {
		level.Error(r.logger).Log("msg", "failed to fetch index manifest", "election", meta.election, "region", meta.region, "err", res.Err)
		return
	}

	if res.Outcome != fetch.OutcomeNew {
		r.maybeReindex(meta)
		return
	}

	filename := classify.IndexFilename(meta.election, meta.region)
	remotePath := fmt.Sprintf("%d/config/%s/%s", meta.election, meta.region, filename)
	if _, err := r.persist.Persist(r.ctx, filename, remotePath, toResponse(res)); err != nil {
		level.Error(r.logger).Log("msg", "failed to persist index manifest", "err", err)
	}

	doc, err := parseManifest(res.Body)
	if err != nil {
		level.Warn(r.logger).Log("msg", "malformed manifest, skipping parse", "election", meta.election, "region", meta.region, "err", err)
		r.maybeReindex(meta)
		return
	}

	size, added := r.processManifestEntries(doc, meta)

	if added > 0 || meta.reindexCount == 0 {
		level.Info(r.logger).Log("msg", "parsed index", "election", meta.election, "region", meta.region, "size", size, "added", added)
	}

	r.maybeReindex(meta)
}

func (r *Regional) processManifestEntries(doc manifestDoc, meta manifestMeta) (size, added int) {
	type entry struct {
		artifact *classify.Artifact
		filedate time.Time
		priority int
	}

	var entries []entry

	for _, raw := range doc.Entries {
		size++

		if raw.Name == classify.ElectionConfigFilename {
			continue
		}

		a, err := classify.Parse(raw.Name)
		if err != nil {
			level.Debug(r.logger).Log("msg", "unrecognized filename, skipping", "filename", raw.Name)
			continue
		}

		if ignore := r.cfg.IgnoreRegexp(); ignore != nil && ignore.MatchString(raw.Name) {
			continue
		}

		countryWide := a.Prefix == "cert" || a.Prefix == "mun"
		if countryWide && meta.region != config.CountryWideRegion {
			continue
		}
		if a.Region != "" && a.Region != meta.region {
			continue
		}

		filedate, err := parseManifestDate(raw.Date)
		if err != nil {
			level.Debug(r.logger).Log("msg", "bad manifest date, skipping", "filename", raw.Name, "err", err)
			continue
		}

		priority := classify.Priority(a, meta.electionOrdinal, artifactCountryWide(r.cfg, a))
		entries = append(entries, entry{artifact: a, filedate: filedate, priority: priority})
	}

	// Sort by priority descending, matching spec.md §4.5.1 "sort entries by
	// priority descending."
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].priority > entries[j-1].priority; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}

	for _, e := range entries {
		cur, hasEntry, err := r.store.Get(r.ctx, e.artifact.Filename)
		if err == nil && hasEntry && cur.PublicationDate != nil && !cur.PublicationDate.Before(e.filedate) {
			r.stats.Dupes.Inc()
			continue
		}

		isNew, bumped := r.markPending(e.artifact.Filename, e.filedate)
		if bumped {
			r.stats.Bumped.Inc()
			level.Debug(r.logger).Log("msg", "bumped pending filedate", "filename", e.artifact.Filename)
			continue
		}
		if !isNew {
			r.stats.SkippedDupes.Inc()
			level.Debug(r.logger).Log("msg", "skipping pending duplicated query", "filename", e.artifact.Filename)
			continue
		}

		added++
		filename := e.artifact.Filename
		r.scheduler.Enqueue(fetch.Intent{
			RemotePath:  e.artifact.RemotePath,
			Priority:    e.priority,
			Conditional: r.conditional(r.ctx, filename, e.artifact.RemotePath),
			Meta:        fileMeta{artifact: e.artifact, election: meta.election},
			OnStart:     func() { r.startDownloading(filename) },
			OnDone:      r.onFile,
		})
	}

	return size, added
}

func (r *Regional) maybeReindex(meta manifestMeta) {
	if r.ctx.Err() != nil {
		return
	}
	if !r.continuous {
		return
	}

	filename := classify.IndexFilename(meta.election, meta.region)
	remotePath := fmt.Sprintf("%d/config/%s/%s", meta.election, meta.region, filename)

	r.stats.Reindexes.Inc()

	r.scheduler.Enqueue(fetch.Intent{
		RemotePath:  remotePath,
		Priority:    classify.ReindexPriority,
		DeferUntil:  time.Now().Add(60 * time.Second),
		Conditional: r.conditional(r.ctx, filename, remotePath),
		Meta:        manifestMeta{election: meta.election, electionOrdinal: meta.electionOrdinal, region: meta.region, reindexCount: meta.reindexCount + 1},
		OnDone:      r.onManifest,
	})
}

type fileMeta struct {
	artifact *classify.Artifact
	election int
}

func (r *Regional) onFile(res fetch.Result) {
	meta := res.Intent.Meta.(fileMeta)
	defer r.clearPending(meta.artifact.Filename)

	if res.Err != nil {
		level.Error(r.logger).Log("msg", "failed to fetch file", "filename", meta.artifact.Filename, "err", res.Err)
		return
	}

	if res.Outcome != fetch.OutcomeNew {
		return
	}

	// publication_date is read from the pending set rather than carried in
	// Meta, so a date-bump recorded after this request was issued but
	// before it completed still lands on the stored entry.
	filedate, _ := r.pendingDate(meta.artifact.Filename)

	resp := toResponse(res)
	resp.LastModified = filedate

	result, err := r.persist.Persist(r.ctx, meta.artifact.Filename, meta.artifact.RemotePath, resp)
	if err != nil {
		level.Error(r.logger).Log("msg", "failed to persist file", "filename", meta.artifact.Filename, "err", err)
		return
	}

	entry := result.Entry
	entry.PublicationDate = &filedate
	if err := r.store.Put(r.ctx, meta.artifact.Filename, entry); err != nil {
		level.Error(r.logger).Log("msg", "failed to stamp publication date", "filename", meta.artifact.Filename, "err", err)
	}

	if meta.artifact.Type == "f" && meta.artifact.Ext == "json" && r.cfg.DownloadPictures {
		r.queuePictures(res.Body, meta.artifact, meta.election)
	}
}

func (r *Regional) queuePictures(body []byte, a *classify.Artifact, election int) {
	var doc manifestDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		level.Warn(r.logger).Log("msg", "malformed json, skipping picture parse", "filename", a.Filename)
		return
	}

	// The routing rule keys off the manifest *file's* own cand field (e.g.
	// the "f" file for the presidency carries cand="1"), not a per-
	// candidate attribute — matching tse/spiders/divulga.py:query_pictures's
	// "President is br, others go on state specific directories".
	region := pictureRegion(r.cfg, a.Region, a.Candidate)

	added := 0
	for _, agr := range doc.Carg.Agr {
		for _, par := range agr.Par {
			for _, cand := range par.Cand {
				filename := cand.SqCand + ".jpeg"

				path := classify.PicturePath(fmt.Sprintf("%d", election), region, cand.SqCand)

				if _, indexed, err := r.store.Get(r.ctx, filename); err == nil && indexed {
					continue
				}

				isNew, _ := r.markPending(filename, time.Time{})
				if !isNew {
					continue
				}
				added++

				r.scheduler.Enqueue(fetch.Intent{
					RemotePath:  path,
					Priority:    1,
					Conditional: r.conditional(r.ctx, filename, path),
					Meta:        pictureMeta{filename: filename, election: election},
					OnDone:      r.onPicture,
				})
			}
		}
	}

	if added > 0 {
		level.Info(r.logger).Log("msg", "added pictures", "added", added)
	}
}

type pictureMeta struct {
	filename string
	election int
}

// pictureMetadata is the index Entry.Metadata blob for a picture, carrying
// the election id needed to reconstruct its remote path (spec.md §4.5.2).
type pictureMetadata struct {
	Election string `json:"election"`
}

func (r *Regional) onPicture(res fetch.Result) {
	meta := res.Intent.Meta.(pictureMeta)
	defer r.clearPending(meta.filename)

	if res.Err != nil {
		level.Error(r.logger).Log("msg", "failed to fetch picture", "filename", meta.filename, "err", res.Err)
		return
	}

	switch res.Outcome {
	case fetch.OutcomeNew:
		result, err := r.persist.Persist(r.ctx, meta.filename, res.Intent.RemotePath, toResponse(res))
		if err != nil {
			level.Error(r.logger).Log("msg", "failed to persist picture", "filename", meta.filename, "err", err)
			return
		}

		md, err := json.Marshal(pictureMetadata{Election: fmt.Sprintf("%d", meta.election)})
		if err != nil {
			level.Error(r.logger).Log("msg", "failed to encode picture metadata", "filename", meta.filename, "err", err)
			return
		}
		entry := result.Entry
		entry.Metadata = string(md)
		if err := r.store.Put(r.ctx, meta.filename, entry); err != nil {
			level.Error(r.logger).Log("msg", "failed to stamp picture metadata", "filename", meta.filename, "err", err)
		}
	case fetch.OutcomeNotFound:
		// Negative-cache: record the 403 so a later manifest pass does not
		// re-request the same missing picture every cycle.
		_ = r.store.Put(r.ctx, meta.filename, index.Entry{ETag: "404", LastModified: time.Now().UTC()})
	}
}

func toResponse(res fetch.Result) persist.Response {
	return persist.Response{
		StatusCode:   res.StatusCode,
		LastModified: res.LastModified,
		ETag:         res.ETag,
		Body:         res.Body,
	}
}

