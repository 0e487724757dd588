package miner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/soulmesh/lifestream-backend/internal/data/events"
	"github.com/soulmesh/lifestream-backend/internal/data/repos/mining"
	types "github.com/soulmesh/lifestream-backend/internal/domain"
	apperr "github.com/soulmesh/lifestream-backend/internal/pkg/errors"
	"github.com/soulmesh/lifestream-backend/internal/platform/dbctx"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
	"github.com/soulmesh/lifestream-backend/internal/platform/redisdb"
)

// Miner runs the batch pipeline for one subject at a time: scan the event
// window, cluster geo activity, detect routines and habits, reconcile
// candidates into patterns, project insights. Subjects are independent and
// run concurrently under a bounded worker pool; a Redis lease keeps two
// processes off the same subject.
type Miner struct {
	store      events.Store
	runRepo    mining.MiningRunRepo
	reconciler *Reconciler
	projector  *Projector
	lease      *redisdb.Client
	cfg        Config
	log        *logger.Logger
	now        func() time.Time
}

func New(
	store events.Store,
	runRepo mining.MiningRunRepo,
	reconciler *Reconciler,
	projector *Projector,
	lease *redisdb.Client,
	cfg Config,
	baseLog *logger.Logger,
) *Miner {
	return &Miner{
		store:      store,
		runRepo:    runRepo,
		reconciler: reconciler,
		projector:  projector,
		lease:      lease,
		cfg:        cfg,
		log:        baseLog.With("component", "Miner"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// MineAll mines every subject active inside the current window. One
// subject's failure is logged and does not stop the others.
func (m *Miner) MineAll(ctx context.Context) error {
	now := m.now()
	windowStart, _ := m.cfg.Window(now)

	subjects, err := m.store.ActiveSubjects(ctx, windowStart)
	if err != nil {
		return fmt.Errorf("miner: list active subjects: %w", err)
	}
	sort.Slice(subjects, func(i, j int) bool {
		return subjects[i].String() < subjects[j].String()
	})

	m.log.Info("Starting mining cycle", "subjects", len(subjects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, subjectID := range subjects {
		subjectID := subjectID
		g.Go(func() error {
			if _, err := m.MineSubject(gctx, subjectID); err != nil {
				m.log.Error("Mining failed for subject", "subject_id", subjectID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info("Mining cycle finished", "subjects", len(subjects))
	return nil
}

// MineSubject runs one full cycle for one subject and records it as a
// MiningRun row. Returns the run record; a nil run means the subject was
// skipped because another process holds its lease.
func (m *Miner) MineSubject(ctx context.Context, subjectID uuid.UUID) (*types.MiningRun, error) {
	if subjectID == uuid.Nil {
		return nil, fmt.Errorf("miner: subject id required")
	}

	acquired, release, err := m.lease.AcquireLease(ctx, "miner:lease:"+subjectID.String(), m.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		m.log.Info("Subject lease held elsewhere, skipping", "subject_id", subjectID)
		return nil, nil
	}
	defer release()

	now := m.now()
	windowStart, windowEnd := m.cfg.Window(now)

	evs, err := m.store.Scan(ctx, subjectID, nil, windowStart, windowEnd, m.cfg.MaxEventsPerScan)
	if err != nil {
		return nil, fmt.Errorf("miner: scan events: %w", err)
	}
	geoEvs, err := m.store.GeoPoints(ctx, subjectID, windowStart, windowEnd, m.cfg.MaxEventsPerScan)
	if err != nil {
		return nil, fmt.Errorf("miner: scan geo points: %w", err)
	}

	run := &types.MiningRun{
		SubjectID:     subjectID,
		Status:        types.MiningRunRunning,
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
		StartedAt:     now,
		EventsScanned: len(evs),
	}
	if run, err = m.runRepo.Create(dbctx.Context{Ctx: ctx}, run); err != nil {
		return nil, fmt.Errorf("miner: record run: %w", err)
	}

	if len(evs) == 0 {
		m.finishRun(ctx, run, types.MiningRunSkipped, apperr.ErrInsufficientData.Error())
		return run, nil
	}

	clusters, candidates := m.detect(evs, geoEvs)
	run.ClustersFound = len(clusters)
	run.CandidatesDetected = len(candidates)

	if err := ctx.Err(); err != nil {
		// Cancelled before any write: nothing committed, nothing to undo.
		m.finishRun(context.Background(), run, types.MiningRunFailed, err.Error())
		return run, err
	}

	changes, err := m.reconciler.Apply(ctx, subjectID, candidates)
	if err != nil {
		m.finishRun(context.Background(), run, types.MiningRunFailed, err.Error())
		return run, err
	}
	for _, ch := range changes {
		switch ch.Kind {
		case ChangeCreated:
			run.PatternsCreated++
		case ChangeUpdated:
			run.PatternsUpdated++
		case ChangeDeactivated:
			run.PatternsDeactivated++
		}
	}

	emitted, err := m.projector.Project(ctx, subjectID, changes)
	run.InsightsEmitted = emitted
	if err != nil {
		m.finishRun(context.Background(), run, types.MiningRunFailed, err.Error())
		return run, err
	}

	m.finishRun(ctx, run, types.MiningRunSucceeded, "")
	m.log.Info("Mined subject",
		"subject_id", subjectID,
		"events", run.EventsScanned,
		"clusters", run.ClustersFound,
		"candidates", run.CandidatesDetected,
		"created", run.PatternsCreated,
		"updated", run.PatternsUpdated,
		"deactivated", run.PatternsDeactivated,
		"insights", run.InsightsEmitted)
	return run, nil
}

// detect runs the pure stages: spatial clustering, then routine and habit
// detection over each cluster's visits and each event-subtype sequence.
// Clustering input comes from the store's dedicated geo query; the full scan
// feeds the subtype groups and the visit lookup.
func (m *Miner) detect(evs, geoEvs []*types.Event) ([]Cluster, []Candidate) {
	byID := make(map[uuid.UUID]*types.Event, len(evs))
	for _, ev := range evs {
		byID[ev.ID] = ev
	}

	clusters := ClusterGeoPoints(GeoPointsFromEvents(geoEvs),
		m.cfg.EpsilonMeters, m.cfg.MinPoints, m.cfg.RadiusPercentile)

	var candidates []Candidate
	for _, c := range clusters {
		cc := ClusterCandidate(c)
		candidates = append(candidates, cc)

		var visits []*types.Event
		for _, member := range c.Members {
			if ev, ok := byID[member.EventID]; ok {
				visits = append(visits, ev)
			}
		}
		// Routines at a place keep the centroid in their descriptor so the
		// reconciler can proximity-match them after label drift.
		base := types.PatternData{
			CenterLat: cc.Data.CenterLat,
			CenterLon: cc.Data.CenterLon,
			EventType: string(types.EventGeo),
		}
		if routine := DetectRoutine(visits, PlaceLabel(c.CenterLat, c.CenterLon), m.cfg, base); routine != nil {
			candidates = append(candidates, *routine)
		}
	}

	groups := map[string][]*types.Event{}
	for _, ev := range evs {
		if ev.Type == types.EventGeo || ev.Subtype == "" {
			continue
		}
		groups[string(ev.Type)+"\x00"+ev.Subtype] = append(groups[string(ev.Type)+"\x00"+ev.Subtype], ev)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		group := groups[k]
		ev := group[0]
		base := types.PatternData{
			EventType: string(ev.Type),
			Subtype:   ev.Subtype,
		}
		if routine := DetectRoutine(group, ev.Subtype, m.cfg, base); routine != nil {
			candidates = append(candidates, *routine)
		}
		if habit := DetectHabit(group, ev.Subtype, m.cfg, base); habit != nil {
			candidates = append(candidates, *habit)
		}
	}

	return clusters, candidates
}

func (m *Miner) finishRun(ctx context.Context, run *types.MiningRun, status, errMsg string) {
	finished := m.now()
	run.Status = status
	run.FinishedAt = &finished
	run.Error = errMsg

	updates := map[string]interface{}{
		"status":               status,
		"finished_at":          finished,
		"clusters_found":       run.ClustersFound,
		"candidates_detected":  run.CandidatesDetected,
		"patterns_created":     run.PatternsCreated,
		"patterns_updated":     run.PatternsUpdated,
		"patterns_deactivated": run.PatternsDeactivated,
		"insights_emitted":     run.InsightsEmitted,
		"error":                errMsg,
	}
	if err := m.runRepo.UpdateFields(dbctx.Context{Ctx: ctx}, run.ID, updates); err != nil {
		m.log.Error("Failed to finalize mining run", "run_id", run.ID, "error", err)
	}
}
