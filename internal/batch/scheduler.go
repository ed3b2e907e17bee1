package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/internal/schedule"
	"github.com/reviewpilot/batchd/internal/store"
)

// ScheduleSummary reports what a scheduling pass did.
type ScheduleSummary struct {
	DueKeywords int      `json:"dueKeywords"`
	RunIDs      []string `json:"runIds"`
	Skipped     int      `json:"skipped"`
}

// DueScheduler turns due tracked keywords into rank runs.
type DueScheduler struct {
	store       store.Store
	enqueuer    *Enqueuer
	def         model.Schedule
	maxKeywords int
	now         func() time.Time
}

// NewDueScheduler creates a DueScheduler. def applies to keywords that
// inherit from an account without its own schedule.
func NewDueScheduler(st store.Store, enq *Enqueuer, def model.Schedule, maxKeywords int) *DueScheduler {
	return &DueScheduler{store: st, enqueuer: enq, def: def, maxKeywords: maxKeywords, now: time.Now}
}

type rankGroup struct {
	accountID string
	domain    string
	location  string
	keywords  []model.TrackedKeyword
	next      []time.Time
}

// Run enqueues one rank run per account, target domain and location for
// the keywords due now, then moves each keyword to its next slot.
// Keywords whose run could not be created for lack of credits still move
// on; other failures leave them due for the next pass.
func (d *DueScheduler) Run(ctx context.Context) (ScheduleSummary, error) {
	now := d.now().UTC()
	due, err := d.store.DueTrackedKeywords(ctx, now, d.maxKeywords)
	if err != nil {
		return ScheduleSummary{}, eris.Wrap(err, "batch: load due keywords")
	}

	groups := map[string]*rankGroup{}
	var order []string
	for _, kw := range due {
		if !schedule.IsDue(kw, now) {
			continue
		}
		s, ok := schedule.Resolve(kw, d.def)
		if !ok {
			continue
		}
		gk := kw.AccountID + "\x00" + NormalizeKey(model.ItemTypeDomain, kw.TargetDomain) + "\x00" + kw.Location
		g, ok := groups[gk]
		if !ok {
			g = &rankGroup{accountID: kw.AccountID, domain: NormalizeKey(model.ItemTypeDomain, kw.TargetDomain), location: kw.Location}
			groups[gk] = g
			order = append(order, gk)
		}
		g.keywords = append(g.keywords, kw)
		g.next = append(g.next, schedule.Next(s, now))
	}
	sort.Strings(order)

	summary := ScheduleSummary{RunIDs: []string{}}
	for _, gk := range order {
		g := groups[gk]
		summary.DueKeywords += len(g.keywords)
		log := zap.L().With(zap.String("account_id", g.accountID), zap.String("domain", g.domain))

		run, err := d.enqueue(ctx, g, now)
		switch {
		case errors.Is(err, ErrInsufficientCredits):
			log.Warn("batch: skipping scheduled ranks, insufficient credits", zap.Int("keywords", len(g.keywords)))
			summary.Skipped += len(g.keywords)
		case err != nil:
			log.Error("batch: enqueue scheduled ranks", zap.Error(err))
			summary.Skipped += len(g.keywords)
			continue
		default:
			summary.RunIDs = append(summary.RunIDs, run.ID)
		}

		for i, kw := range g.keywords {
			if err := d.store.MarkKeywordScheduled(ctx, kw.ID, now, g.next[i]); err != nil {
				log.Error("batch: mark keyword scheduled", zap.String("keyword_id", kw.ID), zap.Error(err))
			}
		}
	}
	return summary, nil
}

func (d *DueScheduler) enqueue(ctx context.Context, g *rankGroup, now time.Time) (*model.BatchRun, error) {
	params := model.RankParams{TargetDomain: g.domain, Location: g.location}
	for _, kw := range g.keywords {
		params.Keywords = append(params.Keywords, model.RankKeyword{TrackedKeywordID: kw.ID, Keyword: kw.Keyword})
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrap(err, "batch: marshal rank params")
	}
	// One slot per hour, so a pass repeated within the hour reuses the run.
	key := fmt.Sprintf("sched:%s:%s:%s:%s", g.accountID, g.domain, g.location, now.Truncate(time.Hour).Format("2006010215"))
	return d.enqueuer.Enqueue(ctx, EnqueueRequest{
		AccountID:      g.accountID,
		JobType:        model.JobTypeRank,
		Params:         raw,
		IdempotencyKey: key,
	})
}
