// Package engine drives the reconciliation pipeline: dedup, assignment
// resolution, label stabilization, gating, fingerprinting, publish and
// retraction.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"crewline/internal/assign"
	"crewline/internal/chat"
	"crewline/internal/config"
	"crewline/internal/dedup"
	"crewline/internal/domain"
	"crewline/internal/duedate"
	"crewline/internal/effect"
	"crewline/internal/events"
	"crewline/internal/fingerprint"
	"crewline/internal/gate"
	"crewline/internal/lifecycle"
	"crewline/internal/signing"
	"crewline/internal/stabilize"
)

// RecordSystem is the slice of the CRM surface the pipeline needs.
type RecordSystem interface {
	Activity(ctx context.Context, id string) (domain.Activity, error)
	Deal(ctx context.Context, id string) (domain.Deal, error)
	OpenActivities(ctx context.Context) ([]domain.Activity, error)
	DealActivities(ctx context.Context, dealID string) ([]domain.Activity, error)
	UpdateSubject(ctx context.Context, id, subject string) error
	MarkDone(ctx context.Context, id string) error
	CreateNote(ctx context.Context, dealID, content string) error
	UploadFile(ctx context.Context, dealID, name string, content []byte) error
}

// Messenger is the slice of the chat surface the pipeline needs.
type Messenger interface {
	lifecycle.Messenger
	JoinChannel(ctx context.Context, channelID string) error
	PostMessage(ctx context.Context, channelID, text string) (chat.Message, error)
	UploadFile(ctx context.Context, channelID, filename string, content []byte, comment string) (chat.File, error)
}

// Renderer produces the printable work order attached to a publish. The
// rendering itself is an external collaborator; a nil Renderer publishes
// message-only.
type Renderer interface {
	WorkOrder(ctx context.Context, act domain.Activity, deal *domain.Deal) (name string, content []byte, err error)
}

// Engine owns the five derived stores and runs the pipeline. It is
// constructed once at startup and passed explicitly to every invocation;
// there is no ambient global state. All stores share the engine's clock.
type Engine struct {
	CRM      RecordSystem
	Chat     Messenger
	Config   *config.Config
	Events   events.Writer
	Renderer Renderer

	Dedup      *dedup.Filter
	Fingers    *fingerprint.Gate
	Stabilizer *stabilize.Store
	Posts      *lifecycle.Tracker
	Resolver   assign.Resolver
	Policy     gate.Policy
	Normalizer duedate.Normalizer
	Signer     signing.Signer

	Now func() time.Time
}

// New wires an engine from config. The caller may reassign Now afterwards;
// all stores read the clock through the engine.
func New(cfg *config.Config, rs RecordSystem, m Messenger) *Engine {
	e := &Engine{
		CRM:    rs,
		Chat:   m,
		Config: cfg,
		Now:    time.Now,
	}
	e.Dedup = dedup.New(cfg.DedupBucket())
	e.Dedup.Now = e.now
	e.Fingers = fingerprint.New(cfg.FingerprintTTL())
	e.Fingers.Now = e.now
	e.Stabilizer = stabilize.NewStore(cfg.RenameWindow(), cfg.RenameAttempts())
	e.Stabilizer.Now = e.now
	e.Posts = lifecycle.New(m, cfg.HistoryLookback())
	e.Resolver = assign.Resolver{
		TeamNames:        cfg.TeamNames(),
		Channels:         cfg.TeamChannels(),
		ActivityFieldKey: cfg.CRM.TeamFieldKey,
		DealFieldKey:     cfg.CRM.DealTeamFieldKey,
	}
	e.Policy = gate.Policy{
		AllowedTypes:    cfg.Publish.AllowedTypes,
		BlockedTypes:    cfg.Publish.BlockedTypes,
		BlockedSubjects: cfg.Publish.BlockedSubjects,
	}
	e.Normalizer = duedate.Normalizer{
		Reference: cfg.ReferenceLocation(),
		Source:    cfg.SourceLocation(),
	}
	e.Signer = signing.Signer{
		Secret:  []byte(cfg.Links.Secret),
		BaseURL: cfg.Links.BaseURL,
		TTL:     cfg.LinkTTL(),
		Now:     e.now,
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TargetDate returns the reference-zone calendar date offset days from now.
func (e *Engine) TargetDate(offsetDays int) string {
	return e.now().In(e.Normalizer.Reference).AddDate(0, 0, offsetDays).Format("2006-01-02")
}

// HandleNotification runs the pipeline for one inbound change notification.
// Deal-level notifications fan out over the deal's open activities.
func (e *Engine) HandleNotification(ctx context.Context, n domain.Notification) error {
	switch n.Meta.Entity {
	case domain.EntityActivity:
		return e.handleActivity(ctx, n)
	case domain.EntityDeal:
		return e.handleDeal(ctx, n)
	default:
		return fmt.Errorf("unsupported entity %q", n.Meta.Entity)
	}
}

func (e *Engine) handleActivity(ctx context.Context, n domain.Notification) error {
	var snap domain.Activity
	if len(n.Current) > 0 {
		if err := json.Unmarshal(n.Current, &snap); err != nil {
			return fmt.Errorf("decode activity snapshot: %w", err)
		}
	} else if len(n.Previous) > 0 {
		_ = json.Unmarshal(n.Previous, &snap)
	}
	if snap.ID == "" {
		snap.ID = n.Meta.EntityID
	}
	if snap.ID == "" {
		return fmt.Errorf("notification carries no activity id")
	}
	if n.Meta.Action == domain.ActionDelete {
		e.forget(ctx, snap.ID)
		e.append(ctx, "activity.deleted", snap.ID, snap.DealID, nil)
		return nil
	}
	// Done activities are terminal: never resolved, stabilized, gated or
	// published. A previously published post is taken down.
	if snap.Done {
		e.forget(ctx, snap.ID)
		e.append(ctx, "activity.done", snap.ID, snap.DealID, nil)
		return nil
	}
	// The dedup check-and-insert must complete before the first suspension
	// point, or a redelivered notification slips through mid-fetch.
	if e.Config.DedupEnabled() && e.Dedup.AlreadyHandled(n.Meta, snap) {
		e.append(ctx, "notification.deduped", snap.ID, snap.DealID, events.EventPayload{
			"request_id": n.Meta.RequestID,
		})
		return nil
	}
	act, err := e.CRM.Activity(ctx, snap.ID)
	if err != nil {
		return fmt.Errorf("fetch activity %s: %w", snap.ID, err)
	}
	return e.Reconcile(ctx, act, e.TargetDate(0))
}

func (e *Engine) handleDeal(ctx context.Context, n domain.Notification) error {
	var snap domain.Deal
	if len(n.Current) > 0 {
		_ = json.Unmarshal(n.Current, &snap)
	}
	id := snap.ID
	if id == "" {
		id = n.Meta.EntityID
	}
	if id == "" {
		return fmt.Errorf("notification carries no deal id")
	}
	if n.Meta.Action == domain.ActionDelete {
		e.append(ctx, "deal.deleted", "", id, nil)
		return nil
	}
	acts, err := e.CRM.DealActivities(ctx, id)
	if err != nil {
		return fmt.Errorf("list activities of deal %s: %w", id, err)
	}
	target := e.TargetDate(0)
	e.append(ctx, "deal.fanout", "", id, events.EventPayload{"activities": len(acts)})
	// Sequential by design: one external call in flight per notification.
	for _, act := range acts {
		if err := e.Reconcile(ctx, act, target); err != nil {
			log.Printf("engine: fan-out reconcile activity %s: %v", act.ID, err)
		}
	}
	return nil
}

// Reconcile runs resolution, stabilization, gating, fingerprinting and
// publish for one activity against the target calendar date.
func (e *Engine) Reconcile(ctx context.Context, act domain.Activity, targetDate string) error {
	if act.Done {
		e.forget(ctx, act.ID)
		return nil
	}
	// Type and subject blocks drop the activity before it reaches the
	// resolver or any external call.
	if e.Policy.Blocked(act) {
		e.append(ctx, "activity.skipped", act.ID, act.DealID, nil)
		return nil
	}
	var deal *domain.Deal
	if act.DealID != "" {
		d, err := e.CRM.Deal(ctx, act.DealID)
		if err != nil {
			// An absent deal resolves to the safe default: treat the
			// activity as parentless rather than failing the run.
			log.Printf("engine: fetch deal %s: %v", act.DealID, err)
		} else {
			deal = &d
		}
	}
	due, dated := e.Normalizer.Normalize(act.DueDate, act.DueTime)
	res := e.Resolver.Resolve(act, deal, true)
	act.Subject = e.stabilizeLabel(ctx, act, res)

	switch e.Policy.Check(act, deal, due, dated, targetDate) {
	case gate.Skip:
		e.append(ctx, "activity.skipped", act.ID, act.DealID, nil)
		return nil
	case gate.SkipRetract:
		// Only a today-targeted run may take a post down for a date miss;
		// a look-ahead run targets a future date and must not touch posts
		// that are valid for today.
		if targetDate != e.TargetDate(0) {
			return nil
		}
		if _, ok := e.Posts.Get(act.ID); ok {
			e.Posts.Retract(ctx, act.ID)
			e.append(ctx, "activity.retracted", act.ID, act.DealID, events.EventPayload{
				"reason": "date",
			})
		} else if res.Channel != "" {
			// No handle means a restart wiped the tracker; the marker
			// embedded in every post still finds the survivor.
			e.Posts.RetractByMarker(ctx, res.Channel, act.ID)
		}
		return nil
	}

	// A surviving post on another channel means the activity was
	// reassigned; take the stale post down before publishing anew.
	if rec, ok := e.Posts.Get(act.ID); ok && rec.Channel != res.Channel {
		e.Posts.Retract(ctx, act.ID)
		e.append(ctx, "activity.retracted", act.ID, act.DealID, events.EventPayload{
			"reason": "reassigned",
		})
	}
	if !res.Resolved() || res.Channel == "" {
		e.append(ctx, "activity.unrouted", act.ID, act.DealID, events.EventPayload{
			"source": string(res.Source),
		})
		return nil
	}
	if !e.Fingers.ShouldPublish(act.ID, fingerprint.Fields{
		Subject:  act.Subject,
		DueDate:  due.Date,
		DueTime:  due.DisplayTime,
		TeamName: res.TeamName,
		DealID:   act.DealID,
		Note:     act.Note,
	}) {
		e.append(ctx, "activity.unchanged", act.ID, act.DealID, nil)
		return nil
	}
	return e.publish(ctx, act, deal, res, due)
}

// stabilizeLabel performs the idempotent rename and feeds the rename
// stabilizer. It returns the subject the rest of the pipeline should see.
// A failed rename never blocks the pipeline.
func (e *Engine) stabilizeLabel(ctx context.Context, act domain.Activity, res domain.Resolution) string {
	if !res.Resolved() {
		return act.Subject
	}
	if e.Stabilizer.Armed(act.ID) {
		if crew, ok := e.Stabilizer.DesiredCrew(act.ID); !ok || crew == res.TeamName {
			desired, rewrite := e.Stabilizer.Observe(act.ID, act.Subject)
			if !rewrite {
				return act.Subject
			}
			if err := e.CRM.UpdateSubject(ctx, act.ID, desired); err != nil {
				log.Printf("engine: corrective rename of %s: %v", act.ID, err)
				return act.Subject
			}
			e.append(ctx, "activity.renamed", act.ID, act.DealID, events.EventPayload{
				"subject":    desired,
				"corrective": true,
			})
			return desired
		}
		// The crew changed mid-window; the old defence is obsolete and a
		// fresh rename cycle starts below.
	}
	// Any leftover record here is window-expired or defends a stale crew;
	// a fresh arm cycle may start below.
	e.Stabilizer.Drop(act.ID)

	mode := e.Config.RenameModeOrDefault()
	if mode == config.RenameNever {
		return act.Subject
	}
	// In missing mode an existing tag is left alone only while it names the
	// resolved crew; a stale tag after reassignment is still rewritten.
	if mode == config.RenameMissing && stabilize.HasCrew(act.Subject) &&
		strings.EqualFold(stabilize.EmbeddedCrew(act.Subject), res.TeamName) {
		return act.Subject
	}
	desired := stabilize.EmbedCrew(act.Subject, res.TeamName)
	if desired == act.Subject {
		return act.Subject
	}
	if err := e.CRM.UpdateSubject(ctx, act.ID, desired); err != nil {
		log.Printf("engine: rename of %s: %v", act.ID, err)
		return act.Subject
	}
	e.Stabilizer.Arm(act.ID, res.TeamName, desired)
	e.append(ctx, "activity.renamed", act.ID, act.DealID, events.EventPayload{
		"subject": desired,
	})
	return desired
}

func (e *Engine) publish(ctx context.Context, act domain.Activity, deal *domain.Deal, res domain.Resolution, due duedate.Due) error {
	if _, ok := e.Posts.Get(act.ID); !ok {
		// Untracked but possibly published before a restart: sweep the
		// channel for a marked survivor so the fresh post replaces it
		// instead of duplicating it.
		e.Posts.RetractByMarker(ctx, res.Channel, act.ID)
	}
	effect.BestEffort("join channel", func() error {
		return e.Chat.JoinChannel(ctx, res.Channel)
	})
	text := e.renderMessage(act, deal, res, due)
	msg, err := e.Chat.PostMessage(ctx, res.Channel, text)
	if err != nil {
		return fmt.Errorf("publish activity %s: %w", act.ID, err)
	}
	rec := lifecycle.Record{Channel: res.Channel, MessageID: msg.ID}
	if e.Renderer != nil {
		name, content, err := e.Renderer.WorkOrder(ctx, act, deal)
		if err != nil {
			log.Printf("engine: render work order for %s: %v", act.ID, err)
		} else {
			file, err := e.Chat.UploadFile(ctx, res.Channel, name, content,
				"Work order: "+stabilize.StripCrew(act.Subject))
			if err != nil {
				log.Printf("engine: upload work order for %s: %v", act.ID, err)
			} else {
				rec.Attachments = append(rec.Attachments, file.ID)
			}
			if act.DealID != "" {
				// Archive a copy on the deal so the work order survives
				// channel retraction.
				effect.BestEffort("archive work order", func() error {
					return e.CRM.UploadFile(ctx, act.DealID, name, content)
				})
			}
		}
	}
	e.Posts.Track(act.ID, rec)
	e.append(ctx, "activity.published", act.ID, act.DealID, events.EventPayload{
		"channel": res.Channel,
		"team":    res.TeamName,
		"message": msg.ID,
	})
	return nil
}

func (e *Engine) renderMessage(act domain.Activity, deal *domain.Deal, res domain.Resolution, due duedate.Due) string {
	var b strings.Builder
	b.WriteString("*" + act.Subject + "*\n")
	b.WriteString("Due: " + due.DisplayDate)
	if due.DisplayTime != "" {
		b.WriteString(" " + due.DisplayTime)
	}
	b.WriteString("\n")
	if deal != nil {
		if deal.Title != "" {
			b.WriteString("Deal: " + deal.Title + "\n")
		}
		if deal.Address != "" {
			b.WriteString("Address: " + deal.Address + "\n")
		}
	}
	if note := noteExcerpt(act.Note); note != "" {
		b.WriteString("Note: " + note + "\n")
	}
	b.WriteString("Complete: " + e.Signer.CompleteURL(act.ID, act.DealID, res.Channel) + "\n")
	b.WriteString(lifecycle.Marker(act.ID))
	return b.String()
}

// CompleteActivity services a verified completion link: marks the activity
// done upstream, leaves a note on the deal and takes the channel post down.
func (e *Engine) CompleteActivity(ctx context.Context, aid, did string) error {
	if err := e.CRM.MarkDone(ctx, aid); err != nil {
		return fmt.Errorf("mark activity %s done: %w", aid, err)
	}
	if did != "" {
		effect.BestEffort("completion note", func() error {
			return e.CRM.CreateNote(ctx, did, "Activity completed via crew link.")
		})
	}
	e.forget(ctx, aid)
	e.append(ctx, "activity.completed", aid, did, nil)
	return nil
}

// RunForDate reconciles every open activity against a target date: today
// for the daily runner, a future date for the look-ahead runner. Each run
// carries an id so its audit events can be correlated.
func (e *Engine) RunForDate(ctx context.Context, offsetDays int) (int, error) {
	acts, err := e.CRM.OpenActivities(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open activities: %w", err)
	}
	runID := uuid.NewString()
	target := e.TargetDate(offsetDays)
	e.append(ctx, "run.started", "", "", events.EventPayload{
		"run":        runID,
		"target":     target,
		"activities": len(acts),
	})
	for _, act := range acts {
		if err := e.Reconcile(ctx, act, target); err != nil {
			log.Printf("engine: run %s: reconcile activity %s: %v", runID, act.ID, err)
		}
	}
	e.append(ctx, "run.finished", "", "", events.EventPayload{"run": runID})
	return len(acts), nil
}

// Stats reports the derived-store sizes for the status surface.
type Stats struct {
	DedupKeys    int `json:"dedup_keys"`
	Fingerprints int `json:"fingerprints"`
	Stabilizers  int `json:"stabilizers"`
	TrackedPosts int `json:"tracked_posts"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		DedupKeys:    e.Dedup.Len(),
		Fingerprints: e.Fingers.Len(),
		Stabilizers:  e.Stabilizer.Len(),
		TrackedPosts: e.Posts.Len(),
	}
}

// forget retracts any tracked post and drops all derived records for an
// activity that left the pipeline. Without a handle (a restart wiped the
// tracker, and a deleted or done activity carries no resolution to narrow
// the search) every routed channel is swept for the activity marker.
func (e *Engine) forget(ctx context.Context, activityID string) {
	if _, ok := e.Posts.Get(activityID); ok {
		e.Posts.Retract(ctx, activityID)
	} else {
		for _, channel := range e.Resolver.Channels {
			e.Posts.RetractByMarker(ctx, channel, activityID)
		}
	}
	e.Fingers.Forget(activityID)
	e.Stabilizer.Drop(activityID)
}

func (e *Engine) append(ctx context.Context, evtType, activityID, dealID string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, evtType, activityID, dealID, payload); err != nil {
		log.Printf("engine: append %s event: %v", evtType, err)
	}
}

var tagRE = regexp.MustCompile(`<[^>]*>`)

func noteExcerpt(note string) string {
	plain := strings.Join(strings.Fields(tagRE.ReplaceAllString(note, " ")), " ")
	runes := []rune(plain)
	if len(runes) > 200 {
		return string(runes[:200]) + "…"
	}
	return plain
}
