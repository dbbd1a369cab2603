// Package unverify removes Verified votes from every open change in a topic
// whenever the topic, or one of its changes, is modified.
//
// Handled cases:
//   - a change has its topic added, removed or changed
//   - a change with a topic is abandoned or restored
//   - a change with a topic gets a new, non-trivial patch set (this includes
//     the first patch set of a new change joining an existing topic)
//
// When a topic is changed both the old and the new topic are unverified.
package unverify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mrmod/gerrit-verify/backend"
	"github.com/mrmod/gerrit-verify/gerrit"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultMaxTopicChanges is the largest number of changes a single topic may
// match before the run is abandoned as a likely misconfiguration.
const DefaultMaxTopicChanges = 40

var ErrNoBotAccount = errors.New("unverify: gerrit-bot-username is not configured")

// ChangeService finds changes.
type ChangeService interface {
	QueryChanges(ctx context.Context, query string, limit int, options ...gerrit.QueryOption) ([]gerrit.ChangeInfo, error)
	GetChange(ctx context.Context, id string, options ...gerrit.QueryOption) (*gerrit.ChangeInfo, error)
}

// VoteService removes votes while impersonating another account.
type VoteService interface {
	DeleteVote(ctx context.Context, runAs gerrit.AccountID, change, reviewer, label string, input *gerrit.DeleteVoteInput) error
}

// AccountService resolves account names.
type AccountService interface {
	GetAccount(ctx context.Context, id string) (*gerrit.AccountInfo, error)
}

type Config struct {
	// BotUsername is the account vote deletions are performed as.
	BotUsername string
	// MaxTopicChanges caps how many changes one topic may match. Zero
	// means DefaultMaxTopicChanges.
	MaxTopicChanges int
}

// Propagator reacts to change events by clearing Verified votes across a topic.
type Propagator struct {
	Changes  ChangeService
	Votes    VoteService
	Accounts AccountService
	// Backend caches the bot account and records removed votes. Optional.
	Backend backend.Backend
	Config  Config
}

func New(changes ChangeService, votes VoteService, accounts AccountService, b backend.Backend, cfg Config) *Propagator {
	return &Propagator{
		Changes:  changes,
		Votes:    votes,
		Accounts: accounts,
		Backend:  b,
		Config:   cfg,
	}
}

// Configure replaces the settings. It must not run concurrently with Handle.
func (p *Propagator) Configure(cfg Config) {
	p.Config = cfg
}

func (p *Propagator) maxTopicChanges() int {
	if p.Config.MaxTopicChanges > 0 {
		return p.Config.MaxTopicChanges
	}
	return DefaultMaxTopicChanges
}

// Handle routes an event to its handler. Panics are turned into a Failed result.
func (p *Propagator) Handle(ctx context.Context, e gerrit.Event) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = newResult(e)
			result.fail(fmt.Errorf("panic handling %s: %v", e.Type, r))
		}
		eventsHandled.WithLabelValues(e.Type, result.Outcome.String()).Inc()
	}()

	switch e.Type {
	case gerrit.EventPatchsetCreated:
		return p.HandleRevisionCreated(ctx, e)
	case gerrit.EventChangeRestored:
		return p.HandleChangeRestored(ctx, e)
	case gerrit.EventChangeAbandoned:
		return p.HandleChangeAbandoned(ctx, e)
	case gerrit.EventTopicChanged:
		return p.HandleTopicEdited(ctx, e)
	}
	return newResult(e).skip("unhandled event type")
}

// HandleRevisionCreated unverifies the topic of a change that received a
// non-trivial patch set.
func (p *Propagator) HandleRevisionCreated(ctx context.Context, e gerrit.Event) Result {
	r := newResult(e)
	who := e.Who()
	topic := strings.TrimSpace(e.Change.Topic)
	if topic == "" {
		log.Debug().
			Str("account", who.Username).
			Int("change", e.Change.Number).
			Int("patchNumber", e.PatchSet.Number).
			Msg("Patchset uploaded without a topic, so no unverify required")
		return r.skip("change has no topic")
	}
	if e.PatchSet.Trivial() {
		log.Debug().
			Str("account", who.Username).
			Int("change", e.Change.Number).
			Int("patchNumber", e.PatchSet.Number).
			Str("kind", e.PatchSet.Kind).
			Msg("Patchset is a trivial revision, so no unverify required")
		return r.skip("trivial revision")
	}
	log.Info().
		Str("account", who.Username).
		Str("name", who.Name).
		Int("change", e.Change.Number).
		Int("patchNumber", e.PatchSet.Number).
		Str("topic", topic).
		Msg("Patchset uploaded to change with topic")
	p.unverifyTopics(ctx, &r, e.Type, topic)
	return r
}

// HandleChangeRestored unverifies the topic of a restored change.
func (p *Propagator) HandleChangeRestored(ctx context.Context, e gerrit.Event) Result {
	return p.handleTopicOfChange(ctx, e, "restored")
}

// HandleChangeAbandoned unverifies the topic of an abandoned change.
func (p *Propagator) HandleChangeAbandoned(ctx context.Context, e gerrit.Event) Result {
	return p.handleTopicOfChange(ctx, e, "abandoned")
}

func (p *Propagator) handleTopicOfChange(ctx context.Context, e gerrit.Event, verb string) Result {
	r := newResult(e)
	who := e.Who()
	topic := strings.TrimSpace(e.Change.Topic)
	if topic == "" {
		log.Debug().
			Str("account", who.Username).
			Int("change", e.Change.Number).
			Msgf("Change %s without a topic, so no unverify required", verb)
		return r.skip("change has no topic")
	}
	log.Info().
		Str("account", who.Username).
		Str("name", who.Name).
		Int("change", e.Change.Number).
		Str("topic", topic).
		Msgf("Change %s with topic", verb)
	p.unverifyTopics(ctx, &r, e.Type, topic)
	return r
}

// HandleTopicEdited unverifies both the old and the new topic of an open
// change. A change whose topic was removed is unverified directly, since no
// topic search will find it any more.
func (p *Propagator) HandleTopicEdited(ctx context.Context, e gerrit.Event) Result {
	r := newResult(e)
	who := e.Who()
	oldTopic := strings.TrimSpace(e.OldTopic)
	newTopic := strings.TrimSpace(e.Change.Topic)
	log.Info().
		Str("account", who.Username).
		Str("name", who.Name).
		Int("change", e.Change.Number).
		Str("oldTopic", oldTopic).
		Str("newTopic", newTopic).
		Msg("Topic updated")

	if !e.Change.Open() {
		log.Debug().
			Int("change", e.Change.Number).
			Str("status", e.Change.Status).
			Msg("Change is not open, so no unverify required")
		return r.skip("change is not open")
	}

	if newTopic == "" {
		change, err := p.Changes.GetChange(ctx, strconv.Itoa(e.Change.Number), gerrit.DetailedLabels, gerrit.DetailedAccounts)
		if err != nil {
			r.fail(errors.Wrapf(err, "load change %d", e.Change.Number))
			return r
		}
		removed, errs, err := p.unverifyChange(ctx, change, "", e.Type)
		r.VotesRemoved += removed
		r.Errors = append(r.Errors, errs...)
		if removed > 0 {
			r.ChangesAffected++
		}
		if err != nil {
			r.fail(err)
			return r
		}
	}
	p.unverifyTopics(ctx, &r, e.Type, oldTopic, newTopic)
	return r
}

func (p *Propagator) unverifyTopics(ctx context.Context, r *Result, event string, topics ...string) {
	for _, topic := range topics {
		t, err := p.unverifyTopic(ctx, topic, event)
		r.addTopic(t)
		if err != nil {
			r.fail(err)
			return
		}
	}
	log.Info().
		Str("eventType", event).
		Int("change", r.Change).
		Int("changesUnverified", r.ChangesAffected).
		Int("votesRemoved", r.VotesRemoved).
		Msgf("Removed Label:Verified votes from %d changes", r.ChangesAffected)
}

// UnverifyTopic removes Verified votes from every open change in topic.
func (p *Propagator) UnverifyTopic(ctx context.Context, topic string) (TopicResult, error) {
	return p.unverifyTopic(ctx, topic, "")
}

func (p *Propagator) unverifyTopic(ctx context.Context, topic, event string) (TopicResult, error) {
	topic = strings.TrimSpace(topic)
	t := TopicResult{Topic: topic}
	if topic == "" {
		return t, nil
	}

	// Only changes visible to the REST account are found.
	limit := p.maxTopicChanges()
	changes, err := p.Changes.QueryChanges(ctx, gerrit.TopicQuery(topic), limit+1,
		gerrit.DetailedLabels, gerrit.DetailedAccounts)
	if err != nil {
		return t, errors.Wrapf(err, "query open changes in topic %q", topic)
	}
	t.Matched = len(changes)

	if len(changes) == 0 {
		log.Debug().Str("topic", topic).Msg("Topic does not have any open changes with Label:Verified")
		return t, nil
	}
	if len(changes) > limit {
		log.Warn().
			Str("topic", topic).
			Int("changes", len(changes)).
			Int("limit", limit).
			Msg("Topic has too many open changes with Label:Verified - not proceeding, as possible internal error")
		topicAborts.Inc()
		t.Aborted = true
		return t, nil
	}

	for i := range changes {
		removed, errs, err := p.unverifyChange(ctx, &changes[i], topic, event)
		t.VotesRemoved += removed
		t.Errors = append(t.Errors, errs...)
		if removed > 0 {
			t.ChangesAffected++
		}
		if err != nil {
			return t, err
		}
	}
	return t, nil
}

// UnverifyChange removes the -1 and +1 Verified votes of a change loaded with
// detailed labels. It returns the number of votes removed and the deletions
// that failed; err is only set when no deletion could be attempted.
func (p *Propagator) UnverifyChange(ctx context.Context, c *gerrit.ChangeInfo) (int, []error, error) {
	return p.unverifyChange(ctx, c, "", "")
}

func (p *Propagator) unverifyChange(ctx context.Context, c *gerrit.ChangeInfo, topic, event string) (int, []error, error) {
	if c == nil {
		return 0, nil, nil
	}
	label, ok := c.Labels[gerrit.LabelVerified]
	if !ok || len(label.All) == 0 {
		// The vote can disappear between the query and this point.
		log.Debug().Int("change", c.Number).Msg("Change has no Verified votes")
		return 0, nil, nil
	}

	changeID := c.ID
	if changeID == "" {
		changeID = strconv.Itoa(c.Number)
	}
	input := &gerrit.DeleteVoteInput{Label: gerrit.LabelVerified, Notify: gerrit.NotifyNone}

	var bot gerrit.AccountID
	var errs []error
	removed := 0
	for _, a := range label.All {
		if a.Value != 1 && a.Value != -1 {
			log.Debug().
				Int("change", c.Number).
				Str("account", a.Username).
				Str("name", a.Name).
				Msg("No Verified vote by reviewer")
			continue
		}
		if bot == 0 {
			id, err := p.botAccount(ctx)
			if err != nil {
				return removed, errs, err
			}
			bot = id
		}

		log.Info().
			Int("change", c.Number).
			Int("value", a.Value).
			Str("account", a.Username).
			Str("name", a.Name).
			Msgf("Removing Verified:%+d vote", a.Value)

		err := p.Votes.DeleteVote(ctx, bot, changeID, reviewerID(a.AccountInfo), gerrit.LabelVerified, input)
		if errors.Is(err, gerrit.ErrNotFound) {
			log.Debug().Int("change", c.Number).Str("account", a.Username).Msg("Verified vote already removed")
			continue
		}
		if err != nil {
			log.Error().Err(err).Int("change", c.Number).Str("account", a.Username).Msg("Failed to remove Verified vote")
			voteDeleteFailures.Inc()
			errs = append(errs, errors.WithMessagef(err, "change %d: remove Verified vote of %s", c.Number, a.Username))
			continue
		}
		removed++
		votesRemoved.Inc()
		p.audit(ctx, &backend.Unverification{
			Change:    c.Number,
			Topic:     topic,
			Voter:     a.Username,
			VoterID:   int(a.AccountID),
			Value:     a.Value,
			Event:     event,
			CreatedAt: time.Now().UTC(),
		})
	}
	return removed, errs, nil
}

func reviewerID(a gerrit.AccountInfo) string {
	if a.AccountID != 0 {
		return a.AccountID.String()
	}
	return a.Username
}

func (p *Propagator) audit(ctx context.Context, u *backend.Unverification) {
	if p.Backend == nil {
		return
	}
	if err := p.Backend.SaveUnverification(ctx, u); err != nil {
		log.Warn().Err(err).Int("change", u.Change).Msg("Failed to record unverification")
	}
}

// botAccount resolves the configured bot username, preferring the backend cache.
func (p *Propagator) botAccount(ctx context.Context) (gerrit.AccountID, error) {
	username := strings.TrimSpace(p.Config.BotUsername)
	if username == "" {
		return 0, ErrNoBotAccount
	}
	if p.Backend != nil {
		id, err := p.Backend.GetAccount(ctx, username)
		if err == nil {
			return gerrit.AccountID(id), nil
		}
		if !errors.Is(err, backend.ErrNotFound) {
			log.Warn().Err(err).Str("username", username).Msg("Failed to read cached bot account")
		}
	}

	account, err := p.Accounts.GetAccount(ctx, username)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve bot account %q", username)
	}
	if account.AccountID == 0 {
		return 0, errors.Errorf("bot account %q resolved without an account id", username)
	}
	if p.Backend != nil {
		if err := p.Backend.SaveAccount(ctx, username, int(account.AccountID)); err != nil {
			log.Warn().Err(err).Str("username", username).Msg("Failed to cache bot account")
		}
	}
	return account.AccountID, nil
}
