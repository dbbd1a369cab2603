package main

import (
	"context"

	"github.com/mrmod/gerrit-verify/gerrit"
	"github.com/mrmod/gerrit-verify/unverify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Events that can invalidate the Verified votes of a topic
	eventRouter = map[string]bool{
		gerrit.EventPatchsetCreated: true,
		gerrit.EventChangeRestored:  true,
		gerrit.EventChangeAbandoned: true,
		gerrit.EventTopicChanged:    true,
	}
)

type EventProcessor interface {
	Handle(context.Context, gerrit.Event) unverify.Result
	Configure(unverify.Config)
}

// EventRouter feeds interesting stream events to the unverify propagator
// and logs what each one did.
type EventRouter struct {
	Processor EventProcessor
	// Settings, when set, is applied before each event so config reloads
	// take effect.
	Settings func() unverify.Config
}

func NewEventRouter(p EventProcessor) *EventRouter {
	return &EventRouter{Processor: p}
}

func (r *EventRouter) HandleEvent(ctx context.Context, event gerrit.Event) {
	if !eventRouter[event.Type] {
		log.Trace().Str("eventType", event.Type).Msg("Ignoring event")
		return
	}
	if r.Settings != nil {
		r.Processor.Configure(r.Settings())
	}
	logResult(r.Processor.Handle(ctx, event))
}

func resultLevel(o unverify.Outcome) zerolog.Level {
	switch o {
	case unverify.Skipped:
		return zerolog.DebugLevel
	case unverify.Aborted:
		return zerolog.WarnLevel
	case unverify.Failed:
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

func logResult(res unverify.Result) {
	log.WithLevel(resultLevel(res.Outcome)).
		Err(res.Err).
		Str("eventType", res.Event).
		Int("change", res.Change).
		Str("outcome", res.Outcome.String()).
		Str("reason", res.Reason).
		Int("changesAffected", res.ChangesAffected).
		Int("votesRemoved", res.VotesRemoved).
		Int("errors", len(res.Errors)).
		Msg("Handled event")
	for _, err := range res.Errors {
		log.Error().Err(err).
			Str("eventType", res.Event).
			Int("change", res.Change).
			Msg("Failed to remove vote")
	}
}
