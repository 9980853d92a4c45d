/*
Package events defines the change notifications the admin surface
publishes and an in-process broker for fanning them out.

When an operator changes a rule, a dev host, a team override, or a
config value, pipeline services must converge on the new state faster
than their cache TTLs. The admin service publishes a small typed
notification on the substrate's update topic; each service's config
client parses it and hands it to an in-process Broker, where
components subscribe to what they care about. The notification names
what changed, never the new value: subscribers re-read authoritative
state, so a lost notification degrades to TTL latency instead of
serving a stale value forever.

# Notification Format

The substrate payload is a compact string, one per change:

	config:config.shed_mode    a dynamic config key changed
	rules                      the rule table changed
	dev_hosts                  the dev-host list changed
	teams                      the team overrides changed

Notification renders the wire form from an Event; Parse is lenient
and reports unrecognized payloads rather than failing, so a newer
publisher does not break an older subscriber.

# The Broker

Broker fans events out from a distribution loop: Subscribe returns a
buffered channel, Publish hands the event to the loop, Unsubscribe
closes the channel. Start launches the loop and Stop ends it; the
process that creates the broker owns both calls. A subscriber that
cannot keep up has its event dropped with a debug log, never blocking
the loop; dropping is safe for the same reason lost notifications are.

# Usage

Publishing (admin side, via the substrate topic):

	ev := events.Event{Type: events.EventRulesChanged}
	_ = q.Publish(ctx, queue.ConfigUpdatesTopic, ev.Notification())

Subscribing (classifier side, via the config client):

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	cfg := config.NewClient(q, config.WithBroker(broker))

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		if ev.Type == events.EventRulesChanged {
			// reload the rule cache
		}
	}

# Integration Points

This package integrates with:

  - pkg/admin: builds and publishes notifications after mutations
  - pkg/config: parses substrate payloads, forwards to the broker
  - pkg/alerter: reloads its rule cache on rules/dev-hosts/teams
    changes

# Thread Safety

Broker is safe for concurrent Subscribe, Unsubscribe, and Publish.
Each subscription channel is owned by one reader; Unsubscribe closes
it.

# See Also

  - pkg/config for how notifications invalidate the value cache
*/
package events
