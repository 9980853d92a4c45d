/*
Package client provides a typed Go client for the MUTT ingest and admin
HTTP APIs.

The client wraps both listeners behind one struct: event submission
against the ingestor, and rules, host classifications, team overrides,
dynamic configuration, audit queries, queue inspection, and quarantine
operations against the admin API. The mutt CLI drives every admin
subcommand through this package, and producers can embed it to feed
events into the pipeline.

# Architecture

One Client holds a base URL, an API key, and an http.Client with a
default 10 second timeout. Every operation:

  - Takes a context.Context for cancellation
  - Sends the API key on the X-API-Key header
  - Marshals its request and unmarshals its response as JSON
  - Returns *APIError for any non-2xx answer

When WithActor and WithReason were set, requests also carry the
X-MUTT-Actor and X-MUTT-Reason headers; the server stamps them into
the audit row of every mutation, so changes attribute to a person
rather than to the key.

# Usage

Submitting an event:

	c := client.New("http://mutt-ingest:8080", apiKey)
	correlationID, err := c.SendEvent(ctx, types.Event{
		Timestamp: time.Now(),
		Hostname:  "core-sw-1",
		Message:   "%LINK-3-UPDOWN: Interface Gi0/1, changed state to down",
	})

Managing rules:

	c := client.New("http://mutt-admin:8081", apiKey).WithActor("jdoe")

	rule, err := c.CreateRule(ctx, client.RuleSpec{
		Name:         "interface down",
		MatchType:    types.MatchContains,
		MatchString:  "changed state to down",
		Priority:     100,
		ProdHandling: types.HandlingTicketOnly,
		DevHandling:  types.HandlingLogOnly,
	})

	rules, err := c.ListRules(ctx, true) // active only

Applying a whole rules file:

	var file struct {
		Rules []client.RuleSpec `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil { ... }
	result, err := c.ApplyRules(ctx, file.Rules)
	fmt.Printf("created %d, updated %d\n", result.Created, result.Updated)

Operational queries:

	status, err := c.Queues(ctx)        // depths, staging lists, circuit
	report, err := c.SLOReport(ctx)     // availability per component
	list, err := c.ListQuarantine(ctx, 50)

Replaying quarantined events:

	result, err := c.RequeueQuarantine(ctx, "")  // everything parseable
	result, err := c.RequeueQuarantine(ctx, id)  // one event

# Error Handling

Non-2xx responses decode the server's error body into *APIError:

	rule, err := c.GetRule(ctx, 42)
	if client.IsNotFound(err) {
		// no such rule
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		// the ingestor is shedding; back off before retrying
	}

RetryAfter is populated from the Retry-After header the ingestor sends
while rejecting for queue depth, so producers can honor the server's
own pacing hint.

# Integration Points

This package integrates with:

  - pkg/types: events, rules, hosts, teams, and audit row shapes
  - pkg/api: header names shared with the servers
  - pkg/slo: the report shape served by the SLO endpoint
  - cmd/mutt: every admin subcommand is a thin wrapper over a method here

# See Also

  - pkg/ingestor for the admission semantics behind SendEvent
  - pkg/admin for the server side of every admin operation
*/
package client
