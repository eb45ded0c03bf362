/*
Package metrics provides Prometheus metrics collection and exposition for
RenderMQ.

Every process that imports this package registers the metrics at start;
only rendermq-handler serves them, on /metrics, for scraping. There is no
central aggregator, mirroring the rest of the system's lack of a single
point of control.

# Categories

	Broker:  queue_size, queue_unprocessed, zombie_resubmissions_total
	Handler: ring_live_brokers, admission_outcomes_total,
	         http_responses_total, storage_lookup_duration_seconds,
	         render_round_trip_duration_seconds
	Expiry:  fsm_state, failovers_total

# Alerting Notes

No Live Brokers:
  - Alert: rendermq_handler_ring_live_brokers == 0
  - Description: every broker has dropped out of the handler's hash ring
  - Action: check broker process health and heartbeat connectivity

High Zombie Resubmission Rate:
  - Alert: rate(rendermq_broker_zombie_resubmissions_total[5m]) > 0
  - Description: workers are dying or stalling mid-render often enough to
    matter
  - Action: check worker logs and render backend health

Overloaded Admission:
  - Alert: rate(rendermq_handler_admission_outcomes_total{action="overloaded"}[5m]) > 0
  - Description: handler is rejecting requests outright under queue pressure
  - Action: check broker queue depth and consider adding workers

Split-Brain Risk:
  - Alert: sum(rendermq_expiry_fsm_state{state="active"}) != 1
  - Description: zero or two expiry nodes believe they are Active
  - Action: investigate immediately, per spec this is a fatal condition
*/
package metrics
