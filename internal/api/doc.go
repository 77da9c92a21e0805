// Package api exposes the aggregation service over HTTP using gin. Write
// endpoints accept signed JSON envelopes, validate them synchronously and
// either publish them to the ingestion queue or submit them directly. Read
// endpoints serve the last published trust snapshot, round reports, anchor
// records, health and Prometheus metrics.
package api
