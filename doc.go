// Package molingest ingests bulk molecular datasets from public chemistry
// databases into newline-delimited JSON batch artifacts.
//
// A job definition lists sources (PubChem, ChEMBL, ZINC, or a generic
// cursor-paginated API such as ChemSpider) together with an output
// directory, a checkpoint directory, and a batch size. Each source streams
// records in batch-sized pages; the runner persists every page as a batch
// file and then records a checkpoint, so an interrupted run resumes from
// the last durable position without losing data. Crash recovery is
// at-least-once: a batch may be rewritten, never skipped.
//
// The molingest command exposes two phases. The download phase pre-fetches
// raw archives for sources that support it, and the ingest phase parses
// sources into batch artifacts. The two phases keep independent checkpoint
// scopes. After every run a Markdown report summarizing per-source progress
// is written at the output root.
//
// See the packages under pkg/connector/sources for the individual source
// implementations and pkg/connector/registry for how new source types are
// registered.
package molingest
