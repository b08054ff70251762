// Package main hosts the webshot entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server serves GET /shot and /shot/{filename}. Requests are validated into a
//     shot.Request, fingerprinted, and looked up in the blob store before any browser is leased.
//   - Browser pool: internal/browser.Pool leases exclusive Chrome sessions, pings them on acquire, and evicts
//     crashed ones. Capacity is a fixed size or "auto" from available RAM.
//   - Pipeline: internal/pipeline runs admission, render, post-process on a separate encoder worker pool, and
//     upload. A browser crash is retried once on a fresh session; navigation failures are not retried.
//   - Deferred queue: POST /v1/shots enqueues jobs on the in-memory queue or Google Cloud Pub/Sub. Workers run
//     them through the same pipeline so later GET requests hit the cache.
//   - Plumbing: Viper loads config from file and WEBSHOT_* env vars; zap logs; Prometheus metrics are served on
//     /metrics; OpenTelemetry spans cover every stage and ride Pub/Sub message attributes.
//
// Commands:
//   - webshot serve: HTTP API plus queue workers.
//   - webshot worker: queue workers only, for a Pub/Sub backed deployment.
//   - webshot capture <url>...: render URLs in-process and write the images to a directory.
//
// Quick checklist:
//   - Install Chrome (or headless-shell), ImageMagick convert, cwebp and optionally optipng.
//   - Run locally: go run ./cmd/webshot serve --config config.yaml (or rely solely on env overrides).
//   - Cloud Run: set WEBSHOT_STORAGE_BACKEND=gcs, WEBSHOT_STORAGE_GCS_BUCKET and WEBSHOT_SERVER_RESPONSE_MODE=redirect;
//     the process drains in-flight renders on SIGTERM within server.shutdown_timeout.
package main
