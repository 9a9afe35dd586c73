// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// Package signal defines the entities the SDK persists and exports:
// events, spans, sessions, attachments, and batches. The types here are
// plain records; behavior lives in the store, queue, session, and
// export packages that consume them.
package signal
