// Package core implements the upload cycle of the mirror server.
//
// The package holds the domain logic independent of the HTTP engine. An
// engine adapter drives it through [Machine] callbacks; tests drive it the
// same way without a network.
//
// # Upload Cycle
//
// Only one upload is received at a time. The cycle for a POST is:
//
//  1. [Machine.Begin] creates the per-request [Request].
//  2. The first [Machine.Data] call asks the admission controller for the
//     slot. If it is taken the request is parked and Data returns [Suspend];
//     the engine redelivers the same chunk once the connection is resumed.
//  3. The admitted request opens the staging file and appends every chunk.
//  4. [Machine.Finish] commits staging to the committed file, converts it to
//     the artifact and releases the slot.
//  5. [Machine.Complete] runs once for every request, however it ended, and
//     releases whatever the request still holds.
//
// Readers never take the slot: GET / and GET /get.jpg are answered from
// [Machine.Read] while an upload is in progress.
//
// # Files
//
// [Storage] owns three fixed paths. The staging file is created exclusively,
// commit never replaces an existing file, and the committed file is removed
// after conversion so that only the artifact remains between cycles.
//
// # Outcomes
//
// Every request ends on one of the fixed pages; see [StatusFor] for the
// mapping from errors to status codes. Finished write requests are handed to
// a [Recorder] for history and statistics.
package core
