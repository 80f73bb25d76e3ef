// Package hook runs the hooks declared for entering and leaving a
// directory and keeps their state on disk.
//
// Each hook has a Kind. Blocking hooks finish before Enter returns.
// Preload hooks run detached under a supervisor process, and tasks wait
// for them with Manager.WaitPreload. Source hooks print shell exports; the
// parsed variables are kept in a single-slot CaptureRecord that
// Manager.Consume hands out exactly once.
//
// State for a directory lives under <StateDir>/<key>/, where key is a
// BLAKE3 digest of the directory path. Records are CBOR files replaced
// atomically, and updates are serialized with flock, so separate cuenv
// processes share one view of every run.
package hook
