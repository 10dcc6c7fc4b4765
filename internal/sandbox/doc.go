// Package sandbox runs job tool calls inside isolated working directories.
//
// Each sandbox owns a directory with artifacts/ and logs/ subdirectories and
// enforces three limits: a hard token budget, a tool allow-list of doublestar
// patterns, and a wall-clock timeout. Breaching the budget or timeout, or
// attempting to write outside the directory, moves the sandbox to failed.
//
// Validate and IsSafeFilename are the path gates. Validate resolves symlinks
// on the deepest existing ancestor and checks containment with filepath.Rel,
// never with a string prefix.
//
// ExtractResults produces a Result once the job is done. The result is
// cached so it survives CleanupSandbox removing the directory.
package sandbox
