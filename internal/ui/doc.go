// Package ui implements the terminal interface for sync runs using bubbletea's Elm architecture.
//
// The TUI moves through three views:
//  1. [ConfirmView] : Review the run (filter, limit, workers) before anything is locked
//  2. [RunView] : Monitor real-time progress updates from the engine
//  3. [ResultView] : Display the summary and browse failed and duplicate items
//
// The (view) [Model] implements bubbletea/Elm's standard Init/Update/View pattern, receiving messages via the Msg union type.
// Progress updates flow through a channel from [tasks.Engine], providing non-blocking status reporting during runs.
//
// [Printer] is the plain line-oriented alternative used when stdout is not a terminal.
//
// Keyboard navigation uses vim-style bindings (j/k, y/n, q) with contextual help displayed via charmbracelet/bubbles/help.
package ui
