// Package report assembles the partnership-analysis pipeline: the eleven
// stages that research, extract, calculate, normalize and render a report,
// plus the partial-output synthesizers. Collaborators (search, extraction,
// calculation, rendering) are injected through small interfaces so the
// pipeline itself stays deterministic and testable.
package report
