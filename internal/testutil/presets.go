package testutil

import "time"

// WithStandardTestData adds one worker in every lifecycle state.
//
// Listing and sync tests index the result by ID:
//
//	w-working  working, fresh activity
//	w-waiting  waiting on a question
//	w-plan     waiting on plan approval
//	w-done     completed with one commit
//	w-error    failed with a session error
func (b *Builder) WithStandardTestData() *Builder {
	now := time.Now()
	earlier := now.Add(-10 * time.Minute)

	return b.
		WithWorker("w-working",
			Task("task-1", "Fix login bug"), Description("Login fails for SSO users"),
			SessionID("sess-1"), LastActivity(now)).
		WithWorker("w-waiting",
			Task("task-2", "Add search endpoint"),
			SessionID("sess-2"),
			Question("Which database should back the index?", "Postgres", "SQLite"),
			LastActivity(earlier)).
		WithWorker("w-plan",
			Task("task-3", "Refactor auth middleware"),
			SessionID("sess-3"),
			PlanApproval("Review the migration plan", "1. Extract middleware\n2. Add tests"),
			LastActivity(earlier)).
		WithWorker("w-done",
			Task("task-4", "Update docs"),
			SessionID("sess-4"),
			Commits(Commit("abc1234", "docs: update README")),
			Done(earlier)).
		WithWorker("w-error",
			Task("task-5", "Fix flaky deploy"),
			Failed("claude exited: exit status 1", earlier))
}

// WithRecoveryTestData adds records the way a crashed daemon leaves them:
// sessions were attached when the process died, so nothing is terminal.
func (b *Builder) WithRecoveryTestData() *Builder {
	now := time.Now()

	return b.
		WithWorker("w-interrupted",
			Task("task-10", "Implement request retries"),
			SessionID("sess-10"), LastActivity(now.Add(-2*time.Minute))).
		WithWorker("w-mid-question",
			Task("task-11", "Rename public module"),
			SessionID("sess-11"),
			Question("Keep the old import path?", "Yes", "No"),
			LastActivity(now.Add(-8*time.Minute))).
		WithWorker("w-finished",
			Task("task-12", "Bump dependencies"),
			SessionID("sess-12"), Done(now.Add(-time.Hour)))
}
