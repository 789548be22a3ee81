package state_test

import (
	"context"
	"errors"
	"testing"

	"github.com/flitsinc/agent-relay/internal/state"
	"github.com/flitsinc/agent-relay/internal/testutil"
)

func newStore(t *testing.T) *state.Store {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	return state.NewStore(db)
}

func TestMessageTreeChildBackReferences(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	chat, err := store.CreateChat(ctx)
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	root, err := store.CreateMessage(ctx, chat.ID, "", state.UserParticipant("u1"), []state.Part{state.TextPart("hi")})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	childA, err := store.CreateMessage(ctx, chat.ID, root.ID, state.AgentParticipant("a1"), nil)
	if err != nil {
		t.Fatalf("create child a: %v", err)
	}
	childB, err := store.CreateMessage(ctx, chat.ID, root.ID, state.AgentParticipant("a2"), nil)
	if err != nil {
		t.Fatalf("create child b: %v", err)
	}

	got, err := store.GetMessage(ctx, root.ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if len(got.ChildIDs) != 2 {
		t.Fatalf("expected 2 child ids, got %v", got.ChildIDs)
	}
	seen := map[string]bool{}
	for _, id := range got.ChildIDs {
		seen[id] = true
	}
	if !seen[childA.ID] || !seen[childB.ID] {
		t.Fatalf("child back-references do not match children: %v", got.ChildIDs)
	}

	msgs, err := store.ListMessages(ctx, chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.ID != root.ID {
			continue
		}
		if len(m.ChildIDs) != 2 {
			t.Fatalf("list view missing child back-references: %v", m.ChildIDs)
		}
	}
}

func TestCreateMessageRejectsForeignParent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	chatA, _ := store.CreateChat(ctx)
	chatB, _ := store.CreateChat(ctx)
	parent, err := store.CreateMessage(ctx, chatA.ID, "", state.UserParticipant("u1"), nil)
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}

	if _, err := store.CreateMessage(ctx, chatB.ID, parent.ID, state.UserParticipant("u1"), nil); err == nil {
		t.Fatalf("expected error for parent in a different chat")
	}
	if _, err := store.CreateMessage(ctx, chatA.ID, "missing", state.UserParticipant("u1"), nil); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected not-found for missing parent, got %v", err)
	}
}

func TestRunStatusTransitions(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	chat, _ := store.CreateChat(ctx)
	msg, err := store.CreateMessage(ctx, chat.ID, "", state.AgentParticipant("a1"), nil)
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if _, err := store.CreateRun(ctx, msg.ID, "hello"); err != nil {
		t.Fatalf("create run: %v", err)
	}

	// pending -> completed is not a legal edge.
	err = store.CompleteRun(ctx, msg.ID, state.RunCompleted, "text", nil)
	if !errors.Is(err, state.ErrInvalidRunTransition) {
		t.Fatalf("expected invalid transition for pending->completed, got %v", err)
	}

	if err := store.MarkRunRunning(ctx, msg.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	// Re-entry from running is refused so a second claimant backs off.
	var transition *state.RunTransitionError
	err = store.MarkRunRunning(ctx, msg.ID)
	if !errors.As(err, &transition) || transition.From != state.RunRunning {
		t.Fatalf("expected transition error re-marking a running run, got %v", err)
	}

	if err := store.CompleteRun(ctx, msg.ID, state.RunCompleted, "done", nil); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	run, err := store.GetRun(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != state.RunCompleted || run.FinalText != "done" {
		t.Fatalf("unexpected terminal run: %+v", run)
	}
	if run.StartedAt == nil || run.CompletedAt == nil {
		t.Fatalf("expected timestamps on terminal run: %+v", run)
	}
}

func TestTerminalRunNeverChanges(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	chat, _ := store.CreateChat(ctx)
	msg, _ := store.CreateMessage(ctx, chat.ID, "", state.AgentParticipant("a1"), nil)
	if _, err := store.CreateRun(ctx, msg.ID, ""); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := store.MarkRunRunning(ctx, msg.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := store.CompleteRun(ctx, msg.ID, state.RunError, "", []string{"backend failure"}); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	var transition *state.RunTransitionError

	err := store.MarkRunRunning(ctx, msg.ID)
	if !errors.As(err, &transition) || transition.From != state.RunError {
		t.Fatalf("expected transition error from terminal state, got %v", err)
	}

	err = store.CompleteRun(ctx, msg.ID, state.RunCompleted, "late", nil)
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error rewriting terminal state, got %v", err)
	}

	run, err := store.GetRun(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != state.RunError || run.FinalText != "" {
		t.Fatalf("terminal run was mutated: %+v", run)
	}
	if len(run.ErrorDetails) != 1 || run.ErrorDetails[0] != "backend failure" {
		t.Fatalf("unexpected error details: %v", run.ErrorDetails)
	}
}

func TestParticipantRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	created, err := store.CreateParticipant(ctx, state.Participant{
		ID:        "support-bot",
		Kind:      "agent",
		Platform:  state.PlatformRemoteProtocol,
		URL:       "https://agents.example/support",
		Streaming: true,
	})
	if err != nil {
		t.Fatalf("create participant: %v", err)
	}

	got, err := store.GetParticipant(ctx, created.ID)
	if err != nil {
		t.Fatalf("get participant: %v", err)
	}
	if got.Platform != state.PlatformRemoteProtocol || !got.Streaming {
		t.Fatalf("unexpected participant: %+v", got)
	}

	if _, err := store.GetParticipant(ctx, "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if _, err := store.CreateParticipant(ctx, state.Participant{ID: "x", Kind: "robot"}); err == nil {
		t.Fatalf("expected error for unknown participant kind")
	}
}
