package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/safezone/mibs/internal/core"
	"github.com/safezone/mibs/internal/db/dbtest"
)

const stale = time.Minute

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *core.Store {
	pg := dbtest.StartPostgres(t)
	return core.NewStore(pg)
}

func createMessage(t *testing.T, s *core.Store, at time.Time, emails ...string) core.Message {
	t.Helper()
	msg, err := s.CreateMessage(context.Background(), core.NewMessage{
		UserID:        "user-1",
		Body:          "see you in ten years",
		ScheduledTime: at,
		Emails:        emails,
	})
	require.NoError(t, err)
	return msg
}

// markAllSent marks every recipient and then the message as sent.
func markAllSent(t *testing.T, s *core.Store, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	recs, err := s.LoadRecipients(ctx, id)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, s.MarkRecipientSent(ctx, r.ID))
	}
	require.NoError(t, s.MarkMessageSent(ctx, id))
}

func claimedIDs(msgs []core.Message) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestClaimDueMessages_ClaimsOnceUntilStale(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	due := createMessage(t, s, t0.Add(-time.Second), "a@example.com")
	createMessage(t, s, t0.Add(time.Hour), "b@example.com")

	got, err := s.ClaimDueMessages(ctx, t0, stale, 0)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{due.ID}, claimedIDs(got))
	require.NotNil(t, got[0].LastAttemptTime)
	require.True(t, got[0].LastAttemptTime.Equal(t0))

	// immediately again: nothing
	got, err = s.ClaimDueMessages(ctx, t0.Add(time.Second), stale, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	// still inside the window
	got, err = s.ClaimDueMessages(ctx, t0.Add(stale-time.Second), stale, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	// window elapsed
	got, err = s.ClaimDueMessages(ctx, t0.Add(stale), stale, 0)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{due.ID}, claimedIDs(got))
}

func TestClaimDueMessages_SkipsSent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	msg := createMessage(t, s, t0.Add(-time.Minute), "a@example.com")
	markAllSent(t, s, msg.ID)

	got, err := s.ClaimDueMessages(ctx, t0.Add(24*time.Hour), stale, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestClaimDueMessages_Limit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		createMessage(t, s, t0.Add(-time.Duration(i+1)*time.Minute), "a@example.com")
	}

	first, err := s.ClaimDueMessages(ctx, t0, stale, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)

	rest, err := s.ClaimDueMessages(ctx, t0, stale, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)

	seen := map[uuid.UUID]bool{}
	for _, id := range append(claimedIDs(first), claimedIDs(rest)...) {
		require.False(t, seen[id], "claimed twice: %s", id)
		seen[id] = true
	}
}

func TestClaimDueMessages_ConcurrentClaimersNeverShare(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	const total = 50
	for i := 0; i < total; i++ {
		createMessage(t, s, t0.Add(-time.Second), "a@example.com")
	}

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
		wg   sync.WaitGroup
		errs = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.ClaimDueMessages(ctx, t0, stale, 0)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			for _, m := range got {
				seen[m.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, "message %s claimed %d times", id, n)
	}
}

func TestRecipients_StampAndMarkSent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	msg := createMessage(t, s, t0, "b@example.com", "a@example.com")

	recs, err := s.LoadRecipients(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "a@example.com", recs[0].EmailAddress)
	require.Nil(t, recs[0].SendAttemptTime)

	require.NoError(t, s.StampSendAttempt(ctx, []uuid.UUID{recs[0].ID, recs[1].ID}, t0))
	require.NoError(t, s.MarkRecipientSent(ctx, recs[1].ID))

	recs, err = s.LoadRecipients(ctx, msg.ID)
	require.NoError(t, err)
	for _, r := range recs {
		require.NotNil(t, r.SendAttemptTime)
		require.True(t, r.SendAttemptTime.Equal(t0))
	}
	require.False(t, recs[0].Sent)
	require.True(t, recs[1].Sent)

	require.ErrorIs(t, s.MarkRecipientSent(ctx, uuid.New()), core.ErrRecipientGone)
}

func TestMarkMessageSent_RequiresEveryRecipientSent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	msg := createMessage(t, s, t0, "a@example.com")

	// the delivery cycle loaded [a] and sent it
	recs, err := s.LoadRecipients(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NoError(t, s.MarkRecipientSent(ctx, recs[0].ID))

	// meanwhile the author added b
	_, err = s.AddRecipients(ctx, "user-1", msg.ID, []string{"b@example.com"})
	require.NoError(t, err)

	require.ErrorIs(t, s.MarkMessageSent(ctx, msg.ID), core.ErrUnsentRecipients)
	got, err := s.GetMessage(ctx, "user-1", msg.ID)
	require.NoError(t, err)
	require.False(t, got.Sent)

	// b is still deliverable on the next claim
	claimed, err := s.ClaimDueMessages(ctx, t0, stale, 0)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{msg.ID}, claimedIDs(claimed))

	markAllSent(t, s, msg.ID)
	got, err = s.GetMessage(ctx, "user-1", msg.ID)
	require.NoError(t, err)
	require.True(t, got.Sent)

	require.ErrorIs(t, s.MarkMessageSent(ctx, uuid.New()), core.ErrNotFound)
}

func TestCreateMessage_Validation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.CreateMessage(ctx, core.NewMessage{UserID: "u", Body: "  ", Emails: []string{"a@example.com"}})
	require.ErrorIs(t, err, core.ErrEmptyBody)

	_, err = s.CreateMessage(ctx, core.NewMessage{UserID: "u", Body: "hi"})
	require.ErrorIs(t, err, core.ErrNoRecipients)

	_, err = s.CreateMessage(ctx, core.NewMessage{Body: "hi", Emails: []string{"a@example.com"}})
	require.ErrorIs(t, err, core.ErrUserRequired)
}

func TestSentMessageIsImmutable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	msg := createMessage(t, s, t0, "a@example.com")
	markAllSent(t, s, msg.ID)

	body := "edited"
	_, err := s.UpdateMessage(ctx, "user-1", msg.ID, core.MessageUpdate{Body: &body})
	require.ErrorIs(t, err, core.ErrMessageSent)

	_, err = s.AddRecipients(ctx, "user-1", msg.ID, []string{"c@example.com"})
	require.ErrorIs(t, err, core.ErrMessageSent)
}

func TestUpdateAndAddRecipients(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	msg := createMessage(t, s, t0, "a@example.com")

	body := "edited"
	later := t0.Add(time.Hour)
	got, err := s.UpdateMessage(ctx, "user-1", msg.ID, core.MessageUpdate{Body: &body, ScheduledTime: &later})
	require.NoError(t, err)
	require.Equal(t, "edited", got.Body)
	require.True(t, got.ScheduledTime.Equal(later))

	_, err = s.UpdateMessage(ctx, "someone-else", msg.ID, core.MessageUpdate{Body: &body})
	require.ErrorIs(t, err, core.ErrNotFound)

	added, err := s.AddRecipients(ctx, "user-1", msg.ID, []string{"c@example.com"})
	require.NoError(t, err)
	require.Len(t, added, 1)

	got, err = s.GetMessage(ctx, "user-1", msg.ID)
	require.NoError(t, err)
	require.Len(t, got.Recipients, 2)
}

func TestDeleteMessage_CascadesRecipients(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	msg := createMessage(t, s, t0, "a@example.com", "b@example.com")

	require.ErrorIs(t, s.DeleteMessage(ctx, "intruder", msg.ID), core.ErrNotFound)
	require.NoError(t, s.DeleteMessage(ctx, "user-1", msg.ID))

	var n int
	require.NoError(t, s.DB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM recipients WHERE message_id = $1`, msg.ID).Scan(&n))
	require.Zero(t, n)

	_, err := s.GetMessage(ctx, "user-1", msg.ID)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestListMessagesAndPendingCount(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	older := createMessage(t, s, t0.Add(-time.Hour), "a@example.com")
	newer := createMessage(t, s, t0.Add(time.Hour), "b@example.com")

	list, err := s.ListMessages(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{newer.ID, older.ID}, claimedIDs(list))
	require.Len(t, list[0].Recipients, 1)

	list, err = s.ListMessages(ctx, "nobody", 10, 0)
	require.NoError(t, err)
	require.Empty(t, list)

	n, err := s.PendingCount(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
