package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/safezone/mibs/internal/core"
	"github.com/safezone/mibs/internal/db/dbtest"
	"github.com/safezone/mibs/internal/delivery"
	httpapi "github.com/safezone/mibs/internal/http"
)

func startAPI(t *testing.T) (http.Handler, *core.Store) {
	pg := dbtest.StartPostgres(t)
	store := core.NewStore(pg)
	return httpapi.NewServer(store, pg, nil, nil).Router(), store
}

func do(t *testing.T, h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Buffer
	if body != "" {
		rdr = bytes.NewBufferString(body)
	} else {
		rdr = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type createdMessage struct {
	core.Message
	Unsupported []struct {
		Kind  string `json:"kind"`
		Value string `json:"value"`
	} `json:"unsupported"`
}

func TestMessageLifecycle(t *testing.T) {
	h, store := startAPI(t)

	// 1) create
	w := do(t, h, "POST", "/mibs", "u1", `{
		"body": "hello future me",
		"scheduled_time": "2030-01-01T00:00:00Z",
		"recipients": [{"email":"a@example.com"},{"phone":"+4912345"},{"email":"b@example.com"}]
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[createdMessage](t, w)
	require.Equal(t, "u1", created.UserID)
	require.Len(t, created.Recipients, 2)
	require.Len(t, created.Unsupported, 1)
	require.Equal(t, "sms", created.Unsupported[0].Kind)
	path := "/mibs/" + created.ID.String()

	// 2) read back; other users cannot see it
	w = do(t, h, "GET", path, "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[core.Message](t, w).Recipients, 2)
	require.Equal(t, http.StatusNotFound, do(t, h, "GET", path, "u2", "").Code)

	// 3) edit
	w = do(t, h, "PUT", path, "u1", `{"body":"changed"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "changed", decode[core.Message](t, w).Body)

	// 4) add recipients
	w = do(t, h, "POST", path+"/recipients", "u1", `{"recipients":[{"email":"c@example.com"}]}`)
	require.Equal(t, http.StatusCreated, w.Code)

	// 5) list
	w = do(t, h, "GET", "/mibs?limit=10", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Items []core.Message `json:"items"`
	}](t, w)
	require.Len(t, list.Items, 1)
	require.Len(t, list.Items[0].Recipients, 3)

	// 6) sent messages are read-only
	for _, rc := range list.Items[0].Recipients {
		require.NoError(t, store.MarkRecipientSent(context.Background(), rc.ID))
	}
	require.NoError(t, store.MarkMessageSent(context.Background(), created.ID))
	require.Equal(t, http.StatusConflict, do(t, h, "PUT", path, "u1", `{"body":"too late"}`).Code)
	require.Equal(t, http.StatusConflict,
		do(t, h, "POST", path+"/recipients", "u1", `{"recipients":[{"email":"d@example.com"}]}`).Code)

	// 7) delete
	require.Equal(t, http.StatusNoContent, do(t, h, "DELETE", path, "u1", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, h, "GET", path, "u1", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, h, "DELETE", path, "u1", "").Code)
}

func TestCreateMessage_Rejects(t *testing.T) {
	h, _ := startAPI(t)

	cases := map[string]struct {
		body string
		code int
		err  string
	}{
		"malformed":      {`{`, http.StatusBadRequest, "invalid_body"},
		"empty body":     {`{"body":" ","scheduled_time":"2030-01-01T00:00:00Z","recipients":[{"email":"a@example.com"}]}`, http.StatusBadRequest, "empty_body"},
		"no email":       {`{"body":"x","scheduled_time":"2030-01-01T00:00:00Z","recipients":[{"phone":"+1"}]}`, http.StatusBadRequest, "no_email_recipients"},
		"no recipients":  {`{"body":"x","scheduled_time":"2030-01-01T00:00:00Z"}`, http.StatusBadRequest, "no_email_recipients"},
		"no schedule":    {`{"body":"x","recipients":[{"email":"a@example.com"}]}`, http.StatusBadRequest, "scheduled_time_required"},
		"bad email only": {`{"body":"x","scheduled_time":"2030-01-01T00:00:00Z","recipients":[{"email":"nope"}]}`, http.StatusBadRequest, "no_email_recipients"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(t, h, "POST", "/mibs", "u1", tc.body)
			require.Equal(t, tc.code, w.Code, w.Body.String())
			require.Equal(t, tc.err, decode[map[string]string](t, w)["error"])
		})
	}
}

func TestAuthRequiredAndHealth(t *testing.T) {
	h, _ := startAPI(t)

	require.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/mibs", "", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, h, "GET", "/mibs/not-a-uuid", "u1", "").Code)

	require.Equal(t, http.StatusOK, do(t, h, "GET", "/healthz", "", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/readyz", "", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/metrics", "", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/openapi.yaml", "", "").Code)
}

type downDB struct{}

func (downDB) Ping(context.Context) error { return errors.New("connection refused") }

type brokenStore struct{ httpapi.MessageStore }

func (brokenStore) GetMessage(context.Context, string, uuid.UUID) (core.Message, error) {
	return core.Message{}, errors.New("pool closed")
}

func TestReadyzAndInternalErrors(t *testing.T) {
	h := httpapi.NewServer(brokenStore{}, downDB{}, nil, nil).Router()

	require.Equal(t, http.StatusServiceUnavailable, do(t, h, "GET", "/readyz", "", "").Code)

	w := do(t, h, "GET", "/mibs/"+uuid.NewString(), "u1", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "internal", decode[map[string]string](t, w)["error"])
}

func TestRouterServesMetricsWithoutDatabase(t *testing.T) {
	// each router mounts /metrics; building two must not re-register
	first := httpapi.NewServer(brokenStore{}, downDB{}, nil, nil).Router()
	h := httpapi.NewServer(brokenStore{}, downDB{}, nil, nil).Router()

	require.Equal(t, http.StatusOK, do(t, first, "GET", "/healthz", "", "").Code)
	w := do(t, h, "GET", "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
	require.Contains(t, w.Body.String(), "http_requests_total")
}

// ownedStore knows a single message belonging to u1.
type ownedStore struct {
	httpapi.MessageStore
	id uuid.UUID
}

func (s ownedStore) GetMessage(_ context.Context, userID string, id uuid.UUID) (core.Message, error) {
	if userID != "u1" || id != s.id {
		return core.Message{}, core.ErrNotFound
	}
	return core.Message{ID: id, UserID: userID}, nil
}

func TestDeliveriesFromJournal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	j := delivery.NewRedisJournal(rdb, time.Hour, nil)

	msgID, rid := uuid.New(), uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j.Record(context.Background(), msgID, delivery.Result{RecipientID: rid, Outcome: delivery.Sent}, at)
	path := "/mibs/" + msgID.String() + "/deliveries"

	srv := httpapi.NewServer(ownedStore{id: msgID}, downDB{}, nil, nil)
	w := do(t, srv.Router(), "GET", path, "u1", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "journal_disabled", decode[map[string]string](t, w)["error"])

	srv.Journal = j
	h := srv.Router()

	w = do(t, h, "GET", path, "u1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[struct {
		MessageID  uuid.UUID                        `json:"message_id"`
		Recipients map[string]delivery.JournalEntry `json:"recipients"`
	}](t, w)
	require.Equal(t, msgID, got.MessageID)
	require.Equal(t, map[string]delivery.JournalEntry{
		rid.String(): {Outcome: "sent", At: at},
	}, got.Recipients)

	require.Equal(t, http.StatusNotFound, do(t, h, "GET", path, "someone-else", "").Code)

	mr.Close()
	w = do(t, h, "GET", path, "u1", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "journal_unavailable", decode[map[string]string](t, w)["error"])
}
