package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/phantom-rooms/internal/ai"
	"github.com/suPer8Hu/phantom-rooms/internal/auth"
	"github.com/suPer8Hu/phantom-rooms/internal/chat"
	"github.com/suPer8Hu/phantom-rooms/internal/config"
	"github.com/suPer8Hu/phantom-rooms/internal/feed"
	"github.com/suPer8Hu/phantom-rooms/internal/httpapi/handlers"
	"github.com/suPer8Hu/phantom-rooms/internal/metrics"
	"github.com/suPer8Hu/phantom-rooms/internal/narrator"
	"github.com/suPer8Hu/phantom-rooms/internal/presence"
	"github.com/suPer8Hu/phantom-rooms/internal/spam"
)

const testSecret = "test-secret"

type fakeRunner struct {
	res *narrator.Result
	err error
	got []narrator.Request
}

func (f *fakeRunner) Invoke(ctx context.Context, req narrator.Request) (*narrator.Result, error) {
	f.got = append(f.got, req)
	return f.res, f.err
}

type testEnv struct {
	t       *testing.T
	db      *gorm.DB
	engine  *gin.Engine
	directs *chat.DirectStore
	runner  *fakeRunner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, chat.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	broker := feed.NewBroker(rdb, nil, m)
	rooms := chat.NewRoomStore(db, broker, nil, nil)
	directs := chat.NewDirectStore(db, broker, nil)
	guard := spam.NewGuard(spam.Config{MinInterval: time.Nanosecond}, chat.NewModeration(db), nil, m)
	runner := &fakeRunner{}

	cfg := config.Config{
		JWTSecret:     testSecret,
		HTTPRateRPS:   1000,
		HTTPRateBurst: 1000,
		Presence:      config.PresenceConfig{TTL: 30 * time.Second, TypingIdle: 2 * time.Second},
	}
	h := handlers.NewHandler(handlers.Deps{
		Cfg:      cfg,
		Metrics:  m,
		Rooms:    rooms,
		Directs:  directs,
		Guard:    guard,
		Presence: presence.NewChannel(rdb, cfg.Presence.TTL, nil),
		Feed:     broker,
		Narrator: runner,
	})

	require.NoError(t, db.Create(&chat.World{ID: "W1", OwnerUserID: 1, Name: "Eldoria"}).Error)
	require.NoError(t, db.Create(&chat.Room{ID: "R1", WorldID: "W1", Name: "Tavern"}).Error)
	require.NoError(t, db.Create(&chat.Room{ID: "R2", WorldID: "W1", Name: "Vault", StaffOnly: true}).Error)
	require.NoError(t, db.Create(&chat.Character{ID: "PC2", OwnerUserID: 2, Name: "Aria"}).Error)

	return &testEnv{t: t, db: db, engine: NewRouter(h, reg), directs: directs, runner: runner}
}

func (e *testEnv) token(uid uint64) string {
	tok, err := auth.SignJWT(uid, testSecret, time.Hour)
	require.NoError(e.t, err)
	return tok
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(uid uint64, method, path string, body any) (int, envelope) {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != 0 {
		req.Header.Set("Authorization", "Bearer "+e.token(uid))
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func (e *testEnv) acceptedFriendship(a, b uint64) string {
	ctx := context.Background()
	f, _, err := e.directs.RequestFriendship(ctx, a, b, "hi there")
	require.NoError(e.t, err)
	_, err = e.directs.RespondFriendship(ctx, f.ID, b, true)
	require.NoError(e.t, err)
	return f.ID
}

func TestRouter_PingMetricsAndAuth(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.do(0, http.MethodGet, "/ping", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 0, env.Code)

	code, env = e.do(0, http.MethodGet, "/rooms/R1/messages", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, 40101, env.Code)

	code, env = e.do(2, http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, 40400, env.Code)

	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "phantom_http_throttled_total")
}

func TestRouter_RoomMessageLifecycle(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.do(2, http.MethodPost, "/rooms/R1/messages", gin.H{"content": "  hello tavern  ", "character_id": "PC2"})
	require.Equal(t, http.StatusOK, code, env.Message)
	var sent struct {
		Message struct {
			ID          string `json:"id"`
			Content     string `json:"content"`
			DisplayType string `json:"display_type"`
			ClientID    string `json:"client_id"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sent))
	require.Equal(t, "hello tavern", sent.Message.Content)
	require.Equal(t, "dialogue", sent.Message.DisplayType)
	require.NotEmpty(t, sent.Message.ClientID)

	code, env = e.do(3, http.MethodGet, "/rooms/R1/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		Senders    map[string]struct{ Name string } `json:"senders"`
		NextBefore string                           `json:"next_before"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Messages, 1)
	require.Equal(t, "Aria", list.Senders["PC2"].Name)
	require.NotEmpty(t, list.NextBefore)

	path := "/rooms/R1/messages/" + sent.Message.ID
	code, env = e.do(3, http.MethodPatch, path, gin.H{"content": "hijack"})
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, 40301, env.Code)

	code, _ = e.do(2, http.MethodPatch, path, gin.H{"content": "hello again"})
	require.Equal(t, http.StatusOK, code)

	code, env = e.do(2, http.MethodPatch, path, gin.H{"content": "   "})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, 40001, env.Code)

	// world owner is staff and may delete anyone's message
	code, _ = e.do(3, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusForbidden, code)
	code, _ = e.do(1, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, code)

	code, env = e.do(2, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, 40401, env.Code)
}

func TestRouter_SendValidation(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.do(2, http.MethodPost, "/rooms/R1/messages", gin.H{"content": "   "})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, 40001, env.Code)

	code, env = e.do(2, http.MethodPost, "/rooms/R1/messages", gin.H{"content": "hi", "display_type": "shout"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, 10004, env.Code)

	code, _ = e.do(2, http.MethodPost, "/rooms/R2/messages", gin.H{"content": "let me in"})
	require.Equal(t, http.StatusForbidden, code)

	code, _ = e.do(2, http.MethodPost, "/rooms/NOPE/messages", gin.H{"content": "anyone?"})
	require.Equal(t, http.StatusNotFound, code)

	code, env = e.do(2, http.MethodPost, "/rooms/R1/messages", gin.H{"content": "hi", "reply_to_id": "MISSING"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, 40002, env.Code)
}

func TestRouter_SpamRejectionAndTimeoutClear(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.do(2, http.MethodPost, "/rooms/R1/messages", gin.H{"content": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	require.Equal(t, http.StatusTooManyRequests, code)
	require.Equal(t, 42902, env.Code)
	var rej struct {
		Gate     string `json:"gate"`
		Warnings int    `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &rej))
	require.Equal(t, "pattern", rej.Gate)
	require.Equal(t, 1, rej.Warnings)

	// three warnings escalate into a timeout that blocks even clean messages
	e.do(2, http.MethodPost, "/rooms/R1/messages", gin.H{"content": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"})
	e.do(2, http.MethodPost, "/rooms/R1/messages", gin.H{"content": "cccccccccccccccccccccccccccccc"})
	code, env = e.do(2, http.MethodPost, "/rooms/R1/messages", gin.H{"content": "sorry"})
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, 40302, env.Code)

	code, _ = e.do(3, http.MethodPost, "/moderation/timeouts/2/clear", gin.H{"scope": "room:R1"})
	require.Equal(t, http.StatusForbidden, code)
	code, env = e.do(1, http.MethodPost, "/moderation/timeouts/2/clear", gin.H{"scope": "bogus"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, 40005, env.Code)

	code, _ = e.do(1, http.MethodPost, "/moderation/timeouts/2/clear", gin.H{"scope": "room:R1"})
	require.Equal(t, http.StatusOK, code)
	code, env = e.do(2, http.MethodPost, "/rooms/R1/messages", gin.H{"content": "sorry"})
	require.Equal(t, http.StatusOK, code, env.Message)
}

func TestRouter_DirectMessages(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.do(2, http.MethodPost, "/friendships", gin.H{"addressee_id": 3, "starter_message": "want to roleplay?"})
	require.Equal(t, http.StatusOK, code, env.Message)
	var fr struct {
		Friendship struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"friendship"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &fr))
	fid := fr.Friendship.ID
	require.Equal(t, "pending", fr.Friendship.Status)

	code, env = e.do(2, http.MethodPost, "/dms/"+fid+"/messages", gin.H{"content": "hello?"})
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, 40303, env.Code)

	code, env = e.do(3, http.MethodGet, "/dms/"+fid+"/messages", nil)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(env.Data), "want to roleplay?")

	code, _ = e.do(2, http.MethodPost, "/friendships/"+fid+"/accept", nil)
	require.Equal(t, http.StatusForbidden, code)
	code, _ = e.do(3, http.MethodPost, "/friendships/"+fid+"/accept", nil)
	require.Equal(t, http.StatusOK, code)

	code, env = e.do(2, http.MethodPost, "/dms/"+fid+"/messages", gin.H{"content": "the door creaks", "display_type": "narrator"})
	require.Equal(t, http.StatusOK, code, env.Message)
	var sent struct {
		Message struct {
			ID          string `json:"id"`
			Content     string `json:"content"`
			DisplayType string `json:"display_type"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sent))
	require.Equal(t, "the door creaks", sent.Message.Content)
	require.Equal(t, "narrator", sent.Message.DisplayType)

	var stored chat.DirectMessage
	require.NoError(t, e.db.First(&stored, "id = ?", sent.Message.ID).Error)
	require.Equal(t, "*the door creaks*", stored.Content)

	code, _ = e.do(4, http.MethodGet, "/dms/"+fid+"/messages", nil)
	require.Equal(t, http.StatusNotFound, code)

	code, env = e.do(3, http.MethodGet, "/dms/"+fid+"/unread", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"unread":1}`, string(env.Data))
	code, env = e.do(3, http.MethodPost, "/dms/"+fid+"/read", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"marked":1}`, string(env.Data))
}

func TestRouter_Typing(t *testing.T) {
	e := newTestEnv(t)

	code, _ := e.do(2, http.MethodPost, "/rooms/R1/typing", gin.H{"typing": true, "character_id": "PC2", "display_name": "Aria"})
	require.Equal(t, http.StatusOK, code)

	code, env := e.do(3, http.MethodGet, "/rooms/R1/typing", nil)
	require.Equal(t, http.StatusOK, code)
	var got struct {
		Typing []presence.Record `json:"typing"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Len(t, got.Typing, 1)
	require.Equal(t, "character:PC2", got.Typing[0].ActorKey)

	// the typist does not see themselves
	code, env = e.do(2, http.MethodGet, "/rooms/R1/typing?character_id=PC2", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Empty(t, got.Typing)
}

func TestRouter_NarratorInvoke(t *testing.T) {
	e := newTestEnv(t)
	id := "AI1"
	e.runner.res = &narrator.Result{Plan: narrator.Plan{
		ShouldRespond: true,
		Responses:     []narrator.PlannedResponse{{CharacterID: &id, CharacterName: "Gruff", Content: "Aye", Type: "dialogue"}},
	}}

	body := gin.H{"worldId": "W1", "roomId": "R1", "triggerMessage": "hello", "triggerCharacterId": "PC2"}
	code, env := e.do(2, http.MethodPost, "/narrator/invoke", body)
	require.Equal(t, http.StatusOK, code, env.Message)
	require.Contains(t, string(env.Data), `"shouldRespond":true`)
	require.Len(t, e.runner.got, 1)
	require.Equal(t, "PC2", e.runner.got[0].TriggerCharacterID)

	code, env = e.do(2, http.MethodPost, "/narrator/invoke", gin.H{"worldId": "W1"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, 10001, env.Code)

	e.runner.err = fmt.Errorf("openrouter: %w", ai.ErrRateLimited)
	code, env = e.do(2, http.MethodPost, "/narrator/invoke", body)
	require.Equal(t, http.StatusTooManyRequests, code)
	require.Equal(t, 42903, env.Code)

	e.runner.err = fmt.Errorf("openrouter: %w", ai.ErrQuotaExhausted)
	code, env = e.do(2, http.MethodPost, "/narrator/invoke", body)
	require.Equal(t, http.StatusPaymentRequired, code)
	require.Equal(t, 40201, env.Code)

	// staff-only rooms stay closed to non-staff
	body["roomId"] = "R2"
	code, _ = e.do(2, http.MethodPost, "/narrator/invoke", body)
	require.Equal(t, http.StatusForbidden, code)
}

func readFrame(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f map[string]any
		require.NoError(t, conn.ReadJSON(&f))
		if f["type"] == typ {
			return f
		}
	}
}

func TestRouter_LiveSession(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	// seed one message so the snapshot is not empty
	code, _ := e.do(3, http.MethodPost, "/rooms/R1/messages", gin.H{"content": "already here"})
	require.Equal(t, http.StatusOK, code)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/R1?character_id=PC2&display_name=Aria&access_token=" + e.token(2)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	snap := readFrame(t, conn, "snapshot")
	data := snap["data"].(map[string]any)
	require.Len(t, data["messages"], 1)
	require.Equal(t, "character:PC2", data["actor_key"])

	require.NoError(t, conn.WriteJSON(gin.H{"type": "send", "ref": "s1", "content": "hello from the socket"}))
	f := readFrame(t, conn, "message")
	entry := f["data"].(map[string]any)["entry"].(map[string]any)
	require.Equal(t, "hello from the socket", entry["content"])

	require.NoError(t, conn.WriteJSON(gin.H{"type": "send", "ref": "s2", "content": "   "}))
	errFrame := readFrame(t, conn, "error")
	require.Equal(t, "s2", errFrame["ref"])
	require.EqualValues(t, 40001, errFrame["data"].(map[string]any)["code"])

	require.NoError(t, conn.WriteJSON(gin.H{"type": "dance", "ref": "s3"}))
	errFrame = readFrame(t, conn, "error")
	require.EqualValues(t, 10005, errFrame["data"].(map[string]any)["code"])

	// a message from someone else arrives through the change feed
	code, _ = e.do(3, http.MethodPost, "/rooms/R1/messages", gin.H{"content": "welcome, Aria"})
	require.Equal(t, http.StatusOK, code)
	for {
		f = readFrame(t, conn, "message")
		entry, _ = f["data"].(map[string]any)["entry"].(map[string]any)
		if entry != nil && entry["content"] == "welcome, Aria" {
			break
		}
	}
}

func TestRouter_LiveSessionRejectsOutsiders(t *testing.T) {
	e := newTestEnv(t)
	fid := e.acceptedFriendship(2, 3)

	code, env := e.do(4, http.MethodGet, "/ws/dms/"+fid, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, 40401, env.Code)
}
